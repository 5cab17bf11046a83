package content

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"foliodeploy/internal/security"
)

// fingerprintDomain versions the hash framing. Changing the framing must
// change this string so old fingerprints never collide with new ones.
const fingerprintDomain = "foliodeploy/bundle/v1"

// MaxFiles bounds the number of files in one bundle.
const MaxFiles = 5000

// File is one file of a rendered site, addressed by its slash-separated
// path relative to the repository root.
type File struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
}

// Bundle is an immutable, packaged site artifact.
type Bundle struct {
	Files       []File `json:"files"`
	ThemeID     string `json:"theme_id"`
	Fingerprint string `json:"fingerprint"`
}

// Package validates files, orders them by path and computes the bundle
// fingerprint. The input slice is not modified.
func Package(files []File, themeID string) (*Bundle, error) {
	if err := security.ValidateThemeID(themeID); err != nil {
		return nil, fmt.Errorf("invalid theme: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("bundle has no files")
	}
	if len(files) > MaxFiles {
		return nil, fmt.Errorf("bundle has %d files (maximum %d)", len(files), MaxFiles)
	}

	ordered := make([]File, len(files))
	copy(ordered, files)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Path < ordered[j].Path })

	for i, f := range ordered {
		if err := security.ValidateBundlePath(f.Path); err != nil {
			return nil, fmt.Errorf("file %q: %w", f.Path, err)
		}
		if i > 0 && ordered[i-1].Path == f.Path {
			return nil, fmt.Errorf("duplicate file path %q", f.Path)
		}
	}

	return &Bundle{
		Files:       ordered,
		ThemeID:     themeID,
		Fingerprint: Fingerprint(ordered, themeID),
	}, nil
}

// Fingerprint hashes the theme and the files in the given order. Every
// field is length-prefixed so distinct inputs cannot produce the same
// byte stream.
func Fingerprint(files []File, themeID string) string {
	h := sha256.New()
	writeField(h, []byte(fingerprintDomain))
	writeField(h, []byte(themeID))
	for _, f := range files {
		writeField(h, []byte(f.Path))
		writeField(h, f.Content)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	h.Write(n[:])
	h.Write(b)
}

// ShortFingerprint returns the leading characters of a fingerprint, for
// commit messages and logs.
func ShortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

// Size returns the total content size in bytes.
func (b *Bundle) Size() int {
	total := 0
	for _, f := range b.Files {
		total += len(f.Content)
	}
	return total
}

// LoadDir packages every regular file under root, skipping .git.
func LoadDir(root, themeID string) (*Bundle, error) {
	var files []File
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		files = append(files, File{Path: filepath.ToSlash(rel), Content: data})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk site directory: %w", err)
	}
	return Package(files, themeID)
}
