package content

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleFiles() []File {
	return []File{
		{Path: "index.html", Content: []byte("<h1>Ada</h1>")},
		{Path: "assets/style.css", Content: []byte("body{}")},
		{Path: ".nojekyll", Content: nil},
	}
}

func TestPackage_OrdersFilesAndFingerprints(t *testing.T) {
	files := sampleFiles()

	b, err := Package(files, "minimal")
	require.NoError(t, err)

	paths := make([]string, len(b.Files))
	for i, f := range b.Files {
		paths[i] = f.Path
	}
	assert.Equal(t, []string{".nojekyll", "assets/style.css", "index.html"}, paths)
	assert.Equal(t, "minimal", b.ThemeID)
	assert.Len(t, b.Fingerprint, 64)

	// input untouched
	assert.Equal(t, "index.html", files[0].Path)
}

func TestPackage_Deterministic(t *testing.T) {
	a, err := Package(sampleFiles(), "minimal")
	require.NoError(t, err)

	reversed := sampleFiles()
	for i, j := 0, len(reversed)-1; i < j; i, j = i+1, j-1 {
		reversed[i], reversed[j] = reversed[j], reversed[i]
	}
	b, err := Package(reversed, "minimal")
	require.NoError(t, err)

	assert.Equal(t, a.Fingerprint, b.Fingerprint)
}

func TestPackage_FingerprintSensitivity(t *testing.T) {
	base, err := Package(sampleFiles(), "minimal")
	require.NoError(t, err)

	otherTheme, err := Package(sampleFiles(), "creative")
	require.NoError(t, err)
	assert.NotEqual(t, base.Fingerprint, otherTheme.Fingerprint)

	edited := sampleFiles()
	edited[0].Content = []byte("<h1>Ada L.</h1>")
	editedBundle, err := Package(edited, "minimal")
	require.NoError(t, err)
	assert.NotEqual(t, base.Fingerprint, editedBundle.Fingerprint)

	renamed := sampleFiles()
	renamed[0].Path = "home.html"
	renamedBundle, err := Package(renamed, "minimal")
	require.NoError(t, err)
	assert.NotEqual(t, base.Fingerprint, renamedBundle.Fingerprint)
}

func TestFingerprint_FieldFraming(t *testing.T) {
	// Moving bytes between path and content must not collide.
	a := Fingerprint([]File{{Path: "ab", Content: []byte("c")}}, "t")
	b := Fingerprint([]File{{Path: "a", Content: []byte("bc")}}, "t")
	assert.NotEqual(t, a, b)
}

func TestPackage_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		files []File
		theme string
	}{
		{"empty bundle", nil, "minimal"},
		{"bad theme", sampleFiles(), "Bad Theme"},
		{"traversal", []File{{Path: "../escape.html"}}, "minimal"},
		{"git dir", []File{{Path: ".git/config"}}, "minimal"},
		{"duplicate", []File{{Path: "a.html"}, {Path: "a.html"}}, "minimal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Package(tt.files, tt.theme)
			assert.Error(t, err)
		})
	}
}

func TestPackage_TooManyFiles(t *testing.T) {
	files := make([]File, MaxFiles+1)
	for i := range files {
		files[i] = File{Path: "pages/p" + strconv.Itoa(i) + ".html"}
	}
	_, err := Package(files, "minimal")
	assert.Error(t, err)
}

func TestLoadDir(t *testing.T) {
	root := t.TempDir()
	write := func(rel, body string) {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	write("index.html", "<h1>Ada</h1>")
	write("assets/style.css", "body{}")
	write(".github/workflows/pages.yml", "on: push")
	write(".git/HEAD", "ref: refs/heads/main")

	b, err := LoadDir(root, "minimal")
	require.NoError(t, err)

	var paths []string
	for _, f := range b.Files {
		paths = append(paths, f.Path)
	}
	assert.Equal(t, []string{".github/workflows/pages.yml", "assets/style.css", "index.html"}, paths)

	same, err := Package([]File{
		{Path: "index.html", Content: []byte("<h1>Ada</h1>")},
		{Path: "assets/style.css", Content: []byte("body{}")},
		{Path: ".github/workflows/pages.yml", Content: []byte("on: push")},
	}, "minimal")
	require.NoError(t, err)
	assert.Equal(t, same.Fingerprint, b.Fingerprint)
	assert.Equal(t, len("<h1>Ada</h1>")+len("body{}")+len("on: push"), b.Size())
}

func TestShortFingerprint(t *testing.T) {
	assert.Equal(t, "0123456789ab", ShortFingerprint("0123456789abcdef"))
	assert.Equal(t, "abc", ShortFingerprint("abc"))
}
