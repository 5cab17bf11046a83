package fileutil

import (
	"os"
	"path/filepath"
)

// SystemConfigDir holds the system-wide configuration.
const SystemConfigDir = "/etc/foliodeploy"

// SearchPaths returns the first path that exists as a regular file, or ""
// when none does.
func SearchPaths(paths []string) string {
	for _, path := range paths {
		if FileExists(path) {
			return path
		}
	}
	return ""
}

// DefaultConfigPaths returns the config search order for filename:
// an explicit directory (if any), ./, ./config/, then SystemConfigDir.
func DefaultConfigPaths(filename, dir string) []string {
	var paths []string
	if dir != "" {
		paths = append(paths, filepath.Join(dir, filename))
	}
	return append(paths,
		filepath.Join(".", filename),
		filepath.Join(".", "config", filename),
		filepath.Join(SystemConfigDir, filename),
	)
}

// FindConfig searches the default locations for filename.
func FindConfig(filename, dir string) string {
	return SearchPaths(DefaultConfigPaths(filename, dir))
}

// FileExists checks if a file exists and is not a directory.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// DirExists checks if a directory exists.
func DirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}
