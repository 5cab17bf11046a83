package security

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

const (
	// MaxOwnerLoginLength is the platform's limit for account logins.
	MaxOwnerLoginLength = 39

	// MaxRepoNameLength is the platform's limit for repository names.
	MaxRepoNameLength = 100

	// MaxBundlePathLength bounds a single file path inside a bundle.
	MaxBundlePathLength = 255
)

var (
	// Safe patterns for validation
	ownerPattern   = regexp.MustCompile(`^[a-zA-Z0-9](?:[a-zA-Z0-9]|-[a-zA-Z0-9])*$`)
	repoPattern    = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
	themePattern   = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
	segmentPattern = regexp.MustCompile(`^[a-zA-Z0-9_.@+-]+$`)
)

// ValidateOwnerLogin ensures an account login is well formed before it is
// placed into platform API paths.
func ValidateOwnerLogin(login string) error {
	if login == "" {
		return fmt.Errorf("owner login cannot be empty")
	}
	if len(login) > MaxOwnerLoginLength {
		return fmt.Errorf("owner login too long (maximum %d characters)", MaxOwnerLoginLength)
	}
	if !ownerPattern.MatchString(login) {
		return fmt.Errorf("owner login contains invalid characters (only a-z, A-Z, 0-9 and single inner '-' allowed)")
	}
	return nil
}

// ValidateRepoName ensures a repository name is well formed.
func ValidateRepoName(name string) error {
	if name == "" {
		return fmt.Errorf("repository name cannot be empty")
	}
	if len(name) > MaxRepoNameLength {
		return fmt.Errorf("repository name too long (maximum %d characters)", MaxRepoNameLength)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("repository name cannot be '.' or '..'")
	}
	if strings.HasSuffix(strings.ToLower(name), ".git") {
		return fmt.Errorf("repository name cannot end with '.git'")
	}
	if !repoPattern.MatchString(name) {
		return fmt.Errorf("repository name contains invalid characters (only a-z, A-Z, 0-9, _, ., - allowed)")
	}
	return nil
}

// ValidateThemeID ensures a theme identifier is a short lowercase slug.
func ValidateThemeID(id string) error {
	if id == "" {
		return fmt.Errorf("theme id cannot be empty")
	}
	if len(id) > 64 {
		return fmt.Errorf("theme id too long (maximum 64 characters)")
	}
	if !themePattern.MatchString(id) {
		return fmt.Errorf("theme id contains invalid characters (only a-z, 0-9, _, - allowed)")
	}
	return nil
}

// ValidateBundlePath prevents path traversal when a bundle is written into
// a repository. Paths must be clean, relative and slash separated. Writes
// into the repository's .git directory are refused.
func ValidateBundlePath(p string) error {
	if p == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if len(p) > MaxBundlePathLength {
		return fmt.Errorf("path too long (maximum %d characters)", MaxBundlePathLength)
	}
	if strings.Contains(p, `\`) {
		return fmt.Errorf("path must use '/' separators")
	}
	if strings.HasPrefix(p, "/") {
		return fmt.Errorf("path must be relative")
	}
	if path.Clean(p) != p {
		return fmt.Errorf("path is not clean")
	}

	for _, segment := range strings.Split(p, "/") {
		if segment == "." || segment == ".." {
			return fmt.Errorf("path contains traversal elements")
		}
		if strings.EqualFold(segment, ".git") {
			return fmt.Errorf("path cannot target the .git directory")
		}
		if !segmentPattern.MatchString(segment) {
			return fmt.Errorf("path segment %q contains invalid characters", segment)
		}
	}
	return nil
}
