package sanitize

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/fyrsmithlabs/auditor/internal/audit"
)

// Validation errors.
var (
	// ErrPathTraversal indicates a path escapes the directory it must stay in.
	ErrPathTraversal = errors.New("path contains directory traversal")

	// ErrAbsolutePath indicates an absolute path where a relative one was expected.
	ErrAbsolutePath = errors.New("absolute path not allowed")

	// ErrEmptyPath indicates an empty path was provided.
	ErrEmptyPath = errors.New("path cannot be empty")

	// ErrInvalidRef indicates an artifact ref that cannot be checked out safely.
	ErrInvalidRef = errors.New("invalid artifact ref")
)

// remoteSchemes are the URL schemes accepted for cloned artifacts.
var remoteSchemes = map[string]bool{
	"https": true,
	"http":  true,
	"ssh":   true,
	"git":   true,
	"file":  true,
}

// ValidateRef checks an artifact ref before it reaches git or the
// filesystem. Refs may be local paths, URLs with a known scheme, or
// scp-style "git@host:path" addresses. Refs starting with "-" are rejected
// so they cannot be read as options. Violations are audit validation
// failures wrapping ErrInvalidRef.
func ValidateRef(ref string) error {
	if err := checkRef(ref); err != nil {
		return audit.Validationf("ref", "%w", err)
	}
	return nil
}

func checkRef(ref string) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("%w: ref is empty", ErrInvalidRef)
	}
	if strings.HasPrefix(ref, "-") {
		return fmt.Errorf("%w: %q looks like an option", ErrInvalidRef, ref)
	}
	for _, r := range ref {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: control character in ref", ErrInvalidRef)
		}
	}

	switch {
	case strings.Contains(ref, "://"):
		u, err := url.Parse(ref)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRef, err)
		}
		if !remoteSchemes[strings.ToLower(u.Scheme)] {
			return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidRef, u.Scheme)
		}
		if u.Scheme != "file" && u.Host == "" {
			return fmt.Errorf("%w: missing host", ErrInvalidRef)
		}
	case strings.HasPrefix(ref, "git@"):
		host, repo, ok := strings.Cut(strings.TrimPrefix(ref, "git@"), ":")
		if !ok || host == "" || repo == "" {
			return fmt.Errorf("%w: expected git@host:path", ErrInvalidRef)
		}
	}
	return nil
}

// ValidateDocPath checks a document path named relative to the artifact
// root and returns it cleaned, with forward slashes. Violations are audit
// validation failures wrapping ErrEmptyPath, ErrAbsolutePath or
// ErrPathTraversal.
func ValidateDocPath(p string) (string, error) {
	clean, err := cleanDocPath(p)
	if err != nil {
		return "", audit.Validationf("docs", "%w", err)
	}
	return clean, nil
}

func cleanDocPath(p string) (string, error) {
	if p == "" {
		return "", ErrEmptyPath
	}
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: %s", ErrAbsolutePath, p)
	}
	clean := filepath.ToSlash(filepath.Clean(p))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, p)
	}
	if clean == "." {
		return "", ErrEmptyPath
	}
	return clean, nil
}

// ValidateDocPaths validates each path with ValidateDocPath.
func ValidateDocPaths(paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		clean, err := ValidateDocPath(p)
		if err != nil {
			return nil, err
		}
		out = append(out, clean)
	}
	return out, nil
}

// ResolveWithin joins rel onto root and returns the absolute result,
// failing if it would land outside root.
func ResolveWithin(root, rel string) (string, error) {
	clean, err := ValidateDocPath(rel)
	if err != nil {
		return "", err
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolving root: %w", err)
	}
	abs := filepath.Join(absRoot, filepath.FromSlash(clean))
	r, err := filepath.Rel(absRoot, abs)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", audit.Validationf("docs", "%w: %s escapes %s", ErrPathTraversal, rel, root)
	}
	return abs, nil
}
