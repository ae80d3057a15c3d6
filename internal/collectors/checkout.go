package collectors

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/google/uuid"

	"github.com/fyrsmithlabs/auditor/internal/sanitize"
)

// IsRemote reports whether ref names a repository to clone rather than a
// local path.
func IsRemote(ref string) bool {
	return strings.Contains(ref, "://") || strings.HasPrefix(ref, "git@")
}

// Checkout returns a local path for ref. Local paths are returned
// absolute; remote refs are cloned with full history into a fresh
// directory under dir, which the caller owns.
func Checkout(ctx context.Context, ref, dir string) (string, error) {
	if !IsRemote(ref) {
		abs, err := filepath.Abs(ref)
		if err != nil {
			return "", fmt.Errorf("resolving %s: %w", ref, err)
		}
		return abs, nil
	}

	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating clone dir: %w", err)
	}
	if err := sanitize.ValidateRef(ref); err != nil {
		return "", err
	}
	dest := filepath.Join(dir, sanitize.RepoName(ref)+"-"+uuid.NewString()[:8])

	if _, err := git.PlainCloneContext(ctx, dest, false, &git.CloneOptions{URL: ref}); err != nil {
		_ = os.RemoveAll(dest)
		return "", fmt.Errorf("cloning %s: %w", ref, err)
	}
	return dest, nil
}
