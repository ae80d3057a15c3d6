// Package sanitize validates caller-supplied artifact refs and document
// paths, and derives filesystem-safe names from them.
package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	// MaxIdentifierLength is the longest name Identifier returns.
	MaxIdentifierLength = 64

	// HashSuffixLength is the length of the "_<8 hex>" suffix added to
	// truncated identifiers.
	HashSuffixLength = 9

	// DefaultIdentifier is used when sanitization produces an empty result.
	DefaultIdentifier = "repo"
)

// Identifier lowercases s and replaces anything outside [a-z0-9_-] with
// underscores, collapsing runs and trimming the ends. Results longer than
// MaxIdentifierLength are truncated with a hash suffix so distinct inputs
// stay distinct.
//
//	"github.com/acme/API.git" -> "github_com_acme_api_git"
//	"" or "!!!"               -> "repo"
func Identifier(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}

	out := b.String()
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	out = strings.Trim(out, "_-")
	if out == "" {
		return DefaultIdentifier
	}
	if len(out) > MaxIdentifierLength {
		out = truncateWithHash(out)
	}
	return out
}

// RepoName returns a directory name for the repository a ref points at:
// the last path element without a .git suffix.
//
//	"https://github.com/acme/api.git" -> "api"
//	"git@github.com:acme/api.git"     -> "api"
func RepoName(ref string) string {
	ref = strings.TrimRight(ref, "/")
	if i := strings.LastIndexAny(ref, "/:"); i >= 0 {
		ref = ref[i+1:]
	}
	return Identifier(strings.TrimSuffix(ref, ".git"))
}

func truncateWithHash(s string) string {
	hash := sha256.Sum256([]byte(s))
	suffix := "_" + hex.EncodeToString(hash[:])[:8]
	return strings.TrimRight(s[:MaxIdentifierLength-HashSuffixLength], "_-") + suffix
}
