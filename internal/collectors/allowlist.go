package collectors

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/BurntSushi/toml"
)

var (
	// ErrInvalidAllowlist is returned for unparsable allowlist files or
	// patterns that do not compile.
	ErrInvalidAllowlist = errors.New("invalid allowlist")
)

// ProjectAllowlistFile is read from the artifact root when present.
const ProjectAllowlistFile = ".gitleaks.toml"

// Allowlist excludes paths and matched content from secret findings.
type Allowlist struct {
	Paths   []string
	Regexes []string

	paths   []*regexp.Regexp
	regexes []*regexp.Regexp
}

// LoadAllowlists merges the project allowlist under projectDir with the
// file at userPath. Missing files are skipped; either argument may be empty.
func LoadAllowlists(projectDir, userPath string) (*Allowlist, error) {
	merged := &Allowlist{}
	var files []string
	if projectDir != "" {
		files = append(files, filepath.Join(projectDir, ProjectAllowlistFile))
	}
	if userPath != "" {
		files = append(files, userPath)
	}
	for _, f := range files {
		a, err := loadAllowlistFile(f)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		merged.Paths = append(merged.Paths, a.Paths...)
		merged.Regexes = append(merged.Regexes, a.Regexes...)
	}
	if err := merged.compile(); err != nil {
		return nil, err
	}
	return merged, nil
}

func loadAllowlistFile(path string) (*Allowlist, error) {
	var doc struct {
		Allowlist struct {
			Paths   []string `toml:"paths"`
			Regexes []string `toml:"regexes"`
		} `toml:"allowlist"`
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAllowlist, path, err)
	}
	return &Allowlist{Paths: doc.Allowlist.Paths, Regexes: doc.Allowlist.Regexes}, nil
}

func (a *Allowlist) compile() error {
	a.paths, a.regexes = nil, nil
	for _, p := range a.Paths {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("%w: path pattern %q: %v", ErrInvalidAllowlist, p, err)
		}
		a.paths = append(a.paths, re)
	}
	for _, p := range a.Regexes {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("%w: content pattern %q: %v", ErrInvalidAllowlist, p, err)
		}
		a.regexes = append(a.regexes, re)
	}
	return nil
}

// AllowsPath reports whether findings in rel are ignored.
func (a *Allowlist) AllowsPath(rel string) bool {
	if a == nil {
		return false
	}
	for _, re := range a.paths {
		if re.MatchString(rel) {
			return true
		}
	}
	return false
}

// AllowsMatch reports whether a matched secret is ignored.
func (a *Allowlist) AllowsMatch(match string) bool {
	if a == nil {
		return false
	}
	for _, re := range a.regexes {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}
