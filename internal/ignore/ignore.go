// Package ignore decides which repository files collectors skip, from
// gitignore-style files at the artifact root.
package ignore

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// DefaultFiles are the ignore files read from an artifact root.
var DefaultFiles = []string{".gitignore", ".auditignore"}

// Parser reads gitignore-style files.
type Parser struct {
	// IgnoreFiles is the list of ignore file names to look for.
	IgnoreFiles []string

	// FallbackPatterns apply when none of IgnoreFiles exist.
	FallbackPatterns []string
}

// NewParser creates a parser for the given ignore files.
func NewParser(ignoreFiles, fallbackPatterns []string) *Parser {
	return &Parser{
		IgnoreFiles:      ignoreFiles,
		FallbackPatterns: fallbackPatterns,
	}
}

// Matcher reports whether a root-relative path is ignored. A nil Matcher
// ignores nothing.
type Matcher struct {
	patterns []string
	m        gitignore.Matcher
}

// ParseProject reads every ignore file at projectRoot, in order, and
// returns a matcher over their combined patterns. Later patterns win, so
// negations in .auditignore can re-include files .gitignore excludes.
// Only root-level ignore files are read.
func (p *Parser) ParseProject(projectRoot string) (*Matcher, error) {
	var lines []string
	foundAny := false

	for _, name := range p.IgnoreFiles {
		filePatterns, err := parseFile(filepath.Join(projectRoot, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		lines = append(lines, filePatterns...)
		foundAny = true
	}
	if !foundAny {
		lines = p.FallbackPatterns
	}
	return newMatcher(deduplicate(lines)), nil
}

// Patterns returns the patterns in effect.
func (m *Matcher) Patterns() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.patterns...)
}

// Match reports whether rel, a slash-separated path relative to the
// project root, is ignored.
func (m *Matcher) Match(rel string, isDir bool) bool {
	if m == nil || len(m.patterns) == 0 {
		return false
	}
	rel = strings.Trim(filepath.ToSlash(rel), "/")
	if rel == "" || rel == "." {
		return false
	}
	return m.m.Match(strings.Split(rel, "/"), isDir)
}

func newMatcher(lines []string) *Matcher {
	ps := make([]gitignore.Pattern, 0, len(lines))
	for _, l := range lines {
		ps = append(ps, gitignore.ParsePattern(l, nil))
	}
	return &Matcher{patterns: lines, m: gitignore.NewMatcher(ps)}
}

// parseFile reads one gitignore-style file.
func parseFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var patterns []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if pattern := parseLine(scanner.Text()); pattern != "" {
			patterns = append(patterns, pattern)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return patterns, nil
}

// parseLine returns the pattern on a line, or "" for comments and blank
// lines. Trailing whitespace is dropped unless escaped.
func parseLine(line string) string {
	line = strings.TrimSuffix(line, "\r")
	if strings.HasSuffix(line, `\ `) {
		line = strings.TrimRight(line[:len(line)-2], " \t") + `\ `
	} else {
		line = strings.TrimRight(line, " \t")
	}
	if line == "" || strings.HasPrefix(line, "#") {
		return ""
	}
	return line
}

// deduplicate removes duplicate patterns, keeping the last occurrence so
// precedence between patterns and negations is preserved.
func deduplicate(patterns []string) []string {
	last := make(map[string]int, len(patterns))
	for i, p := range patterns {
		last[p] = i
	}
	result := make([]string, 0, len(last))
	for i, p := range patterns {
		if last[p] == i {
			result = append(result, p)
		}
	}
	return result
}
