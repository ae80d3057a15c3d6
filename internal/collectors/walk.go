package collectors

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fyrsmithlabs/auditor/internal/ignore"
)

var errStopWalk = errors.New("stop walk")

var skippedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	".venv":        true,
	"venv":         true,
	"__pycache__":  true,
	"dist":         true,
	"build":        true,
}

// walkFiles calls fn for every regular text file under root, in lexical
// order, up to the limits. Files matched by the root's .gitignore or
// .auditignore are skipped. rel uses forward slashes. It returns the
// number of files visited.
func walkFiles(ctx context.Context, root string, limits Limits, accept func(rel string) bool, fn func(rel string, data []byte) error) (int, error) {
	limits = limits.orDefault()
	ignored, err := ignore.NewParser(ignore.DefaultFiles, nil).ParseProject(root)
	if err != nil {
		// Unreadable ignore files only widen the scan.
		ignored = nil
	}
	visited := 0
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if skippedDirs[d.Name()] || ignored.Match(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || ignored.Match(rel, false) {
			return nil
		}
		if accept != nil && !accept(rel) {
			return nil
		}
		if visited >= limits.MaxFiles {
			return errStopWalk
		}
		info, err := d.Info()
		if err != nil || info.Size() > limits.MaxFileBytes {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		if isBinary(data) {
			return nil
		}
		visited++
		return fn(rel, data)
	})
	if errors.Is(err, errStopWalk) {
		err = nil
	}
	return visited, err
}

func isBinary(data []byte) bool {
	n := len(data)
	if n > 8000 {
		n = 8000
	}
	return bytes.IndexByte(data[:n], 0) >= 0
}

// lineOf returns the 1-based line containing byte offset off.
func lineOf(data []byte, off int) int {
	return bytes.Count(data[:off], []byte{'\n'}) + 1
}
