package sanitize

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/fyrsmithlabs/auditor/internal/audit"
)

func TestValidateRef(t *testing.T) {
	tests := []struct {
		name    string
		ref     string
		wantErr bool
	}{
		{name: "local relative", ref: "./service"},
		{name: "local absolute", ref: "/srv/repos/api"},
		{name: "https", ref: "https://github.com/acme/api.git"},
		{name: "ssh", ref: "ssh://git@github.com/acme/api.git"},
		{name: "file url", ref: "file:///srv/repos/api"},
		{name: "scp style", ref: "git@github.com:acme/api.git"},
		{name: "empty", ref: "", wantErr: true},
		{name: "blank", ref: "   ", wantErr: true},
		{name: "option injection", ref: "--upload-pack=touch /tmp/x", wantErr: true},
		{name: "control character", ref: "repo\nrm", wantErr: true},
		{name: "unsupported url scheme", ref: "ftp://host/repo", wantErr: true},
		{name: "missing host", ref: "https:///repo", wantErr: true},
		{name: "scp without path", ref: "git@github.com", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRef(tt.ref)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidRef) || !errors.Is(err, audit.ErrValidation) {
					t.Errorf("ValidateRef(%q) = %v, want an ErrInvalidRef validation failure", tt.ref, err)
				}
				return
			}
			if err != nil {
				t.Errorf("ValidateRef(%q) unexpected error: %v", tt.ref, err)
			}
		})
	}
}

func TestValidateDocPath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		want    string
		wantErr error
	}{
		{name: "simple", path: "README.md", want: "README.md"},
		{name: "nested", path: "docs/guide.md", want: "docs/guide.md"},
		{name: "cleaned", path: "./docs//guide.md", want: "docs/guide.md"},
		{name: "inner dots stay inside", path: "docs/../README.md", want: "README.md"},
		{name: "dotted name", path: "docs/..notes.md", want: "docs/..notes.md"},
		{name: "empty", path: "", wantErr: ErrEmptyPath},
		{name: "dot", path: ".", wantErr: ErrEmptyPath},
		{name: "absolute", path: "/etc/passwd", wantErr: ErrAbsolutePath},
		{name: "traversal", path: "../secrets.md", wantErr: ErrPathTraversal},
		{name: "traversal after clean", path: "docs/../../x.md", wantErr: ErrPathTraversal},
		{name: "parent only", path: "..", wantErr: ErrPathTraversal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateDocPath(tt.path)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) || !errors.Is(err, audit.ErrValidation) {
					t.Errorf("ValidateDocPath(%q) error = %v, want %v as a validation failure", tt.path, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateDocPath(%q) unexpected error: %v", tt.path, err)
			}
			if got != tt.want {
				t.Errorf("ValidateDocPath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestValidateDocPaths(t *testing.T) {
	got, err := ValidateDocPaths([]string{"./README.md", "docs/a.md"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0] != "README.md" || got[1] != "docs/a.md" {
		t.Errorf("got %v", got)
	}

	if _, err := ValidateDocPaths([]string{"ok.md", "../bad.md"}); !errors.Is(err, ErrPathTraversal) {
		t.Errorf("expected ErrPathTraversal, got %v", err)
	}

	got, err = ValidateDocPaths(nil)
	if err != nil || got != nil {
		t.Errorf("nil input = %v, %v", got, err)
	}
}

func TestResolveWithin(t *testing.T) {
	root := t.TempDir()

	got, err := ResolveWithin(root, "docs/guide.md")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := filepath.Join(root, "docs", "guide.md"); got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	if _, err := ResolveWithin(root, "../outside.md"); !errors.Is(err, ErrPathTraversal) {
		t.Errorf("expected ErrPathTraversal, got %v", err)
	}
	if _, err := ResolveWithin(root, "/etc/passwd"); !errors.Is(err, ErrAbsolutePath) {
		t.Errorf("expected ErrAbsolutePath, got %v", err)
	}
}
