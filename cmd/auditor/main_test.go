package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/auditor/internal/audit"
	"github.com/fyrsmithlabs/auditor/internal/collectors"
	"github.com/fyrsmithlabs/auditor/internal/store"
	"github.com/fyrsmithlabs/auditor/internal/workflow"
)

// setupEnv isolates config and data under a temporary home.
func setupEnv(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("AUDITOR_LOGGING_LEVEL", "error")
	t.Setenv("AUDITOR_STORE_PATH", filepath.Join(home, "reports.db"))
	return home
}

func fixtureDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"README.md": "# Fixture\n\nThe entrypoint is `main.go`; helpers live in `missing/helpers.go`.\n",
		"main.go":   "package main\n\nfunc main() {}\n",
	}
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
	}
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestRootCmd_Subcommands(t *testing.T) {
	cmd := newRootCmd(&bytes.Buffer{})
	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"run", "evidence", "serve", "mcp", "reports", "watch"} {
		assert.Contains(t, names, want)
	}
}

func TestRun_JSONReportIsStored(t *testing.T) {
	home := setupEnv(t)
	dir := fixtureDir(t)

	out, err := execute(t, "run", "--format", "json", dir)
	require.NoError(t, err, out)

	var rep audit.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.NotEmpty(t, rep.ID)
	assert.Equal(t, "repository-audit", rep.Metadata.RubricName)
	assert.Len(t, rep.Verdicts, 4)

	s, err := store.Open(filepath.Join(home, "reports.db"))
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(context.Background(), rep.ID)
	require.NoError(t, err)
	assert.Equal(t, rep.ID, got.ID)

	listed, err := execute(t, "reports", "list")
	require.NoError(t, err)
	assert.Contains(t, listed, rep.ID)

	shown, err := execute(t, "reports", "show", rep.ID)
	require.NoError(t, err)
	assert.Contains(t, shown, "# Audit Report")

	_, err = execute(t, "reports", "show", "nope")
	assert.ErrorContains(t, err, "not found")
}

func TestRun_Summary(t *testing.T) {
	setupEnv(t)
	out, err := execute(t, "run", fixtureDir(t))
	require.NoError(t, err, out)
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "repository-audit")
	assert.Regexp(t, regexp.MustCompile(`Report\S*\s+\S+`), out)
}

func TestEvidence_JSON(t *testing.T) {
	setupEnv(t)
	out, err := execute(t, "evidence", "--format", "json", fixtureDir(t))
	require.NoError(t, err, out)

	var got evidenceOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, workflow.StatusCompleted, got.Status)
	assert.NotEmpty(t, got.Evidence)

	var missing bool
	for _, e := range got.Evidence {
		if e.Subject == collectors.SubjectPathPrefix+"missing/helpers.go" && !e.Found {
			missing = true
		}
	}
	assert.True(t, missing, "cross reference records the missing path")
}

func TestRun_Errors(t *testing.T) {
	setupEnv(t)

	_, err := execute(t, "run", "--format", "xml", fixtureDir(t))
	assert.ErrorContains(t, err, "unknown format")

	_, err = execute(t, "run")
	assert.Error(t, err)

	_, err = execute(t, "run", "--rubric", filepath.Join(t.TempDir(), "none.yaml"), fixtureDir(t))
	assert.Error(t, err)

	out, err := execute(t, "run", filepath.Join(t.TempDir(), "does-not-exist"))
	assert.ErrorIs(t, err, errRunFailed)
	assert.Contains(t, out, "failed")
}

func TestReports_StoreDisabled(t *testing.T) {
	setupEnv(t)
	t.Setenv("AUDITOR_STORE_ENABLED", "false")

	_, err := execute(t, "reports", "list")
	assert.ErrorIs(t, err, errStoreDisabled)
}
