package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/auditor/internal/audit"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "reports.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testReport(id, ref string, completed time.Time, score *float64) *audit.Report {
	return &audit.Report{
		ID:           id,
		OverallScore: score,
		Metadata: audit.ReportMetadata{
			RunID:       "run-" + id,
			Artifact:    audit.Artifact{Ref: ref, Path: "/tmp/" + id},
			RubricName:  "repository-audit",
			StartedAt:   completed.Add(-time.Minute),
			CompletedAt: completed,
			Synthesis:   "deterministic",
		},
		Verdicts: []audit.CriterionVerdict{
			{DimensionID: "safety", DimensionName: "Safety", FinalScore: audit.IntPtr(3), AppliedRules: []string{audit.RuleSecurityOverride}, EvidenceRefs: []string{"e1"}},
			{DimensionID: "docs", DimensionName: "Docs", InsufficientOpinion: true, AppliedRules: []string{audit.RuleInsufficientOpinion}, EvidenceRefs: []string{}},
		},
		Failures: []audit.NodeFailure{{Stage: 1, Node: "secrets", Kind: "collector_failure", Message: "timeout"}},
	}
}

func floatPtr(v float64) *float64 { return &v }

func TestStore_SaveAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	completed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	want := testReport("r1", "https://example.com/repo.git", completed, floatPtr(3.25))

	require.NoError(t, s.Save(ctx, want))

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, *want.OverallScore, *got.OverallScore)
	assert.Equal(t, want.Metadata.Artifact, got.Metadata.Artifact)
	assert.True(t, want.Metadata.CompletedAt.Equal(got.Metadata.CompletedAt))
	require.Len(t, got.Verdicts, 2)
	assert.Equal(t, 3, *got.Verdicts[0].FinalScore)
	assert.Nil(t, got.Verdicts[1].FinalScore)
	assert.True(t, got.Verdicts[1].InsufficientOpinion)
	assert.Equal(t, want.Failures, got.Failures)
}

func TestStore_SaveErrors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	assert.Error(t, s.Save(ctx, nil))
	assert.Error(t, s.Save(ctx, &audit.Report{}))

	r := testReport("dup", "repo", time.Now(), nil)
	require.NoError(t, s.Save(ctx, r))
	assert.Error(t, s.Save(ctx, r), "reports are immutable")
}

func TestStore_GetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_List(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Save(ctx, testReport("old", "repo-a", base, floatPtr(2))))
	require.NoError(t, s.Save(ctx, testReport("new", "repo-a", base.Add(time.Hour), nil)))
	require.NoError(t, s.Save(ctx, testReport("other", "repo-b", base.Add(30*time.Minute), floatPtr(4.5))))

	t.Run("newest first", func(t *testing.T) {
		list, err := s.List(ctx, ListOptions{})
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, []string{"new", "other", "old"}, []string{list[0].ID, list[1].ID, list[2].ID})
		assert.Nil(t, list[0].OverallScore)
		assert.Equal(t, 4.5, *list[1].OverallScore)
		assert.Equal(t, 2, list[1].Verdicts)
		assert.Equal(t, 1, list[1].Failures)
		assert.Equal(t, "run-other", list[1].RunID)
		assert.True(t, base.Add(30*time.Minute).Equal(list[1].CompletedAt))
	})

	t.Run("by artifact", func(t *testing.T) {
		list, err := s.List(ctx, ListOptions{ArtifactRef: "repo-a"})
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "new", list[0].ID)
	})

	t.Run("limit", func(t *testing.T) {
		list, err := s.List(ctx, ListOptions{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("empty", func(t *testing.T) {
		list, err := s.List(ctx, ListOptions{ArtifactRef: "unknown"})
		require.NoError(t, err)
		assert.NotNil(t, list)
		assert.Empty(t, list)
	})
}

func TestStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), testReport("kept", "repo", time.Now(), nil)))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Get(context.Background(), "kept")
	assert.NoError(t, err)
}

func TestOpen_DriverError(t *testing.T) {
	orig := openDB
	t.Cleanup(func() { openDB = orig })
	boom := errors.New("driver unavailable")
	openDB = func(driver, dsn string) (*sql.DB, error) { return nil, boom }

	_, err := Open(filepath.Join(t.TempDir(), "reports.db"))
	assert.ErrorIs(t, err, boom)
}
