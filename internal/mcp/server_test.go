package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/auditor/internal/audit"
	"github.com/fyrsmithlabs/auditor/internal/pipeline"
	"github.com/fyrsmithlabs/auditor/internal/rubric"
	"github.com/fyrsmithlabs/auditor/internal/state"
	"github.com/fyrsmithlabs/auditor/internal/store"
	"github.com/fyrsmithlabs/auditor/internal/workflow"
)

type MockAuditor struct {
	mock.Mock
}

func (m *MockAuditor) Run(ctx context.Context, req state.Request, mode pipeline.Mode) (*workflow.Run, error) {
	args := m.Called(ctx, req, mode)
	run, _ := args.Get(0).(*workflow.Run)
	return run, args.Error(1)
}

type MockReports struct {
	mock.Mock
}

func (m *MockReports) Get(ctx context.Context, id string) (*audit.Report, error) {
	args := m.Called(ctx, id)
	rep, _ := args.Get(0).(*audit.Report)
	return rep, args.Error(1)
}

type nilRubric struct{}

func (nilRubric) Current() *rubric.Rubric { return nil }

func testReport() *audit.Report {
	overall := 3.0
	return &audit.Report{
		ID:           "rep-1",
		OverallScore: &overall,
		Metadata:     audit.ReportMetadata{RunID: "run-1", RubricName: "repository-audit"},
		Verdicts: []audit.CriterionVerdict{
			{
				DimensionID: "craft", DimensionName: "Craft", FinalScore: audit.IntPtr(3),
				AppliedRules: []string{audit.RuleVarianceDissent}, DissentSummary: "prosecutor scored 2, defense scored 4",
				EvidenceRefs: []string{},
			},
			{
				DimensionID: "safety", DimensionName: "Safety", InsufficientOpinion: true,
				AppliedRules: []string{}, EvidenceRefs: []string{},
			},
		},
	}
}

func testRun(t *testing.T, status workflow.Status, rep *audit.Report) *workflow.Run {
	t.Helper()
	r := rubric.Default()
	st, err := state.New(state.Request{Rubric: r}).Merge(state.Fragment{
		Evidence: []audit.Evidence{
			audit.NewEvidence("git_history", "git_forensic_analysis", 0.9, "12 commits over 3 days"),
		},
		Failures: []audit.NodeFailure{{Stage: 1, Node: "docs", Kind: "collector_failure", Message: "no docs"}},
	})
	require.NoError(t, err)
	return &workflow.Run{ID: "run-1", Graph: pipeline.GraphFull, Status: status, State: st, Report: rep}
}

func newTestServer(t *testing.T, auditor Auditor, reports ReportReader) *Server {
	t.Helper()
	s, err := NewServer(nil, auditor, reports, rubric.NewHolder(rubric.Default()))
	require.NoError(t, err)
	return s
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(nil, nil, nil, rubric.NewHolder(rubric.Default()))
	assert.Error(t, err)

	_, err = NewServer(nil, &MockAuditor{}, nil, nil)
	assert.Error(t, err)

	s, err := NewServer(&Config{Name: "x", Version: "0"}, &MockAuditor{}, nil, rubric.NewHolder(rubric.Default()))
	require.NoError(t, err)
	assert.NotNil(t, s.logger)
}

func TestHandleAuditRun(t *testing.T) {
	ctx := context.Background()

	t.Run("completed", func(t *testing.T) {
		a := &MockAuditor{}
		a.On("Run", mock.Anything, mock.MatchedBy(func(req state.Request) bool {
			return req.Artifact.Ref == "/repo" && req.Rubric != nil && len(req.Artifact.Docs) == 1
		}), pipeline.ModeFull).Return(testRun(t, workflow.StatusCompleted, testReport()), nil)
		s := newTestServer(t, a, nil)

		res, out, err := s.handleAuditRun(ctx, nil, auditInput{Ref: "/repo", Docs: []string{"README.md"}})
		require.NoError(t, err)
		assert.False(t, res.IsError)
		assert.Equal(t, "run-1", out.RunID)
		assert.Equal(t, "completed", out.Status)
		assert.Equal(t, "rep-1", out.ReportID)
		require.Len(t, out.Verdicts, 2)
		assert.Equal(t, 3, *out.Verdicts[0].Score)
		assert.NotEmpty(t, out.Verdicts[0].Dissent)
		assert.Nil(t, out.Verdicts[1].Score)
		assert.Len(t, out.Failures, 1)

		text := res.Content[0].(*mcp.TextContent).Text
		assert.Contains(t, text, "Craft: 3 (dissent)")
		assert.Contains(t, text, "Safety: insufficient opinions")
		a.AssertExpectations(t)
	})

	t.Run("failed run is a tool-level error result", func(t *testing.T) {
		a := &MockAuditor{}
		run := testRun(t, workflow.StatusFailed, nil)
		a.On("Run", mock.Anything, mock.Anything, pipeline.ModeFull).
			Return(run, audit.NewError(audit.ErrWorkflowFatal, "execute", errors.New("context_builder failed")))
		s := newTestServer(t, a, nil)

		res, out, err := s.handleAuditRun(ctx, nil, auditInput{Ref: "/repo"})
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Equal(t, "failed", out.Status)
		assert.Empty(t, out.ReportID)
		assert.Contains(t, out.Error, "context_builder failed")
	})

	t.Run("missing ref", func(t *testing.T) {
		s := newTestServer(t, &MockAuditor{}, nil)
		_, _, err := s.handleAuditRun(ctx, nil, auditInput{Ref: "  "})
		assert.ErrorIs(t, err, audit.ErrValidation)
	})

	t.Run("unsafe input", func(t *testing.T) {
		s := newTestServer(t, &MockAuditor{}, nil)
		_, _, err := s.handleAuditRun(ctx, nil, auditInput{Ref: "-oProxyCommand=sh"})
		assert.ErrorIs(t, err, audit.ErrValidation)

		_, _, err = s.handleAuditRun(ctx, nil, auditInput{Ref: "/repo", Docs: []string{"/etc/passwd"}})
		assert.ErrorIs(t, err, audit.ErrValidation)
	})

	t.Run("run never started", func(t *testing.T) {
		a := &MockAuditor{}
		a.On("Run", mock.Anything, mock.Anything, pipeline.ModeFull).Return(nil, errors.New("boom"))
		s := newTestServer(t, a, nil)

		_, _, err := s.handleAuditRun(ctx, nil, auditInput{Ref: "/repo"})
		assert.EqualError(t, err, "boom")
	})

	t.Run("no rubric", func(t *testing.T) {
		s, err := NewServer(nil, &MockAuditor{}, nil, nilRubric{})
		require.NoError(t, err)
		_, _, err = s.handleAuditRun(ctx, nil, auditInput{Ref: "/repo"})
		assert.ErrorIs(t, err, errNoRubric)
	})
}

func TestHandleAuditEvidence(t *testing.T) {
	a := &MockAuditor{}
	run := testRun(t, workflow.StatusCompleted, nil)
	a.On("Run", mock.Anything, mock.Anything, pipeline.ModeEvidence).Return(run, nil)
	s := newTestServer(t, a, nil)

	res, out, err := s.handleAuditEvidence(context.Background(), nil, auditInput{Ref: "/repo"})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	require.Len(t, out.Evidence, 1)
	assert.Equal(t, "git_history", out.Evidence[0].Source)
	assert.Equal(t, "git_forensic_analysis", out.Evidence[0].DimensionID)
	assert.True(t, out.Evidence[0].Found)
	assert.Len(t, out.Failures, 1)
	a.AssertExpectations(t)
}

func TestHandleReportGet(t *testing.T) {
	ctx := context.Background()
	reports := &MockReports{}
	reports.On("Get", mock.Anything, "rep-1").Return(testReport(), nil)
	reports.On("Get", mock.Anything, "missing").Return(nil, store.ErrNotFound)
	s := newTestServer(t, &MockAuditor{}, reports)

	t.Run("json by default", func(t *testing.T) {
		_, out, err := s.handleReportGet(ctx, nil, reportGetInput{ID: "rep-1"})
		require.NoError(t, err)
		assert.Equal(t, "json", out.Format)

		var rep audit.Report
		require.NoError(t, json.Unmarshal([]byte(out.Content), &rep))
		assert.Equal(t, "rep-1", rep.ID)
	})

	t.Run("markdown", func(t *testing.T) {
		_, out, err := s.handleReportGet(ctx, nil, reportGetInput{ID: "rep-1", Format: "md"})
		require.NoError(t, err)
		assert.Equal(t, "markdown", out.Format)
		assert.Contains(t, out.Content, "# Audit Report")
	})

	t.Run("bad format", func(t *testing.T) {
		_, _, err := s.handleReportGet(ctx, nil, reportGetInput{ID: "rep-1", Format: "pdf"})
		assert.ErrorIs(t, err, audit.ErrValidation)
	})

	t.Run("missing id", func(t *testing.T) {
		_, _, err := s.handleReportGet(ctx, nil, reportGetInput{})
		assert.ErrorIs(t, err, audit.ErrValidation)
	})

	t.Run("not found", func(t *testing.T) {
		_, _, err := s.handleReportGet(ctx, nil, reportGetInput{ID: "missing"})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestServer_Session(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := &MockAuditor{}
	a.On("Run", mock.Anything, mock.Anything, pipeline.ModeFull).Return(testRun(t, workflow.StatusCompleted, testReport()), nil)
	reports := &MockReports{}
	s := newTestServer(t, a, reports)

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	ss, err := s.Connect(ctx, serverTransport)
	require.NoError(t, err)
	defer ss.Close()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "0.0.1"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	defer cs.Close()

	tools, err := cs.ListTools(ctx, nil)
	require.NoError(t, err)
	var names []string
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{toolAuditRun, toolAuditEvidence, toolReportGet}, names)

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      toolAuditRun,
		Arguments: map[string]any{"ref": "/repo"},
	})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	require.NotEmpty(t, res.Content)
	assert.Contains(t, res.Content[0].(*mcp.TextContent).Text, "Run run-1 completed")
}

func TestServer_ReportToolNeedsStore(t *testing.T) {
	s := newTestServer(t, &MockAuditor{}, nil)

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	ctx := context.Background()
	ss, err := s.Connect(ctx, serverTransport)
	require.NoError(t, err)
	defer ss.Close()

	cs, err := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "0.0.1"}, nil).Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	defer cs.Close()

	tools, err := cs.ListTools(ctx, nil)
	require.NoError(t, err)
	for _, tool := range tools.Tools {
		assert.NotEqual(t, toolReportGet, tool.Name)
	}
}
