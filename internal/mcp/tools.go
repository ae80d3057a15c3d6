package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/auditor/internal/audit"
	"github.com/fyrsmithlabs/auditor/internal/pipeline"
	"github.com/fyrsmithlabs/auditor/internal/report"
	"github.com/fyrsmithlabs/auditor/internal/sanitize"
	"github.com/fyrsmithlabs/auditor/internal/state"
)

const (
	toolAuditRun      = "audit_run"
	toolAuditEvidence = "audit_evidence"
	toolReportGet     = "report_get"
)

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        toolAuditRun,
		Description: "Audit a repository against the loaded rubric and return per-dimension verdicts",
	}, s.handleAuditRun)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        toolAuditEvidence,
		Description: "Collect audit evidence for a repository without running evaluators",
	}, s.handleAuditEvidence)

	if s.reports != nil {
		mcp.AddTool(s.mcp, &mcp.Tool{
			Name:        toolReportGet,
			Description: "Load a stored audit report as JSON or Markdown",
		}, s.handleReportGet)
	}
}

type auditInput struct {
	Ref  string   `json:"ref" jsonschema:"Local path or git URL of the repository to audit"`
	Docs []string `json:"docs,omitempty" jsonschema:"Documents to cross-reference against the code"`
}

type verdictSummary struct {
	DimensionID string   `json:"dimension_id"`
	Name        string   `json:"name"`
	Score       *int     `json:"score,omitempty" jsonschema:"Final score, absent when under-determined"`
	Rules       []string `json:"rules,omitempty"`
	Dissent     string   `json:"dissent,omitempty"`
}

type auditRunOutput struct {
	RunID        string              `json:"run_id"`
	Status       string              `json:"status"`
	ReportID     string              `json:"report_id,omitempty"`
	OverallScore *float64            `json:"overall_score,omitempty"`
	Verdicts     []verdictSummary    `json:"verdicts,omitempty"`
	Failures     []audit.NodeFailure `json:"failures,omitempty"`
	Error        string              `json:"error,omitempty"`
}

type evidenceItem struct {
	ID          string  `json:"id"`
	Source      string  `json:"source"`
	DimensionID string  `json:"dimension_id"`
	Confidence  float64 `json:"confidence"`
	Found       bool    `json:"found"`
	Subject     string  `json:"subject,omitempty"`
	Content     string  `json:"content"`
}

type auditEvidenceOutput struct {
	RunID    string              `json:"run_id"`
	Status   string              `json:"status"`
	Evidence []evidenceItem      `json:"evidence"`
	Failures []audit.NodeFailure `json:"failures,omitempty"`
	Error    string              `json:"error,omitempty"`
}

type reportGetInput struct {
	ID     string `json:"id" jsonschema:"Report ID"`
	Format string `json:"format,omitempty" jsonschema:"json (default) or markdown"`
}

type reportGetOutput struct {
	ID      string `json:"id"`
	Format  string `json:"format"`
	Content string `json:"content"`
}

// track records metrics for one tool call; call the returned func with
// the call's error when it finishes.
func (s *Server) track(ctx context.Context, tool string) func(error) {
	start := time.Now()
	s.metrics.IncrementActive(ctx, tool)
	return func(err error) {
		s.metrics.DecrementActive(ctx, tool)
		s.metrics.RecordInvocation(ctx, tool, time.Since(start), err)
	}
}

// run starts an audit. A nil run means the audit never started and err is
// the tool error; otherwise err describes how the run ended.
func (s *Server) run(ctx context.Context, args auditInput, mode pipeline.Mode) (*pipelineResult, error) {
	if strings.TrimSpace(args.Ref) == "" {
		return nil, audit.Validationf("audit", "ref is required")
	}
	if err := sanitize.ValidateRef(args.Ref); err != nil {
		return nil, err
	}
	docs, err := sanitize.ValidateDocPaths(args.Docs)
	if err != nil {
		return nil, err
	}
	r := s.rubrics.Current()
	if r == nil {
		return nil, errNoRubric
	}
	run, err := s.auditor.Run(ctx, state.Request{
		Artifact: audit.Artifact{Ref: args.Ref, Docs: docs},
		Rubric:   r,
	}, mode)
	if run == nil {
		if err == nil {
			err = fmt.Errorf("audit did not start")
		}
		return nil, err
	}
	return &pipelineResult{snap: run.Snapshot(), id: run.ID, status: string(run.Status), report: run.Report, err: err}, nil
}

type pipelineResult struct {
	snap   state.Snapshot
	id     string
	status string
	report *audit.Report
	err    error
}

func (s *Server) handleAuditRun(ctx context.Context, req *mcp.CallToolRequest, args auditInput) (*mcp.CallToolResult, auditRunOutput, error) {
	done := s.track(ctx, toolAuditRun)
	res, err := s.run(ctx, args, pipeline.ModeFull)
	if err != nil {
		done(err)
		return nil, auditRunOutput{}, err
	}
	done(res.err)

	out := auditRunOutput{
		RunID:    res.id,
		Status:   res.status,
		Failures: res.snap.Failures(),
	}
	if res.err != nil {
		out.Error = res.err.Error()
		s.logger.Warn(ctx, "audit run ended with error", zap.String("run_id", res.id), zap.Error(res.err))
	}
	if rep := res.report; rep != nil {
		out.ReportID = rep.ID
		out.OverallScore = rep.OverallScore
		for _, v := range rep.Verdicts {
			out.Verdicts = append(out.Verdicts, verdictSummary{
				DimensionID: v.DimensionID,
				Name:        v.DimensionName,
				Score:       v.FinalScore,
				Rules:       v.AppliedRules,
				Dissent:     v.DissentSummary,
			})
		}
	}

	return &mcp.CallToolResult{
		IsError: res.report == nil,
		Content: []mcp.Content{
			&mcp.TextContent{Text: runSummary(out)},
		},
	}, out, nil
}

func (s *Server) handleAuditEvidence(ctx context.Context, req *mcp.CallToolRequest, args auditInput) (*mcp.CallToolResult, auditEvidenceOutput, error) {
	done := s.track(ctx, toolAuditEvidence)
	res, err := s.run(ctx, args, pipeline.ModeEvidence)
	if err != nil {
		done(err)
		return nil, auditEvidenceOutput{}, err
	}
	done(res.err)

	out := auditEvidenceOutput{
		RunID:    res.id,
		Status:   res.status,
		Evidence: []evidenceItem{},
		Failures: res.snap.Failures(),
	}
	if res.err != nil {
		out.Error = res.err.Error()
	}
	for _, e := range res.snap.AllEvidence() {
		out.Evidence = append(out.Evidence, evidenceItem{
			ID:          e.ID,
			Source:      e.SourceID,
			DimensionID: e.DimensionID,
			Confidence:  e.Confidence,
			Found:       e.Found,
			Subject:     e.Subject,
			Content:     e.Content,
		})
	}

	return &mcp.CallToolResult{
		IsError: res.err != nil,
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf("Run %s %s: %d evidence, %d failures", out.RunID, out.Status, len(out.Evidence), len(out.Failures))},
		},
	}, out, nil
}

func (s *Server) handleReportGet(ctx context.Context, req *mcp.CallToolRequest, args reportGetInput) (*mcp.CallToolResult, reportGetOutput, error) {
	done := s.track(ctx, toolReportGet)
	var toolErr error
	defer func() { done(toolErr) }()

	if args.ID == "" {
		toolErr = audit.Validationf("report_get", "id is required")
		return nil, reportGetOutput{}, toolErr
	}
	format := args.Format
	switch format {
	case "":
		format = "json"
	case "json":
	case "md":
		format = "markdown"
	case "markdown":
	default:
		toolErr = audit.Validationf("report_get", "format must be json or markdown, got %q", args.Format)
		return nil, reportGetOutput{}, toolErr
	}

	rep, err := s.reports.Get(ctx, args.ID)
	if err != nil {
		toolErr = fmt.Errorf("loading report %s: %w", args.ID, err)
		return nil, reportGetOutput{}, toolErr
	}

	var buf bytes.Buffer
	if format == "markdown" {
		err = report.RenderMarkdown(&buf, rep)
	} else {
		err = report.RenderJSON(&buf, rep)
	}
	if err != nil {
		toolErr = fmt.Errorf("rendering report %s: %w", args.ID, err)
		return nil, reportGetOutput{}, toolErr
	}

	out := reportGetOutput{ID: rep.ID, Format: format, Content: buf.String()}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: out.Content},
		},
	}, out, nil
}

func runSummary(out auditRunOutput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s %s", out.RunID, out.Status)
	if out.OverallScore != nil {
		fmt.Fprintf(&b, ", overall %.2f", *out.OverallScore)
	}
	for _, v := range out.Verdicts {
		if v.Score == nil {
			fmt.Fprintf(&b, "\n- %s: insufficient opinions", v.Name)
			continue
		}
		fmt.Fprintf(&b, "\n- %s: %d", v.Name, *v.Score)
		if v.Dissent != "" {
			b.WriteString(" (dissent)")
		}
	}
	if out.Error != "" {
		fmt.Fprintf(&b, "\nerror: %s", out.Error)
	}
	return b.String()
}

var errNoRubric = errors.New("no rubric loaded")
