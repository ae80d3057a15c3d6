package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/auditor/internal/audit"
	"github.com/fyrsmithlabs/auditor/internal/pipeline"
	"github.com/fyrsmithlabs/auditor/internal/report"
	"github.com/fyrsmithlabs/auditor/internal/state"
	"github.com/fyrsmithlabs/auditor/internal/workflow"
)

// errRunFailed is returned after a failed run has been rendered, so main
// exits non-zero without printing the cause twice.
var errRunFailed = errors.New("audit failed")

type runFlags struct {
	docs   []string
	format string
	output string
}

// newRunCmd builds "run" (full audit) or "evidence" (evidence only).
func newRunCmd(flags *globalFlags, use string) *cobra.Command {
	rf := &runFlags{}
	mode := pipeline.ModeFull
	short := "Audit a repository and print the report"
	if use == "evidence" {
		mode = pipeline.ModeEvidence
		short = "Collect evidence for a repository without evaluating it"
	}

	cmd := &cobra.Command{
		Use:   use + " <path-or-url>",
		Short: short,
		Long: short + `.

The argument is a local checkout or a git URL. Remote repositories are
cloned into collectors.clone_dir and removed afterwards.

Examples:
  auditor ` + use + ` .
  auditor ` + use + ` --docs docs/ARCHITECTURE.md https://github.com/org/repo.git
  auditor ` + use + ` --format json --output report.json .`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(cmd, flags, rf, mode, args[0])
		},
	}
	cmd.Flags().StringSliceVar(&rf.docs, "docs", nil, "documents to cross-reference against the code (default every markdown file)")
	cmd.Flags().StringVar(&rf.format, "format", "summary", "output format: summary, json or markdown")
	cmd.Flags().StringVarP(&rf.output, "output", "o", "", "write output to a file instead of stdout")
	return cmd
}

func runAudit(cmd *cobra.Command, flags *globalFlags, rf *runFlags, mode pipeline.Mode, ref string) error {
	switch rf.format {
	case "summary", "json", "markdown", "md":
	default:
		return fmt.Errorf("unknown format %q: want summary, json or markdown", rf.format)
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, flags, appOptions{events: true, runner: true})
	if err != nil {
		return err
	}
	defer a.close(ctx)

	run, runErr := a.runner.Run(ctx, state.Request{
		Artifact: audit.Artifact{Ref: ref, Docs: rf.docs},
		Rubric:   a.rubrics.Current(),
	}, mode)
	if run == nil {
		return runErr
	}

	out := cmd.OutOrStdout()
	if rf.output != "" {
		f, err := os.Create(rf.output)
		if err != nil {
			return fmt.Errorf("creating %s: %w", rf.output, err)
		}
		defer f.Close()
		out = f
	}
	if err := writeRun(out, run, rf.format); err != nil {
		return err
	}

	if run.Status == workflow.StatusFailed {
		cmd.SilenceErrors = true
		return errRunFailed
	}
	// The run completed; a remaining error is the report store.
	return runErr
}

func writeRun(w io.Writer, run *workflow.Run, format string) error {
	switch format {
	case "json":
		if run.Report == nil {
			return writeEvidenceJSON(w, run)
		}
		return report.RenderJSON(w, run.Report)
	case "markdown", "md":
		if run.Report == nil {
			renderRun(w, run)
			return nil
		}
		return report.RenderMarkdown(w, run.Report)
	default:
		renderRun(w, run)
		return nil
	}
}

// evidenceOutput is the JSON shape of a run without a report.
type evidenceOutput struct {
	RunID    string              `json:"run_id"`
	Status   workflow.Status     `json:"status"`
	Error    string              `json:"error,omitempty"`
	Evidence []audit.Evidence    `json:"evidence"`
	Failures []audit.NodeFailure `json:"failures,omitempty"`
}

func writeEvidenceJSON(w io.Writer, run *workflow.Run) error {
	snap := run.Snapshot()
	out := evidenceOutput{
		RunID:    run.ID,
		Status:   run.Status,
		Evidence: snap.AllEvidence(),
		Failures: snap.Failures(),
	}
	if out.Evidence == nil {
		out.Evidence = []audit.Evidence{}
	}
	if run.Cause != nil {
		out.Error = run.Cause.Error()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
