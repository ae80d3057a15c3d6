package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/auditor/internal/audit"
	"github.com/fyrsmithlabs/auditor/internal/rubric"
	"github.com/fyrsmithlabs/auditor/internal/store"
	"github.com/fyrsmithlabs/auditor/internal/workflow"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("51"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	goodStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)

	badStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)
)

// renderRun writes a human-readable summary of a run.
func renderRun(w io.Writer, run *workflow.Run) {
	snap := run.Snapshot()

	status := string(run.Status)
	switch run.Status {
	case workflow.StatusCompleted:
		status = goodStyle.Render(status)
	case workflow.StatusFailed:
		status = badStyle.Render(status)
	}
	fmt.Fprintf(w, "%s %s %s\n", titleStyle.Render("Audit "+run.ID), status, dimStyle.Render(formatDuration(run.Duration())))

	art := snap.Artifact()
	ref := art.Ref
	if art.Commit != "" {
		ref += " @ " + shortCommit(art.Commit)
	}
	if art.Branch != "" {
		ref += " (" + art.Branch + ")"
	}
	row(w, "Artifact", ref)
	if r := snap.Rubric(); r != nil {
		row(w, "Rubric", strings.TrimSpace(r.Name+" "+r.Version))
	}

	if run.Status == workflow.StatusFailed {
		where := run.FailedNode
		if where == "" {
			where = "synthesis"
		}
		row(w, "Failed at", where)
		if run.Cause != nil {
			row(w, "Cause", run.Cause.Error())
		}
	}

	if rep := run.Report; rep != nil {
		scoreRange := rubric.Default().ScoreRange
		if r := snap.Rubric(); r != nil {
			scoreRange = r.ScoreRange
		}
		renderVerdicts(w, rep, scoreRange)
	} else if run.EvidenceOnly() {
		renderEvidenceCounts(w, run)
	}

	renderFailures(w, snap.Failures())

	if run.Report != nil {
		row(w, "Report", run.Report.ID)
	}
}

func renderVerdicts(w io.Writer, rep *audit.Report, scoreRange audit.ScoreRange) {
	overall := "n/a"
	if rep.OverallScore != nil {
		overall = fmt.Sprintf("%.2f", *rep.OverallScore)
	}
	row(w, "Overall", overall)

	for _, v := range rep.Verdicts {
		name := fmt.Sprintf("  %-28s", v.DimensionName)
		if !v.Determined() {
			fmt.Fprintf(w, "%s %s %s\n", name, dimStyle.Render("-"), dimStyle.Render("insufficient opinions"))
			continue
		}
		score := scoreStyle(*v.FinalScore, scoreRange).Render(fmt.Sprintf("%d", *v.FinalScore))
		var notes []string
		for _, rule := range v.AppliedRules {
			if rule != audit.RuleWeightedAverage {
				notes = append(notes, rule)
			}
		}
		line := name + " " + score
		if len(notes) > 0 {
			line += " " + dimStyle.Render(strings.Join(notes, ", "))
		}
		fmt.Fprintln(w, line)
		if v.DissentSummary != "" {
			fmt.Fprintf(w, "  %-28s   %s\n", "", dimStyle.Render(v.DissentSummary))
		}
	}
}

func renderEvidenceCounts(w io.Writer, run *workflow.Run) {
	snap := run.Snapshot()
	row(w, "Evidence", fmt.Sprintf("%d records", snap.EvidenceCount()))
	r := snap.Rubric()
	if r == nil {
		return
	}
	for _, d := range r.Dimensions {
		fmt.Fprintf(w, "  %-28s %d\n", d.Name, len(snap.Evidence(d.ID)))
	}
}

func renderFailures(w io.Writer, failures []audit.NodeFailure) {
	if len(failures) == 0 {
		return
	}
	fmt.Fprintln(w, labelStyle.Render("Failures"))
	for _, f := range failures {
		target := f.Node
		if f.DimensionID != "" {
			target += "/" + f.DimensionID
		}
		fmt.Fprintf(w, "  %s %s %s\n", warnStyle.Render(target), dimStyle.Render(f.Kind), f.Message)
	}
}

// renderSummaries writes stored report summaries as a table.
func renderSummaries(w io.Writer, list []store.Summary) {
	if len(list) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no reports"))
		return
	}
	fmt.Fprintln(w, labelStyle.Render(fmt.Sprintf("%-36s  %-7s  %-20s  %s", "ID", "SCORE", "COMPLETED", "ARTIFACT")))
	for _, s := range list {
		score := "n/a"
		if s.OverallScore != nil {
			score = fmt.Sprintf("%.2f", *s.OverallScore)
		}
		fmt.Fprintf(w, "%-36s  %-7s  %-20s  %s\n", s.ID, score, s.CompletedAt.Local().Format("2006-01-02 15:04:05"), s.ArtifactRef)
	}
}

// renderProgress writes one lifecycle event as a single line.
func renderProgress(w io.Writer, p workflow.Progress) {
	line := fmt.Sprintf("%s %3d%% %s", p.Time.Local().Format("15:04:05"), p.Percentage, p.Type)
	if p.StageName != "" {
		line += " " + p.StageName
	}
	if p.Node != "" {
		line += " " + p.Node
	}
	if p.Message != "" {
		line += ": " + p.Message
	}
	switch p.Type {
	case workflow.EventRunFailed, workflow.EventNodeFailed:
		line = badStyle.Render(line)
	case workflow.EventRunCompleted:
		line = goodStyle.Render(line)
	}
	fmt.Fprintf(w, "%s %s\n", dimStyle.Render(p.RunID), line)
}

func scoreStyle(score int, r audit.ScoreRange) lipgloss.Style {
	span := r.Max - r.Min
	if span <= 0 {
		return warnStyle
	}
	frac := float64(score-r.Min) / float64(span)
	switch {
	case frac >= 0.75:
		return goodStyle
	case frac >= 0.5:
		return warnStyle
	default:
		return badStyle
	}
}

func row(w io.Writer, label, value string) {
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render(fmt.Sprintf("%-10s", label)), value)
}

func shortCommit(c string) string {
	if len(c) > 8 {
		return c[:8]
	}
	return c
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return d.Round(10 * time.Millisecond).String()
}
