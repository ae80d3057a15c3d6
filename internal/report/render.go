package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fyrsmithlabs/auditor/internal/audit"
)

// RenderJSON writes the report as indented JSON.
func RenderJSON(w io.Writer, rep *audit.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	return nil
}

// RenderMarkdown writes the report as a Markdown document.
func RenderMarkdown(w io.Writer, rep *audit.Report) error {
	var b strings.Builder
	md := rep.Metadata

	b.WriteString("# Audit Report\n\n")

	b.WriteString("## Metadata\n\n")
	b.WriteString("| Field | Value |\n|-------|-------|\n")
	row(&b, "Artifact", md.Artifact.Ref)
	row(&b, "Commit", orNA(md.Artifact.Commit))
	row(&b, "Branch", orNA(md.Artifact.Branch))
	row(&b, "Run", md.RunID)
	row(&b, "Rubric", strings.TrimSpace(md.RubricName+" "+md.RubricVersion))
	row(&b, "Started", formatTime(md.StartedAt))
	row(&b, "Completed", formatTime(md.CompletedAt))
	row(&b, "Collectors", orNA(strings.Join(md.Collectors, ", ")))
	for _, e := range md.Evaluators {
		row(&b, "Evaluator "+e.ID, strings.TrimSpace(e.Role+" "+e.Model))
	}
	row(&b, "Synthesis", md.Synthesis)
	b.WriteString("\n")

	b.WriteString("## Executive Summary\n\n")
	if rep.OverallScore != nil {
		fmt.Fprintf(&b, "**Overall Score:** %.2f\n\n", *rep.OverallScore)
	} else {
		b.WriteString("**Overall Score:** undetermined\n\n")
	}
	s := rep.Summary
	fmt.Fprintf(&b, "**Score Distribution:** %d high (4-5), %d medium (2-3), %d low (1), %d undetermined\n\n",
		s.High, s.Medium, s.Low, s.Undetermined)
	if len(rep.Failures) > 0 {
		b.WriteString("**Partial Failures:**\n")
		for _, f := range rep.Failures {
			line := fmt.Sprintf("- %s (stage %d, %s): %s", f.Node, f.Stage, f.Kind, f.Message)
			if f.DimensionID != "" {
				line += " [" + f.DimensionID + "]"
			}
			b.WriteString(line + "\n")
		}
		b.WriteString("\n")
	}

	for _, v := range rep.Verdicts {
		writeVerdict(&b, v)
	}

	writePlan(&b, rep.Remediation)

	_, err := io.WriteString(w, b.String())
	return err
}

func writeVerdict(b *strings.Builder, v audit.CriterionVerdict) {
	if v.Determined() {
		fmt.Fprintf(b, "## %s: %d\n\n", v.DimensionName, *v.FinalScore)
	} else {
		fmt.Fprintf(b, "## %s: insufficient opinion\n\n", v.DimensionName)
	}

	if len(v.Opinions) > 0 {
		b.WriteString("### Opinions\n\n")
		for _, o := range v.Opinions {
			note := ""
			if contains(v.ExcludedEvaluators, o.EvaluatorID) {
				note = " _(excluded: contradicted by evidence)_"
			}
			fmt.Fprintf(b, "- **%s** (%s, score %d)%s: %s\n", o.EvaluatorID, o.Role, o.Score, note, oneLine(o.Rationale))
		}
		b.WriteString("\n")
	}
	if len(v.AppliedRules) > 0 {
		fmt.Fprintf(b, "**Rules applied:** %s\n\n", strings.Join(v.AppliedRules, ", "))
	}
	if v.Ceiling != nil {
		fmt.Fprintf(b, "**Security ceiling:** %d\n\n", *v.Ceiling)
	}
	if v.DissentSummary != "" {
		b.WriteString("### Dissent\n\n")
		b.WriteString(v.DissentSummary + "\n\n")
	}
	fmt.Fprintf(b, "Evidence cited: %d\n\n---\n\n", len(v.EvidenceRefs))
}

func writePlan(b *strings.Builder, items []audit.RemediationItem) {
	b.WriteString("# Remediation Plan\n\n")
	sections := []struct {
		priority string
		title    string
	}{
		{audit.PriorityCritical, "Priority 1: Critical (score 2 or below)"},
		{audit.PriorityImprovement, "Priority 2: Improvements"},
		{audit.PriorityInsufficient, "Priority 3: Insufficient Opinion"},
		{audit.PriorityEnhancement, "Priority 4: Enhancements (score 4 or above)"},
	}
	for _, sec := range sections {
		var matched []audit.RemediationItem
		for _, it := range items {
			if it.Priority == sec.priority {
				matched = append(matched, it)
			}
		}
		if len(matched) == 0 {
			continue
		}
		fmt.Fprintf(b, "## %s\n\n", sec.title)
		for _, it := range matched {
			fmt.Fprintf(b, "### %s\n\n", it.DimensionName)
			for _, a := range it.Actions {
				b.WriteString("- " + oneLine(a) + "\n")
			}
			b.WriteString("\n")
		}
	}
}

func row(b *strings.Builder, field, value string) {
	fmt.Fprintf(b, "| %s | %s |\n", field, strings.ReplaceAll(value, "|", "\\|"))
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "N/A"
	}
	return t.UTC().Format(time.RFC3339)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
