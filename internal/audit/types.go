// Package audit defines the canonical audit records and the error taxonomy
// shared by every stage of an audit run.
package audit

import (
	"time"
)

// Artifact identifies the thing under audit.
type Artifact struct {
	// Ref is what the caller asked for: a local path or a git URL.
	Ref string `json:"ref"`

	// Path is the local checkout collectors read from.
	Path string `json:"path"`

	// Commit and Branch are resolved by the context builder.
	Commit string `json:"commit,omitempty"`
	Branch string `json:"branch,omitempty"`

	// Docs lists documentation files to cross-reference, relative to Path.
	// Empty means discover markdown files automatically.
	Docs []string `json:"docs,omitempty"`
}

// NodeFailure is a partial-failure marker recorded in shared state when a
// node, or one dimension within a node, contributed nothing.
type NodeFailure struct {
	Stage       int    `json:"stage"`
	Node        string `json:"node"`
	Kind        string `json:"kind"`
	Message     string `json:"message"`
	DimensionID string `json:"dimension_id,omitempty"`
}

// Rule names recorded in CriterionVerdict.AppliedRules.
const (
	RuleSecurityOverride    = "security_override"
	RuleFactSupremacy       = "fact_supremacy"
	RuleWeightedAverage     = "weighted_average"
	RuleVarianceDissent     = "variance_dissent"
	RuleInsufficientOpinion = "insufficient_opinion"
)

// CriterionVerdict is the reconciled result for one rubric dimension.
type CriterionVerdict struct {
	DimensionID   string `json:"dimension_id"`
	DimensionName string `json:"dimension_name"`

	// FinalScore is nil when the dimension is under-determined.
	FinalScore          *int     `json:"final_score"`
	InsufficientOpinion bool     `json:"insufficient_opinion,omitempty"`
	AppliedRules        []string `json:"applied_rules"`
	DissentSummary      string   `json:"dissent_summary,omitempty"`
	EvidenceRefs        []string `json:"evidence_refs"`

	Opinions           []Opinion `json:"opinions,omitempty"`
	ExcludedEvaluators []string  `json:"excluded_evaluators,omitempty"`
	Spread             int       `json:"spread"`
	Ceiling            *int      `json:"ceiling,omitempty"`
}

// Determined reports whether the verdict carries a score.
func (v CriterionVerdict) Determined() bool {
	return v.FinalScore != nil
}

// Fired reports whether rule is among the applied rules.
func (v CriterionVerdict) Fired(rule string) bool {
	return containsString(v.AppliedRules, rule)
}

// Remediation priorities.
const (
	PriorityCritical     = "critical"
	PriorityImprovement  = "improvement"
	PriorityInsufficient = "insufficient"
	PriorityEnhancement  = "enhancement"
)

// RemediationItem is one entry of the report's remediation list.
type RemediationItem struct {
	DimensionID   string   `json:"dimension_id"`
	DimensionName string   `json:"dimension_name"`
	Priority      string   `json:"priority"`
	Score         *int     `json:"score"`
	Actions       []string `json:"actions"`
}

// EvaluatorInfo identifies an opinion producer in report metadata.
type EvaluatorInfo struct {
	ID    string `json:"id"`
	Role  string `json:"role"`
	Model string `json:"model,omitempty"`
}

// ReportMetadata describes how a report was produced.
type ReportMetadata struct {
	RunID         string            `json:"run_id"`
	Artifact      Artifact          `json:"artifact"`
	RubricName    string            `json:"rubric_name"`
	RubricVersion string            `json:"rubric_version,omitempty"`
	StartedAt     time.Time         `json:"started_at"`
	CompletedAt   time.Time         `json:"completed_at"`
	Collectors    []string          `json:"collectors"`
	Evaluators    []EvaluatorInfo   `json:"evaluators"`
	Synthesis     string            `json:"synthesis"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// ScoreDistribution counts verdicts by score band.
type ScoreDistribution struct {
	High         int `json:"high"`
	Medium       int `json:"medium"`
	Low          int `json:"low"`
	Undetermined int `json:"undetermined"`
}

// Report is the full audit result.
type Report struct {
	ID           string             `json:"id"`
	OverallScore *float64           `json:"overall_score"`
	Metadata     ReportMetadata     `json:"metadata"`
	Verdicts     []CriterionVerdict `json:"verdicts"`
	Remediation  []RemediationItem  `json:"remediation"`
	Summary      ScoreDistribution  `json:"summary"`
	Failures     []NodeFailure      `json:"failures,omitempty"`
}

// Verdict returns the verdict for a dimension.
func (r *Report) Verdict(dimensionID string) (CriterionVerdict, bool) {
	for _, v := range r.Verdicts {
		if v.DimensionID == dimensionID {
			return v, true
		}
	}
	return CriterionVerdict{}, false
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}
