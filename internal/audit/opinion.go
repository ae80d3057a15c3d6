package audit

import (
	"strings"
	"unicode/utf8"
)

// MaxRationaleLen bounds Opinion.Rationale, in runes.
const MaxRationaleLen = 2000

// Evaluator roles used by the default rubric. Rubrics may declare others.
const (
	RoleProsecutor = "prosecutor"
	RoleDefense    = "defense"
	RoleTechLead   = "tech_lead"
)

// ScoreRange is a closed integer interval.
type ScoreRange struct {
	Min int `json:"min" yaml:"min"`
	Max int `json:"max" yaml:"max"`
}

// Contains reports whether score lies within the range.
func (r ScoreRange) Contains(score int) bool {
	return score >= r.Min && score <= r.Max
}

// Clamp pins score into the range.
func (r ScoreRange) Clamp(score int) int {
	if score < r.Min {
		return r.Min
	}
	if score > r.Max {
		return r.Max
	}
	return score
}

// Opinion is one evaluator's scored judgment of one dimension.
type Opinion struct {
	EvaluatorID      string   `json:"evaluator_id"`
	Role             string   `json:"role"`
	DimensionID      string   `json:"dimension_id"`
	Score            int      `json:"score"`
	Rationale        string   `json:"rationale"`
	CitedEvidenceIDs []string `json:"cited_evidence_ids,omitempty"`
	Claims           []string `json:"claims,omitempty"`
}

// LowGrounding reports whether the opinion cites no evidence.
func (o Opinion) LowGrounding() bool {
	return len(o.CitedEvidenceIDs) == 0
}

// OpinionRules bounds what a valid opinion may contain.
type OpinionRules struct {
	Range ScoreRange
	Roles []string          // Allowed roles; empty allows any
	Known func(string) bool // Known dimensions; nil skips the check
}

// Validate checks the opinion invariants.
func (o Opinion) Validate(rules OpinionRules) error {
	if o.EvaluatorID == "" {
		return Validationf("opinion.evaluator_id", "evaluator id is required")
	}
	if len(rules.Roles) > 0 && !containsString(rules.Roles, o.Role) {
		return Validationf("opinion.role", "role %q not in %s", o.Role, strings.Join(rules.Roles, ","))
	}
	if !ValidDimensionID(o.DimensionID) {
		return Validationf("opinion.dimension_id", "invalid dimension id %q", o.DimensionID)
	}
	if rules.Known != nil && !rules.Known(o.DimensionID) {
		return Validationf("opinion.dimension_id", "unknown dimension %q", o.DimensionID)
	}
	if !rules.Range.Contains(o.Score) {
		return Validationf("opinion.score", "score %d outside [%d,%d]", o.Score, rules.Range.Min, rules.Range.Max)
	}
	if strings.TrimSpace(o.Rationale) == "" {
		return Validationf("opinion.rationale", "rationale is required")
	}
	if utf8.RuneCountInString(o.Rationale) > MaxRationaleLen {
		return Validationf("opinion.rationale", "rationale exceeds %d characters", MaxRationaleLen)
	}
	return nil
}

// Clone returns a copy that shares no slices with o.
func (o Opinion) Clone() Opinion {
	cp := o
	if o.CitedEvidenceIDs != nil {
		cp.CitedEvidenceIDs = append([]string(nil), o.CitedEvidenceIDs...)
	}
	if o.Claims != nil {
		cp.Claims = append([]string(nil), o.Claims...)
	}
	return cp
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
