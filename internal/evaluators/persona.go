// Package evaluators produces scored opinions about rubric dimensions.
//
// A Producer judges one dimension from its evidence through the eyes of a
// Persona. Producers fail closed: anything that is not a well-formed
// opinion is an error, never a best-effort guess.
package evaluators

import (
	"fmt"
	"math"

	"github.com/fyrsmithlabs/auditor/internal/audit"
)

// Persona is the stance an evaluator takes.
type Persona struct {
	ID         string
	Role       string
	Philosophy string
	Focus      string

	// NoEvidenceScore is the opinion given when a dimension has no
	// evidence at all. The opinion is flagged low-grounding. Like Bias it
	// is expressed on DefaultScoreRange; ForRange rescales both.
	NoEvidenceScore    int
	NoEvidenceArgument string

	// Bias shifts heuristic scores toward the persona's temperament.
	Bias int

	// Range is the scale of the rubric being judged. Zero means the
	// producer's own range.
	Range audit.ScoreRange

	// Model is the LLM model name, recorded in report metadata.
	Model string
}

// NoEvidenceRationale renders the no-evidence argument for a dimension.
func (p Persona) NoEvidenceRationale(dimensionName string) string {
	return fmt.Sprintf(p.NoEvidenceArgument, dimensionName)
}

// ForRange returns p judging on r, with NoEvidenceScore and Bias moved
// from DefaultScoreRange onto r.
func (p Persona) ForRange(r audit.ScoreRange) Persona {
	if r == (audit.ScoreRange{}) {
		return p
	}
	from := DefaultScoreRange
	ratio := float64(r.Max-r.Min) / float64(from.Max-from.Min)
	p.NoEvidenceScore = r.Clamp(r.Min + int(math.Round(float64(p.NoEvidenceScore-from.Min)*ratio)))
	p.Bias = int(math.Round(float64(p.Bias) * ratio))
	p.Range = r
	return p
}

// scale returns the range p judges on, or fallback when unset.
func (p Persona) scale(fallback audit.ScoreRange) audit.ScoreRange {
	if p.Range != (audit.ScoreRange{}) {
		return p.Range
	}
	return fallback
}

// Prosecutor assumes nothing works until evidence proves otherwise.
func Prosecutor() Persona {
	return Persona{
		ID:                 "prosecutor",
		Role:               audit.RoleProsecutor,
		Philosophy:         "Trust no one. Assume vibe coding.",
		Focus:              "Scrutinize the evidence for gaps, missing elements, security flaws, shortcuts and false claims. Look for what is missing, not what is present.",
		NoEvidenceScore:    1,
		NoEvidenceArgument: "No evidence was collected for %s, which indicates a failure of the forensic process.",
		Bias:               -1,
	}
}

// Defense rewards effort and intent.
func Defense() Persona {
	return Persona{
		ID:                 "defense",
		Role:               audit.RoleDefense,
		Philosophy:         "Reward effort and intent. Look for the spirit of the law.",
		Focus:              "Highlight creative workarounds, iterative development and sound architectural intent, even where the implementation is incomplete.",
		NoEvidenceScore:    3,
		NoEvidenceArgument: "Evidence collection may have failed, but that does not mean %s is absent. The implementation may be in progress.",
		Bias:               1,
	}
}

// TechLead judges whether the thing actually works and can be maintained.
func TechLead() Persona {
	return Persona{
		ID:                 "tech_lead",
		Role:               audit.RoleTechLead,
		Philosophy:         "Does it actually work? Is it maintainable?",
		Focus:              "Assess architectural soundness, maintainability and technical debt. Judge artifacts, not intent. Compromised security outweighs everything else.",
		NoEvidenceScore:    1,
		NoEvidenceArgument: "No evidence is available for %s. Functionality cannot be verified without it.",
	}
}

// DefaultPersonas returns the three-member bench in declaration order.
func DefaultPersonas() []Persona {
	return []Persona{Prosecutor(), Defense(), TechLead()}
}
