// Package synthesis reconciles evaluator opinions into one verdict per
// rubric dimension.
//
// An Engine applies an ordered list of named rules to a Decision. Rules are
// pure functions of the Decision and never read the clock or iterate maps
// into output, so equal inputs always produce equal verdicts.
package synthesis

import (
	"github.com/fyrsmithlabs/auditor/internal/audit"
	"github.com/fyrsmithlabs/auditor/internal/rubric"
)

// Name identifies this synthesis strategy in report metadata.
const Name = "deterministic"

// Input is everything known about one dimension at synthesis time.
type Input struct {
	Dimension rubric.Dimension
	Params    rubric.Params
	Evidence  []audit.Evidence
	Opinions  []audit.Opinion
}

// Decision is the working state rules read and refine.
type Decision struct {
	Input Input

	// Contributing are the opinions still eligible for the score, in input
	// order.
	Contributing []audit.Opinion
	Excluded     []string

	Ceiling      *int
	Score        *int
	Insufficient bool
	Spread       int
	Dissent      string

	applied []string
}

// Rule is one named step of the pipeline. Apply reports whether the rule
// fired; fired rules are listed in the verdict.
type Rule struct {
	Name  string
	Apply func(d *Decision) bool
}

// Engine runs rules in order.
type Engine struct {
	rules []Rule
}

// Option configures an Engine.
type Option func(*Engine)

// WithRules replaces the default rule pipeline.
func WithRules(rules ...Rule) Option {
	return func(e *Engine) {
		e.rules = append([]Rule(nil), rules...)
	}
}

// New creates an engine with the default rules unless overridden.
func New(opts ...Option) *Engine {
	e := &Engine{rules: DefaultRules()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Rules returns the names of the engine's rules in application order.
func (e *Engine) Rules() []string {
	names := make([]string, len(e.rules))
	for i, r := range e.rules {
		names[i] = r.Name
	}
	return names
}

// Evaluate produces the verdict for one dimension.
func (e *Engine) Evaluate(in Input) audit.CriterionVerdict {
	d := &Decision{
		Input:        in,
		Contributing: cloneOpinions(in.Opinions),
	}
	for _, r := range e.rules {
		if r.Apply(d) {
			d.applied = append(d.applied, r.Name)
		}
	}
	return d.verdict()
}

// Synthesize implements workflow.Synthesizer.
func (e *Engine) Synthesize(dim rubric.Dimension, params rubric.Params, evidence []audit.Evidence, opinions []audit.Opinion) audit.CriterionVerdict {
	return e.Evaluate(Input{Dimension: dim, Params: params, Evidence: evidence, Opinions: opinions})
}

func (d *Decision) verdict() audit.CriterionVerdict {
	v := audit.CriterionVerdict{
		DimensionID:         d.Input.Dimension.ID,
		DimensionName:       d.Input.Dimension.Name,
		InsufficientOpinion: d.Insufficient,
		AppliedRules:        append([]string{}, d.applied...),
		DissentSummary:      d.Dissent,
		EvidenceRefs:        make([]string, 0, len(d.Input.Evidence)),
		Opinions:            cloneOpinions(d.Input.Opinions),
		ExcludedEvaluators:  append([]string(nil), d.Excluded...),
		Spread:              d.Spread,
	}
	for _, e := range d.Input.Evidence {
		v.EvidenceRefs = append(v.EvidenceRefs, e.ID)
	}
	if d.Ceiling != nil {
		v.Ceiling = audit.IntPtr(*d.Ceiling)
	}
	if d.Score != nil {
		score := *d.Score
		if d.Ceiling != nil && score > *d.Ceiling {
			score = *d.Ceiling
		}
		v.FinalScore = audit.IntPtr(score)
	}
	return v
}

func cloneOpinions(in []audit.Opinion) []audit.Opinion {
	if in == nil {
		return nil
	}
	out := make([]audit.Opinion, len(in))
	for i, o := range in {
		out[i] = o.Clone()
	}
	return out
}
