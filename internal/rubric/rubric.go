// Package rubric loads and validates audit rubrics.
//
// A rubric is the only place scoring constants live: the score range, the
// per-role evaluator weights, the security ceiling and the dissent threshold.
// Each dimension may override the rubric-wide synthesis parameters.
package rubric

import (
	_ "embed"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/auditor/internal/audit"
)

const (
	maxRubricFileSize = 1024 * 1024 // 1MB
	weightTolerance   = 1e-6
)

// ErrInvalidRubric is returned when a rubric fails to load or validate.
var ErrInvalidRubric = errors.New("invalid rubric")

//go:embed default.yaml
var defaultRubric []byte

// Synthesis holds synthesis parameters shared by every dimension.
type Synthesis struct {
	SecurityCap             int                `yaml:"security_cap" json:"security_cap"`
	VarianceThreshold       int                `yaml:"variance_threshold" json:"variance_threshold"`
	RoleWeights             map[string]float64 `yaml:"role_weights" json:"role_weights"`
	ContradictionConfidence float64            `yaml:"contradiction_confidence" json:"contradiction_confidence"`
	RemediationThreshold    int                `yaml:"remediation_threshold" json:"remediation_threshold"`
}

// Dimension is one evaluated criterion.
type Dimension struct {
	ID            string   `yaml:"id" json:"id"`
	Name          string   `yaml:"name" json:"name"`
	Weight        *float64 `yaml:"weight,omitempty" json:"weight,omitempty"`
	EvidenceTypes []string `yaml:"evidence_types" json:"evidence_types"`
	Instruction   string   `yaml:"instruction" json:"instruction,omitempty"`
	Remediation   []string `yaml:"remediation" json:"remediation,omitempty"`

	// Optional overrides of the rubric-wide synthesis parameters.
	SecurityCap       *int               `yaml:"security_cap,omitempty" json:"security_cap,omitempty"`
	VarianceThreshold *int               `yaml:"variance_threshold,omitempty" json:"variance_threshold,omitempty"`
	RoleWeights       map[string]float64 `yaml:"role_weights,omitempty" json:"role_weights,omitempty"`
}

// OverallWeight is the dimension's share of the overall score. An unset
// weight counts as 1; an explicit 0 keeps the dimension out of the overall
// score while it is still judged and reported.
func (d Dimension) OverallWeight() float64 {
	if d.Weight == nil {
		return 1
	}
	return *d.Weight
}

// AcceptsEvidence reports whether the dimension targets evidence of kind.
func (d Dimension) AcceptsEvidence(kind string) bool {
	for _, t := range d.EvidenceTypes {
		if t == kind {
			return true
		}
	}
	return false
}

// Rubric is an ordered list of dimensions plus synthesis parameters.
type Rubric struct {
	Name       string           `yaml:"name" json:"name"`
	Version    string           `yaml:"version" json:"version,omitempty"`
	ScoreRange audit.ScoreRange `yaml:"score_range" json:"score_range"`
	Synthesis  Synthesis        `yaml:"synthesis" json:"synthesis"`
	Dimensions []Dimension      `yaml:"dimensions" json:"dimensions"`
}

// Params are the resolved synthesis parameters for one dimension.
type Params struct {
	ScoreRange              audit.ScoreRange
	SecurityCap             int
	VarianceThreshold       int
	RoleWeights             map[string]float64
	ContradictionConfidence float64
	RemediationThreshold    int
}

// Weight returns the weight for role, zero if the role is unweighted.
func (p Params) Weight(role string) float64 {
	return p.RoleWeights[role]
}

// Default returns the embedded default rubric.
func Default() *Rubric {
	r, err := Parse(defaultRubric)
	if err != nil {
		panic(fmt.Sprintf("rubric: embedded default is invalid: %v", err))
	}
	return r
}

// Load reads a rubric file. YAML and JSON are both accepted.
func Load(path string) (*Rubric, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRubric, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrInvalidRubric, path)
	}
	if info.Size() > maxRubricFileSize {
		return nil, fmt.Errorf("%w: %s too large: %d bytes (max %d)", ErrInvalidRubric, path, info.Size(), maxRubricFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRubric, err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return r, nil
}

// Parse decodes and validates a rubric. JSON is valid YAML, so one decoder
// handles both formats.
func Parse(data []byte) (*Rubric, error) {
	var r Rubric
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRubric, err)
	}
	r.applyDefaults()
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *Rubric) applyDefaults() {
	if r.ScoreRange == (audit.ScoreRange{}) {
		r.ScoreRange = audit.ScoreRange{Min: 1, Max: 5}
	}
	if r.Synthesis.SecurityCap == 0 {
		r.Synthesis.SecurityCap = 3
	}
	if r.Synthesis.VarianceThreshold == 0 {
		r.Synthesis.VarianceThreshold = 2
	}
	if len(r.Synthesis.RoleWeights) == 0 {
		r.Synthesis.RoleWeights = map[string]float64{
			audit.RoleTechLead:   0.4,
			audit.RoleProsecutor: 0.3,
			audit.RoleDefense:    0.3,
		}
	}
	if r.Synthesis.ContradictionConfidence == 0 {
		r.Synthesis.ContradictionConfidence = 0.5
	}
	if r.Synthesis.RemediationThreshold == 0 {
		r.Synthesis.RemediationThreshold = 3
	}
	for i := range r.Dimensions {
		if r.Dimensions[i].Name == "" {
			r.Dimensions[i].Name = r.Dimensions[i].ID
		}
	}
}

// Validate checks rubric invariants.
func (r *Rubric) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRubric)
	}
	if r.ScoreRange.Min >= r.ScoreRange.Max {
		return fmt.Errorf("%w: score range [%d,%d] is empty", ErrInvalidRubric, r.ScoreRange.Min, r.ScoreRange.Max)
	}
	if len(r.Dimensions) == 0 {
		return fmt.Errorf("%w: at least one dimension is required", ErrInvalidRubric)
	}
	if err := r.validateSynthesis("synthesis", r.Synthesis.SecurityCap, r.Synthesis.VarianceThreshold, r.Synthesis.RoleWeights); err != nil {
		return err
	}
	if c := r.Synthesis.ContradictionConfidence; c < 0 || c > 1 {
		return fmt.Errorf("%w: contradiction_confidence %v outside [0,1]", ErrInvalidRubric, c)
	}

	seen := make(map[string]bool, len(r.Dimensions))
	for _, d := range r.Dimensions {
		if !audit.ValidDimensionID(d.ID) {
			return fmt.Errorf("%w: dimension id %q must match ^[a-z0-9_]+$", ErrInvalidRubric, d.ID)
		}
		if seen[d.ID] {
			return fmt.Errorf("%w: duplicate dimension %q", ErrInvalidRubric, d.ID)
		}
		seen[d.ID] = true
		if w := d.OverallWeight(); w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("%w: dimension %q has invalid weight %v", ErrInvalidRubric, d.ID, w)
		}
		p := r.Params(d.ID)
		if err := r.validateSynthesis("dimension "+d.ID, p.SecurityCap, p.VarianceThreshold, p.RoleWeights); err != nil {
			return err
		}
	}
	return nil
}

func (r *Rubric) validateSynthesis(scope string, securityCap, threshold int, weights map[string]float64) error {
	if !r.ScoreRange.Contains(securityCap) {
		return fmt.Errorf("%w: %s: security_cap %d outside score range", ErrInvalidRubric, scope, securityCap)
	}
	if threshold < 0 {
		return fmt.Errorf("%w: %s: variance_threshold must be >= 0", ErrInvalidRubric, scope)
	}
	if len(weights) == 0 {
		return fmt.Errorf("%w: %s: role_weights are required", ErrInvalidRubric, scope)
	}
	var sum float64
	for role, w := range weights {
		if role == "" {
			return fmt.Errorf("%w: %s: empty role name", ErrInvalidRubric, scope)
		}
		if w < 0 {
			return fmt.Errorf("%w: %s: role %q has negative weight", ErrInvalidRubric, scope, role)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > weightTolerance {
		return fmt.Errorf("%w: %s: role weights sum to %v, want 1.0", ErrInvalidRubric, scope, sum)
	}
	return nil
}

// Dimension returns the dimension with id.
func (r *Rubric) Dimension(id string) (Dimension, bool) {
	for _, d := range r.Dimensions {
		if d.ID == id {
			return d, true
		}
	}
	return Dimension{}, false
}

// Known reports whether id names a dimension of this rubric.
func (r *Rubric) Known(id string) bool {
	_, ok := r.Dimension(id)
	return ok
}

// IDs returns dimension ids in rubric order.
func (r *Rubric) IDs() []string {
	ids := make([]string, len(r.Dimensions))
	for i, d := range r.Dimensions {
		ids[i] = d.ID
	}
	return ids
}

// ForEvidenceType returns the dimensions, in rubric order, that accept
// evidence of kind.
func (r *Rubric) ForEvidenceType(kind string) []Dimension {
	var out []Dimension
	for _, d := range r.Dimensions {
		if d.AcceptsEvidence(kind) {
			out = append(out, d)
		}
	}
	return out
}

// Roles returns every weighted role across the rubric, sorted.
func (r *Rubric) Roles() []string {
	set := make(map[string]struct{})
	for role := range r.Synthesis.RoleWeights {
		set[role] = struct{}{}
	}
	for _, d := range r.Dimensions {
		for role := range d.RoleWeights {
			set[role] = struct{}{}
		}
	}
	roles := make([]string, 0, len(set))
	for role := range set {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

// Params resolves synthesis parameters for a dimension, applying its
// overrides. Unknown ids get the rubric-wide values.
func (r *Rubric) Params(id string) Params {
	p := Params{
		ScoreRange:              r.ScoreRange,
		SecurityCap:             r.Synthesis.SecurityCap,
		VarianceThreshold:       r.Synthesis.VarianceThreshold,
		RoleWeights:             copyWeights(r.Synthesis.RoleWeights),
		ContradictionConfidence: r.Synthesis.ContradictionConfidence,
		RemediationThreshold:    r.Synthesis.RemediationThreshold,
	}
	d, ok := r.Dimension(id)
	if !ok {
		return p
	}
	if d.SecurityCap != nil {
		p.SecurityCap = *d.SecurityCap
	}
	if d.VarianceThreshold != nil {
		p.VarianceThreshold = *d.VarianceThreshold
	}
	if len(d.RoleWeights) > 0 {
		p.RoleWeights = copyWeights(d.RoleWeights)
	}
	return p
}

// OpinionRules returns the validation rules opinions must satisfy.
func (r *Rubric) OpinionRules() audit.OpinionRules {
	return audit.OpinionRules{
		Range: r.ScoreRange,
		Roles: r.Roles(),
		Known: r.Known,
	}
}

func copyWeights(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
