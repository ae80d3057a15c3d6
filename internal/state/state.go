// Package state holds the in-flight shared result of an audit run.
//
// State is a value: Merge returns a new State and never mutates its
// receiver. Workflow nodes only ever see a Snapshot, whose accessors return
// copies, and contribute a Fragment. The executor is the single writer that
// folds fragments into State.
package state

import (
	"sort"

	"github.com/fyrsmithlabs/auditor/internal/audit"
	"github.com/fyrsmithlabs/auditor/internal/rubric"
)

// Request is the input of one audit run.
type Request struct {
	Artifact audit.Artifact
	Rubric   *rubric.Rubric
}

// Field names a component of shared state.
type Field string

const (
	FieldEvidence Field = "evidence"
	FieldOpinions Field = "opinions"
	FieldFailures Field = "failures"
	FieldMetadata Field = "metadata"
)

// Policy is how concurrent contributions to a field combine.
type Policy string

const (
	// PolicyUnion merges keyed entries; an existing key may never be
	// overwritten with a different value.
	PolicyUnion Policy = "union"

	// PolicyAppend concatenates in merge order.
	PolicyAppend Policy = "append"
)

// Policies declares the merge policy of every field.
var Policies = map[Field]Policy{
	FieldEvidence: PolicyUnion,
	FieldOpinions: PolicyAppend,
	FieldFailures: PolicyAppend,
	FieldMetadata: PolicyUnion,
}

// Fragment is a partial contribution returned by one node.
type Fragment struct {
	Evidence []audit.Evidence
	Opinions []audit.Opinion
	Failures []audit.NodeFailure
	Metadata map[string]string
}

// Empty reports whether the fragment contributes nothing.
func (f Fragment) Empty() bool {
	return len(f.Evidence) == 0 && len(f.Opinions) == 0 && len(f.Failures) == 0 && len(f.Metadata) == 0
}

// State is the shared result of one run.
type State struct {
	request     Request
	evidence    map[string][]audit.Evidence // dimension -> evidence, in merge order
	evidenceIDs map[string]audit.Evidence
	opinions    []audit.Opinion
	failures    []audit.NodeFailure
	metadata    map[string]string
	verdicts    []audit.CriterionVerdict
	report      *audit.Report
}

// New creates the initial state of a run.
func New(req Request) State {
	return State{
		request:     req,
		evidence:    map[string][]audit.Evidence{},
		evidenceIDs: map[string]audit.Evidence{},
		metadata:    map[string]string{},
	}
}

// Merge folds a fragment into the state and returns the result. The
// receiver is left untouched, so a failed merge leaves no partial write.
func (s State) Merge(f Fragment) (State, error) {
	next := s.clone()

	for _, e := range f.Evidence {
		if existing, ok := next.evidenceIDs[e.ID]; ok {
			if existing.Equal(e) {
				continue
			}
			return s, audit.MergeConflictf("merge_evidence", "evidence %s written twice with different content", e.ID)
		}
		cp := e.Clone()
		next.evidenceIDs[e.ID] = cp
		next.evidence[e.DimensionID] = append(next.evidence[e.DimensionID], cp)
	}

	for _, o := range f.Opinions {
		next.opinions = append(next.opinions, o.Clone())
	}

	next.failures = append(next.failures, f.Failures...)

	for _, k := range sortedKeys(f.Metadata) {
		v := f.Metadata[k]
		if existing, ok := next.metadata[k]; ok && existing != v {
			return s, audit.MergeConflictf("merge_metadata", "metadata %q already set to %q, refusing %q", k, existing, v)
		}
		next.metadata[k] = v
	}

	return next, nil
}

// MergeAll folds fragments in argument order.
func MergeAll(s State, fragments ...Fragment) (State, error) {
	var err error
	for _, f := range fragments {
		if s, err = s.Merge(f); err != nil {
			return s, err
		}
	}
	return s, nil
}

// WithVerdicts records the synthesized verdicts. Verdicts are written once.
func (s State) WithVerdicts(verdicts []audit.CriterionVerdict) (State, error) {
	if s.verdicts != nil {
		return s, audit.MergeConflictf("set_verdicts", "verdicts already recorded")
	}
	next := s.clone()
	next.verdicts = append([]audit.CriterionVerdict{}, verdicts...)
	return next, nil
}

// WithReport records the final report. The report is written once.
func (s State) WithReport(r *audit.Report) (State, error) {
	if s.report != nil {
		return s, audit.MergeConflictf("set_report", "report already recorded")
	}
	next := s.clone()
	next.report = r
	return next, nil
}

// Snapshot returns a read-only view of the state.
func (s State) Snapshot() Snapshot {
	return Snapshot{s: s.clone()}
}

func (s State) clone() State {
	next := State{
		request:     s.request,
		evidence:    make(map[string][]audit.Evidence, len(s.evidence)),
		evidenceIDs: make(map[string]audit.Evidence, len(s.evidenceIDs)),
		opinions:    append([]audit.Opinion(nil), s.opinions...),
		failures:    append([]audit.NodeFailure(nil), s.failures...),
		metadata:    make(map[string]string, len(s.metadata)),
		verdicts:    s.verdicts,
		report:      s.report,
	}
	for dim, list := range s.evidence {
		next.evidence[dim] = append([]audit.Evidence(nil), list...)
	}
	for id, e := range s.evidenceIDs {
		next.evidenceIDs[id] = e
	}
	for k, v := range s.metadata {
		next.metadata[k] = v
	}
	return next
}

// Combine merges two fragments into one. Combine is associative; evidence
// and metadata combine as set union and opinions and failures concatenate
// in argument order, so Combine is commutative up to that ordering.
func Combine(a, b Fragment) (Fragment, error) {
	out := Fragment{
		Evidence: make([]audit.Evidence, 0, len(a.Evidence)+len(b.Evidence)),
		Opinions: append(append([]audit.Opinion(nil), a.Opinions...), b.Opinions...),
		Failures: append(append([]audit.NodeFailure(nil), a.Failures...), b.Failures...),
	}

	seen := make(map[string]audit.Evidence, len(a.Evidence)+len(b.Evidence))
	for _, e := range append(append([]audit.Evidence(nil), a.Evidence...), b.Evidence...) {
		if existing, ok := seen[e.ID]; ok {
			if !existing.Equal(e) {
				return Fragment{}, audit.MergeConflictf("combine_evidence", "evidence %s written twice with different content", e.ID)
			}
			continue
		}
		seen[e.ID] = e
		out.Evidence = append(out.Evidence, e)
	}

	if len(a.Metadata)+len(b.Metadata) > 0 {
		out.Metadata = make(map[string]string, len(a.Metadata)+len(b.Metadata))
		for _, m := range []map[string]string{a.Metadata, b.Metadata} {
			for k, v := range m {
				if existing, ok := out.Metadata[k]; ok && existing != v {
					return Fragment{}, audit.MergeConflictf("combine_metadata", "metadata %q written twice with different values", k)
				}
				out.Metadata[k] = v
			}
		}
	}
	return out, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
