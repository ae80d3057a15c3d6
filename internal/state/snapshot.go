package state

import (
	"github.com/fyrsmithlabs/auditor/internal/audit"
	"github.com/fyrsmithlabs/auditor/internal/rubric"
)

// Snapshot is an immutable view of State handed to workflow nodes.
// Every accessor returns a copy.
type Snapshot struct {
	s State
}

// Artifact returns the audited artifact, with commit and branch filled in
// from metadata once the context builder has run.
func (v Snapshot) Artifact() audit.Artifact {
	a := v.s.request.Artifact
	a.Docs = append([]string(nil), a.Docs...)
	if c, ok := v.s.metadata[MetaCommit]; ok && a.Commit == "" {
		a.Commit = c
	}
	if b, ok := v.s.metadata[MetaBranch]; ok && a.Branch == "" {
		a.Branch = b
	}
	return a
}

// Rubric returns the run's rubric. Rubrics are not mutated after loading.
func (v Snapshot) Rubric() *rubric.Rubric {
	return v.s.request.Rubric
}

// Evidence returns the evidence recorded for a dimension, in merge order.
func (v Snapshot) Evidence(dimensionID string) []audit.Evidence {
	return cloneEvidence(v.s.evidence[dimensionID])
}

// AllEvidence returns all evidence, grouped by dimension in rubric order.
// Evidence for dimensions the rubric does not know is not reachable here.
func (v Snapshot) AllEvidence() []audit.Evidence {
	var out []audit.Evidence
	if v.s.request.Rubric == nil {
		return out
	}
	for _, id := range v.s.request.Rubric.IDs() {
		out = append(out, cloneEvidence(v.s.evidence[id])...)
	}
	return out
}

// EvidenceCount returns the total number of evidence records.
func (v Snapshot) EvidenceCount() int {
	return len(v.s.evidenceIDs)
}

// EvidenceByID looks up a single evidence record.
func (v Snapshot) EvidenceByID(id string) (audit.Evidence, bool) {
	e, ok := v.s.evidenceIDs[id]
	if !ok {
		return audit.Evidence{}, false
	}
	return e.Clone(), true
}

// Opinions returns every opinion, in merge order.
func (v Snapshot) Opinions() []audit.Opinion {
	out := make([]audit.Opinion, len(v.s.opinions))
	for i, o := range v.s.opinions {
		out[i] = o.Clone()
	}
	return out
}

// OpinionsFor returns the opinions for one dimension, in merge order.
func (v Snapshot) OpinionsFor(dimensionID string) []audit.Opinion {
	var out []audit.Opinion
	for _, o := range v.s.opinions {
		if o.DimensionID == dimensionID {
			out = append(out, o.Clone())
		}
	}
	return out
}

// Failures returns partial-failure markers, in merge order.
func (v Snapshot) Failures() []audit.NodeFailure {
	return append([]audit.NodeFailure(nil), v.s.failures...)
}

// Metadata returns a copy of run metadata.
func (v Snapshot) Metadata() map[string]string {
	out := make(map[string]string, len(v.s.metadata))
	for k, val := range v.s.metadata {
		out[k] = val
	}
	return out
}

// Verdicts returns synthesized verdicts, nil before synthesis.
func (v Snapshot) Verdicts() []audit.CriterionVerdict {
	if v.s.verdicts == nil {
		return nil
	}
	return append([]audit.CriterionVerdict{}, v.s.verdicts...)
}

// Report returns the final report, nil before it is built.
func (v Snapshot) Report() *audit.Report {
	return v.s.report
}

// Metadata keys. Commit and branch are written by the context builder, the
// run keys by the executor.
const (
	MetaCommit    = "artifact.commit"
	MetaBranch    = "artifact.branch"
	MetaRunID     = "run.id"
	MetaGraph     = "run.graph"
	MetaStartedAt = "run.started_at"
)

func cloneEvidence(in []audit.Evidence) []audit.Evidence {
	if in == nil {
		return nil
	}
	out := make([]audit.Evidence, len(in))
	for i, e := range in {
		out[i] = e.Clone()
	}
	return out
}
