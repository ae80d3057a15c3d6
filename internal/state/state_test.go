package state

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/auditor/internal/audit"
	"github.com/fyrsmithlabs/auditor/internal/rubric"
)

func testRubric(t *testing.T) *rubric.Rubric {
	t.Helper()
	r, err := rubric.Parse([]byte("name: test\ndimensions: [{id: dim_a}, {id: dim_b}]\n"))
	require.NoError(t, err)
	return r
}

func testFragments() []Fragment {
	return []Fragment{
		{
			Evidence: []audit.Evidence{audit.NewEvidence("git", "dim_a", 0.9, "commits")},
			Opinions: []audit.Opinion{{EvaluatorID: "prosecutor", Role: audit.RoleProsecutor, DimensionID: "dim_a", Score: 2, Rationale: "thin"}},
		},
		{
			Evidence: []audit.Evidence{
				audit.NewEvidence("docs", "dim_a", 0.6, "readme"),
				audit.NewEvidence("docs", "dim_b", 0.7, "claims"),
			},
			Opinions: []audit.Opinion{{EvaluatorID: "defense", Role: audit.RoleDefense, DimensionID: "dim_a", Score: 4, Rationale: "solid"}},
			Metadata: map[string]string{"docs.count": "1"},
		},
		{
			Evidence: []audit.Evidence{audit.NewEvidence("secrets", "dim_b", 1, "aws key", audit.Tagged(audit.TagSecurityViolation))},
			Opinions: []audit.Opinion{{EvaluatorID: "tech_lead", Role: audit.RoleTechLead, DimensionID: "dim_a", Score: 4, Rationale: "works"}},
			Failures: []audit.NodeFailure{{Stage: 1, Node: "vision", Kind: "collector_failure", Message: "timeout"}},
		},
	}
}

func TestPolicies_CoverEveryField(t *testing.T) {
	assert.Equal(t, PolicyUnion, Policies[FieldEvidence])
	assert.Equal(t, PolicyAppend, Policies[FieldOpinions])
	assert.Equal(t, PolicyAppend, Policies[FieldFailures])
	assert.Equal(t, PolicyUnion, Policies[FieldMetadata])
}

func TestMerge_DoesNotMutateReceiver(t *testing.T) {
	base := New(Request{Rubric: testRubric(t)})
	frags := testFragments()

	next, err := base.Merge(frags[0])
	require.NoError(t, err)

	assert.Equal(t, 0, base.Snapshot().EvidenceCount())
	assert.Empty(t, base.Snapshot().Opinions())
	assert.Equal(t, 1, next.Snapshot().EvidenceCount())
	assert.Len(t, next.Snapshot().Opinions(), 1)
}

func TestMerge_PermutationsAreSetEqual(t *testing.T) {
	frags := testFragments()
	base := New(Request{Rubric: testRubric(t)})

	reference, err := MergeAll(base, frags...)
	require.NoError(t, err)
	want := reference.Snapshot()

	sortEvidence := cmpopts.SortSlices(func(a, b audit.Evidence) bool { return a.ID < b.ID })
	sortOpinions := cmpopts.SortSlices(func(a, b audit.Opinion) bool { return a.EvaluatorID < b.EvaluatorID })
	sortFailures := cmpopts.SortSlices(func(a, b audit.NodeFailure) bool { return a.Node < b.Node })

	permutations := [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	for _, perm := range permutations {
		ordered := make([]Fragment, len(perm))
		for i, p := range perm {
			ordered[i] = frags[p]
		}
		got, err := MergeAll(base, ordered...)
		require.NoError(t, err)
		snap := got.Snapshot()

		for _, dim := range []string{"dim_a", "dim_b"} {
			if diff := cmp.Diff(want.Evidence(dim), snap.Evidence(dim), sortEvidence); diff != "" {
				t.Errorf("perm %v: evidence %s mismatch (-want +got):\n%s", perm, dim, diff)
			}
		}
		if diff := cmp.Diff(want.Opinions(), snap.Opinions(), sortOpinions); diff != "" {
			t.Errorf("perm %v: opinions mismatch (-want +got):\n%s", perm, diff)
		}
		if diff := cmp.Diff(want.Failures(), snap.Failures(), sortFailures); diff != "" {
			t.Errorf("perm %v: failures mismatch (-want +got):\n%s", perm, diff)
		}
		assert.Equal(t, want.Metadata(), snap.Metadata())
	}
}

func TestMerge_DeclaredOrderIsReproducible(t *testing.T) {
	frags := testFragments()
	base := New(Request{Rubric: testRubric(t)})
	rng := rand.New(rand.NewSource(7))

	var first []audit.Opinion
	for run := 0; run < 20; run++ {
		// Fragments arrive in a random order but are merged by declared index,
		// the way the executor merges a fan-out group at its barrier.
		arrived := make([]Fragment, len(frags))
		for _, idx := range rng.Perm(len(frags)) {
			arrived[idx] = frags[idx]
		}
		got, err := MergeAll(base, arrived...)
		require.NoError(t, err)

		ops := got.Snapshot().Opinions()
		if first == nil {
			first = ops
			continue
		}
		if diff := cmp.Diff(first, ops); diff != "" {
			t.Fatalf("run %d: opinion order changed (-first +got):\n%s", run, diff)
		}
	}
	assert.Equal(t, []string{"prosecutor", "defense", "tech_lead"}, evaluatorIDs(first))
}

func TestMerge_EvidenceConflict(t *testing.T) {
	base := New(Request{Rubric: testRubric(t)})
	e := audit.NewEvidence("git", "dim_a", 0.9, "commits")

	s, err := base.Merge(Fragment{Evidence: []audit.Evidence{e}})
	require.NoError(t, err)

	t.Run("identical record is idempotent", func(t *testing.T) {
		again, err := s.Merge(Fragment{Evidence: []audit.Evidence{e}})
		require.NoError(t, err)
		assert.Equal(t, 1, again.Snapshot().EvidenceCount())
		assert.Len(t, again.Snapshot().Evidence("dim_a"), 1)
	})

	t.Run("same id different content conflicts", func(t *testing.T) {
		tampered := e.Clone()
		tampered.Content = "rewritten"
		got, err := s.Merge(Fragment{Evidence: []audit.Evidence{tampered}})
		require.Error(t, err)
		assert.ErrorIs(t, err, audit.ErrMergeConflict)
		assert.Equal(t, "commits", got.Snapshot().Evidence("dim_a")[0].Content, "failed merge leaves state untouched")
	})
}

func TestMerge_MetadataConflict(t *testing.T) {
	base := New(Request{Rubric: testRubric(t)})
	s, err := base.Merge(Fragment{Metadata: map[string]string{MetaCommit: "abc"}})
	require.NoError(t, err)

	_, err = s.Merge(Fragment{Metadata: map[string]string{MetaCommit: "abc"}})
	assert.NoError(t, err, "same value is not a conflict")

	_, err = s.Merge(Fragment{Metadata: map[string]string{MetaCommit: "def"}})
	assert.ErrorIs(t, err, audit.ErrMergeConflict)
}

func TestWithVerdictsAndReport_WriteOnce(t *testing.T) {
	s := New(Request{Rubric: testRubric(t)})

	s, err := s.WithVerdicts([]audit.CriterionVerdict{{DimensionID: "dim_a"}})
	require.NoError(t, err)
	_, err = s.WithVerdicts(nil)
	assert.ErrorIs(t, err, audit.ErrMergeConflict)

	s, err = s.WithReport(&audit.Report{ID: "r1"})
	require.NoError(t, err)
	_, err = s.WithReport(&audit.Report{ID: "r2"})
	assert.ErrorIs(t, err, audit.ErrMergeConflict)

	snap := s.Snapshot()
	assert.Len(t, snap.Verdicts(), 1)
	assert.Equal(t, "r1", snap.Report().ID)
}

func TestWithVerdicts_EmptyListStillCountsAsWritten(t *testing.T) {
	s, err := New(Request{}).WithVerdicts(nil)
	require.NoError(t, err)
	assert.NotNil(t, s.Snapshot().Verdicts())

	_, err = s.WithVerdicts(nil)
	assert.ErrorIs(t, err, audit.ErrMergeConflict)
}

func TestSnapshot_IsImmutable(t *testing.T) {
	s, err := MergeAll(New(Request{
		Artifact: audit.Artifact{Ref: "repo", Docs: []string{"README.md"}},
		Rubric:   testRubric(t),
	}), testFragments()...)
	require.NoError(t, err)
	snap := s.Snapshot()

	ev := snap.Evidence("dim_a")
	ev[0].Content = "mutated"
	ops := snap.Opinions()
	ops[0].Score = 5
	md := snap.Metadata()
	md["docs.count"] = "99"
	art := snap.Artifact()
	art.Docs[0] = "other.md"

	fresh := s.Snapshot()
	assert.Equal(t, "commits", fresh.Evidence("dim_a")[0].Content)
	assert.Equal(t, 2, fresh.Opinions()[0].Score)
	assert.Equal(t, "1", fresh.Metadata()["docs.count"])
	assert.Equal(t, "README.md", fresh.Artifact().Docs[0])
}

func TestSnapshot_Accessors(t *testing.T) {
	s, err := MergeAll(New(Request{Rubric: testRubric(t)}), testFragments()...)
	require.NoError(t, err)
	s, err = s.Merge(Fragment{Metadata: map[string]string{MetaCommit: "abc123", MetaBranch: "main"}})
	require.NoError(t, err)
	snap := s.Snapshot()

	assert.Equal(t, 4, snap.EvidenceCount())
	assert.Len(t, snap.AllEvidence(), 4)
	assert.Len(t, snap.OpinionsFor("dim_a"), 3)
	assert.Empty(t, snap.OpinionsFor("dim_b"))
	assert.Len(t, snap.Failures(), 1)
	assert.Nil(t, snap.Verdicts())
	assert.Nil(t, snap.Report())

	art := snap.Artifact()
	assert.Equal(t, "abc123", art.Commit)
	assert.Equal(t, "main", art.Branch)

	first := snap.Evidence("dim_a")[0]
	got, ok := snap.EvidenceByID(first.ID)
	require.True(t, ok)
	assert.True(t, first.Equal(got))
	_, ok = snap.EvidenceByID("missing")
	assert.False(t, ok)
}

func TestCombine(t *testing.T) {
	frags := testFragments()

	t.Run("associative", func(t *testing.T) {
		ab, err := Combine(frags[0], frags[1])
		require.NoError(t, err)
		left, err := Combine(ab, frags[2])
		require.NoError(t, err)

		bc, err := Combine(frags[1], frags[2])
		require.NoError(t, err)
		right, err := Combine(frags[0], bc)
		require.NoError(t, err)

		assert.Empty(t, cmp.Diff(left, right))
	})

	t.Run("commutative up to order", func(t *testing.T) {
		ab, err := Combine(frags[0], frags[1])
		require.NoError(t, err)
		ba, err := Combine(frags[1], frags[0])
		require.NoError(t, err)

		opts := cmp.Options{
			cmpopts.SortSlices(func(a, b audit.Evidence) bool { return a.ID < b.ID }),
			cmpopts.SortSlices(func(a, b audit.Opinion) bool { return a.EvaluatorID < b.EvaluatorID }),
			cmpopts.EquateEmpty(),
		}
		assert.Empty(t, cmp.Diff(ab, ba, opts))
	})

	t.Run("conflicting evidence", func(t *testing.T) {
		e := audit.NewEvidence("git", "dim_a", 0.9, "x")
		other := e.Clone()
		other.Confidence = 0.1
		_, err := Combine(Fragment{Evidence: []audit.Evidence{e}}, Fragment{Evidence: []audit.Evidence{other}})
		assert.ErrorIs(t, err, audit.ErrMergeConflict)
	})

	t.Run("conflicting metadata", func(t *testing.T) {
		_, err := Combine(Fragment{Metadata: map[string]string{"k": "a"}}, Fragment{Metadata: map[string]string{"k": "b"}})
		assert.ErrorIs(t, err, audit.ErrMergeConflict)
	})

	t.Run("empty", func(t *testing.T) {
		out, err := Combine(Fragment{}, Fragment{})
		require.NoError(t, err)
		assert.True(t, out.Empty())
	})
}

func evaluatorIDs(ops []audit.Opinion) []string {
	ids := make([]string, len(ops))
	for i, o := range ops {
		ids[i] = o.EvaluatorID
	}
	return ids
}
