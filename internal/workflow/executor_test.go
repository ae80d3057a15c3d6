package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/auditor/internal/audit"
	"github.com/fyrsmithlabs/auditor/internal/logging"
	"github.com/fyrsmithlabs/auditor/internal/rubric"
	"github.com/fyrsmithlabs/auditor/internal/state"
	"github.com/fyrsmithlabs/auditor/internal/telemetry"
)

const testRubricYAML = `
name: test
dimensions:
  - id: dim_a
    evidence_types: [git]
  - id: dim_b
    evidence_types: [docs]
`

// MockNode is a testify mock of Node.
type MockNode struct {
	mock.Mock
	name string
}

func newMockNode(name string) *MockNode {
	return &MockNode{name: name}
}

func (m *MockNode) Name() string { return m.name }

func (m *MockNode) Run(ctx context.Context, snap state.Snapshot) (state.Fragment, error) {
	args := m.Called(ctx, snap)
	return args.Get(0).(state.Fragment), args.Error(1)
}

// countingSynth scores each dimension with its opinion count.
type countingSynth struct{}

func (countingSynth) Synthesize(dim rubric.Dimension, _ rubric.Params, evidence []audit.Evidence, opinions []audit.Opinion) audit.CriterionVerdict {
	v := audit.CriterionVerdict{DimensionID: dim.ID, DimensionName: dim.Name}
	if len(opinions) == 0 {
		v.InsufficientOpinion = true
		v.AppliedRules = []string{audit.RuleInsufficientOpinion}
		return v
	}
	v.FinalScore = audit.IntPtr(len(opinions))
	for _, e := range evidence {
		v.EvidenceRefs = append(v.EvidenceRefs, e.ID)
	}
	return v
}

type stubReports struct {
	err error
}

func (s stubReports) Build(snap state.Snapshot, verdicts []audit.CriterionVerdict) (*audit.Report, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &audit.Report{ID: "report-" + snap.Metadata()[state.MetaRunID], Verdicts: verdicts}, nil
}

type recordedMetrics struct {
	mu       sync.Mutex
	runs     []string
	nodes    map[string]int
	failures map[string]string
	verdicts int
}

func newRecordedMetrics() *recordedMetrics {
	return &recordedMetrics{nodes: map[string]int{}, failures: map[string]string{}}
}

func (r *recordedMetrics) RunFinished(status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, status)
}

func (r *recordedMetrics) NodeFinished(node string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[node]++
	if err != nil {
		r.failures[node] = audit.KindName(err)
	}
}

func (r *recordedMetrics) VerdictRecorded(audit.CriterionVerdict) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verdicts++
}

func testRequest(t *testing.T) state.Request {
	t.Helper()
	r, err := rubric.Parse([]byte(testRubricYAML))
	require.NoError(t, err)
	return state.Request{Artifact: audit.Artifact{Ref: "repo", Path: "/tmp/repo"}, Rubric: r}
}

func evidenceNode(name, dim string) Node {
	return NodeFunc(name, func(context.Context, state.Snapshot) (state.Fragment, error) {
		return state.Fragment{Evidence: []audit.Evidence{
			audit.NewEvidence(name, dim, 0.9, name+" found something"),
		}}, nil
	})
}

func opinionNode(name, role string, score int, delay time.Duration) Node {
	return NodeFunc(name, func(ctx context.Context, _ state.Snapshot) (state.Fragment, error) {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return state.Fragment{}, ctx.Err()
		}
		return state.Fragment{Opinions: []audit.Opinion{{
			EvaluatorID: name,
			Role:        role,
			DimensionID: "dim_a",
			Score:       score,
			Rationale:   name + " rationale",
		}}}, nil
	})
}

func newTestExecutor(opts ...Option) *Executor {
	base := []Option{
		WithSynthesizer(countingSynth{}),
		WithReportBuilder(stubReports{}),
		WithNodeTimeout(time.Second),
	}
	return NewExecutor(append(base, opts...)...)
}

func TestExecute_EvidenceOnly(t *testing.T) {
	g, err := NewGraph("evidence").
		Single(evidenceNode("context", "dim_a")).
		FanOut("detectives", NewMember(evidenceNode("git", "dim_a")), NewMember(evidenceNode("docs", "dim_b"))).
		FanIn("detectives", evidenceNode("aggregate", "dim_b")).
		Build()
	require.NoError(t, err)

	run, err := newTestExecutor(WithIDGenerator(func() string { return "run-1" })).Execute(context.Background(), g, testRequest(t))
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, run.Status)
	assert.True(t, run.EvidenceOnly())
	assert.Nil(t, run.Report)
	assert.Nil(t, run.Snapshot().Verdicts())

	snap := run.Snapshot()
	assert.Equal(t, 4, snap.EvidenceCount())
	assert.Len(t, snap.Evidence("dim_a"), 2)
	assert.Equal(t, "run-1", snap.Metadata()[state.MetaRunID])
	assert.Equal(t, "evidence", snap.Metadata()[state.MetaGraph])

	var statuses []Status
	for _, tr := range run.Transitions {
		statuses = append(statuses, tr.To)
	}
	assert.Equal(t, []Status{StatusRunning, StatusRunning, StatusRunning, StatusCompleted}, statuses)
	assert.Equal(t, 2, run.Stage)
}

func TestExecute_FanOutTimeoutIsNotFatal(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	// Ignores cancellation entirely.
	stuck := NodeFunc("stuck", func(context.Context, state.Snapshot) (state.Fragment, error) {
		<-release
		return state.Fragment{}, nil
	})

	g, err := NewGraph("audit").
		FanOut("judges",
			NewMember(opinionNode("prosecutor", audit.RoleProsecutor, 2, 0)),
			NewMember(stuck, Timeout(50*time.Millisecond)),
		).
		Synthesize().
		Build()
	require.NoError(t, err)

	metrics := newRecordedMetrics()
	start := time.Now()
	run, err := newTestExecutor(WithMetrics(metrics)).Execute(context.Background(), g, testRequest(t))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 900*time.Millisecond, "barrier must not wait past the deadline")

	assert.Equal(t, StatusCompleted, run.Status)
	require.NotNil(t, run.Report)

	failures := run.Snapshot().Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "stuck", failures[0].Node)
	assert.Equal(t, "collector_failure", failures[0].Kind)
	assert.Contains(t, failures[0].Message, "deadline exceeded")

	assert.Equal(t, []string{"completed"}, metrics.runs)
	assert.Equal(t, "collector_failure", metrics.failures["stuck"])
	assert.Equal(t, 2, metrics.verdicts)
}

func TestExecute_RequiredSingleFailureFailsRun(t *testing.T) {
	boom := newMockNode("context")
	boom.On("Run", mock.Anything, mock.Anything).Return(state.Fragment{}, errors.New("path does not exist"))
	never := newMockNode("git")

	g, err := NewGraph("audit").
		Single(boom).
		FanOut("detectives", NewMember(never)).
		Synthesize().
		Build()
	require.NoError(t, err)

	var events []EventType
	exec := newTestExecutor()
	exec.OnProgress(func(p Progress) { events = append(events, p.Type) })

	run, err := exec.Execute(context.Background(), g, testRequest(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, audit.ErrWorkflowFatal)
	assert.ErrorIs(t, err, audit.ErrCollectorFailure)
	assert.Contains(t, err.Error(), "path does not exist")

	assert.Equal(t, StatusFailed, run.Status)
	assert.Nil(t, run.Report)
	assert.Equal(t, 0, run.FailedStage)
	assert.Equal(t, "context", run.FailedNode)
	assert.Equal(t, err, run.Cause)
	assert.False(t, run.CompletedAt.IsZero())

	boom.AssertExpectations(t)
	never.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
	assert.Equal(t, []EventType{EventRunStarted, EventStageStarted, EventRunFailed}, events)
}

func TestExecute_RequiredFanOutMemberEscalates(t *testing.T) {
	failing := NodeFunc("secrets", func(context.Context, state.Snapshot) (state.Fragment, error) {
		return state.Fragment{}, errors.New("scanner crashed")
	})
	g, err := NewGraph("audit").
		FanOut("detectives", NewMember(evidenceNode("git", "dim_a")), NewMember(failing, Required())).
		Build()
	require.NoError(t, err)

	run, err := newTestExecutor().Execute(context.Background(), g, testRequest(t))
	assert.ErrorIs(t, err, audit.ErrWorkflowFatal)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, "secrets", run.FailedNode)
}

func TestExecute_OptionalSingleFailureIsRecorded(t *testing.T) {
	g, err := NewGraph("audit").
		Single(NodeFunc("flaky", func(context.Context, state.Snapshot) (state.Fragment, error) {
			return state.Fragment{}, errors.New("flaky")
		}), Optional()).
		Single(evidenceNode("git", "dim_a")).
		Build()
	require.NoError(t, err)

	run, err := newTestExecutor().Execute(context.Background(), g, testRequest(t))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)
	assert.Len(t, run.Snapshot().Failures(), 1)
	assert.Equal(t, 1, run.Snapshot().EvidenceCount())
}

func TestExecute_PanicIsRecovered(t *testing.T) {
	panicky := NodeFunc("panicky", func(context.Context, state.Snapshot) (state.Fragment, error) {
		panic("nil map")
	})
	g, err := NewGraph("audit").
		FanOut("detectives", NewMember(panicky), NewMember(evidenceNode("git", "dim_a"))).
		Build()
	require.NoError(t, err)

	run, err := newTestExecutor().Execute(context.Background(), g, testRequest(t))
	require.NoError(t, err)

	failures := run.Snapshot().Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "panicky", failures[0].Node)
	assert.Equal(t, "collector_failure", failures[0].Kind)
	assert.Contains(t, failures[0].Message, "nil map")
	assert.Equal(t, 1, run.Snapshot().EvidenceCount())
}

func TestExecute_InvalidFragmentIsDropped(t *testing.T) {
	bad := NodeFunc("bad", func(context.Context, state.Snapshot) (state.Fragment, error) {
		return state.Fragment{
			Evidence: []audit.Evidence{
				audit.NewEvidence("bad", "dim_a", 0.5, "fine"),
				audit.NewEvidence("bad", "unknown_dim", 0.5, "not in rubric"),
			},
		}, nil
	})
	outOfRange := opinionNode("judge", audit.RoleDefense, 9, 0)

	g, err := NewGraph("audit").
		FanOut("mixed", NewMember(bad), NewMember(outOfRange), NewMember(evidenceNode("git", "dim_a"))).
		Build()
	require.NoError(t, err)

	run, err := newTestExecutor().Execute(context.Background(), g, testRequest(t))
	require.NoError(t, err)

	snap := run.Snapshot()
	assert.Equal(t, 1, snap.EvidenceCount(), "the whole invalid fragment is dropped")
	assert.Empty(t, snap.Opinions())

	failures := snap.Failures()
	require.Len(t, failures, 2)
	assert.Equal(t, "bad", failures[0].Node)
	assert.Equal(t, "validation_failure", failures[0].Kind)
	assert.Contains(t, failures[0].Message, "unknown_dim")
	assert.Equal(t, "judge", failures[1].Node)
	assert.Contains(t, failures[1].Message, "opinion.score")
}

func TestExecute_MergesInDeclaredOrder(t *testing.T) {
	// Later members finish first.
	g, err := NewGraph("audit").
		FanOut("judges",
			NewMember(opinionNode("first", audit.RoleProsecutor, 1, 60*time.Millisecond)),
			NewMember(opinionNode("second", audit.RoleDefense, 2, 30*time.Millisecond)),
			NewMember(opinionNode("third", audit.RoleTechLead, 3, 0)),
		).
		Build()
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		run, err := newTestExecutor().Execute(context.Background(), g, testRequest(t))
		require.NoError(t, err)

		var order []string
		for _, o := range run.Snapshot().Opinions() {
			order = append(order, o.EvaluatorID)
		}
		assert.Equal(t, []string{"first", "second", "third"}, order)
	}
}

func TestExecute_MergeConflictFailsRun(t *testing.T) {
	meta := func(name, value string) Node {
		return NodeFunc(name, func(context.Context, state.Snapshot) (state.Fragment, error) {
			return state.Fragment{Metadata: map[string]string{"docs.root": value}}, nil
		})
	}
	g, err := NewGraph("audit").
		FanOut("detectives", NewMember(meta("a", "docs")), NewMember(meta("b", "site"))).
		Build()
	require.NoError(t, err)

	run, err := newTestExecutor().Execute(context.Background(), g, testRequest(t))
	assert.ErrorIs(t, err, audit.ErrMergeConflict)
	assert.ErrorIs(t, err, audit.ErrWorkflowFatal)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, "b", run.FailedNode)
	assert.Equal(t, "docs", run.Snapshot().Metadata()["docs.root"], "state before the conflict is kept")
}

func TestExecute_CancelledBeforeStage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cancelling := NodeFunc("context", func(context.Context, state.Snapshot) (state.Fragment, error) {
		cancel()
		return state.Fragment{}, nil
	})
	next := newMockNode("git")

	g, err := NewGraph("audit").Single(cancelling, Optional()).Single(next).Build()
	require.NoError(t, err)

	run, err := newTestExecutor().Execute(ctx, g, testRequest(t))
	assert.ErrorIs(t, err, audit.ErrWorkflowFatal)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, 1, run.FailedStage)
	next.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
}

func TestExecute_SynthesisAndReport(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	logger := logging.NewTestLogger()

	g, err := NewGraph("audit").
		Single(evidenceNode("context", "dim_a")).
		FanOut("judges",
			NewMember(opinionNode("prosecutor", audit.RoleProsecutor, 2, 0)),
			NewMember(opinionNode("defense", audit.RoleDefense, 4, 0)),
		).
		Synthesize().
		Build()
	require.NoError(t, err)

	var events []Progress
	exec := newTestExecutor(WithTracer(tel.Tracer("test")), WithLogger(logger.Logger))
	exec.OnProgress(func(p Progress) { events = append(events, p) })

	run, err := exec.Execute(context.Background(), g, testRequest(t))
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, run.Status)
	require.NotNil(t, run.Report)
	assert.Equal(t, "report-"+run.ID, run.Report.ID)
	assert.Same(t, run.Report, run.Snapshot().Report())

	verdicts := run.Snapshot().Verdicts()
	require.Len(t, verdicts, 2)
	assert.Equal(t, "dim_a", verdicts[0].DimensionID)
	assert.Equal(t, 2, *verdicts[0].FinalScore)
	assert.Equal(t, "dim_b", verdicts[1].DimensionID)
	assert.True(t, verdicts[1].InsufficientOpinion, "a degraded dimension still completes")

	var types []EventType
	for _, p := range events {
		assert.Equal(t, run.ID, p.RunID)
		types = append(types, p.Type)
	}
	assert.Equal(t, []EventType{
		EventRunStarted,
		EventStageStarted, EventStageCompleted,
		EventStageStarted, EventStageCompleted,
		EventSynthesisStarted,
		EventRunCompleted,
	}, types)
	assert.Equal(t, 100, events[len(events)-1].Percentage)

	tel.AssertSpanExists(t, "workflow.run")
	tel.AssertSpanExists(t, "workflow.synthesis")
	tel.AssertSpanAttribute(t, "workflow.node", "node", "defense")
	tel.AssertSpanAttribute(t, "workflow.stage", "stage", "judges")
	assert.Len(t, tel.SpansNamed("workflow.node"), 3)

	logger.AssertLogged(t, zapcore.InfoLevel, "run started")
	logger.AssertField(t, "run completed", "run.id", run.ID)
	logger.AssertLogged(t, zapcore.WarnLevel, "dimension has no usable opinions")
}

func TestExecute_ReportFailureFailsRun(t *testing.T) {
	g, err := NewGraph("audit").Single(evidenceNode("context", "dim_a")).Synthesize().Build()
	require.NoError(t, err)

	exec := NewExecutor(WithSynthesizer(countingSynth{}), WithReportBuilder(stubReports{err: errors.New("disk full")}))
	run, err := exec.Execute(context.Background(), g, testRequest(t))
	assert.ErrorIs(t, err, audit.ErrWorkflowFatal)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Nil(t, run.Report)
	assert.Len(t, run.Snapshot().Verdicts(), 2)
}

func TestExecute_NestedFailuresAreStamped(t *testing.T) {
	partial := NodeFunc("tech_lead", func(context.Context, state.Snapshot) (state.Fragment, error) {
		return state.Fragment{Failures: []audit.NodeFailure{{
			Kind: "validation_failure", Message: "malformed answer", DimensionID: "dim_b",
		}}}, nil
	})
	g, err := NewGraph("audit").Single(evidenceNode("context", "dim_a")).Single(partial).Build()
	require.NoError(t, err)

	run, err := newTestExecutor().Execute(context.Background(), g, testRequest(t))
	require.NoError(t, err)

	failures := run.Snapshot().Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, audit.NodeFailure{
		Stage: 1, Node: "tech_lead", Kind: "validation_failure", Message: "malformed answer", DimensionID: "dim_b",
	}, failures[0])
}

func TestExecute_BoundsParallelism(t *testing.T) {
	var running, peak atomic.Int32
	member := func(name string) Member {
		return NewMember(NodeFunc(name, func(context.Context, state.Snapshot) (state.Fragment, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			running.Add(-1)
			return state.Fragment{}, nil
		}))
	}

	g, err := NewGraph("audit").
		FanOut("wide", member("a"), member("b"), member("c"), member("d"), member("e")).
		Build()
	require.NoError(t, err)

	_, err = newTestExecutor(WithMaxParallel(2)).Execute(context.Background(), g, testRequest(t))
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(0), running.Load())
}

func TestExecute_SharedPoolAcrossRuns(t *testing.T) {
	var running, peak atomic.Int32
	slow := func(name string) Member {
		return NewMember(NodeFunc(name, func(context.Context, state.Snapshot) (state.Fragment, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			running.Add(-1)
			return state.Fragment{}, nil
		}))
	}
	g, err := NewGraph("audit").FanOut("wide", slow("a"), slow("b"), slow("c")).Build()
	require.NoError(t, err)

	exec := newTestExecutor(WithMaxParallel(3))
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := exec.Execute(context.Background(), g, testRequest(t))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestExecute_ConfigurationErrors(t *testing.T) {
	g, err := NewGraph("audit").Single(noop("a")).Synthesize().Build()
	require.NoError(t, err)

	_, err = NewExecutor().Execute(context.Background(), nil, testRequest(t))
	assert.ErrorIs(t, err, ErrInvalidGraph)

	_, err = NewExecutor().Execute(context.Background(), g, state.Request{})
	assert.ErrorIs(t, err, audit.ErrValidation)

	run, err := NewExecutor().Execute(context.Background(), g, testRequest(t))
	assert.ErrorIs(t, err, ErrInvalidGraph)
	assert.Nil(t, run)
}

func TestRun_TransitionRules(t *testing.T) {
	now := time.Unix(0, 0)
	r := newRun("id", "g", now)
	assert.Error(t, r.transition(StatusCompleted, 0, now), "pending cannot complete")
	require.NoError(t, r.transition(StatusRunning, 0, now))
	require.NoError(t, r.transition(StatusSynthesizing, 0, now))
	assert.Error(t, r.transition(StatusRunning, 1, now), "synthesis is not re-entrant")
	require.NoError(t, r.transition(StatusCompleted, 0, now.Add(time.Second)))
	assert.True(t, r.Status.Terminal())
	assert.Equal(t, time.Second, r.Duration())
	assert.Error(t, r.transition(StatusFailed, 0, now), "terminal states are final")
}

func TestExecute_AbandonedNodeKeepsWorkerSlot(t *testing.T) {
	var running, peak atomic.Int32
	enter := func() {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				return
			}
		}
	}

	// Ignores cancellation and outlives its deadline.
	stuck := NodeFunc("stuck", func(context.Context, state.Snapshot) (state.Fragment, error) {
		enter()
		defer running.Add(-1)
		time.Sleep(400 * time.Millisecond)
		return state.Fragment{}, nil
	})
	aggregate := NodeFunc("aggregate", func(context.Context, state.Snapshot) (state.Fragment, error) {
		enter()
		defer running.Add(-1)
		return state.Fragment{Evidence: []audit.Evidence{
			audit.NewEvidence("aggregate", "dim_b", 0.9, "aggregated"),
		}}, nil
	})

	g, err := NewGraph("evidence").
		FanOut("detectives", NewMember(stuck, Timeout(50*time.Millisecond))).
		FanIn("detectives", aggregate).
		Build()
	require.NoError(t, err)

	run, err := newTestExecutor(WithMaxParallel(1)).Execute(context.Background(), g, testRequest(t))
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, run.Status)
	assert.Equal(t, int32(1), peak.Load(), "aggregate must wait for the abandoned node's slot")
	assert.Len(t, run.Snapshot().Evidence("dim_b"), 1)
	require.Len(t, run.Snapshot().Failures(), 1)
	assert.Equal(t, "stuck", run.Snapshot().Failures()[0].Node)
}
