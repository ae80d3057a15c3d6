package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/fyrsmithlabs/auditor/internal/audit"
	"github.com/fyrsmithlabs/auditor/internal/logging"
	"github.com/fyrsmithlabs/auditor/internal/rubric"
	"github.com/fyrsmithlabs/auditor/internal/state"
)

const (
	DefaultMaxParallel = 4
	DefaultNodeTimeout = 2 * time.Minute

	tracerName = "github.com/fyrsmithlabs/auditor/internal/workflow"
)

// Synthesizer reconciles one dimension's opinions into a verdict.
type Synthesizer interface {
	Synthesize(dim rubric.Dimension, params rubric.Params, evidence []audit.Evidence, opinions []audit.Opinion) audit.CriterionVerdict
}

// ReportBuilder assembles the final report from the synthesized state.
type ReportBuilder interface {
	Build(snap state.Snapshot, verdicts []audit.CriterionVerdict) (*audit.Report, error)
}

// Recorder receives execution metrics.
type Recorder interface {
	RunFinished(status string, d time.Duration)
	NodeFinished(node string, d time.Duration, err error)
	VerdictRecorded(v audit.CriterionVerdict)
}

type nopRecorder struct{}

func (nopRecorder) RunFinished(string, time.Duration) {}
func (nopRecorder) NodeFinished(string, time.Duration, error) {}
func (nopRecorder) VerdictRecorded(audit.CriterionVerdict) {}

// Executor runs workflow graphs. It is the only writer of run state: nodes
// return fragments and the executor merges them in declared order once
// every member of a stage has returned or timed out.
//
// One Executor may run several graphs concurrently; the worker bound set
// by WithMaxParallel is shared between them.
type Executor struct {
	sem         *semaphore.Weighted
	maxParallel int
	nodeTimeout time.Duration
	clock       func() time.Time
	newID       func() string
	logger      *logging.Logger
	metrics     Recorder
	tracer      trace.Tracer
	synth       Synthesizer
	reports     ReportBuilder

	mu        sync.RWMutex
	callbacks []ProgressCallback
}

// NewExecutor creates an executor.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		maxParallel: DefaultMaxParallel,
		nodeTimeout: DefaultNodeTimeout,
		clock:       time.Now,
		newID:       uuid.NewString,
		logger:      logging.NewNop(),
		metrics:     nopRecorder{},
		tracer:      otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.sem = semaphore.NewWeighted(int64(e.maxParallel))
	return e
}

// OnProgress registers a progress callback.
func (e *Executor) OnProgress(cb ProgressCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = append(e.callbacks, cb)
}

// Execute runs g to completion or failure. The returned Run is non-nil
// whenever execution started; a fatal failure also returns an error that
// matches audit.ErrWorkflowFatal.
func (e *Executor) Execute(ctx context.Context, g *Graph, req state.Request) (*Run, error) {
	if g == nil {
		return nil, fmt.Errorf("%w: nil graph", ErrInvalidGraph)
	}
	if req.Rubric == nil {
		return nil, audit.Validationf("request.rubric", "a rubric is required")
	}
	if g.Synthesizes() && (e.synth == nil || e.reports == nil) {
		return nil, fmt.Errorf("%w: %s synthesizes but no synthesizer or report builder is configured", ErrInvalidGraph, g.Name())
	}

	run := newRun(e.newID(), g.Name(), e.clock())
	ctx = logging.WithRunID(ctx, run.ID)
	ctx, span := e.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("graph", g.Name()),
	))
	defer span.End()

	err := e.execute(ctx, g, req, run)

	span.SetAttributes(attribute.String("status", string(run.Status)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	e.metrics.RunFinished(string(run.Status), run.Duration())
	return run, err
}

func (e *Executor) execute(ctx context.Context, g *Graph, req state.Request, run *Run) error {
	st, err := state.New(req).Merge(state.Fragment{Metadata: map[string]string{
		state.MetaRunID:     run.ID,
		state.MetaGraph:     g.Name(),
		state.MetaStartedAt: run.StartedAt.UTC().Format(time.RFC3339),
	}})
	if err != nil {
		return e.fail(ctx, run, -1, "", err)
	}
	run.State = st

	if err := run.transition(StatusRunning, 0, e.clock()); err != nil {
		return e.fail(ctx, run, -1, "", err)
	}
	e.logger.Info(ctx, "run started",
		zap.String("graph", g.Name()),
		zap.String("artifact", req.Artifact.Ref),
		zap.Int("stages", len(g.stages)))
	e.emit(run, Progress{Type: EventRunStarted, Stage: 0})

	for i, stage := range g.stages {
		if err := ctx.Err(); err != nil {
			return e.fail(ctx, run, i, "", &audit.Error{
				Kind: audit.ErrWorkflowFatal, Op: "execute", Err: err,
				Context: fmt.Sprintf("cancelled before stage %s", stage.Name),
			})
		}
		if i > 0 {
			if err := run.transition(StatusRunning, i, e.clock()); err != nil {
				return e.fail(ctx, run, i, "", err)
			}
		}
		st, err = e.runStage(ctx, run, i, stage, st, len(g.stages))
		run.State = st
		if err != nil {
			return err
		}
	}

	if !g.Synthesizes() {
		if err := run.transition(StatusCompleted, run.Stage, e.clock()); err != nil {
			return e.fail(ctx, run, -1, "", err)
		}
		e.logger.Info(ctx, "run completed without synthesis",
			zap.Int("evidence", st.Snapshot().EvidenceCount()))
		e.emit(run, Progress{Type: EventRunCompleted, Stage: run.Stage, Percentage: 100})
		return nil
	}

	if err := ctx.Err(); err != nil {
		return e.fail(ctx, run, -1, "", &audit.Error{
			Kind: audit.ErrWorkflowFatal, Op: "execute", Err: err, Context: "cancelled before synthesis",
		})
	}
	if err := run.transition(StatusSynthesizing, run.Stage, e.clock()); err != nil {
		return e.fail(ctx, run, -1, "", err)
	}
	e.emit(run, Progress{Type: EventSynthesisStarted, Stage: run.Stage, Percentage: 100})

	st, err = e.synthesize(ctx, run, st)
	run.State = st
	if err != nil {
		return err
	}

	if err := run.transition(StatusCompleted, run.Stage, e.clock()); err != nil {
		return e.fail(ctx, run, -1, "", err)
	}
	e.logger.Info(ctx, "run completed", zap.Int("verdicts", len(run.Report.Verdicts)))
	e.emit(run, Progress{Type: EventRunCompleted, Stage: run.Stage, Percentage: 100})
	return nil
}

type outcome struct {
	member   Member
	fragment state.Fragment
	err      error
}

func (e *Executor) runStage(ctx context.Context, run *Run, idx int, stage Stage, st state.State, total int) (state.State, error) {
	ctx = logging.WithStage(ctx, stage.Name)
	ctx, span := e.tracer.Start(ctx, "workflow.stage", trace.WithAttributes(
		attribute.String("stage", stage.Name),
		attribute.String("kind", string(stage.Kind)),
		attribute.Int("index", idx),
	))
	defer span.End()

	e.emit(run, Progress{Type: EventStageStarted, Stage: idx, StageName: stage.Name, Percentage: idx * 100 / total})

	// Every member sees the state as it was at stage entry.
	snap := st.Snapshot()
	outcomes := e.runMembers(ctx, stage, snap)

	for _, out := range outcomes {
		name := out.member.Node.Name()
		if out.err != nil {
			if out.member.Required {
				span.SetStatus(codes.Error, out.err.Error())
				return st, e.fail(ctx, run, idx, name, out.err)
			}
			failure := audit.NodeFailure{Stage: idx, Node: name, Kind: audit.KindName(out.err), Message: out.err.Error()}
			next, err := st.Merge(state.Fragment{Failures: []audit.NodeFailure{failure}})
			if err != nil {
				return st, e.fail(ctx, run, idx, name, err)
			}
			st = next
			e.logger.Warn(ctx, "node failed, continuing",
				zap.String("failed_node", name),
				zap.String("kind", failure.Kind),
				zap.Error(out.err))
			e.emit(run, Progress{Type: EventNodeFailed, Stage: idx, StageName: stage.Name, Node: name, Kind: failure.Kind, Message: failure.Message})
			continue
		}

		frag := stampFailures(out.fragment, idx, name)
		next, err := st.Merge(frag)
		if err != nil {
			return st, e.fail(ctx, run, idx, name, err)
		}
		st = next
		for _, f := range frag.Failures {
			e.emit(run, Progress{Type: EventNodeFailed, Stage: idx, StageName: stage.Name, Node: name, Kind: f.Kind, Message: f.Message})
		}
	}

	e.emit(run, Progress{Type: EventStageCompleted, Stage: idx, StageName: stage.Name, Percentage: (idx + 1) * 100 / total})
	return st, nil
}

// runMembers is the fan-in barrier: it returns once every member has
// returned or timed out, with outcomes in declared order.
func (e *Executor) runMembers(ctx context.Context, stage Stage, snap state.Snapshot) []outcome {
	outcomes := make([]outcome, len(stage.Members))
	var g errgroup.Group
	g.SetLimit(e.maxParallel)
	for i, m := range stage.Members {
		g.Go(func() error {
			outcomes[i] = e.runMember(ctx, stage, m, snap)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// runMember runs one node under its timeout. A node that ignores
// cancellation is abandoned at the deadline; its goroutine finishes on its
// own, its result is discarded and it keeps its worker slot until then.
func (e *Executor) runMember(ctx context.Context, stage Stage, m Member, snap state.Snapshot) outcome {
	name := m.Node.Name()
	out := outcome{member: m}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		out.err = audit.NewError(audit.ErrCollectorFailure, "acquire_worker", err).WithNode(name)
		return out
	}

	timeout := m.Timeout
	if timeout <= 0 {
		timeout = e.nodeTimeout
	}

	ctx = logging.WithNode(ctx, name)
	ctx, span := e.tracer.Start(ctx, "workflow.node", trace.WithAttributes(
		attribute.String("node", name),
		attribute.String("stage", stage.Name),
		attribute.Bool("required", m.Required),
	))
	defer span.End()

	nctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan outcome, 1)
	go func() {
		defer e.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: audit.NewError(audit.ErrCollectorFailure, "run_node", fmt.Errorf("panic: %v", r))}
			}
		}()
		frag, err := m.Node.Run(nctx, snap)
		done <- outcome{fragment: frag, err: err}
	}()

	select {
	case res := <-done:
		out.fragment, out.err = res.fragment, res.err
	case <-nctx.Done():
		select {
		case res := <-done:
			out.fragment, out.err = res.fragment, res.err
		default:
			out.err = audit.NewError(audit.ErrCollectorFailure, "run_node",
				fmt.Errorf("no result within %s: %w", timeout, nctx.Err()))
		}
	}
	elapsed := time.Since(start)

	if out.err == nil {
		out.err = validateFragment(out.fragment, snap.Rubric())
	}
	if out.err != nil {
		out.err = tagNode(out.err, name)
		out.fragment = state.Fragment{}
		span.RecordError(out.err)
		span.SetStatus(codes.Error, out.err.Error())
	} else {
		span.SetAttributes(
			attribute.Int("evidence", len(out.fragment.Evidence)),
			attribute.Int("opinions", len(out.fragment.Opinions)),
		)
		e.logger.Debug(ctx, "node completed",
			zap.Duration("duration", elapsed),
			zap.Int("evidence", len(out.fragment.Evidence)),
			zap.Int("opinions", len(out.fragment.Opinions)))
	}
	e.metrics.NodeFinished(name, elapsed, out.err)
	return out
}

func (e *Executor) synthesize(ctx context.Context, run *Run, st state.State) (state.State, error) {
	ctx, span := e.tracer.Start(ctx, "workflow.synthesis")
	defer span.End()

	snap := st.Snapshot()
	r := snap.Rubric()
	verdicts := make([]audit.CriterionVerdict, 0, len(r.Dimensions))
	for _, dim := range r.Dimensions {
		v := e.synth.Synthesize(dim, r.Params(dim.ID), snap.Evidence(dim.ID), snap.OpinionsFor(dim.ID))
		if !v.Determined() {
			e.logger.Warn(ctx, "dimension has no usable opinions",
				zap.String("dimension", dim.ID),
				zap.Error(audit.NewError(audit.ErrUnderDetermined, "synthesize", nil)))
		}
		e.metrics.VerdictRecorded(v)
		verdicts = append(verdicts, v)
	}

	st, err := st.WithVerdicts(verdicts)
	if err != nil {
		return st, e.fail(ctx, run, -1, "", err)
	}
	report, err := e.reports.Build(st.Snapshot(), verdicts)
	if err != nil {
		return st, e.fail(ctx, run, -1, "", fmt.Errorf("building report: %w", err))
	}
	st, err = st.WithReport(report)
	if err != nil {
		return st, e.fail(ctx, run, -1, "", err)
	}
	run.Report = report
	return st, nil
}

// fail moves run to Failed and returns the fatal error.
func (e *Executor) fail(ctx context.Context, run *Run, stage int, node string, cause error) error {
	err := cause
	if !errors.Is(cause, audit.ErrWorkflowFatal) {
		err = &audit.Error{Kind: audit.ErrWorkflowFatal, Op: "execute", Node: node, Err: cause}
	}
	run.FailedStage = stage
	run.FailedNode = node
	run.Cause = err
	_ = run.transition(StatusFailed, run.Stage, e.clock())

	e.logger.Error(ctx, "run failed",
		zap.Int("failed_stage", stage),
		zap.String("failed_node", node),
		zap.String("kind", audit.KindName(cause)),
		zap.Error(err))
	e.emit(run, Progress{Type: EventRunFailed, Stage: run.Stage, Node: node, Kind: audit.KindName(cause), Message: err.Error()})
	return err
}

func (e *Executor) emit(run *Run, p Progress) {
	p.RunID = run.ID
	p.Graph = run.Graph
	p.Status = run.Status
	p.Time = e.clock()

	e.mu.RLock()
	callbacks := e.callbacks
	e.mu.RUnlock()
	for _, cb := range callbacks {
		cb(p)
	}
}

func validateFragment(f state.Fragment, r *rubric.Rubric) error {
	for _, ev := range f.Evidence {
		if err := ev.Validate(r.Known); err != nil {
			return err
		}
	}
	rules := r.OpinionRules()
	for _, o := range f.Opinions {
		if err := o.Validate(rules); err != nil {
			return err
		}
	}
	return nil
}

// tagNode tags err with the node that produced it. Errors without an
// audit kind are collector failures.
func tagNode(err error, node string) error {
	var ae *audit.Error
	if errors.As(err, &ae) && error(ae) == err {
		if ae.Node == "" {
			return ae.WithNode(node)
		}
		return ae
	}
	if kind := audit.KindOf(err); kind != nil {
		return &audit.Error{Kind: kind, Op: "run_node", Node: node, Err: err}
	}
	return audit.NewError(audit.ErrCollectorFailure, "run_node", err).WithNode(node)
}

// stampFailures fills in the stage and node of markers a node reported for
// its own partial failures.
func stampFailures(f state.Fragment, stage int, node string) state.Fragment {
	if len(f.Failures) == 0 {
		return f
	}
	failures := make([]audit.NodeFailure, len(f.Failures))
	for i, nf := range f.Failures {
		nf.Stage = stage
		if nf.Node == "" {
			nf.Node = node
		}
		failures[i] = nf
	}
	f.Failures = failures
	return f
}
