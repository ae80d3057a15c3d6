package pipeline

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/auditor/internal/audit"
	"github.com/fyrsmithlabs/auditor/internal/collectors"
	"github.com/fyrsmithlabs/auditor/internal/logging"
	"github.com/fyrsmithlabs/auditor/internal/state"
	"github.com/fyrsmithlabs/auditor/internal/workflow"
)

// ReportSaver persists completed reports.
type ReportSaver interface {
	Save(ctx context.Context, r *audit.Report) error
}

// Publisher receives run lifecycle events. Publish must not block.
type Publisher interface {
	Publish(p workflow.Progress)
}

// Runner resolves artifacts, executes the graph for a mode and persists
// the resulting report.
type Runner struct {
	exec     *workflow.Executor
	graphs   map[Mode]*workflow.Graph
	store    ReportSaver
	cloneDir string
	logger   *logging.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithStore persists completed reports.
func WithStore(s ReportSaver) RunnerOption {
	return func(r *Runner) { r.store = s }
}

// WithPublisher forwards every progress event of the executor to p.
func WithPublisher(p Publisher) RunnerOption {
	return func(r *Runner) {
		if p != nil {
			r.exec.OnProgress(p.Publish)
		}
	}
}

// WithCloneDir sets where remote artifacts are cloned.
func WithCloneDir(dir string) RunnerOption {
	return func(r *Runner) { r.cloneDir = dir }
}

// WithLogger sets the runner's logger.
func WithLogger(l *logging.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRunner declares the graphs for both modes up front so a bad
// dependency set is reported before any run starts.
func NewRunner(exec *workflow.Executor, deps Deps, opts ...RunnerOption) (*Runner, error) {
	if exec == nil {
		return nil, fmt.Errorf("pipeline: executor is required")
	}
	r := &Runner{
		exec:   exec,
		graphs: make(map[Mode]*workflow.Graph, 2),
		logger: logging.NewNop(),
	}
	for _, mode := range []Mode{ModeFull, ModeEvidence} {
		g, err := Build(deps, mode)
		if err != nil {
			return nil, fmt.Errorf("building %s graph: %w", mode, err)
		}
		r.graphs[mode] = g
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run audits req.Artifact. When the artifact has no local path its ref is
// resolved first; remote refs are cloned and the clone is removed once the
// run ends.
//
// The returned Run is non-nil whenever execution started. A report that
// fails to persist is returned together with the store error.
func (r *Runner) Run(ctx context.Context, req state.Request, mode Mode) (*workflow.Run, error) {
	g, ok := r.graphs[mode]
	if !ok {
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
	if req.Artifact.Path == "" {
		if req.Artifact.Ref == "" {
			return nil, audit.Validationf("artifact.ref", "an artifact path or ref is required")
		}
		path, err := collectors.Checkout(ctx, req.Artifact.Ref, r.cloneDir)
		if err != nil {
			return nil, audit.NewError(audit.ErrWorkflowFatal, "checkout", err)
		}
		if collectors.IsRemote(req.Artifact.Ref) {
			defer func() {
				if err := os.RemoveAll(path); err != nil {
					r.logger.Warn(ctx, "removing clone", zap.String("path", path), zap.Error(err))
				}
			}()
		}
		req.Artifact.Path = path
	}
	if req.Artifact.Ref == "" {
		req.Artifact.Ref = req.Artifact.Path
	}

	ctx = logging.WithLogger(ctx, r.logger)
	run, err := r.exec.Execute(ctx, g, req)
	if err != nil {
		return run, err
	}

	if run.Report != nil && r.store != nil {
		if err := r.store.Save(ctx, run.Report); err != nil {
			r.logger.Error(ctx, "saving report", zap.String("report_id", run.Report.ID), zap.Error(err))
			return run, fmt.Errorf("saving report %s: %w", run.Report.ID, err)
		}
		r.logger.Info(ctx, "report saved", zap.String("report_id", run.Report.ID))
	}
	return run, nil
}
