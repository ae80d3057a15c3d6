package main

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/auditor/internal/config"
	"github.com/fyrsmithlabs/auditor/internal/events"
	"github.com/fyrsmithlabs/auditor/internal/logging"
	"github.com/fyrsmithlabs/auditor/internal/metrics"
	"github.com/fyrsmithlabs/auditor/internal/pipeline"
	"github.com/fyrsmithlabs/auditor/internal/report"
	"github.com/fyrsmithlabs/auditor/internal/rubric"
	"github.com/fyrsmithlabs/auditor/internal/store"
	"github.com/fyrsmithlabs/auditor/internal/synthesis"
	"github.com/fyrsmithlabs/auditor/internal/telemetry"
	"github.com/fyrsmithlabs/auditor/internal/workflow"
)

const workflowTracer = "github.com/fyrsmithlabs/auditor/internal/workflow"

// app holds the wired process dependencies.
type app struct {
	cfg     *config.Config
	logger  *logging.Logger
	tel     *telemetry.Telemetry
	rubrics *rubric.Holder
	store   *store.Store
	nc      *nats.Conn
	runner  *pipeline.Runner
}

type appOptions struct {
	// metrics registers the Prometheus recorder; only long-running
	// commands expose it.
	metrics bool
	// events connects to NATS when enabled in config.
	events bool
	// runner builds the collectors, bench and executor.
	runner bool
	// stdio keeps logs off stdout, which carries a protocol.
	stdio bool
}

// newApp loads configuration and wires dependencies. Call close when done.
func newApp(ctx context.Context, flags *globalFlags, opts appOptions) (*app, error) {
	cfg, err := config.LoadWithFile(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if flags.rubricPath != "" {
		cfg.Workflow.RubricPath = config.ExpandHome(flags.rubricPath)
	}

	if opts.stdio && cfg.Logging.Output.Stdout {
		cfg.Logging.Output.Stdout = false
		cfg.Logging.Output.Stderr = true
	}

	a := &app{cfg: cfg}
	a.tel, err = telemetry.New(ctx, &cfg.Observability)
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	a.logger, err = logging.NewLogger(&cfg.Logging, a.tel.LoggerProvider())
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	r := rubric.Default()
	if cfg.Workflow.RubricPath != "" {
		if r, err = rubric.Load(cfg.Workflow.RubricPath); err != nil {
			a.close(ctx)
			return nil, err
		}
	}
	a.rubrics = rubric.NewHolder(r)

	if cfg.Store.Enabled {
		if a.store, err = store.Open(cfg.Store.Path); err != nil {
			a.close(ctx)
			return nil, err
		}
	}

	if opts.events && cfg.Events.Enabled {
		if a.nc, err = events.Connect(cfg.Events.URL); err != nil {
			a.close(ctx)
			return nil, err
		}
	}

	if opts.runner {
		if err := a.buildRunner(opts); err != nil {
			a.close(ctx)
			return nil, err
		}
	}

	a.logger.Debug(ctx, "auditor initialized",
		zap.String("rubric", r.Name),
		zap.String("evaluator", cfg.Evaluator.Provider),
		zap.Bool("store", a.store != nil),
		zap.Bool("events", a.nc != nil))
	return a, nil
}

func (a *app) buildRunner(opts appOptions) error {
	deps, err := pipeline.NewDeps(a.cfg)
	if err != nil {
		return err
	}

	execOpts := []workflow.Option{
		workflow.WithMaxParallel(a.cfg.Workflow.MaxParallel),
		workflow.WithNodeTimeout(a.cfg.Workflow.NodeTimeout),
		workflow.WithLogger(a.logger),
		workflow.WithTracer(a.tel.Tracer(workflowTracer)),
		workflow.WithSynthesizer(synthesis.New()),
		workflow.WithReportBuilder(report.NewBuilder()),
	}
	if opts.metrics {
		execOpts = append(execOpts, workflow.WithMetrics(metrics.New()))
	}
	exec := workflow.NewExecutor(execOpts...)

	runnerOpts := []pipeline.RunnerOption{
		pipeline.WithLogger(a.logger),
		pipeline.WithCloneDir(a.cfg.Collectors.CloneDir),
	}
	if a.store != nil {
		runnerOpts = append(runnerOpts, pipeline.WithStore(a.store))
	}
	if a.nc != nil {
		runnerOpts = append(runnerOpts, pipeline.WithPublisher(events.NewPublisher(a.nc, a.cfg.Events.Subject, a.logger)))
	}

	a.runner, err = pipeline.NewRunner(exec, deps, runnerOpts...)
	return err
}

// close releases resources in reverse order of acquisition.
func (a *app) close(ctx context.Context) {
	if a.nc != nil {
		_ = a.nc.Drain()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil && a.logger != nil {
			a.logger.Warn(ctx, "closing report store", zap.Error(err))
		}
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	if a.tel != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Observability.ShutdownTimeout)
		defer cancel()
		_ = a.tel.Shutdown(shutdownCtx)
	}
}
