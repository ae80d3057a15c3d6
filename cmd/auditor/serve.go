package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	auditorhttp "github.com/fyrsmithlabs/auditor/internal/http"
	"github.com/fyrsmithlabs/auditor/internal/metrics"
	"github.com/fyrsmithlabs/auditor/internal/rubric"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the auditor HTTP API",
		Long: `Serve the auditor HTTP API, Prometheus metrics and health checks.

With server.rubric_watch enabled, edits to workflow.rubric_path are picked
up by new runs without a restart.

Examples:
  auditor serve
  auditor serve --port 8080 --rubric ./rubric.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags, host, port)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host, overrides server.host")
	cmd.Flags().IntVar(&port, "port", 0, "listen port, overrides server.port")
	return cmd
}

func runServe(ctx context.Context, flags *globalFlags, host string, port int) error {
	a, err := newApp(ctx, flags, appOptions{metrics: true, events: true, runner: true})
	if err != nil {
		return err
	}
	defer a.close(ctx)

	cfg := &auditorhttp.Config{Host: a.cfg.Server.Host, Port: a.cfg.Server.Port, Recorder: metrics.New()}
	if host != "" {
		cfg.Host = host
	}
	if port != 0 {
		cfg.Port = port
	}

	var reports auditorhttp.ReportReader
	if a.store != nil {
		reports = a.store
	}
	srv, err := auditorhttp.NewServer(a.runner, reports, a.rubrics, a.logger, cfg)
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.cfg.Server.RubricWatch && a.cfg.Workflow.RubricPath != "" {
		go watchRubric(ctx, a, a.cfg.Workflow.RubricPath)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}

// watchRubric swaps the served rubric whenever the file changes. Invalid
// edits are logged and the previous rubric stays in effect.
func watchRubric(ctx context.Context, a *app, path string) {
	err := rubric.Watch(ctx, path,
		func(r *rubric.Rubric) {
			a.rubrics.Store(r)
			a.logger.Info(ctx, "rubric reloaded", zap.String("path", path), zap.String("rubric", r.Name))
		},
		func(err error) {
			a.logger.Warn(ctx, "rubric reload failed", zap.String("path", path), zap.Error(err))
		})
	if err != nil {
		a.logger.Error(ctx, "rubric watcher stopped", zap.Error(err))
	}
}
