// Package http provides the auditor HTTP API.
package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/auditor/internal/audit"
	"github.com/fyrsmithlabs/auditor/internal/logging"
	"github.com/fyrsmithlabs/auditor/internal/pipeline"
	"github.com/fyrsmithlabs/auditor/internal/report"
	"github.com/fyrsmithlabs/auditor/internal/rubric"
	"github.com/fyrsmithlabs/auditor/internal/sanitize"
	"github.com/fyrsmithlabs/auditor/internal/state"
	"github.com/fyrsmithlabs/auditor/internal/store"
	"github.com/fyrsmithlabs/auditor/internal/workflow"
)

// Auditor runs audits.
type Auditor interface {
	Run(ctx context.Context, req state.Request, mode pipeline.Mode) (*workflow.Run, error)
}

// ReportReader reads stored reports.
type ReportReader interface {
	Get(ctx context.Context, id string) (*audit.Report, error)
	List(ctx context.Context, opts store.ListOptions) ([]store.Summary, error)
}

// RubricSource yields the rubric new runs use.
type RubricSource interface {
	Current() *rubric.Rubric
}

// Server provides HTTP endpoints for the auditor.
type Server struct {
	echo    *echo.Echo
	auditor Auditor
	reports ReportReader
	rubrics RubricSource
	logger   *logging.Logger
	recorder Recorder
	config   *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer

	// Recorder receives request and audit metrics; nil records nothing.
	Recorder Recorder
}

// NewServer creates a new HTTP server. reports may be nil when no store
// is configured; the report endpoints then answer 503.
func NewServer(auditor Auditor, reports ReportReader, rubrics RubricSource, logger *logging.Logger, cfg *Config) (*Server, error) {
	if auditor == nil {
		return nil, fmt.Errorf("auditor cannot be nil")
	}
	if rubrics == nil {
		return nil, fmt.Errorf("rubric source cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "127.0.0.1",
			Port: 9191,
		}
	}

	recorder := cfg.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestMetrics(recorder))
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:     e,
		auditor:  auditor,
		reports:  reports,
		rubrics:  rubrics,
		logger:   logger,
		recorder: recorder,
		config:   cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	gatherer := s.config.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/audits", s.handleAudit)
	v1.GET("/reports", s.handleListReports)
	v1.GET("/reports/:id", s.handleGetReport)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Rubric string `json:"rubric"`
}

// AuditRequest is the request body for POST /api/v1/audits.
type AuditRequest struct {
	Ref  string   `json:"ref"`
	Docs []string `json:"docs,omitempty"`
	Mode string   `json:"mode,omitempty"`
}

// AuditResponse is the response body for POST /api/v1/audits.
type AuditResponse struct {
	RunID         string              `json:"run_id"`
	Status        workflow.Status     `json:"status"`
	EvidenceCount int                 `json:"evidence_count"`
	Failures      []audit.NodeFailure `json:"failures,omitempty"`
	Report        *audit.Report       `json:"report,omitempty"`
	Error         string              `json:"error,omitempty"`
}

// ListResponse is the response body for GET /api/v1/reports.
type ListResponse struct {
	Reports []store.Summary `json:"reports"`
}

func (s *Server) handleHealth(c echo.Context) error {
	name := ""
	if r := s.rubrics.Current(); r != nil {
		name = r.Name
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Rubric: name})
}

// handleAudit runs an audit synchronously.
func (s *Server) handleAudit(c echo.Context) error {
	mode, outcome, err := s.runAudit(c)
	s.recorder.AuditRequested(mode, outcome)
	return err
}

// runAudit serves POST /api/v1/audits and reports the mode label and outcome
// for metrics.
func (s *Server) runAudit(c echo.Context) (string, string, error) {
	var req AuditRequest
	if err := c.Bind(&req); err != nil {
		return unknownMode, outcomeRejected, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Ref == "" {
		return unknownMode, outcomeRejected, echo.NewHTTPError(http.StatusBadRequest, "ref field is required")
	}
	mode, err := pipeline.ParseMode(req.Mode)
	if err != nil {
		return unknownMode, outcomeRejected, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	label := string(mode)
	if err := sanitize.ValidateRef(req.Ref); err != nil {
		return label, outcomeRejected, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	docs, err := sanitize.ValidateDocPaths(req.Docs)
	if err != nil {
		return label, outcomeRejected, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	r := s.rubrics.Current()
	if r == nil {
		return label, outcomeError, echo.NewHTTPError(http.StatusServiceUnavailable, "no rubric loaded")
	}

	ctx := c.Request().Context()
	run, err := s.auditor.Run(ctx, state.Request{
		Artifact: audit.Artifact{Ref: req.Ref, Docs: docs},
		Rubric:   r,
	}, mode)
	if run == nil {
		if errors.Is(err, audit.ErrValidation) {
			return label, outcomeRejected, echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		s.logger.Error(ctx, "audit did not start", zap.String("ref", req.Ref), zap.Error(err))
		return label, outcomeError, echo.NewHTTPError(http.StatusInternalServerError, "audit could not be started")
	}

	snap := run.Snapshot()
	resp := AuditResponse{
		RunID:         run.ID,
		Status:        run.Status,
		EvidenceCount: snap.EvidenceCount(),
		Failures:      snap.Failures(),
		Report:        run.Report,
	}
	switch {
	case err == nil:
		if run.Report != nil {
			return label, outcomeCompleted, c.JSON(http.StatusCreated, resp)
		}
		return label, outcomeEvidenceOnly, c.JSON(http.StatusOK, resp)
	case run.Status == workflow.StatusFailed:
		resp.Error = err.Error()
		return label, outcomeFailed, c.JSON(http.StatusUnprocessableEntity, resp)
	default:
		// Completed, but the report could not be stored.
		resp.Error = err.Error()
		return label, outcomeUnsaved, c.JSON(http.StatusInternalServerError, resp)
	}
}

func (s *Server) handleListReports(c echo.Context) error {
	if s.reports == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "report store is disabled")
	}
	opts := store.ListOptions{ArtifactRef: c.QueryParam("artifact")}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 500")
		}
		opts.Limit = n
	}

	list, err := s.reports.List(c.Request().Context(), opts)
	if err != nil {
		s.logger.Error(c.Request().Context(), "listing reports", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "listing reports failed")
	}
	return c.JSON(http.StatusOK, ListResponse{Reports: list})
}

// handleGetReport returns a report as JSON, or as Markdown with
// ?format=markdown.
func (s *Server) handleGetReport(c echo.Context) error {
	if s.reports == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "report store is disabled")
	}
	rep, err := s.reports.Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "report not found")
	}
	if err != nil {
		s.logger.Error(c.Request().Context(), "loading report", zap.String("report_id", c.Param("id")), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "loading report failed")
	}

	switch c.QueryParam("format") {
	case "", "json":
		return c.JSON(http.StatusOK, rep)
	case "markdown", "md":
		var buf bytes.Buffer
		if err := report.RenderMarkdown(&buf, rep); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "rendering report failed")
		}
		return c.Blob(http.StatusOK, "text/markdown; charset=utf-8", buf.Bytes())
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "format must be json or markdown")
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
