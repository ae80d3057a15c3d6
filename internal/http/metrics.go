package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Outcomes of POST /api/v1/audits, as recorded by Recorder.AuditRequested.
const (
	outcomeRejected     = "rejected"
	outcomeError        = "error"
	outcomeCompleted    = "completed"
	outcomeEvidenceOnly = "evidence_only"
	outcomeFailed       = "failed"
	outcomeUnsaved      = "unsaved"
)

// unknownMode labels audit requests whose mode never parsed.
const unknownMode = "unknown"

// Recorder receives API metrics. *metrics.Metrics implements it.
type Recorder interface {
	APIRequest(route, method string, status int, d time.Duration)
	AuditRequested(mode, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) APIRequest(string, string, int, time.Duration) {}
func (nopRecorder) AuditRequested(string, string)                 {}

// requestMetrics records every request under its route pattern. Errors
// returned by handlers have not been written yet, so their status comes
// from the error.
func requestMetrics(rec Recorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			rec.APIRequest(route, c.Request().Method, responseStatus(c, err), time.Since(start))
			return err
		}
	}
}

func responseStatus(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}
