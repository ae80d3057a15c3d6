// Package metrics exposes audit execution metrics to Prometheus.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fyrsmithlabs/auditor/internal/audit"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for audit runs. It implements
// workflow.Recorder.
type Metrics struct {
	RunsTotal             *prometheus.CounterVec
	RunDuration           prometheus.Histogram
	NodeDuration          *prometheus.HistogramVec
	NodeFailuresTotal     *prometheus.CounterVec
	VerdictScore          *prometheus.GaugeVec
	UnderDeterminedTotal  *prometheus.CounterVec
	SecurityOverrideTotal *prometheus.CounterVec

	APIRequestsTotal   *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec
	APIAuditsTotal     *prometheus.CounterVec
}

// New creates and registers audit metrics with the default registry.
//
// This function uses sync.Once to ensure metrics are only registered once
// globally, preventing "duplicate metrics collector registration" panics.
//
// Metrics:
//   - auditor_runs_total{status} - Count of finished runs
//   - auditor_run_duration_seconds - Histogram of run wall time
//   - auditor_node_duration_seconds{node} - Histogram of node execution times
//   - auditor_node_failures_total{node,kind} - Count of failed nodes
//   - auditor_verdict_score{dimension} - Last final score per dimension
//   - auditor_under_determined_total{dimension} - Count of verdicts without a score
//   - auditor_security_override_total{dimension} - Count of capped verdicts
//   - auditor_api_requests_total{route,method,status} - Count of HTTP API requests
//   - auditor_api_request_duration_seconds{route,method} - Histogram of HTTP API latency
//   - auditor_api_audits_total{mode,outcome} - Count of audits requested over HTTP
func New() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = newMetrics(promauto.With(prometheus.DefaultRegisterer))
	})
	return globalMetrics
}

// NewWithRegistry registers a fresh set of metrics with reg. Tests use it
// to inspect values in isolation.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetrics(promauto.With(reg))
}

func newMetrics(f promauto.Factory) *Metrics {
	return &Metrics{
		RunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditor_runs_total",
				Help: "Total number of finished audit runs",
			},
			[]string{"status"}, // "completed" or "failed"
		),

		RunDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "auditor_run_duration_seconds",
				Help:    "Wall time of audit runs in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
		),

		NodeDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "auditor_node_duration_seconds",
				Help:    "Duration of workflow node execution in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
			},
			[]string{"node"},
		),

		NodeFailuresTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditor_node_failures_total",
				Help: "Total number of failed workflow nodes",
			},
			[]string{"node", "kind"},
		),

		VerdictScore: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "auditor_verdict_score",
				Help: "Final score of the most recent verdict per dimension",
			},
			[]string{"dimension"},
		),

		UnderDeterminedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditor_under_determined_total",
				Help: "Total number of verdicts with no usable opinions",
			},
			[]string{"dimension"},
		),

		SecurityOverrideTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditor_security_override_total",
				Help: "Total number of verdicts capped by the security override",
			},
			[]string{"dimension"},
		),

		APIRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditor_api_requests_total",
				Help: "Total number of HTTP API requests",
			},
			[]string{"route", "method", "status"},
		),

		APIRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "auditor_api_request_duration_seconds",
				Help:    "HTTP API request duration in seconds; audits run synchronously",
				Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15, 60, 300, 600},
			},
			[]string{"route", "method"},
		),

		APIAuditsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditor_api_audits_total",
				Help: "Total number of audits requested over HTTP by mode and outcome",
			},
			[]string{"mode", "outcome"}, // rejected, error, completed, evidence_only, failed, unsaved
		),
	}
}

// RunFinished records a finished run.
func (m *Metrics) RunFinished(status string, d time.Duration) {
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.Observe(d.Seconds())
}

// NodeFinished records one node execution.
func (m *Metrics) NodeFinished(node string, d time.Duration, err error) {
	m.NodeDuration.WithLabelValues(node).Observe(d.Seconds())
	if err != nil {
		m.NodeFailuresTotal.WithLabelValues(node, audit.KindName(err)).Inc()
	}
}

// VerdictRecorded records a synthesized verdict.
func (m *Metrics) VerdictRecorded(v audit.CriterionVerdict) {
	if !v.Determined() {
		m.UnderDeterminedTotal.WithLabelValues(v.DimensionID).Inc()
		m.VerdictScore.DeleteLabelValues(v.DimensionID)
		return
	}
	m.VerdictScore.WithLabelValues(v.DimensionID).Set(float64(*v.FinalScore))
	if v.Fired(audit.RuleSecurityOverride) {
		m.SecurityOverrideTotal.WithLabelValues(v.DimensionID).Inc()
	}
}

// APIRequest records one HTTP API request. route is the registered
// pattern, never the raw path.
func (m *Metrics) APIRequest(route, method string, status int, d time.Duration) {
	m.APIRequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.APIRequestDuration.WithLabelValues(route, method).Observe(d.Seconds())
}

// AuditRequested records how an audit requested over HTTP ended.
func (m *Metrics) AuditRequested(mode, outcome string) {
	m.APIAuditsTotal.WithLabelValues(mode, outcome).Inc()
}
