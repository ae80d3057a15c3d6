package workflow

import (
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/fyrsmithlabs/auditor/internal/logging"
)

// Option configures an Executor.
type Option func(*Executor)

// WithMaxParallel bounds how many nodes run at once across every run of
// the executor.
func WithMaxParallel(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

// WithNodeTimeout sets the default per-node timeout.
func WithNodeTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.nodeTimeout = d
		}
	}
}

// WithClock replaces time.Now for run timestamps.
func WithClock(clock func() time.Time) Option {
	return func(e *Executor) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithIDGenerator replaces the run id generator.
func WithIDGenerator(gen func() string) Option {
	return func(e *Executor) {
		if gen != nil {
			e.newID = gen
		}
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithMetrics(r Recorder) Option {
	return func(e *Executor) {
		if r != nil {
			e.metrics = r
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithSynthesizer is required for graphs that synthesize.
func WithSynthesizer(s Synthesizer) Option {
	return func(e *Executor) { e.synth = s }
}

// WithReportBuilder is required for graphs that synthesize.
func WithReportBuilder(b ReportBuilder) Option {
	return func(e *Executor) { e.reports = b }
}
