// Package telemetry wires OpenTelemetry tracing and metrics export.
//
// Spans are exported over OTLP (grpc or http/protobuf). The workflow
// executor opens a workflow.run span per audit with workflow.stage and
// workflow.node children, so a slow collector or evaluator is visible in
// the trace.
//
//	tel, err := telemetry.New(ctx, &cfg.Observability)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	tracer := tel.Tracer("github.com/fyrsmithlabs/auditor/internal/workflow")
//
// Telemetry is disabled by default. When an exporter cannot be created the
// instance degrades to the global no-op providers and Health reports why.
//
// NewTestTelemetry records spans in memory for tests.
package telemetry
