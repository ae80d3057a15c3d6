// Package logging provides structured logging for audit runs.
//
// It wraps zap with context-aware methods that attach the active trace,
// the run id, and the stage and node currently executing:
//
//	ctx = logging.WithRunID(ctx, run.ID)
//	ctx = logging.WithNode(ctx, "secrets")
//	logger.Info(ctx, "node completed", zap.Duration("duration", d))
//
// Outputs are stdout, stderr and an OpenTelemetry log bridge. Entries below
// error level are sampled; errors never are. A redacting encoder masks
// sensitive keys and token-shaped values, since evidence quoted from
// audited repositories may carry credentials.
//
// Tests use NewTestLogger to assert on emitted entries.
package logging
