package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggerFromContext returns baseLogger enriched with the tracing fields found in ctx.
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	logCtx := baseLogger.With()

	if tc.TraceID != "" {
		logCtx = logCtx.Str("trace_id", tc.TraceID)
	}
	if tc.SessionID != "" {
		logCtx = logCtx.Str("session_id", tc.SessionID)
	}
	if tc.NodeID != "" {
		logCtx = logCtx.Str("node_id", tc.NodeID)
	}
	if tc.RequestID != "" {
		logCtx = logCtx.Str("request_id", tc.RequestID)
	}

	return logCtx.Logger()
}

// Detach returns a context that keeps the tracing values of ctx but is never
// cancelled by it.
func Detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
