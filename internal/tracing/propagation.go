package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToStep derives the context for one workflow step. The trace ID is
// kept so every step of a workflow execution shares a trace.
func PropagateToStep(ctx context.Context, workflowID string) context.Context {
	traceID := GetTraceID(ctx)
	if traceID == "" {
		traceID = NewTraceID()
	}

	ctx = WithTraceID(ctx, traceID)
	return WithWorkflowID(ctx, workflowID)
}

// LoggerFromContext adds tracing context to a zerolog logger
func LoggerFromContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	lc := logger.With()

	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.RunID != "" {
		lc = lc.Str("run_id", tc.RunID)
	}
	if tc.AgentID != "" {
		lc = lc.Str("agent_id", tc.AgentID)
	}
	if tc.ThreadID != "" {
		lc = lc.Str("thread_id", tc.ThreadID)
	}
	if tc.WorkflowID != "" {
		lc = lc.Str("workflow_id", tc.WorkflowID)
	}

	return lc.Logger()
}
