package toolexecutor

import "context"

type execContextKey struct{}

// ContextWithExecContext makes execCtx visible to tool handlers running
// under ctx. A nil execCtx leaves ctx untouched.
func ContextWithExecContext(ctx context.Context, execCtx *ExecutionContext) context.Context {
	if execCtx == nil {
		return ctx
	}
	return context.WithValue(ctx, execContextKey{}, execCtx)
}

// ExecContextFromContext returns the run a handler was invoked for, or nil
// when the tool was called outside an agent run.
func ExecContextFromContext(ctx context.Context) *ExecutionContext {
	execCtx, _ := ctx.Value(execContextKey{}).(*ExecutionContext)
	return execCtx
}
