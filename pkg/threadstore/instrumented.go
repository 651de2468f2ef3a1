package threadstore

import (
	"context"
	"time"

	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "conductor.threadstore"

// Instrumented decorates a Store with spans, metrics and debug logging.
type Instrumented struct {
	next   Store
	logger zerolog.Logger
}

// Instrument wraps next.
func Instrument(next Store, logger zerolog.Logger) *Instrumented {
	observability.EnsureRegistered()
	return &Instrumented{next: next, logger: logger}
}

func (s *Instrumented) observe(ctx context.Context, op, threadID string) (context.Context, func(error)) {
	ctx = tracing.WithThreadID(ctx, threadID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "threadstore."+op, attribute.String("thread_id", threadID))
	start := time.Now()

	return ctx, func(err error) {
		observability.RecordThreadStoreOp(op, time.Since(start), err)
		if err != nil {
			tracing.Fail(span, err)
			tracing.LoggerFromContext(ctx, s.logger).Debug().Err(err).Str("op", op).Msg("Thread store operation failed")
		}
		span.End()
	}
}

func (s *Instrumented) CreateThread(ctx context.Context, t Thread) (out Thread, err error) {
	ctx, done := s.observe(ctx, "create_thread", t.ID)
	defer func() { done(err) }()
	return s.next.CreateThread(ctx, t)
}

func (s *Instrumented) GetThread(ctx context.Context, threadID string) (out Thread, err error) {
	ctx, done := s.observe(ctx, "get_thread", threadID)
	defer func() { done(err) }()
	return s.next.GetThread(ctx, threadID)
}

func (s *Instrumented) ListThreads(ctx context.Context, limit, offset int) (out []Thread, err error) {
	ctx, done := s.observe(ctx, "list_threads", "")
	defer func() { done(err) }()
	return s.next.ListThreads(ctx, limit, offset)
}

func (s *Instrumented) LoadMessages(ctx context.Context, threadID string) (out []Message, err error) {
	ctx, done := s.observe(ctx, "load_messages", threadID)
	defer func() { done(err) }()
	return s.next.LoadMessages(ctx, threadID)
}

func (s *Instrumented) AppendMessage(ctx context.Context, threadID string, msg Message) (out Message, err error) {
	ctx, done := s.observe(ctx, "append_message", threadID)
	defer func() { done(err) }()
	return s.next.AppendMessage(ctx, threadID, msg)
}

func (s *Instrumented) EnsureSystemMessage(ctx context.Context, threadID, content string) (out Message, inserted bool, err error) {
	ctx, done := s.observe(ctx, "ensure_system_message", threadID)
	defer func() { done(err) }()
	return s.next.EnsureSystemMessage(ctx, threadID, content)
}

func (s *Instrumented) LoadAgentState(ctx context.Context, threadID, agentID string) (out *AgentState, err error) {
	ctx, done := s.observe(ctx, "load_agent_state", threadID)
	defer func() { done(err) }()
	return s.next.LoadAgentState(ctx, threadID, agentID)
}

func (s *Instrumented) SaveAgentState(ctx context.Context, threadID, agentID string, data map[string]any) (out AgentState, err error) {
	ctx, done := s.observe(ctx, "save_agent_state", threadID)
	defer func() { done(err) }()
	return s.next.SaveAgentState(ctx, threadID, agentID, data)
}

func (s *Instrumented) DeleteThread(ctx context.Context, threadID string) (ok bool, err error) {
	ctx, done := s.observe(ctx, "delete_thread", threadID)
	defer func() { done(err) }()
	return s.next.DeleteThread(ctx, threadID)
}

func (s *Instrumented) Close() error {
	return s.next.Close()
}
