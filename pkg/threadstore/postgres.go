package threadstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS memory_threads (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  metadata JSONB NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS memory_messages (
  seq BIGSERIAL PRIMARY KEY,
  id TEXT NOT NULL UNIQUE,
  thread_id TEXT NOT NULL REFERENCES memory_threads(id) ON DELETE CASCADE,
  role TEXT NOT NULL,
  content TEXT NOT NULL DEFAULT '',
  tool_name TEXT NOT NULL DEFAULT '',
  tool_call_id TEXT NOT NULL DEFAULT '',
  tool_calls JSONB NOT NULL DEFAULT '[]',
  created_at TIMESTAMPTZ NOT NULL,
  metadata JSONB NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_memory_messages_thread_seq ON memory_messages(thread_id, seq);

CREATE TABLE IF NOT EXISTS agent_states (
  memory_thread_id TEXT NOT NULL REFERENCES memory_threads(id) ON DELETE CASCADE,
  agent_id TEXT NOT NULL,
  state_data JSONB NOT NULL DEFAULT '{}',
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (memory_thread_id, agent_id)
);
`

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	opts Options
}

// NewPostgresStore connects to dsn, verifies the connection and applies the schema.
func NewPostgresStore(ctx context.Context, dsn string, maxConns int32, opts Options) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("threadstore: parse DSN: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("threadstore: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("threadstore: ping pool: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("threadstore: apply schema: %w", err)
	}

	opts.Logger.Info().Str("host", cfg.ConnConfig.Host).Msg("Postgres thread store initialized")

	return &PostgresStore{pool: pool, opts: opts}, nil
}

// CreateThread implements Store.
func (s *PostgresStore) CreateThread(ctx context.Context, t Thread) (Thread, error) {
	t, err := newThread(t, time.Now())
	if err != nil {
		return Thread{}, err
	}

	meta := t.Metadata
	if meta == nil {
		meta = map[string]any{}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO memory_threads (id, name, created_at, updated_at, metadata) VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.Name, t.CreatedAt, t.UpdatedAt, meta)
	if err != nil {
		return Thread{}, wrap("create thread", err)
	}
	return t, nil
}

// GetThread implements Store.
func (s *PostgresStore) GetThread(ctx context.Context, threadID string) (Thread, error) {
	var t Thread
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at, updated_at, metadata FROM memory_threads WHERE id = $1`, threadID).
		Scan(&t.ID, &t.Name, &t.CreatedAt, &t.UpdatedAt, &t.Metadata)
	if errors.Is(err, pgx.ErrNoRows) {
		return Thread{}, notFound(threadID)
	}
	if err != nil {
		return Thread{}, wrap("get thread", err)
	}
	normalizeThread(&t)
	return t, nil
}

// ListThreads implements Store.
func (s *PostgresStore) ListThreads(ctx context.Context, limit, offset int) ([]Thread, error) {
	if err := checkPaging(limit, offset); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, name, created_at, updated_at, metadata FROM memory_threads
		 ORDER BY created_at DESC, id ASC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, wrap("list threads", err)
	}
	defer rows.Close()

	threads := []Thread{}
	for rows.Next() {
		var t Thread
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt, &t.UpdatedAt, &t.Metadata); err != nil {
			return nil, wrap("list threads", err)
		}
		normalizeThread(&t)
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// LoadMessages implements Store.
func (s *PostgresStore) LoadMessages(ctx context.Context, threadID string) ([]Message, error) {
	if err := threadExistsPG(ctx, s.pool, threadID, false); err != nil {
		return nil, err
	}
	return loadMessagesPG(ctx, s.pool, threadID)
}

type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func loadMessagesPG(ctx context.Context, q pgQuerier, threadID string) ([]Message, error) {
	rows, err := q.Query(ctx,
		`SELECT id, thread_id, role, content, tool_name, tool_call_id, tool_calls, created_at, metadata
		 FROM memory_messages WHERE thread_id = $1 ORDER BY seq ASC`, threadID)
	if err != nil {
		return nil, wrap("load messages", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var (
			m    Message
			role string
		)
		if err := rows.Scan(&m.ID, &m.ThreadID, &role, &m.Content, &m.ToolName, &m.ToolCallID, &m.ToolCalls, &m.CreatedAt, &m.Metadata); err != nil {
			return nil, wrap("load messages", err)
		}
		m.Role = Role(role)
		m.CreatedAt = m.CreatedAt.UTC()
		if len(m.Metadata) == 0 {
			m.Metadata = nil
		}
		if len(m.ToolCalls) == 0 {
			m.ToolCalls = nil
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// threadExistsPG checks the thread row; with lock it also takes a row lock
// that serializes appends to the same thread until the transaction ends.
func threadExistsPG(ctx context.Context, q pgQuerier, threadID string, lock bool) error {
	query := `SELECT 1 FROM memory_threads WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}

	var one int
	err := q.QueryRow(ctx, query, threadID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(threadID)
	}
	if err != nil {
		return wrap("lookup thread", err)
	}
	return nil
}

// AppendMessage implements Store.
func (s *PostgresStore) AppendMessage(ctx context.Context, threadID string, msg Message) (Message, error) {
	var out Message
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		out, err = s.appendTx(ctx, tx, threadID, msg)
		return err
	})
	return out, err
}

func (s *PostgresStore) appendTx(ctx context.Context, tx pgx.Tx, threadID string, msg Message) (Message, error) {
	if err := threadExistsPG(ctx, tx, threadID, true); err != nil {
		return Message{}, err
	}

	var last *time.Time
	if err := tx.QueryRow(ctx,
		`SELECT MAX(created_at) FROM memory_messages WHERE thread_id = $1`, threadID).Scan(&last); err != nil {
		return Message{}, wrap("append message", err)
	}

	var lastTS time.Time
	if last != nil {
		lastTS = last.UTC()
	}

	msg, err := prepareMessage(threadID, msg, lastTS, s.opts.Tokens)
	if err != nil {
		return Message{}, err
	}

	toolCalls := msg.ToolCalls
	if toolCalls == nil {
		toolCalls = []ToolCall{}
	}
	meta := msg.Metadata
	if meta == nil {
		meta = map[string]any{}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO memory_messages (id, thread_id, role, content, tool_name, tool_call_id, tool_calls, created_at, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		msg.ID, threadID, string(msg.Role), msg.Content, msg.ToolName, msg.ToolCallID, toolCalls, msg.CreatedAt, meta); err != nil {
		return Message{}, wrap("append message", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE memory_threads SET updated_at = $1 WHERE id = $2`, msg.CreatedAt, threadID); err != nil {
		return Message{}, wrap("append message", err)
	}

	return msg, nil
}

// EnsureSystemMessage implements Store.
func (s *PostgresStore) EnsureSystemMessage(ctx context.Context, threadID, content string) (Message, bool, error) {
	var (
		out      Message
		inserted bool
	)

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// the row lock taken here is held until commit, so a concurrent
		// ensure on the same thread waits and then sees this insert
		if err := threadExistsPG(ctx, tx, threadID, true); err != nil {
			return err
		}

		msgs, err := loadMessagesPG(ctx, tx, threadID)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if m.Role == RoleSystem {
				out = m
				return nil
			}
		}

		out, err = s.appendTx(ctx, tx, threadID, Message{Role: RoleSystem, Content: content})
		inserted = err == nil
		return err
	})
	if err != nil {
		return Message{}, false, err
	}
	return out, inserted, nil
}

// LoadAgentState implements Store.
func (s *PostgresStore) LoadAgentState(ctx context.Context, threadID, agentID string) (*AgentState, error) {
	st := &AgentState{ThreadID: threadID, AgentID: agentID}
	err := s.pool.QueryRow(ctx,
		`SELECT state_data, created_at, updated_at FROM agent_states
		 WHERE memory_thread_id = $1 AND agent_id = $2`, threadID, agentID).
		Scan(&st.Data, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("load agent state", err)
	}
	st.CreatedAt = st.CreatedAt.UTC()
	st.UpdatedAt = st.UpdatedAt.UTC()
	return st, nil
}

// SaveAgentState implements Store.
func (s *PostgresStore) SaveAgentState(ctx context.Context, threadID, agentID string, data map[string]any) (AgentState, error) {
	if err := ValidateID("agent", agentID); err != nil {
		return AgentState{}, err
	}

	payload := data
	if payload == nil {
		payload = map[string]any{}
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	st := AgentState{ThreadID: threadID, AgentID: agentID, Data: data, UpdatedAt: now}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := threadExistsPG(ctx, tx, threadID, false); err != nil {
			return err
		}
		if err := tx.QueryRow(ctx,
			`INSERT INTO agent_states (memory_thread_id, agent_id, state_data, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $4)
			 ON CONFLICT (memory_thread_id, agent_id)
			 DO UPDATE SET state_data = EXCLUDED.state_data, updated_at = EXCLUDED.updated_at
			 RETURNING created_at`,
			threadID, agentID, payload, now).Scan(&st.CreatedAt); err != nil {
			return wrap("save agent state", err)
		}
		st.CreatedAt = st.CreatedAt.UTC()
		return nil
	})
	if err != nil {
		return AgentState{}, err
	}
	return st, nil
}

// DeleteThread implements Store.
func (s *PostgresStore) DeleteThread(ctx context.Context, threadID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM memory_threads WHERE id = $1`, threadID)
	if err != nil {
		return false, wrap("delete thread", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func normalizeThread(t *Thread) {
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	if len(t.Metadata) == 0 {
		t.Metadata = nil
	}
}
