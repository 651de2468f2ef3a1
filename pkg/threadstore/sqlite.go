package threadstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS threads (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  metadata TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS messages (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
  role TEXT NOT NULL,
  content TEXT NOT NULL DEFAULT '',
  tool_name TEXT NOT NULL DEFAULT '',
  tool_call_id TEXT NOT NULL DEFAULT '',
  tool_calls TEXT NOT NULL DEFAULT '[]',
  created_at INTEGER NOT NULL,
  metadata TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_messages_thread_seq ON messages(thread_id, seq);

CREATE TABLE IF NOT EXISTS agent_states (
  thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
  agent_id TEXT NOT NULL,
  state_data TEXT NOT NULL DEFAULT '{}',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  PRIMARY KEY (thread_id, agent_id)
);
`

// SQLiteStore implements Store on a single SQLite database file.
type SQLiteStore struct {
	db   *sql.DB
	opts Options
}

// NewSQLiteStore opens (creating if needed) the database at path. Use
// ":memory:" for a private in-memory database.
func NewSQLiteStore(path string, opts Options) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("threadstore: sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection serializes writers, which is what makes
	// EnsureSystemMessage atomic and keeps :memory: databases shared
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	opts.Logger.Info().Str("path", path).Msg("SQLite thread store initialized")

	return &SQLiteStore{db: db, opts: opts}, nil
}

// CreateThread implements Store.
func (s *SQLiteStore) CreateThread(ctx context.Context, t Thread) (Thread, error) {
	t, err := newThread(t, time.Now())
	if err != nil {
		return Thread{}, err
	}

	meta, err := marshalJSON(t.Metadata, "{}")
	if err != nil {
		return Thread{}, wrap("create thread", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO threads (id, name, created_at, updated_at, metadata) VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.CreatedAt.UnixMicro(), t.UpdatedAt.UnixMicro(), meta)
	if err != nil {
		return Thread{}, wrap("create thread", err)
	}
	return t, nil
}

// GetThread implements Store.
func (s *SQLiteStore) GetThread(ctx context.Context, threadID string) (Thread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at, updated_at, metadata FROM threads WHERE id = ?`, threadID)

	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Thread{}, notFound(threadID)
	}
	if err != nil {
		return Thread{}, wrap("get thread", err)
	}
	return t, nil
}

// ListThreads implements Store.
func (s *SQLiteStore) ListThreads(ctx context.Context, limit, offset int) ([]Thread, error) {
	if err := checkPaging(limit, offset); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_at, updated_at, metadata FROM threads
		 ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, wrap("list threads", err)
	}
	defer rows.Close()

	threads := []Thread{}
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, wrap("list threads", err)
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// LoadMessages implements Store.
func (s *SQLiteStore) LoadMessages(ctx context.Context, threadID string) ([]Message, error) {
	if err := s.threadExists(ctx, s.db, threadID); err != nil {
		return nil, err
	}
	return s.loadMessages(ctx, s.db, threadID)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) loadMessages(ctx context.Context, q querier, threadID string) ([]Message, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, thread_id, role, content, tool_name, tool_call_id, tool_calls, created_at, metadata
		 FROM messages WHERE thread_id = ? ORDER BY seq ASC`, threadID)
	if err != nil {
		return nil, wrap("load messages", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var (
			m               Message
			role            string
			toolCalls, meta string
			createdAt       int64
		)
		if err := rows.Scan(&m.ID, &m.ThreadID, &role, &m.Content, &m.ToolName, &m.ToolCallID, &toolCalls, &createdAt, &meta); err != nil {
			return nil, wrap("load messages", err)
		}
		m.Role = Role(role)
		m.CreatedAt = time.UnixMicro(createdAt).UTC()
		if err := unmarshalMessageJSON(&m, toolCalls, meta); err != nil {
			return nil, wrap("load messages", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// AppendMessage implements Store.
func (s *SQLiteStore) AppendMessage(ctx context.Context, threadID string, msg Message) (Message, error) {
	var out Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = s.appendTx(ctx, tx, threadID, msg)
		return err
	})
	return out, err
}

func (s *SQLiteStore) appendTx(ctx context.Context, tx *sql.Tx, threadID string, msg Message) (Message, error) {
	if err := s.threadExists(ctx, tx, threadID); err != nil {
		return Message{}, err
	}

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM messages WHERE thread_id = ?`, threadID).Scan(&last); err != nil {
		return Message{}, wrap("append message", err)
	}

	var lastTS time.Time
	if last.Valid {
		lastTS = time.UnixMicro(last.Int64).UTC()
	}

	msg, err := prepareMessage(threadID, msg, lastTS, s.opts.Tokens)
	if err != nil {
		return Message{}, err
	}

	toolCalls, err := marshalJSON(msg.ToolCalls, "[]")
	if err != nil {
		return Message{}, wrap("append message", err)
	}
	meta, err := marshalJSON(msg.Metadata, "{}")
	if err != nil {
		return Message{}, wrap("append message", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, thread_id, role, content, tool_name, tool_call_id, tool_calls, created_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, threadID, string(msg.Role), msg.Content, msg.ToolName, msg.ToolCallID, toolCalls, msg.CreatedAt.UnixMicro(), meta); err != nil {
		return Message{}, wrap("append message", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE threads SET updated_at = ? WHERE id = ?`, msg.CreatedAt.UnixMicro(), threadID); err != nil {
		return Message{}, wrap("append message", err)
	}

	return msg, nil
}

// EnsureSystemMessage implements Store.
func (s *SQLiteStore) EnsureSystemMessage(ctx context.Context, threadID, content string) (Message, bool, error) {
	var (
		out      Message
		inserted bool
	)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		msgs, err := s.systemMessages(ctx, tx, threadID)
		if err != nil {
			return err
		}
		if len(msgs) > 0 {
			out = msgs[0]
			return nil
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

func (s *SQLiteStore) systemMessages(ctx context.Context, tx *sql.Tx, threadID string) ([]Message, error) {
	all, err := s.loadMessages(ctx, tx, threadID)
	if err != nil {
		return nil, err
	}
	var out []Message
	for _, m := range all {
		if m.Role == RoleSystem {
			out = append(out, m)
		}
	}
	return out, nil
}

// LoadAgentState implements Store.
func (s *SQLiteStore) LoadAgentState(ctx context.Context, threadID, agentID string) (*AgentState, error) {
	var (
		data                 string
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT state_data, created_at, updated_at FROM agent_states WHERE thread_id = ? AND agent_id = ?`,
		threadID, agentID).Scan(&data, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("load agent state", err)
	}

	st := &AgentState{
		ThreadID:  threadID,
		AgentID:   agentID,
		CreatedAt: time.UnixMicro(createdAt).UTC(),
		UpdatedAt: time.UnixMicro(updatedAt).UTC(),
	}
	if err := json.Unmarshal([]byte(data), &st.Data); err != nil {
		return nil, wrap("load agent state", err)
	}
	return st, nil
}

// SaveAgentState implements Store.
func (s *SQLiteStore) SaveAgentState(ctx context.Context, threadID, agentID string, data map[string]any) (AgentState, error) {
	if err := ValidateID("agent", agentID); err != nil {
		return AgentState{}, err
	}

	payload, err := marshalJSON(data, "{}")
	if err != nil {
		return AgentState{}, wrap("save agent state", err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	st := AgentState{ThreadID: threadID, AgentID: agentID, Data: data, CreatedAt: now, UpdatedAt: now}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.threadExists(ctx, tx, threadID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agent_states (thread_id, agent_id, state_data, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (thread_id, agent_id) DO UPDATE SET state_data = excluded.state_data, updated_at = excluded.updated_at`,
			threadID, agentID, payload, now.UnixMicro(), now.UnixMicro()); err != nil {
			return wrap("save agent state", err)
		}

		var createdAt int64
		if err := tx.QueryRowContext(ctx,
			`SELECT created_at FROM agent_states WHERE thread_id = ? AND agent_id = ?`,
			threadID, agentID).Scan(&createdAt); err != nil {
			return wrap("save agent state", err)
		}
		st.CreatedAt = time.UnixMicro(createdAt).UTC()
		return nil
	})
	if err != nil {
		return AgentState{}, err
	}
	return st, nil
}

// DeleteThread implements Store.
func (s *SQLiteStore) DeleteThread(ctx context.Context, threadID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, threadID)
	if err != nil {
		return false, wrap("delete thread", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("delete thread", err)
	}
	return n > 0, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) threadExists(ctx context.Context, q querier, threadID string) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM threads WHERE id = ?`, threadID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(threadID)
	}
	if err != nil {
		return wrap("lookup thread", err)
	}
	return nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("begin", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrap("commit", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (Thread, error) {
	var (
		t                    Thread
		createdAt, updatedAt int64
		meta                 string
	)
	if err := row.Scan(&t.ID, &t.Name, &createdAt, &updatedAt, &meta); err != nil {
		return Thread{}, err
	}
	t.CreatedAt = time.UnixMicro(createdAt).UTC()
	t.UpdatedAt = time.UnixMicro(updatedAt).UTC()
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &t.Metadata); err != nil {
			return Thread{}, err
		}
	}
	return t, nil
}

func unmarshalMessageJSON(m *Message, toolCalls, meta string) error {
	if toolCalls != "" && toolCalls != "[]" && toolCalls != "null" {
		if err := json.Unmarshal([]byte(toolCalls), &m.ToolCalls); err != nil {
			return err
		}
	}
	if meta != "" && meta != "{}" && meta != "null" {
		if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
			return err
		}
	}
	return nil
}

func marshalJSON(v any, empty string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}
