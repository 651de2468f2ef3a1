// Package threadstore persists memory threads: an append-only message log per
// thread plus one agent-state blob per (thread, agent) pair.
//
// Three backends implement Store: a JSONL file store, SQLite and Postgres.
// All of them guarantee read-your-writes for a single caller and strictly
// increasing message timestamps within a thread. None of them serialize
// whole runs; concurrent runs on one thread may interleave their messages.
package threadstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/harun/conductor/pkg/errdefs"
)

// Role is the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the four known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// Thread is a durable conversation log.
type Thread struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ToolCall is a model-issued request recorded on an assistant message.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Message is one entry of a thread's log.
type Message struct {
	ID         string         `json:"id"`
	ThreadID   string         `json:"thread_id"`
	Role       Role           `json:"role"`
	Content    string         `json:"content"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// AgentState is the resumable state one agent keeps on one thread.
// It is overwritten on each save.
type AgentState struct {
	ThreadID  string         `json:"memory_thread_id"`
	AgentID   string         `json:"agent_id"`
	Data      map[string]any `json:"state_data"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Store is the memory thread contract consumed by the orchestrator.
type Store interface {
	// CreateThread persists t. An empty ID is replaced by a new UUID.
	CreateThread(ctx context.Context, t Thread) (Thread, error)
	GetThread(ctx context.Context, threadID string) (Thread, error)
	// ListThreads returns threads ordered by creation time, newest first.
	ListThreads(ctx context.Context, limit, offset int) ([]Thread, error)
	// LoadMessages returns every message of the thread in append order.
	LoadMessages(ctx context.Context, threadID string) ([]Message, error)
	// AppendMessage assigns ID, ThreadID and CreatedAt and appends msg.
	AppendMessage(ctx context.Context, threadID string, msg Message) (Message, error)
	// EnsureSystemMessage appends a system message only if the thread has
	// none yet. It is atomic per thread. The bool reports whether a message
	// was inserted; the returned message is the thread's system message.
	EnsureSystemMessage(ctx context.Context, threadID, content string) (Message, bool, error)
	// LoadAgentState returns nil, nil when no state has been saved.
	LoadAgentState(ctx context.Context, threadID, agentID string) (*AgentState, error)
	SaveAgentState(ctx context.Context, threadID, agentID string, data map[string]any) (AgentState, error)
	// DeleteThread removes the thread, its messages and agent states.
	// It reports false when the thread did not exist.
	DeleteThread(ctx context.Context, threadID string) (bool, error)
	Close() error
}

// ValidateID rejects identifiers that are unsafe as file names or keys.
func ValidateID(kind, id string) error {
	if id == "" {
		return errdefs.Validation("%s id cannot be empty", kind)
	}
	if strings.Contains(id, "..") {
		return errdefs.Validation("%s id cannot contain '..'", kind)
	}
	if strings.ContainsAny(id, "/\\") {
		return errdefs.Validation("%s id cannot contain path separators", kind)
	}
	if strings.Contains(id, "\x00") {
		return errdefs.Validation("%s id cannot contain null bytes", kind)
	}
	if len(id) > 200 {
		return errdefs.Validation("%s id is too long", kind)
	}
	return nil
}

func newThread(t Thread, now time.Time) (Thread, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if err := ValidateID("thread", t.ID); err != nil {
		return Thread{}, err
	}
	if t.Name == "" {
		t.Name = "Thread " + t.ID[:min(8, len(t.ID))]
	}
	now = now.UTC().Truncate(time.Microsecond)
	t.CreatedAt = now
	t.UpdatedAt = now
	return t, nil
}

// prepareMessage validates msg and fills the store-assigned fields.
// last is the CreatedAt of the thread's newest message, zero if none.
func prepareMessage(threadID string, msg Message, last time.Time, counter *TokenCounter) (Message, error) {
	if !msg.Role.Valid() {
		return Message{}, errdefs.Validation("invalid message role %q", msg.Role)
	}
	if msg.Role == RoleTool && msg.ToolCallID == "" {
		return Message{}, errdefs.Validation("tool message requires a tool_call_id")
	}

	msg.ID = uuid.NewString()
	msg.ThreadID = threadID
	msg.CreatedAt = nextTimestamp(last, time.Now())

	if counter != nil {
		if msg.Metadata == nil {
			msg.Metadata = make(map[string]any)
		}
		if _, ok := msg.Metadata[MetaTokenCount]; !ok {
			msg.Metadata[MetaTokenCount] = counter.Count(msg.Content)
		}
	}

	return msg, nil
}

// nextTimestamp returns now at microsecond precision, bumped past last so
// creation order and timestamp order never disagree.
func nextTimestamp(last, now time.Time) time.Time {
	now = now.UTC().Truncate(time.Microsecond)
	if !now.After(last) {
		return last.Add(time.Microsecond)
	}
	return now
}

func checkPaging(limit, offset int) error {
	if limit <= 0 {
		return errdefs.Validation("limit must be a positive integer, got %d", limit)
	}
	if offset < 0 {
		return errdefs.Validation("offset must be >= 0, got %d", offset)
	}
	return nil
}

func notFound(threadID string) error {
	return errdefs.NotFound("thread", threadID)
}

func wrap(op string, err error) error {
	return fmt.Errorf("threadstore: %s: %w", op, err)
}
