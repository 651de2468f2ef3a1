package threadstore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	threadFile   = "thread.json"
	messagesFile = "messages.jsonl"
	stateDir     = "state"
)

// Options holds settings shared by every backend.
type Options struct {
	Logger zerolog.Logger
	// Tokens annotates appended messages with a token count; nil disables it.
	Tokens *TokenCounter
}

// FileStore keeps one directory per thread: thread.json, an append-only
// messages.jsonl and one JSON file per agent state.
type FileStore struct {
	dir    string
	opts   Options
	locks  map[string]*threadLock
	lastTS map[string]time.Time
	mu     sync.Mutex
}

// NewFileStore creates the store rooted at dir.
func NewFileStore(dir string, opts Options) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("threadstore: directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create threads directory: %w", err)
	}

	opts.Logger.Info().Str("dir", dir).Msg("File thread store initialized")

	return &FileStore{
		dir:    dir,
		opts:   opts,
		locks:  make(map[string]*threadLock),
		lastTS: make(map[string]time.Time),
	}, nil
}

// threadLock serializes writers of one thread. refs counts holders and
// waiters; the entry leaves the map when it drops to zero.
type threadLock struct {
	sync.Mutex
	refs int
}

// lock blocks until the caller owns threadID and returns the release func.
func (s *FileStore) lock(threadID string) func() {
	s.mu.Lock()
	l, ok := s.locks[threadID]
	if !ok {
		l = &threadLock{}
		s.locks[threadID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()

		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, threadID)
		}
		s.mu.Unlock()
	}
}

func (s *FileStore) threadDir(threadID string) string {
	return filepath.Join(s.dir, threadID)
}

// CreateThread implements Store.
func (s *FileStore) CreateThread(ctx context.Context, t Thread) (Thread, error) {
	t, err := newThread(t, time.Now())
	if err != nil {
		return Thread{}, err
	}

	defer s.lock(t.ID)()

	dir := s.threadDir(t.ID)
	if _, err := os.Stat(dir); err == nil {
		return Thread{}, wrap("create thread", fmt.Errorf("thread %q already exists", t.ID))
	}
	if err := os.MkdirAll(filepath.Join(dir, stateDir), 0700); err != nil {
		return Thread{}, wrap("create thread", err)
	}
	if err := writeJSON(filepath.Join(dir, threadFile), t); err != nil {
		return Thread{}, wrap("create thread", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, messagesFile), os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return Thread{}, wrap("create thread", err)
	}
	f.Close()

	s.opts.Logger.Debug().Str("thread_id", t.ID).Msg("Thread created")
	return t, nil
}

// GetThread implements Store.
func (s *FileStore) GetThread(ctx context.Context, threadID string) (Thread, error) {
	if err := ValidateID("thread", threadID); err != nil {
		return Thread{}, err
	}

	var t Thread
	if err := readJSON(filepath.Join(s.threadDir(threadID), threadFile), &t); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Thread{}, notFound(threadID)
		}
		return Thread{}, wrap("get thread", err)
	}
	return t, nil
}

// ListThreads implements Store.
func (s *FileStore) ListThreads(ctx context.Context, limit, offset int) ([]Thread, error) {
	if err := checkPaging(limit, offset); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, wrap("list threads", err)
	}

	threads := make([]Thread, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var t Thread
		if err := readJSON(filepath.Join(s.dir, e.Name(), threadFile), &t); err != nil {
			s.opts.Logger.Warn().Err(err).Str("thread_id", e.Name()).Msg("Skipping unreadable thread")
			continue
		}
		threads = append(threads, t)
	}

	sort.Slice(threads, func(i, j int) bool {
		if threads[i].CreatedAt.Equal(threads[j].CreatedAt) {
			return threads[i].ID < threads[j].ID
		}
		return threads[i].CreatedAt.After(threads[j].CreatedAt)
	})

	if offset >= len(threads) {
		return []Thread{}, nil
	}
	end := min(offset+limit, len(threads))
	return threads[offset:end], nil
}

// LoadMessages implements Store.
func (s *FileStore) LoadMessages(ctx context.Context, threadID string) ([]Message, error) {
	if err := ValidateID("thread", threadID); err != nil {
		return nil, err
	}

	defer s.lock(threadID)()

	return s.readMessages(threadID)
}

// readMessages must be called with the thread lock held.
func (s *FileStore) readMessages(threadID string) ([]Message, error) {
	f, err := os.Open(filepath.Join(s.threadDir(threadID), messagesFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, notFound(threadID)
		}
		return nil, wrap("load messages", err)
	}
	defer f.Close()

	messages := []Message{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			// a torn final write is the only expected cause
			s.opts.Logger.Warn().
				Str("thread_id", threadID).
				Int("line", lineNum).
				Err(err).
				Msg("Failed to parse message line, skipping")
			continue
		}
		messages = append(messages, msg)
	}

	if err := scanner.Err(); err != nil {
		return nil, wrap("load messages", err)
	}

	if len(messages) > 0 {
		s.mu.Lock()
		s.lastTS[threadID] = messages[len(messages)-1].CreatedAt
		s.mu.Unlock()
	}

	return messages, nil
}

// AppendMessage implements Store.
func (s *FileStore) AppendMessage(ctx context.Context, threadID string, msg Message) (Message, error) {
	if err := ValidateID("thread", threadID); err != nil {
		return Message{}, err
	}

	defer s.lock(threadID)()

	return s.appendLocked(threadID, msg)
}

// appendLocked must be called with the thread lock held.
func (s *FileStore) appendLocked(threadID string, msg Message) (Message, error) {
	last, err := s.lastTimestamp(threadID)
	if err != nil {
		return Message{}, err
	}

	msg, err = prepareMessage(threadID, msg, last, s.opts.Tokens)
	if err != nil {
		return Message{}, err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return Message{}, wrap("append message", err)
	}

	f, err := os.OpenFile(filepath.Join(s.threadDir(threadID), messagesFile), os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return Message{}, wrap("append message", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return Message{}, wrap("append message", err)
	}
	if err := f.Sync(); err != nil {
		return Message{}, wrap("append message", err)
	}

	s.mu.Lock()
	s.lastTS[threadID] = msg.CreatedAt
	s.mu.Unlock()

	s.touch(threadID, msg.CreatedAt)

	s.opts.Logger.Debug().
		Str("thread_id", threadID).
		Str("role", string(msg.Role)).
		Msg("Message appended")

	return msg, nil
}

// lastTimestamp returns the newest message time, reading the log on a cache
// miss. It also reports NotFound for unknown threads.
func (s *FileStore) lastTimestamp(threadID string) (time.Time, error) {
	s.mu.Lock()
	last, ok := s.lastTS[threadID]
	s.mu.Unlock()

	if _, err := os.Stat(filepath.Join(s.threadDir(threadID), threadFile)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return time.Time{}, notFound(threadID)
		}
		return time.Time{}, wrap("append message", err)
	}
	if ok {
		return last, nil
	}

	msgs, err := s.readMessages(threadID)
	if err != nil {
		return time.Time{}, err
	}
	if len(msgs) == 0 {
		return time.Time{}, nil
	}
	return msgs[len(msgs)-1].CreatedAt, nil
}

// touch bumps the thread's UpdatedAt. Failures only cost freshness of the
// listing order, so they are logged.
func (s *FileStore) touch(threadID string, at time.Time) {
	path := filepath.Join(s.threadDir(threadID), threadFile)

	var t Thread
	if err := readJSON(path, &t); err != nil {
		s.opts.Logger.Warn().Err(err).Str("thread_id", threadID).Msg("Failed to read thread for update")
		return
	}
	t.UpdatedAt = at
	if err := writeJSON(path, t); err != nil {
		s.opts.Logger.Warn().Err(err).Str("thread_id", threadID).Msg("Failed to update thread")
	}
}

// EnsureSystemMessage implements Store.
func (s *FileStore) EnsureSystemMessage(ctx context.Context, threadID, content string) (Message, bool, error) {
	if err := ValidateID("thread", threadID); err != nil {
		return Message{}, false, err
	}

	defer s.lock(threadID)()

	msgs, err := s.readMessages(threadID)
	if err != nil {
		return Message{}, false, err
	}
	for _, m := range msgs {
		if m.Role == RoleSystem {
			return m, false, nil
		}
	}

	msg, err := s.appendLocked(threadID, Message{Role: RoleSystem, Content: content})
	if err != nil {
		return Message{}, false, err
	}
	return msg, true, nil
}

// LoadAgentState implements Store.
func (s *FileStore) LoadAgentState(ctx context.Context, threadID, agentID string) (*AgentState, error) {
	if err := ValidateID("thread", threadID); err != nil {
		return nil, err
	}
	if err := ValidateID("agent", agentID); err != nil {
		return nil, err
	}

	var st AgentState
	if err := readJSON(s.statePath(threadID, agentID), &st); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, wrap("load agent state", err)
	}
	return &st, nil
}

// SaveAgentState implements Store.
func (s *FileStore) SaveAgentState(ctx context.Context, threadID, agentID string, data map[string]any) (AgentState, error) {
	if err := ValidateID("thread", threadID); err != nil {
		return AgentState{}, err
	}
	if err := ValidateID("agent", agentID); err != nil {
		return AgentState{}, err
	}

	defer s.lock(threadID)()

	if _, err := os.Stat(filepath.Join(s.threadDir(threadID), threadFile)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return AgentState{}, notFound(threadID)
		}
		return AgentState{}, wrap("save agent state", err)
	}

	now := time.Now().UTC()
	st := AgentState{ThreadID: threadID, AgentID: agentID, Data: data, CreatedAt: now, UpdatedAt: now}

	var prev AgentState
	if err := readJSON(s.statePath(threadID, agentID), &prev); err == nil {
		st.CreatedAt = prev.CreatedAt
	}

	if err := writeJSON(s.statePath(threadID, agentID), st); err != nil {
		return AgentState{}, wrap("save agent state", err)
	}
	return st, nil
}

func (s *FileStore) statePath(threadID, agentID string) string {
	return filepath.Join(s.threadDir(threadID), stateDir, agentID+".json")
}

// DeleteThread implements Store.
func (s *FileStore) DeleteThread(ctx context.Context, threadID string) (bool, error) {
	if err := ValidateID("thread", threadID); err != nil {
		return false, err
	}

	defer s.lock(threadID)()

	dir := s.threadDir(threadID)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, wrap("delete thread", err)
	}

	s.mu.Lock()
	delete(s.lastTS, threadID)
	s.mu.Unlock()

	s.opts.Logger.Info().Str("thread_id", threadID).Msg("Thread deleted")
	return true, nil
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }

// writeJSON replaces path atomically via a temp file and rename.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
