package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/conductor/pkg/errdefs"
)

// Lifecycle events a hook can subscribe to.
const (
	EventServiceStart      = "service:start"
	EventServiceStop       = "service:stop"
	EventWorkflowCompleted = "workflow:completed"
	EventWorkflowFailed    = "workflow:failed"
	EventCatalogReloaded   = "catalog:reloaded"
)

const (
	envPrefix      = "CONDUCTOR_HOOK_"
	defaultTimeout = 30 * time.Second
)

var knownEvents = map[string]bool{
	EventServiceStart:      true,
	EventServiceStop:       true,
	EventWorkflowCompleted: true,
	EventWorkflowFailed:    true,
	EventCatalogReloaded:   true,
}

// Hook runs Script with /bin/sh when Event fires.
type Hook struct {
	ID      string
	Event   string
	Script  string
	Timeout time.Duration
}

// Manager executes configured hooks for lifecycle events.
type Manager struct {
	logger zerolog.Logger
	shell  string

	mu           sync.RWMutex
	hooksByEvent map[string][]Hook
}

// NewManager validates hooks and indexes them by event. A nil or empty list
// yields a manager whose Trigger is a no-op.
func NewManager(hooks []Hook, logger zerolog.Logger) (*Manager, error) {
	m := &Manager{
		logger:       logger.With().Str("component", "hooks").Logger(),
		shell:        "/bin/sh",
		hooksByEvent: make(map[string][]Hook),
	}

	for i, hook := range hooks {
		event := strings.TrimSpace(hook.Event)
		if !knownEvents[event] {
			return nil, errdefs.Validation("hook %d: unknown event %q", i, hook.Event)
		}
		if strings.TrimSpace(hook.Script) == "" {
			return nil, errdefs.Validation("hook %d: script is required for event %q", i, event)
		}
		if hook.ID == "" {
			hook.ID = fmt.Sprintf("%s#%d", event, i)
		}
		if hook.Timeout <= 0 {
			hook.Timeout = defaultTimeout
		}
		hook.Event = event
		m.hooksByEvent[event] = append(m.hooksByEvent[event], hook)
	}

	return m, nil
}

// Count returns how many hooks are subscribed to event.
func (m *Manager) Count(event string) int {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.hooksByEvent[event])
}

// Trigger runs every hook subscribed to event in configuration order. Each
// hook sees the event and data as CONDUCTOR_HOOK_* variables and the data as
// a JSON document on stdin. Failures are joined; one failing hook does not
// stop the rest.
func (m *Manager) Trigger(ctx context.Context, event string, data map[string]any) error {
	if m == nil {
		return nil
	}

	m.mu.RLock()
	hooks := append([]Hook(nil), m.hooksByEvent[event]...)
	m.mu.RUnlock()
	if len(hooks) == 0 {
		return nil
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode hook payload for %s: %w", event, err)
	}

	var errs []error
	for _, hook := range hooks {
		if err := m.run(ctx, hook, data, payload); err != nil {
			m.logger.Warn().Err(err).Str("event", event).Str("hook_id", hook.ID).Msg("Hook failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TriggerAsync runs Trigger in the background and only logs failures.
func (m *Manager) TriggerAsync(ctx context.Context, event string, data map[string]any) {
	if m.Count(event) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		_ = m.Trigger(ctx, event, data)
	}()
}

func (m *Manager) run(ctx context.Context, hook Hook, data map[string]any, payload []byte) error {
	runCtx, cancel := context.WithTimeout(ctx, hook.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, m.shell, "-c", hook.Script)
	cmd.Env = environment(hook.Event, data)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.WaitDelay = time.Second

	output, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(output))
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return errdefs.Timeout(fmt.Sprintf("hook %s", hook.ID), hook.Timeout)
		}
		if text != "" {
			return fmt.Errorf("hook %s failed: %w: %s", hook.ID, err, text)
		}
		return fmt.Errorf("hook %s failed: %w", hook.ID, err)
	}

	m.logger.Debug().
		Str("event", hook.Event).
		Str("hook_id", hook.ID).
		Str("output", text).
		Msg("Hook executed")
	return nil
}

func environment(event string, data map[string]any) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env, envPrefix+"EVENT="+event)

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		env = append(env, envPrefix+"DATA_"+envKey(key)+"="+fmt.Sprintf("%v", data[key]))
	}
	return env
}

func envKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "UNKNOWN"
	}

	var b strings.Builder
	b.Grow(len(key))
	for _, r := range strings.ToUpper(key) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	return b.String()
}
