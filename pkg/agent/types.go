package agent

import (
	"strings"
	"time"

	"github.com/harun/conductor/pkg/errdefs"
	"github.com/harun/conductor/pkg/toolexecutor"
)

// Agent is the immutable configuration of one agent.
type Agent struct {
	ID          string  `json:"id" yaml:"id"`
	Name        string  `json:"name" yaml:"name"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
	// Model is "provider/model" or a bare model name for the default provider
	Model        string   `json:"model" yaml:"model"`
	Temperature  float64  `json:"temperature" yaml:"temperature"`
	MaxTokens    int      `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	PersonaID    string   `json:"persona_id,omitempty" yaml:"persona_id,omitempty"`
	AutoPersona  bool     `json:"auto_persona,omitempty" yaml:"auto_persona,omitempty"`
	Tools        []string `json:"tools,omitempty" yaml:"tools,omitempty"`
	// MaxToolRounds overrides the orchestrator default when positive
	MaxToolRounds int `json:"max_tool_rounds,omitempty" yaml:"max_tool_rounds,omitempty"`
}

// Validate checks the agent configuration.
func (a Agent) Validate() error {
	if a.ID == "" {
		return errdefs.Validation("agent id is required")
	}
	if a.Name == "" {
		return errdefs.Validation("agent %s: name is required", a.ID)
	}
	if _, model := ParseModelRef(a.Model); model == "" {
		return errdefs.Validation("agent %s: model is required", a.ID)
	}
	if a.Temperature < 0 || a.Temperature > 2 {
		return errdefs.Validation("agent %s: temperature must be within [0,2]", a.ID)
	}
	if a.MaxTokens < 0 {
		return errdefs.Validation("agent %s: max_tokens cannot be negative", a.ID)
	}
	if a.MaxToolRounds < 0 {
		return errdefs.Validation("agent %s: max_tool_rounds cannot be negative", a.ID)
	}
	return nil
}

// ParseModelRef splits "provider/model". The provider is empty when ref has
// no prefix.
func ParseModelRef(ref string) (provider, model string) {
	if i := strings.IndexByte(ref, '/'); i > 0 {
		return ref[:i], ref[i+1:]
	}
	return "", ref
}

// FinishReason explains why a model turn or a run ended.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishToolCalls FinishReason = "tool_calls"
	FinishToolLimit FinishReason = "tool_limit"
	FinishError     FinishReason = "error"
)

// Message is the provider-facing form of a thread message.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	ToolName   string
	// IsError marks a tool message whose call failed.
	IsError bool
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u *TokenUsage) add(o TokenUsage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
}

// Tool choice values besides a tool name.
const (
	ToolChoiceAuto     = "auto"
	ToolChoiceNone     = "none"
	ToolChoiceRequired = "required"
)

// RunOptions tune a single run. Zero values fall back to the agent and then
// to the orchestrator defaults.
type RunOptions struct {
	// ThreadID resumes or creates the named thread; empty starts a new one
	ThreadID string
	// PersonaID overrides the agent's persona
	PersonaID            string
	Temperature          *float64
	MaxTokens            *int
	SystemPromptOverride string
	// ToolChoice is auto, none, required or the name of an enabled tool
	ToolChoice    string
	StreamOutput  bool
	MaxToolRounds int
	// Scratch is merged into the saved agent state
	Scratch map[string]any
	// OnChunk receives stream events; setting it implies StreamOutput
	OnChunk func(StreamEvent)
	// OnFinish is called once the run has been committed or has failed
	OnFinish func(FinishEvent)
}

// Validate checks the options before anything is written.
func (o RunOptions) Validate() error {
	if o.Temperature != nil && (*o.Temperature < 0 || *o.Temperature > 2) {
		return errdefs.Validation("temperature must be within [0,2], got %v", *o.Temperature)
	}
	if o.MaxTokens != nil && *o.MaxTokens < 0 {
		return errdefs.Validation("max tokens cannot be negative, got %d", *o.MaxTokens)
	}
	if o.MaxToolRounds < 0 {
		return errdefs.Validation("max tool rounds cannot be negative, got %d", o.MaxToolRounds)
	}
	return nil
}

// ToolInvocation pairs a tool call with its result.
type ToolInvocation struct {
	Call   ToolCall                `json:"call"`
	Result toolexecutor.ToolResult `json:"result"`
}

// RunResult is the outcome of one run. It is not persisted.
type RunResult struct {
	RunID        string           `json:"run_id"`
	AgentID      string           `json:"agent_id"`
	ThreadID     string           `json:"thread_id"`
	PersonaID    string           `json:"persona_id,omitempty"`
	Output       string           `json:"output"`
	FinishReason FinishReason     `json:"finish_reason"`
	ToolCalls    []ToolInvocation `json:"tool_calls,omitempty"`
	Usage        TokenUsage       `json:"usage"`
	StartedAt    time.Time        `json:"started_at"`
	Duration     time.Duration    `json:"duration"`
}

// FinishEvent is handed to RunOptions.OnFinish.
type FinishEvent struct {
	Reason FinishReason
	// Message is the final assistant text; empty on failure
	Message string
	Result  *RunResult
	Err     error
}

// StreamEventType names the kinds of stream events.
type StreamEventType string

const (
	EventText       StreamEventType = "text"
	EventToolCall   StreamEventType = "tool_call"
	EventToolResult StreamEventType = "tool_result"
	EventError      StreamEventType = "error"
	EventDone       StreamEventType = "done"
)

// StreamEvent is one incremental event of a streaming run.
type StreamEvent struct {
	Type       StreamEventType
	Text       string
	ToolCall   *ToolCall
	ToolResult *toolexecutor.ToolResult
	Result     *RunResult
	Err        error
}
