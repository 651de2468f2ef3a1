// Package workflow keeps durable, ordered multi-step agent plans and runs
// them step by step through an agent runner.
package workflow

import (
	"context"
	"time"

	"github.com/harun/conductor/pkg/errdefs"
)

// Workflow is an ordered plan of agent runs.
type Workflow struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []Step         `json:"steps" yaml:"steps"`
	Metadata    map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time      `json:"updated_at" yaml:"-"`
}

// Step is one agent run inside a workflow. Position is assigned on append
// and never changes.
type Step struct {
	ID       string         `json:"id" yaml:"-"`
	AgentID  string         `json:"agent_id" yaml:"agent_id"`
	Input    string         `json:"input,omitempty" yaml:"input,omitempty"`
	ThreadID string         `json:"thread_id,omitempty" yaml:"thread_id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Position int            `json:"position" yaml:"-"`
}

// StepInput describes a step to append.
type StepInput struct {
	AgentID  string         `json:"agent_id" yaml:"agent_id"`
	Input    string         `json:"input,omitempty" yaml:"input,omitempty"`
	ThreadID string         `json:"thread_id,omitempty" yaml:"thread_id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Validate checks a step before it is appended.
func (s StepInput) Validate() error {
	if s.AgentID == "" {
		return errdefs.Validation("step agent_id is required")
	}
	return nil
}

// CreateInput describes a new workflow.
type CreateInput struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []StepInput    `json:"steps,omitempty" yaml:"steps,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Patch updates workflow attributes. Nil fields are left alone. Steps are
// not patchable; use AddStep.
type Patch struct {
	Name        *string        `json:"name,omitempty"`
	Description *string        `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Store persists workflows.
type Store interface {
	Save(ctx context.Context, wf *Workflow) error
	Get(ctx context.Context, id string) (*Workflow, error)
	// List returns every workflow ordered by creation time, then id.
	List(ctx context.Context) ([]*Workflow, error)
	Delete(ctx context.Context, id string) (bool, error)
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Clone returns a deep enough copy for callers to mutate freely.
func (w *Workflow) Clone() *Workflow {
	c := *w
	c.Metadata = cloneMap(w.Metadata)
	c.Steps = make([]Step, len(w.Steps))
	for i, s := range w.Steps {
		s.Metadata = cloneMap(s.Metadata)
		c.Steps[i] = s
	}
	return &c
}
