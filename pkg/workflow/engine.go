package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/pkg/errdefs"
)

// Engine manages workflow definitions. It does not run them; see Executor.
type Engine struct {
	store  Store
	logger zerolog.Logger
	now    func() time.Time

	// serializes read-modify-write cycles so concurrent AddStep calls
	// get distinct positions
	mu sync.Mutex
}

// NewEngine creates an engine over store.
func NewEngine(store Store, logger zerolog.Logger) *Engine {
	return &Engine{
		store:  store,
		logger: logger.With().Str("component", "workflow").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func newID(prefix string) (string, error) {
	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate id: %w", err)
	}
	return prefix + id, nil
}

func newStep(in StepInput, position int) (Step, error) {
	if err := in.Validate(); err != nil {
		return Step{}, err
	}
	id, err := newID("step_")
	if err != nil {
		return Step{}, err
	}
	return Step{
		ID:       id,
		AgentID:  in.AgentID,
		Input:    in.Input,
		ThreadID: in.ThreadID,
		Metadata: cloneMap(in.Metadata),
		Position: position,
	}, nil
}

// Create stores a new workflow. Initial steps get positions in slice order.
func (e *Engine) Create(ctx context.Context, in CreateInput) (*Workflow, error) {
	if in.Name == "" {
		return nil, errdefs.Validation("workflow name is required")
	}

	id, err := newID("wf_")
	if err != nil {
		return nil, err
	}

	now := e.now()
	wf := &Workflow{
		ID:          id,
		Name:        in.Name,
		Description: in.Description,
		Steps:       make([]Step, 0, len(in.Steps)),
		Metadata:    cloneMap(in.Metadata),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for i, s := range in.Steps {
		step, err := newStep(s, i)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		wf.Steps = append(wf.Steps, step)
	}

	if err := e.store.Save(ctx, wf); err != nil {
		return nil, err
	}

	observability.RecordWorkflowOp("create")
	e.logger.Info().Str("workflow_id", wf.ID).Str("name", wf.Name).Int("steps", len(wf.Steps)).Msg("Workflow created")
	return wf, nil
}

// AddStep appends a step at position len(steps).
func (e *Engine) AddStep(ctx context.Context, workflowID string, in StepInput) (*Workflow, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	wf, err := e.store.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	step, err := newStep(in, len(wf.Steps))
	if err != nil {
		return nil, err
	}
	wf.Steps = append(wf.Steps, step)
	wf.UpdatedAt = e.now()

	if err := e.store.Save(ctx, wf); err != nil {
		return nil, err
	}

	observability.RecordWorkflowOp("add_step")
	e.logger.Debug().Str("workflow_id", wf.ID).Str("agent_id", step.AgentID).Int("position", step.Position).Msg("Workflow step added")
	return wf, nil
}

// Get returns a workflow by id.
func (e *Engine) Get(ctx context.Context, id string) (*Workflow, error) {
	return e.store.Get(ctx, id)
}

// List pages through workflows in creation order.
func (e *Engine) List(ctx context.Context, limit, offset int) ([]*Workflow, error) {
	if limit <= 0 {
		return nil, errdefs.Validation("limit must be a positive integer, got %d", limit)
	}
	if offset < 0 {
		return nil, errdefs.Validation("offset must be >= 0, got %d", offset)
	}

	all, err := e.store.List(ctx)
	if err != nil {
		return nil, err
	}
	if offset >= len(all) {
		return []*Workflow{}, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

// Update applies patch to a workflow.
func (e *Engine) Update(ctx context.Context, id string, patch Patch) (*Workflow, error) {
	if patch.Name != nil && *patch.Name == "" {
		return nil, errdefs.Validation("workflow name cannot be empty")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	wf, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil {
		wf.Name = *patch.Name
	}
	if patch.Description != nil {
		wf.Description = *patch.Description
	}
	if patch.Metadata != nil {
		if wf.Metadata == nil {
			wf.Metadata = make(map[string]any, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			if v == nil {
				delete(wf.Metadata, k)
				continue
			}
			wf.Metadata[k] = v
		}
	}
	wf.UpdatedAt = e.now()

	if err := e.store.Save(ctx, wf); err != nil {
		return nil, err
	}

	observability.RecordWorkflowOp("update")
	return wf, nil
}

// Delete removes a workflow and reports whether it existed.
func (e *Engine) Delete(ctx context.Context, id string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ok, err := e.store.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	if ok {
		observability.RecordWorkflowOp("delete")
		e.logger.Info().Str("workflow_id", id).Msg("Workflow deleted")
	}
	return ok, nil
}

// Upsert stores a workflow under its own id, keeping CreatedAt when it
// already exists. Used to import catalog templates.
func (e *Engine) Upsert(ctx context.Context, wf *Workflow) error {
	if wf.ID == "" || wf.Name == "" {
		return errdefs.Validation("workflow id and name are required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	wf.CreatedAt = now
	if existing, err := e.store.Get(ctx, wf.ID); err == nil {
		wf.CreatedAt = existing.CreatedAt
	} else if !errdefs.IsNotFound(err) {
		return err
	}
	wf.UpdatedAt = now

	for i := range wf.Steps {
		if err := (StepInput{AgentID: wf.Steps[i].AgentID}).Validate(); err != nil {
			return fmt.Errorf("workflow %s step %d: %w", wf.ID, i, err)
		}
		wf.Steps[i].Position = i
		if wf.Steps[i].ID == "" {
			id, err := newID("step_")
			if err != nil {
				return err
			}
			wf.Steps[i].ID = id
		}
	}

	if err := e.store.Save(ctx, wf); err != nil {
		return err
	}
	observability.RecordWorkflowOp("upsert")
	return nil
}
