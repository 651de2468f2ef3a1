package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/internal/tracing"
)

const tracerName = "conductor.workflow"

// RunOutput is what a Runner reports for one step.
type RunOutput struct {
	Output       string
	ThreadID     string
	FinishReason string
}

// Runner performs one agent run. An empty threadID asks for a new thread.
type Runner interface {
	RunAgent(ctx context.Context, agentID, threadID, input string) (RunOutput, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, agentID, threadID, input string) (RunOutput, error)

// RunAgent implements Runner.
func (f RunnerFunc) RunAgent(ctx context.Context, agentID, threadID, input string) (RunOutput, error) {
	return f(ctx, agentID, threadID, input)
}

// ExecuteOptions controls how steps are chained.
type ExecuteOptions struct {
	// Input is used by the first step when it has no input of its own
	Input string
	// ChainOutput feeds a step's output to the next step when that step
	// has no input
	ChainOutput bool
	// SharedThread runs every step without a thread id in one thread,
	// created by the first such step
	SharedThread bool
}

// StepResult is the outcome of one executed step.
type StepResult struct {
	Position     int           `json:"position"`
	AgentID      string        `json:"agent_id"`
	ThreadID     string        `json:"thread_id,omitempty"`
	Input        string        `json:"input"`
	Output       string        `json:"output,omitempty"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Duration     time.Duration `json:"duration"`
	Error        string        `json:"error,omitempty"`
}

// Execution is the record of one workflow execution.
type Execution struct {
	WorkflowID string        `json:"workflow_id"`
	ThreadID   string        `json:"thread_id,omitempty"`
	Steps      []StepResult  `json:"steps"`
	Completed  bool          `json:"completed"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}

// FinishFunc observes every finished execution. exec is nil when the
// workflow could not be loaded.
type FinishFunc func(ctx context.Context, workflowID string, exec *Execution, err error)

// Executor runs workflow steps sequentially.
type Executor struct {
	engine   *Engine
	runner   Runner
	logger   zerolog.Logger
	onFinish FinishFunc
}

// NewExecutor creates an executor.
func NewExecutor(engine *Engine, runner Runner, logger zerolog.Logger) *Executor {
	return &Executor{
		engine: engine,
		runner: runner,
		logger: logger.With().Str("component", "workflow_executor").Logger(),
	}
}

// OnFinish registers fn to observe executions. Call it before Execute.
func (x *Executor) OnFinish(fn FinishFunc) {
	x.onFinish = fn
}

// Execute runs every step of the workflow in position order and stops at
// the first failing step. The returned execution holds the results of the
// steps that ran, including the failing one.
func (x *Executor) Execute(ctx context.Context, workflowID string, opts ExecuteOptions) (*Execution, error) {
	exec, err := x.execute(ctx, workflowID, opts)
	if x.onFinish != nil {
		x.onFinish(ctx, workflowID, exec, err)
	}
	return exec, err
}

func (x *Executor) execute(ctx context.Context, workflowID string, opts ExecuteOptions) (*Execution, error) {
	wf, err := x.engine.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	ctx = tracing.PropagateToStep(ctx, wf.ID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "workflow.execute",
		attribute.String("workflow.id", wf.ID),
		attribute.Int("workflow.steps", len(wf.Steps)),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, x.logger)
	exec := &Execution{
		WorkflowID: wf.ID,
		Steps:      make([]StepResult, 0, len(wf.Steps)),
		StartedAt:  time.Now().UTC(),
	}
	defer func() { exec.Duration = time.Since(exec.StartedAt) }()

	observability.RecordWorkflowOp("execute")
	logger.Info().Int("steps", len(wf.Steps)).Bool("chain_output", opts.ChainOutput).Bool("shared_thread", opts.SharedThread).Msg("Workflow execution started")

	previous := opts.Input
	for i, step := range wf.Steps {
		input := step.Input
		if input == "" && (i == 0 || opts.ChainOutput) {
			input = previous
		}

		threadID := step.ThreadID
		if threadID == "" && opts.SharedThread {
			threadID = exec.ThreadID
		}

		result := StepResult{
			Position: step.Position,
			AgentID:  step.AgentID,
			ThreadID: threadID,
			Input:    input,
		}

		start := time.Now()
		out, err := x.runner.RunAgent(ctx, step.AgentID, threadID, input)
		result.Duration = time.Since(start)

		if err != nil {
			result.Error = err.Error()
			exec.Steps = append(exec.Steps, result)
			observability.RecordWorkflowOp("step_failed")
			logger.Error().Err(err).Int("position", step.Position).Str("step_agent", step.AgentID).Msg("Workflow step failed")
			return exec, tracing.Fail(span, fmt.Errorf("workflow %s step %d (%s): %w", wf.ID, step.Position, step.AgentID, err))
		}

		result.ThreadID = out.ThreadID
		result.Output = out.Output
		result.FinishReason = out.FinishReason
		exec.Steps = append(exec.Steps, result)

		if opts.SharedThread && step.ThreadID == "" && exec.ThreadID == "" {
			exec.ThreadID = out.ThreadID
		}
		previous = out.Output

		logger.Debug().Int("position", step.Position).Str("step_agent", step.AgentID).Dur("duration", result.Duration).Msg("Workflow step finished")
	}

	exec.Completed = true
	logger.Info().Int("steps", len(exec.Steps)).Msg("Workflow execution completed")
	return exec, nil
}
