package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/internal/tracing"
	"github.com/harun/conductor/pkg/commandqueue"
	"github.com/harun/conductor/pkg/errdefs"
	"github.com/harun/conductor/pkg/persona"
	"github.com/harun/conductor/pkg/threadstore"
	"github.com/harun/conductor/pkg/toolexecutor"
)

const tracerName = "conductor.agent"

// Agent state keys written on every finished run.
const (
	StateLastRun          = "lastRun"
	StateLastRunID        = "lastRunId"
	StateLastFinishReason = "lastFinishReason"
	StateToolCallCount    = "toolCallCount"
	StatePersonaID        = "personaId"
)

// Config holds orchestrator dependencies and defaults.
type Config struct {
	Agents    *Registry
	Providers *ProviderSet
	Threads   threadstore.Store
	Tools     *toolexecutor.ToolExecutor
	// Personas is optional; without it runs never bind a persona
	Personas *persona.Scorer
	// Queue, when set, serializes runs that name the same thread
	Queue *commandqueue.CommandQueue

	MaxToolRounds    int
	DefaultMaxTokens int
	ToolTimeout      time.Duration
	Logger           zerolog.Logger
}

// Orchestrator executes agent runs.
type Orchestrator struct {
	cfg    Config
	logger zerolog.Logger
}

// NewOrchestrator validates cfg and creates an orchestrator.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	observability.EnsureRegistered()

	if cfg.Agents == nil {
		return nil, fmt.Errorf("agent registry is required")
	}
	if cfg.Providers == nil {
		return nil, fmt.Errorf("provider set is required")
	}
	if cfg.Threads == nil {
		return nil, fmt.Errorf("thread store is required")
	}
	if cfg.Tools == nil {
		cfg.Tools = toolexecutor.New(toolexecutor.Config{Logger: cfg.Logger})
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 10
	}
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = 4096
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 30 * time.Second
	}

	return &Orchestrator{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "orchestrator").Logger(),
	}, nil
}

// runPlan is everything resolved before the first write.
type runPlan struct {
	runID       string
	agent       Agent
	provider    Provider
	model       string
	tools       []toolexecutor.Spec
	toolChoice  string
	temperature float64
	maxTokens   int
	maxRounds   int
	stream      bool
}

// Run executes one agent run and blocks until it is committed or fails.
func (o *Orchestrator) Run(ctx context.Context, agentID, input string, opts RunOptions) (*RunResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	plan, err := o.resolve(agentID, opts)
	if err != nil {
		return nil, err
	}

	ctx = tracing.WithRunID(ctx, plan.runID)
	ctx = tracing.WithAgentID(ctx, agentID)
	if opts.ThreadID != "" {
		ctx = tracing.WithThreadID(ctx, opts.ThreadID)
	}
	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.run",
		attribute.String("agent.id", agentID),
		attribute.String("run.id", plan.runID),
		attribute.String("provider", plan.provider.Name()),
	)
	defer span.End()

	if o.cfg.Queue == nil || opts.ThreadID == "" {
		result, err := o.execute(ctx, plan, input, opts)
		return result, tracing.Fail(span, err)
	}

	value, err := o.cfg.Queue.Enqueue(ctx, commandqueue.ThreadLane(opts.ThreadID), func(ctx context.Context) (any, error) {
		result, err := o.execute(ctx, plan, input, opts)
		if err != nil {
			return nil, err
		}
		return result, nil
	})
	if err != nil {
		return nil, tracing.Fail(span, err)
	}
	return value.(*RunResult), nil
}

// resolve performs every check that must pass before anything is written.
func (o *Orchestrator) resolve(agentID string, opts RunOptions) (*runPlan, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	a, err := o.cfg.Agents.Get(agentID)
	if err != nil {
		return nil, err
	}

	provider, model, err := o.cfg.Providers.Resolve(a.Model)
	if err != nil {
		return nil, err
	}

	specs, missing := o.cfg.Tools.Specs(a.Tools)
	if len(missing) > 0 {
		return nil, errdefs.Validation("agent %s references unknown tools: %s", a.ID, strings.Join(missing, ", "))
	}

	switch opts.ToolChoice {
	case "", ToolChoiceAuto, ToolChoiceNone, ToolChoiceRequired:
	default:
		found := false
		for _, name := range a.Tools {
			if name == opts.ToolChoice {
				found = true
				break
			}
		}
		if !found {
			return nil, errdefs.Validation("tool choice %q is not an enabled tool of agent %s", opts.ToolChoice, a.ID)
		}
	}
	if opts.ToolChoice == ToolChoiceRequired && len(specs) == 0 {
		return nil, errdefs.Validation("tool choice %q needs at least one enabled tool", opts.ToolChoice)
	}

	plan := &runPlan{
		runID:       tracing.NewRunID(),
		agent:       a,
		provider:    provider,
		model:       model,
		tools:       specs,
		toolChoice:  opts.ToolChoice,
		temperature: a.Temperature,
		maxTokens:   o.cfg.DefaultMaxTokens,
		maxRounds:   o.cfg.MaxToolRounds,
		stream:      opts.StreamOutput || opts.OnChunk != nil,
	}
	if opts.Temperature != nil {
		plan.temperature = *opts.Temperature
	}
	if a.MaxTokens > 0 {
		plan.maxTokens = a.MaxTokens
	}
	if opts.MaxTokens != nil && *opts.MaxTokens > 0 {
		plan.maxTokens = *opts.MaxTokens
	}
	if a.MaxToolRounds > 0 {
		plan.maxRounds = a.MaxToolRounds
	}
	if opts.MaxToolRounds > 0 {
		plan.maxRounds = opts.MaxToolRounds
	}
	return plan, nil
}

func (o *Orchestrator) execute(ctx context.Context, plan *runPlan, input string, opts RunOptions) (_ *RunResult, err error) {
	start := time.Now()
	observability.RunStarted()

	result := &RunResult{
		RunID:     plan.runID,
		AgentID:   plan.agent.ID,
		StartedAt: start.UTC(),
	}
	logger := tracing.LoggerFromContext(ctx, o.logger)

	var bound *persona.Persona
	defer func() {
		result.Duration = time.Since(start)
		status := "success"
		switch {
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			status = "canceled"
		case err != nil:
			status = "error"
		}
		observability.RecordRun(plan.agent.ID, plan.provider.Name(), status, result.Duration)

		if bound != nil && status != "canceled" {
			o.cfg.Personas.ReportOutcome(context.WithoutCancel(ctx), bound.ID, err == nil)
		}
		if err != nil && status != "canceled" && opts.OnFinish != nil {
			opts.OnFinish(FinishEvent{Reason: FinishError, Err: err})
		}
	}()

	// PersonaBind
	candidate := o.bindPersona(ctx, plan.agent, input, opts, logger)

	// ThreadEnsure
	thread, err := o.ensureThread(ctx, plan.agent, opts.ThreadID)
	if err != nil {
		return nil, err
	}
	result.ThreadID = thread.ID
	ctx = tracing.WithThreadID(ctx, thread.ID)
	logger = tracing.LoggerFromContext(ctx, o.logger)

	// usage and outcome only count once the run has a thread to run in
	if candidate != nil {
		bound = candidate
		result.PersonaID = bound.ID
		o.cfg.Personas.RecordUsage(ctx, bound.ID)
	}

	// SystemPromptEnsure
	systemPrompt := buildSystemPrompt(plan.agent, bound, opts.SystemPromptOverride)
	stored, inserted, err := o.cfg.Threads.EnsureSystemMessage(ctx, thread.ID, systemPrompt)
	if err != nil {
		return nil, err
	}
	if inserted {
		logger.Debug().Msg("System message added")
	}
	// The stored system message is never rewritten. A persona bound after
	// the thread began is sent for this invocation only.
	personaChanged := !inserted && bound != nil && !strings.Contains(stored.Content, personaSection(bound))
	if personaChanged {
		logger.Debug().Str("persona_id", bound.ID).Msg("Persona differs from thread system message, sending it for this run")
	}

	// UserAppend
	if input != "" {
		if _, err := o.cfg.Threads.AppendMessage(ctx, thread.ID, threadstore.Message{
			Role:     threadstore.RoleUser,
			Content:  input,
			Metadata: map[string]any{"run_id": plan.runID},
		}); err != nil {
			return nil, err
		}
	}

	history, err := o.cfg.Threads.LoadMessages(ctx, thread.ID)
	if err != nil {
		return nil, err
	}
	system, messages := toProviderMessages(history)
	if opts.SystemPromptOverride != "" || personaChanged {
		system = systemPrompt
	}

	logger.Info().
		Str("provider", plan.provider.Name()).
		Str("model", plan.model).
		Int("history", len(history)).
		Bool("stream", plan.stream).
		Msg("Agent run started")

	// Invoke and ToolDispatch
	pending, reason, err := o.invoke(ctx, plan, system, messages, thread.ID, opts, result, logger)
	if err != nil {
		if ctx.Err() != nil {
			logger.Info().Msg("Agent run canceled, discarding partial output")
			return nil, ctx.Err()
		}
		logger.Error().Err(err).Msg("Agent run failed")
		return nil, err
	}

	// Finish
	result.FinishReason = reason
	if err := o.finish(context.WithoutCancel(ctx), plan, thread.ID, pending, bound, opts, result); err != nil {
		logger.Error().Err(err).Msg("Failed to commit agent run")
		return nil, err
	}

	logger.Info().
		Str("finish_reason", string(reason)).
		Int("tool_calls", len(result.ToolCalls)).
		Dur("duration", time.Since(start)).
		Msg("Agent run completed")

	if opts.OnFinish != nil {
		opts.OnFinish(FinishEvent{Reason: reason, Message: result.Output, Result: result})
	}
	return result, nil
}

// bindPersona picks the run's persona. A missing persona never fails the run.
func (o *Orchestrator) bindPersona(ctx context.Context, a Agent, input string, opts RunOptions, logger zerolog.Logger) *persona.Persona {
	if o.cfg.Personas == nil {
		return nil
	}

	id := opts.PersonaID
	if id == "" {
		id = a.PersonaID
	}

	if id == "" && a.AutoPersona && input != "" {
		rec, err := o.cfg.Personas.Recommend(ctx, input)
		if err != nil {
			logger.Warn().Err(err).Msg("Persona recommendation failed")
			return nil
		}
		if rec == nil {
			return nil
		}
		logger.Debug().Str("persona_id", rec.Persona.ID).Str("reason", rec.MatchReason).Msg("Persona recommended for run")
		id = rec.Persona.ID
	}
	if id == "" {
		return nil
	}

	p, err := o.cfg.Personas.Get(id)
	if err != nil {
		logger.Warn().Err(err).Str("persona_id", id).Msg("Persona unavailable, continuing without it")
		return nil
	}
	return &p
}

func (o *Orchestrator) ensureThread(ctx context.Context, a Agent, threadID string) (threadstore.Thread, error) {
	if threadID == "" {
		return o.cfg.Threads.CreateThread(ctx, threadstore.Thread{
			Name:     a.Name,
			Metadata: map[string]any{"agent_id": a.ID},
		})
	}

	t, err := o.cfg.Threads.GetThread(ctx, threadID)
	if err == nil {
		return t, nil
	}
	if !errdefs.IsNotFound(err) {
		return threadstore.Thread{}, err
	}

	t, err = o.cfg.Threads.CreateThread(ctx, threadstore.Thread{
		ID:       threadID,
		Name:     a.Name,
		Metadata: map[string]any{"agent_id": a.ID},
	})
	if err != nil {
		// lost a creation race with a concurrent run
		if existing, getErr := o.cfg.Threads.GetThread(ctx, threadID); getErr == nil {
			return existing, nil
		}
		return threadstore.Thread{}, err
	}
	return t, nil
}

// invoke drives the model through tool rounds. It returns the messages to
// commit, in order, ending with the final assistant message.
func (o *Orchestrator) invoke(ctx context.Context, plan *runPlan, system string, history []Message, threadID string, opts RunOptions, result *RunResult, logger zerolog.Logger) ([]threadstore.Message, FinishReason, error) {
	emit := func(ev StreamEvent) {
		if opts.OnChunk != nil {
			opts.OnChunk(ev)
		}
	}

	execCtx := &toolexecutor.ExecutionContext{
		AgentID:    plan.agent.ID,
		RunID:      plan.runID,
		ThreadID:   threadID,
		Timeout:    o.cfg.ToolTimeout,
		ToolPolicy: toolexecutor.AllowOnly(plan.agent.Tools...),
	}

	conversation := history
	var pending []threadstore.Message

	for round := 0; ; round++ {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}

		req := Request{
			Model:       plan.model,
			System:      system,
			Messages:    conversation,
			Tools:       plan.tools,
			ToolChoice:  plan.toolChoice,
			Temperature: plan.temperature,
			MaxTokens:   plan.maxTokens,
		}
		// forcing a tool on every round would never terminate
		if round > 0 && plan.toolChoice != ToolChoiceNone && plan.toolChoice != "" {
			req.ToolChoice = ToolChoiceAuto
		}

		resp, err := o.callModel(ctx, plan, req, emit)
		if err != nil {
			return nil, "", err
		}
		result.Usage.add(resp.Usage)

		if len(resp.ToolCalls) == 0 || round >= plan.maxRounds {
			reason := resp.FinishReason
			if len(resp.ToolCalls) > 0 {
				reason = FinishToolLimit
				logger.Warn().Int("rounds", round).Msg("Max tool rounds reached")
			} else if reason != FinishLength {
				reason = FinishStop
			}
			result.Output = resp.Content
			pending = append(pending, threadstore.Message{
				Role:    threadstore.RoleAssistant,
				Content: resp.Content,
				Metadata: map[string]any{
					"run_id":        plan.runID,
					"model":         plan.model,
					"finish_reason": string(reason),
					"input_tokens":  resp.Usage.InputTokens,
					"output_tokens": resp.Usage.OutputTokens,
				},
			})
			return pending, reason, nil
		}

		calls := make([]toolexecutor.Call, len(resp.ToolCalls))
		stored := make([]threadstore.ToolCall, len(resp.ToolCalls))
		for i, tc := range resp.ToolCalls {
			calls[i] = toolexecutor.Call{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
			stored[i] = threadstore.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
			tc := tc
			emit(StreamEvent{Type: EventToolCall, ToolCall: &tc})
		}

		assistant := Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls}
		conversation = append(conversation, assistant)
		pending = append(pending, threadstore.Message{
			Role:      threadstore.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: stored,
			Metadata:  map[string]any{"run_id": plan.runID, "model": plan.model},
		})

		logger.Debug().Int("round", round).Int("calls", len(calls)).Msg("Dispatching tool calls")
		results := o.cfg.Tools.ExecuteBatch(ctx, calls, execCtx)

		for i, res := range results {
			content := toolexecutor.Encode(res)
			call := resp.ToolCalls[i]

			res := res
			emit(StreamEvent{Type: EventToolResult, ToolCall: &call, ToolResult: &res})
			result.ToolCalls = append(result.ToolCalls, ToolInvocation{Call: call, Result: res})

			conversation = append(conversation, Message{
				Role:       "tool",
				Content:    content,
				ToolCallID: call.ID,
				ToolName:   call.Name,
				IsError:    !res.Success,
			})
			meta := map[string]any{"run_id": plan.runID, "success": res.Success}
			if !res.Success {
				meta["error_kind"] = res.Kind
			}
			pending = append(pending, threadstore.Message{
				Role:       threadstore.RoleTool,
				Content:    content,
				ToolName:   call.Name,
				ToolCallID: call.ID,
				Metadata:   meta,
			})
		}
	}
}

func (o *Orchestrator) callModel(ctx context.Context, plan *runPlan, req Request, emit func(StreamEvent)) (*Response, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.invoke",
		attribute.String("provider", plan.provider.Name()),
		attribute.String("model", plan.model),
		attribute.Bool("stream", plan.stream),
	)
	defer span.End()

	var (
		resp *Response
		err  error
	)
	if plan.stream {
		resp, err = plan.provider.Stream(ctx, req, func(text string) {
			emit(StreamEvent{Type: EventText, Text: text})
		})
	} else {
		resp, err = plan.provider.Call(ctx, req)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, tracing.Fail(span, providerError(plan.provider.Name(), err))
	}
	return resp, nil
}

// finish commits the buffered messages and the agent state.
func (o *Orchestrator) finish(ctx context.Context, plan *runPlan, threadID string, pending []threadstore.Message, bound *persona.Persona, opts RunOptions, result *RunResult) error {
	for _, msg := range pending {
		if _, err := o.cfg.Threads.AppendMessage(ctx, threadID, msg); err != nil {
			return err
		}
	}

	state := make(map[string]any, len(opts.Scratch)+5)
	for k, v := range opts.Scratch {
		state[k] = v
	}
	state[StateLastRun] = time.Now().UTC().Format(time.RFC3339Nano)
	state[StateLastRunID] = plan.runID
	state[StateLastFinishReason] = string(result.FinishReason)
	state[StateToolCallCount] = len(result.ToolCalls)
	if bound != nil {
		state[StatePersonaID] = bound.ID
	}

	if _, err := o.cfg.Threads.SaveAgentState(ctx, threadID, plan.agent.ID, state); err != nil {
		return err
	}
	return nil
}

// buildSystemPrompt synthesizes the thread's system message.
func buildSystemPrompt(a Agent, p *persona.Persona, override string) string {
	var b strings.Builder

	b.WriteString("You are ")
	b.WriteString(a.Name)
	b.WriteString(".")
	if a.Description != "" {
		b.WriteString(" ")
		b.WriteString(a.Description)
	}

	instructions := a.SystemPrompt
	if override != "" {
		instructions = override
	}
	if instructions != "" {
		b.WriteString("\n\n")
		b.WriteString(instructions)
	}

	if p != nil {
		b.WriteString("\n\n")
		b.WriteString(personaSection(p))
	}
	return b.String()
}

// personaSection is the part of the system prompt contributed by p.
func personaSection(p *persona.Persona) string {
	var b strings.Builder
	b.WriteString("# Persona: ")
	b.WriteString(p.Name)
	if p.Prompt != "" {
		b.WriteString("\n")
		b.WriteString(p.Prompt)
	} else if p.Description != "" {
		b.WriteString("\n")
		b.WriteString(p.Description)
	}
	if len(p.Traits) > 0 {
		b.WriteString("\nTraits: ")
		b.WriteString(strings.Join(p.Traits, ", "))
	}
	return b.String()
}

// toProviderMessages splits stored history into the system prompt and the
// conversation.
func toProviderMessages(history []threadstore.Message) (string, []Message) {
	var system []string
	messages := make([]Message, 0, len(history))

	for _, m := range history {
		switch m.Role {
		case threadstore.RoleSystem:
			system = append(system, m.Content)
		case threadstore.RoleTool:
			success, known := m.Metadata["success"].(bool)
			messages = append(messages, Message{
				Role:       "tool",
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
				ToolName:   m.ToolName,
				IsError:    known && !success,
			})
		case threadstore.RoleAssistant:
			msg := Message{Role: "assistant", Content: m.Content}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
			}
			messages = append(messages, msg)
		default:
			messages = append(messages, Message{Role: string(m.Role), Content: m.Content})
		}
	}
	return strings.Join(system, "\n\n"), messages
}
