package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/conductor/pkg/commandqueue"
	"github.com/harun/conductor/pkg/errdefs"
	"github.com/harun/conductor/pkg/persona"
	"github.com/harun/conductor/pkg/threadstore"
	"github.com/harun/conductor/pkg/toolexecutor"
)

type step func(ctx context.Context, req Request, onText func(string)) (*Response, error)

// scriptedProvider replays steps in order and repeats the last one.
type scriptedProvider struct {
	mu       sync.Mutex
	steps    []step
	calls    int
	requests []Request
}

func (p *scriptedProvider) Name() string { return "mock" }

func (p *scriptedProvider) next(req Request) step {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	i := p.calls
	if i >= len(p.steps) {
		i = len(p.steps) - 1
	}
	p.calls++
	return p.steps[i]
}

func (p *scriptedProvider) Call(ctx context.Context, req Request) (*Response, error) {
	return p.next(req)(ctx, req, nil)
}

func (p *scriptedProvider) Stream(ctx context.Context, req Request, onText func(string)) (*Response, error) {
	return p.next(req)(ctx, req, onText)
}

func (p *scriptedProvider) Requests() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Request(nil), p.requests...)
}

func reply(text string) step {
	return func(ctx context.Context, req Request, onText func(string)) (*Response, error) {
		if onText != nil {
			for _, part := range strings.SplitAfter(text, " ") {
				onText(part)
			}
		}
		return &Response{Content: text, FinishReason: FinishStop, Usage: TokenUsage{InputTokens: 10, OutputTokens: 5}}, nil
	}
}

func callTool(id, name string, args map[string]any) step {
	return func(ctx context.Context, req Request, onText func(string)) (*Response, error) {
		return &Response{
			Content:      "checking",
			ToolCalls:    []ToolCall{{ID: id, Name: name, Arguments: args}},
			FinishReason: FinishToolCalls,
		}, nil
	}
}

type fixture struct {
	orch     *Orchestrator
	provider *scriptedProvider
	threads  *threadstore.FileStore
	personas *persona.Scorer
	agents   *Registry
}

func newFixture(t *testing.T, steps ...step) *fixture {
	t.Helper()

	threads, err := threadstore.NewFileStore(t.TempDir(), threadstore.Options{Logger: zerolog.Nop()})
	require.NoError(t, err)

	tools := toolexecutor.New(toolexecutor.Config{Logger: zerolog.Nop()})
	require.NoError(t, tools.Register(toolexecutor.Definition{
		ToolSpec: toolexecutor.Spec{
			Name:        "echo",
			Description: "Echo text",
			Parameters:  []toolexecutor.ToolParameter{{Name: "text", Type: "string", Description: "Text", Required: true}},
		},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			return params["text"], nil
		},
	}))
	require.NoError(t, tools.Register(toolexecutor.Definition{
		ToolSpec: toolexecutor.Spec{Name: "explode", Description: "Always fails"},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			return nil, errors.New("boom")
		},
	}))

	personas := persona.NewScorer(persona.Config{Store: persona.NewMemoryScoreStore(), MinScore: 0.1, Logger: zerolog.Nop()})
	require.NoError(t, personas.Replace([]persona.Persona{
		{ID: "coder", Name: "Coder", Description: "Writes and reviews code", Traits: []string{"golang", "debugging"}, Prompt: "Answer with working code."},
		{ID: "writer", Name: "Writer", Description: "Friendly prose and documentation", Prompt: "Write warmly."},
	}))

	agents := NewRegistry()
	require.NoError(t, agents.Register(Agent{
		ID:           "helper",
		Name:         "Helper",
		Description:  "A general assistant.",
		Model:        "mock/m1",
		Temperature:  0.3,
		SystemPrompt: "Be brief.",
		PersonaID:    "writer",
		Tools:        []string{"echo", "explode"},
	}))

	provider := &scriptedProvider{steps: steps}
	orch, err := NewOrchestrator(Config{
		Agents:    agents,
		Providers: NewProviderSet("mock", provider),
		Threads:   threads,
		Tools:     tools,
		Personas:  personas,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)

	return &fixture{orch: orch, provider: provider, threads: threads, personas: personas, agents: agents}
}

func (f *fixture) messages(t *testing.T, threadID string) []threadstore.Message {
	t.Helper()
	msgs, err := f.threads.LoadMessages(context.Background(), threadID)
	require.NoError(t, err)
	return msgs
}

func roles(msgs []threadstore.Message) []threadstore.Role {
	out := make([]threadstore.Role, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}

func TestOrchestrator_Run(t *testing.T) {
	ctx := context.Background()

	t.Run("should persist system, user and assistant messages in order", func(t *testing.T) {
		f := newFixture(t, reply("hi there"))

		var finished FinishEvent
		result, err := f.orch.Run(ctx, "helper", "hello", RunOptions{
			OnFinish: func(ev FinishEvent) { finished = ev },
		})
		require.NoError(t, err)

		assert.Equal(t, "hi there", result.Output)
		assert.Equal(t, FinishStop, result.FinishReason)
		assert.Equal(t, "writer", result.PersonaID)
		assert.NotEmpty(t, result.ThreadID)
		assert.NotEmpty(t, result.RunID)
		assert.Equal(t, 10, result.Usage.InputTokens)

		msgs := f.messages(t, result.ThreadID)
		require.Len(t, msgs, 3)
		assert.Equal(t, []threadstore.Role{threadstore.RoleSystem, threadstore.RoleUser, threadstore.RoleAssistant}, roles(msgs))
		assert.Contains(t, msgs[0].Content, "You are Helper.")
		assert.Contains(t, msgs[0].Content, "Be brief.")
		assert.Contains(t, msgs[0].Content, "Write warmly.")
		assert.Equal(t, "hello", msgs[1].Content)
		assert.Equal(t, "hi there", msgs[2].Content)

		state, err := f.threads.LoadAgentState(ctx, result.ThreadID, "helper")
		require.NoError(t, err)
		require.NotNil(t, state)
		assert.NotEmpty(t, state.Data[StateLastRun])
		assert.Equal(t, result.RunID, state.Data[StateLastRunID])
		assert.Equal(t, "stop", state.Data[StateLastFinishReason])
		assert.Equal(t, "writer", state.Data[StatePersonaID])

		score, err := f.personas.Score(ctx, "writer")
		require.NoError(t, err)
		assert.Equal(t, int64(1), score.UsageCount)
		assert.Equal(t, int64(1), score.SuccessCount)

		assert.Equal(t, FinishStop, finished.Reason)
		assert.Equal(t, "hi there", finished.Message)

		reqs := f.provider.Requests()
		require.Len(t, reqs, 1)
		assert.Equal(t, "m1", reqs[0].Model)
		assert.Equal(t, msgs[0].Content, reqs[0].System)
		assert.InDelta(t, 0.3, reqs[0].Temperature, 1e-9)
		require.Len(t, reqs[0].Messages, 1)
		assert.Equal(t, "user", reqs[0].Messages[0].Role)
	})

	t.Run("should resume an existing thread without a second system message", func(t *testing.T) {
		f := newFixture(t, reply("one"), reply("two"))

		first, err := f.orch.Run(ctx, "helper", "first", RunOptions{ThreadID: "conv-1"})
		require.NoError(t, err)
		assert.Equal(t, "conv-1", first.ThreadID)

		_, err = f.orch.Run(ctx, "helper", "second", RunOptions{ThreadID: "conv-1"})
		require.NoError(t, err)

		msgs := f.messages(t, "conv-1")
		assert.Equal(t, []threadstore.Role{
			threadstore.RoleSystem,
			threadstore.RoleUser, threadstore.RoleAssistant,
			threadstore.RoleUser, threadstore.RoleAssistant,
		}, roles(msgs))

		reqs := f.provider.Requests()
		require.Len(t, reqs, 2)
		assert.Len(t, reqs[1].Messages, 3, "second run sees the full history")
	})

	t.Run("should round-trip tool calls through the model", func(t *testing.T) {
		f := newFixture(t, callTool("call-1", "echo", map[string]any{"text": "ping"}), reply("pong"))

		var events []StreamEventType
		result, err := f.orch.Run(ctx, "helper", "use the tool", RunOptions{
			OnChunk: func(ev StreamEvent) {
				if ev.Type != EventText {
					events = append(events, ev.Type)
				}
			},
		})
		require.NoError(t, err)

		assert.Equal(t, "pong", result.Output)
		require.Len(t, result.ToolCalls, 1)
		assert.True(t, result.ToolCalls[0].Result.Success)
		assert.Equal(t, []StreamEventType{EventToolCall, EventToolResult}, events)

		msgs := f.messages(t, result.ThreadID)
		require.Len(t, msgs, 5)
		assert.Equal(t, threadstore.RoleAssistant, msgs[2].Role)
		require.Len(t, msgs[2].ToolCalls, 1)
		assert.Equal(t, "call-1", msgs[2].ToolCalls[0].ID)
		assert.Equal(t, threadstore.RoleTool, msgs[3].Role)
		assert.Equal(t, "call-1", msgs[3].ToolCallID)
		assert.Equal(t, "echo", msgs[3].ToolName)
		assert.Equal(t, "ping", msgs[3].Content)
		assert.Equal(t, "pong", msgs[4].Content)

		reqs := f.provider.Requests()
		require.Len(t, reqs, 2)
		last := reqs[1].Messages[len(reqs[1].Messages)-1]
		assert.Equal(t, "tool", last.Role)
		assert.Equal(t, "call-1", last.ToolCallID)
		assert.Equal(t, "ping", last.Content)
	})

	t.Run("should feed tool errors back to the model", func(t *testing.T) {
		f := newFixture(t, callTool("call-x", "explode", nil), reply("sorry, that failed"))

		result, err := f.orch.Run(ctx, "helper", "try it", RunOptions{})
		require.NoError(t, err)

		assert.Equal(t, FinishStop, result.FinishReason)
		require.Len(t, result.ToolCalls, 1)
		assert.False(t, result.ToolCalls[0].Result.Success)

		msgs := f.messages(t, result.ThreadID)
		require.Len(t, msgs, 5)
		assert.Contains(t, msgs[3].Content, `"kind":"tool_execution"`)
		assert.Contains(t, msgs[3].Content, "boom")

		reqs := f.provider.Requests()
		require.Len(t, reqs, 2)
		last := reqs[1].Messages[len(reqs[1].Messages)-1]
		assert.Equal(t, "tool", last.Role)
		assert.True(t, last.IsError)
	})

	t.Run("should keep the tool error flag when a thread is resumed", func(t *testing.T) {
		f := newFixture(t,
			callTool("call-x", "explode", nil), reply("sorry"),
			callTool("call-e", "echo", map[string]any{"text": "hi"}), reply("done"),
		)

		first, err := f.orch.Run(ctx, "helper", "try it", RunOptions{})
		require.NoError(t, err)
		_, err = f.orch.Run(ctx, "helper", "now echo", RunOptions{ThreadID: first.ThreadID})
		require.NoError(t, err)

		reqs := f.provider.Requests()
		require.Len(t, reqs, 4)
		var flags []bool
		for _, m := range reqs[3].Messages {
			if m.Role == "tool" {
				flags = append(flags, m.IsError)
			}
		}
		assert.Equal(t, []bool{true, false}, flags)
	})

	t.Run("should stop at the tool round limit", func(t *testing.T) {
		f := newFixture(t, callTool("call-1", "echo", map[string]any{"text": "a"}))

		result, err := f.orch.Run(ctx, "helper", "loop forever", RunOptions{MaxToolRounds: 1})
		require.NoError(t, err)

		assert.Equal(t, FinishToolLimit, result.FinishReason)
		assert.Len(t, result.ToolCalls, 1)
		assert.Len(t, f.provider.Requests(), 2)

		msgs := f.messages(t, result.ThreadID)
		last := msgs[len(msgs)-1]
		assert.Equal(t, threadstore.RoleAssistant, last.Role)
		assert.Empty(t, last.ToolCalls, "the final message must not leave dangling tool calls")
		assert.Equal(t, "checking", last.Content)
	})

	t.Run("should keep only the user message when the provider fails", func(t *testing.T) {
		f := newFixture(t, func(ctx context.Context, req Request, onText func(string)) (*Response, error) {
			return nil, errors.New("upstream returned 500")
		})

		var finished FinishEvent
		_, err := f.orch.Run(ctx, "helper", "hello", RunOptions{
			ThreadID: "t-err",
			OnFinish: func(ev FinishEvent) { finished = ev },
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, errdefs.ErrProvider)

		msgs := f.messages(t, "t-err")
		assert.Equal(t, []threadstore.Role{threadstore.RoleSystem, threadstore.RoleUser}, roles(msgs))

		state, err := f.threads.LoadAgentState(ctx, "t-err", "helper")
		require.NoError(t, err)
		assert.Nil(t, state)

		assert.Equal(t, FinishError, finished.Reason)
		assert.Error(t, finished.Err)

		score, err := f.personas.Score(ctx, "writer")
		require.NoError(t, err)
		assert.Equal(t, int64(1), score.FailureCount)
	})

	t.Run("should merge scratch values into the agent state", func(t *testing.T) {
		f := newFixture(t, reply("ok"))

		result, err := f.orch.Run(ctx, "helper", "hi", RunOptions{Scratch: map[string]any{"topic": "billing"}})
		require.NoError(t, err)

		state, err := f.threads.LoadAgentState(ctx, result.ThreadID, "helper")
		require.NoError(t, err)
		require.NotNil(t, state)
		assert.Equal(t, "billing", state.Data["topic"])
		assert.Equal(t, "stop", state.Data[StateLastFinishReason])
	})

	t.Run("should apply per-run overrides", func(t *testing.T) {
		f := newFixture(t, reply("ok"))

		temp := 1.5
		maxTokens := 77
		_, err := f.orch.Run(ctx, "helper", "hi", RunOptions{
			Temperature:          &temp,
			MaxTokens:            &maxTokens,
			SystemPromptOverride: "Only answer in French.",
			ToolChoice:           "echo",
		})
		require.NoError(t, err)

		reqs := f.provider.Requests()
		require.Len(t, reqs, 1)
		assert.InDelta(t, 1.5, reqs[0].Temperature, 1e-9)
		assert.Equal(t, 77, reqs[0].MaxTokens)
		assert.Equal(t, "echo", reqs[0].ToolChoice)
		assert.Contains(t, reqs[0].System, "Only answer in French.")
		assert.NotContains(t, reqs[0].System, "Be brief.")
	})
}

func TestOrchestrator_Validation(t *testing.T) {
	ctx := context.Background()

	t.Run("should return not found for an unknown agent", func(t *testing.T) {
		f := newFixture(t, reply("x"))

		_, err := f.orch.Run(ctx, "ghost", "hi", RunOptions{})
		assert.ErrorIs(t, err, errdefs.ErrNotFound)
		assert.Empty(t, f.provider.Requests())
	})

	t.Run("should reject an unknown provider", func(t *testing.T) {
		f := newFixture(t, reply("x"))
		require.NoError(t, f.agents.Register(Agent{ID: "lost", Name: "Lost", Model: "nowhere/m"}))

		_, err := f.orch.Run(ctx, "lost", "hi", RunOptions{})
		assert.ErrorIs(t, err, errdefs.ErrValidation)
	})

	t.Run("should reject agents with unregistered tools", func(t *testing.T) {
		f := newFixture(t, reply("x"))
		require.NoError(t, f.agents.Register(Agent{ID: "tooly", Name: "Tooly", Model: "mock/m", Tools: []string{"missing"}}))

		_, err := f.orch.Run(ctx, "tooly", "hi", RunOptions{})
		assert.ErrorIs(t, err, errdefs.ErrValidation)
	})

	invalid := map[string]RunOptions{
		"temperature": {Temperature: ptr(3.0)},
		"max tokens":  {MaxTokens: ptr(-1)},
		"tool rounds": {MaxToolRounds: -2},
		"tool choice": {ToolChoice: "not-enabled"},
	}
	for name, opts := range invalid {
		t.Run("should reject invalid "+name+" before writing", func(t *testing.T) {
			f := newFixture(t, reply("x"))
			opts.ThreadID = "t-invalid"

			_, err := f.orch.Run(ctx, "helper", "hi", opts)
			assert.ErrorIs(t, err, errdefs.ErrValidation)

			_, err = f.threads.GetThread(ctx, "t-invalid")
			assert.ErrorIs(t, err, errdefs.ErrNotFound, "no thread may be created")
			assert.Empty(t, f.provider.Requests())
		})
	}
}

func ptr[T any](v T) *T { return &v }

func TestOrchestrator_Persona(t *testing.T) {
	ctx := context.Background()

	t.Run("should prefer the run option over the agent persona", func(t *testing.T) {
		f := newFixture(t, reply("ok"))

		result, err := f.orch.Run(ctx, "helper", "hi", RunOptions{PersonaID: "coder"})
		require.NoError(t, err)
		assert.Equal(t, "coder", result.PersonaID)

		msgs := f.messages(t, result.ThreadID)
		assert.Contains(t, msgs[0].Content, "Answer with working code.")
	})

	t.Run("should continue without a missing persona", func(t *testing.T) {
		f := newFixture(t, reply("ok"))

		result, err := f.orch.Run(ctx, "helper", "hi", RunOptions{PersonaID: "retired"})
		require.NoError(t, err)
		assert.Empty(t, result.PersonaID)
		assert.Equal(t, "ok", result.Output)
	})

	t.Run("should recommend a persona for auto agents", func(t *testing.T) {
		f := newFixture(t, reply("ok"))
		require.NoError(t, f.agents.Register(Agent{ID: "auto", Name: "Auto", Model: "mock/m", AutoPersona: true}))

		result, err := f.orch.Run(ctx, "auto", "help debugging my golang service", RunOptions{})
		require.NoError(t, err)
		assert.Equal(t, "coder", result.PersonaID)

		score, err := f.personas.Score(ctx, "coder")
		require.NoError(t, err)
		assert.Equal(t, int64(1), score.UsageCount)
	})

	t.Run("should send a newly bound persona on a resumed thread", func(t *testing.T) {
		f := newFixture(t, reply("ok"))

		first, err := f.orch.Run(ctx, "helper", "hi", RunOptions{})
		require.NoError(t, err)
		require.Equal(t, "writer", first.PersonaID)
		before := f.messages(t, first.ThreadID)[0].Content

		second, err := f.orch.Run(ctx, "helper", "fix my code", RunOptions{ThreadID: first.ThreadID, PersonaID: "coder"})
		require.NoError(t, err)
		assert.Equal(t, "coder", second.PersonaID)

		reqs := f.provider.Requests()
		require.Len(t, reqs, 2)
		assert.Contains(t, reqs[1].System, "Answer with working code.")
		assert.NotContains(t, reqs[1].System, "Write warmly.")

		msgs := f.messages(t, first.ThreadID)
		systems := 0
		for _, m := range msgs {
			if m.Role == threadstore.RoleSystem {
				systems++
			}
		}
		assert.Equal(t, 1, systems)
		assert.Equal(t, before, msgs[0].Content)

		score, err := f.personas.Score(ctx, "coder")
		require.NoError(t, err)
		assert.Equal(t, int64(1), score.UsageCount)
		assert.Equal(t, int64(1), score.SuccessCount)
	})

	t.Run("should keep the stored prompt when the persona is unchanged", func(t *testing.T) {
		f := newFixture(t, reply("ok"))

		first, err := f.orch.Run(ctx, "helper", "hi", RunOptions{})
		require.NoError(t, err)
		_, err = f.orch.Run(ctx, "helper", "again", RunOptions{ThreadID: first.ThreadID})
		require.NoError(t, err)

		reqs := f.provider.Requests()
		require.Len(t, reqs, 2)
		assert.Equal(t, f.messages(t, first.ThreadID)[0].Content, reqs[1].System)
	})

	t.Run("should not record usage when the thread cannot be ensured", func(t *testing.T) {
		f := newFixture(t, reply("ok"))
		f.orch.cfg.Threads = brokenThreads{Store: f.threads}

		_, err := f.orch.Run(ctx, "helper", "hi", RunOptions{PersonaID: "coder"})
		require.Error(t, err)
		assert.Empty(t, f.provider.Requests())

		score, err := f.personas.Score(ctx, "coder")
		require.NoError(t, err)
		assert.Zero(t, score.UsageCount)
		assert.Zero(t, score.SuccessCount)
		assert.Zero(t, score.FailureCount)
	})
}

// brokenThreads fails every thread lookup and creation.
type brokenThreads struct {
	threadstore.Store
}

func (brokenThreads) CreateThread(ctx context.Context, t threadstore.Thread) (threadstore.Thread, error) {
	return threadstore.Thread{}, errors.New("disk full")
}

func (brokenThreads) GetThread(ctx context.Context, threadID string) (threadstore.Thread, error) {
	return threadstore.Thread{}, errors.New("disk full")
}

func TestOrchestrator_Concurrency(t *testing.T) {
	ctx := context.Background()

	t.Run("should add exactly one system message for concurrent runs on a new thread", func(t *testing.T) {
		f := newFixture(t, reply("ok"))

		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.orch.Run(ctx, "helper", "hi", RunOptions{ThreadID: "busy"})
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		counts := map[threadstore.Role]int{}
		for _, m := range f.messages(t, "busy") {
			counts[m.Role]++
		}
		assert.Equal(t, 1, counts[threadstore.RoleSystem])
		assert.Equal(t, 8, counts[threadstore.RoleUser])
		assert.Equal(t, 8, counts[threadstore.RoleAssistant])
	})

	t.Run("should serialize runs of one thread through the queue", func(t *testing.T) {
		f := newFixture(t, reply("ok"))
		queue := commandqueue.New(commandqueue.Config{Logger: zerolog.Nop()})
		defer queue.Close()
		f.orch.cfg.Queue = queue

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.orch.Run(ctx, "helper", "hi", RunOptions{ThreadID: "serial"})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		msgs := f.messages(t, "serial")
		require.Len(t, msgs, 9)
		for i := 1; i < len(msgs); i += 2 {
			assert.Equal(t, threadstore.RoleUser, msgs[i].Role)
			assert.Equal(t, threadstore.RoleAssistant, msgs[i+1].Role, "turns must not interleave")
		}
	})
}

func TestOrchestrator_RunStream(t *testing.T) {
	t.Run("should stream text and finish with done", func(t *testing.T) {
		f := newFixture(t, reply("hello streaming world"))

		stream := f.orch.RunStream(context.Background(), "helper", "hi", RunOptions{})

		var text strings.Builder
		var last StreamEvent
		for ev := range stream.Events() {
			if ev.Type == EventText {
				text.WriteString(ev.Text)
			}
			last = ev
		}

		result, err := stream.Wait()
		require.NoError(t, err)
		assert.Equal(t, "hello streaming world", text.String())
		assert.Equal(t, EventDone, last.Type)
		assert.Equal(t, result, last.Result)
	})

	t.Run("should discard partial output on cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		f := newFixture(t, func(ctx context.Context, req Request, onText func(string)) (*Response, error) {
			onText("partial ")
			onText("answ")
			cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		})

		var chunks []string
		_, err := f.orch.Run(ctx, "helper", "tell me a story", RunOptions{
			ThreadID: "t-cancel",
			OnChunk: func(ev StreamEvent) {
				if ev.Type == EventText {
					chunks = append(chunks, ev.Text)
				}
			},
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, []string{"partial ", "answ"}, chunks)

		msgs := f.messages(t, "t-cancel")
		for _, m := range msgs {
			assert.NotEqual(t, threadstore.RoleAssistant, m.Role, "no assistant message may be persisted")
		}

		state, err := f.threads.LoadAgentState(context.Background(), "t-cancel", "helper")
		require.NoError(t, err)
		assert.Nil(t, state)
	})
}

func TestBuildSystemPrompt(t *testing.T) {
	a := Agent{Name: "Helper", Description: "Assists users.", SystemPrompt: "Be brief."}

	t.Run("should combine agent fields", func(t *testing.T) {
		assert.Equal(t, "You are Helper. Assists users.\n\nBe brief.", buildSystemPrompt(a, nil, ""))
	})

	t.Run("should replace instructions with the override", func(t *testing.T) {
		got := buildSystemPrompt(a, nil, "Speak French.")
		assert.Contains(t, got, "Speak French.")
		assert.NotContains(t, got, "Be brief.")
	})

	t.Run("should append the persona", func(t *testing.T) {
		p := &persona.Persona{Name: "Coder", Description: "Writes code", Traits: []string{"golang", "terse"}}
		got := buildSystemPrompt(a, p, "")
		assert.Contains(t, got, "# Persona: Coder\nWrites code")
		assert.Contains(t, got, "Traits: golang, terse")
	})
}
