package agent

import (
	"context"
)

// RunStream is a run executing in the background. Events is closed after
// the terminal done or error event.
type RunStream struct {
	events chan StreamEvent
	done   chan struct{}
	result *RunResult
	err    error
}

// Events returns the event channel. Consumers must drain it or cancel the
// run's context.
func (s *RunStream) Events() <-chan StreamEvent { return s.events }

// Wait blocks until the run has finished.
func (s *RunStream) Wait() (*RunResult, error) {
	<-s.done
	return s.result, s.err
}

// RunStream starts a streaming run. Text deltas, tool calls and tool
// results are delivered on the returned stream as they happen. Canceling
// ctx aborts the run and nothing from it is persisted.
func (o *Orchestrator) RunStream(ctx context.Context, agentID, input string, opts RunOptions) *RunStream {
	s := &RunStream{
		events: make(chan StreamEvent, 64),
		done:   make(chan struct{}),
	}

	send := func(ev StreamEvent) {
		select {
		case s.events <- ev:
		case <-ctx.Done():
		}
	}

	userChunk := opts.OnChunk
	opts.StreamOutput = true
	opts.OnChunk = func(ev StreamEvent) {
		if userChunk != nil {
			userChunk(ev)
		}
		send(ev)
	}

	go func() {
		defer close(s.done)
		defer close(s.events)

		s.result, s.err = o.Run(ctx, agentID, input, opts)
		if s.err != nil {
			send(StreamEvent{Type: EventError, Err: s.err})
			return
		}
		send(StreamEvent{Type: EventDone, Result: s.result})
	}()

	return s
}
