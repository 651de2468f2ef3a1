// Package agent runs agents against memory threads: it resolves the agent
// and its persona, keeps the thread's system prompt and user turn, drives the
// model through tool rounds and commits the outcome.
//
// Invariants:
// - Configuration and option errors are returned before anything is written.
// - The user message is persisted before the model is invoked and stays on
//   provider failure, so a retried run repeats the user turn.
// - Assistant and tool messages are committed only when the run finishes;
//   cancellation or a provider error leaves none of them behind.
// - Tool failures are returned to the model as results, never as run errors.
// - Runs on the same thread are not serialized unless a command queue is
//   configured.
//
// Usage:
//
//	orch, _ := agent.NewOrchestrator(agent.Config{...})
//	result, err := orch.Run(ctx, "agent-1", "Hello", agent.RunOptions{})
package agent
