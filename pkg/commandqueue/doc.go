// Package commandqueue runs tasks in named lanes with FIFO ordering per lane.
//
// Invariants:
// - Tasks in the same lane execute in FIFO order, at most Concurrency at a time.
// - Tasks in different lanes may execute concurrently.
// - A caller whose context ends while its task is still queued is removed
//   from the lane without running.
// - Lanes with nothing queued or running are dropped.
//
// Usage:
//
//	queue := commandqueue.New(commandqueue.Config{Logger: logger})
//	defer queue.Close()
//	result, err := queue.Enqueue(ctx, commandqueue.ThreadLane(threadID), func(ctx context.Context) (any, error) {
//		return orchestrator.Run(ctx, agentID, input, opts)
//	})
package commandqueue
