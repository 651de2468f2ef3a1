package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/internal/tracing"
)

const tracerName = "conductor.commandqueue"

// ErrClosed is returned for tasks enqueued after Close.
var ErrClosed = errors.New("command queue closed")

// Task is the unit of work run inside a lane.
type Task func(ctx context.Context) (any, error)

// Config configures a CommandQueue.
type Config struct {
	// Concurrency per lane; defaults to 1
	Concurrency int
	// WarnAfter logs a warning when a task waits longer than this; zero disables it
	WarnAfter time.Duration
	Logger    zerolog.Logger
}

// ThreadLane is the lane name used to serialize runs on one thread.
func ThreadLane(threadID string) string {
	return "thread-" + threadID
}

// laneKind strips the per-entity suffix so metrics keep a small label set.
func laneKind(lane string) string {
	if i := strings.IndexByte(lane, '-'); i > 0 {
		return lane[:i]
	}
	return lane
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	result     chan taskResult
	started    bool
}

type taskResult struct {
	value any
	err   error
}

type laneState struct {
	queue   []*taskRecord
	running int
}

// CommandQueue provides lane-based task serialization.
type CommandQueue struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	lanes  map[string]*laneState
	seq    uint64
	closed bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a CommandQueue.
func New(cfg Config) *CommandQueue {
	observability.EnsureRegistered()

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &CommandQueue{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "commandqueue").Logger(),
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Enqueue runs task in lane after every task enqueued before it in that
// lane has finished, and returns its result. If ctx ends while the task is
// still waiting, the task is dropped and ctx.Err() returned.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task) (any, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "commandqueue.enqueue", attribute.String("lane", lane))
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, cq.logger).With().Str("lane", lane).Logger()

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, ErrClosed
	}
	cq.seq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, cq.seq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		result:     make(chan taskResult, 1),
	}
	ls, ok := cq.lanes[lane]
	if !ok {
		ls = &laneState{}
		cq.lanes[lane] = ls
	}
	ls.queue = append(ls.queue, record)
	queued := len(ls.queue)
	cq.pumpLocked(lane, ls)
	cq.mu.Unlock()

	observability.SetQueueSize(laneKind(lane), queued)
	logger.Debug().Str("task_id", record.id).Int("queued", queued).Msg("Task enqueued")

	var warn <-chan time.Time
	if cq.cfg.WarnAfter > 0 {
		timer := time.NewTimer(cq.cfg.WarnAfter)
		defer timer.Stop()
		warn = timer.C
	}

	for {
		select {
		case res := <-record.result:
			return res.value, tracing.Fail(span, res.err)
		case <-warn:
			warn = nil
			logger.Warn().
				Str("task_id", record.id).
				Dur("waited", time.Since(record.enqueuedAt)).
				Msg("Task waiting longer than expected")
		case <-ctx.Done():
			if cq.dropQueued(lane, record) {
				logger.Debug().Str("task_id", record.id).Msg("Task abandoned while queued")
				return nil, tracing.Fail(span, ctx.Err())
			}
			// Already running; the task sees the same ctx and returns.
			res := <-record.result
			return res.value, tracing.Fail(span, res.err)
		}
	}
}

// pumpLocked starts queued tasks while the lane has capacity.
func (cq *CommandQueue) pumpLocked(lane string, ls *laneState) {
	for ls.running < cq.cfg.Concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]
		record.started = true
		ls.running++

		cq.wg.Add(1)
		go cq.execute(lane, record)
	}
	if ls.running == 0 && len(ls.queue) == 0 {
		delete(cq.lanes, lane)
	}
}

// dropQueued removes a not-yet-started record. It reports false when the
// record already started.
func (cq *CommandQueue) dropQueued(lane string, record *taskRecord) bool {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if record.started {
		return false
	}
	ls, ok := cq.lanes[lane]
	if !ok {
		return false
	}
	for i, r := range ls.queue {
		if r == record {
			ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
			cq.pumpLocked(lane, ls)
			return true
		}
	}
	return false
}

func (cq *CommandQueue) execute(lane string, record *taskRecord) {
	defer cq.wg.Done()

	runCtx, cancel := context.WithCancel(record.ctx)
	stop := context.AfterFunc(cq.ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	start := time.Now()
	value, err := runTask(runCtx, record.task)
	duration := time.Since(start)

	cq.mu.Lock()
	queued := 0
	if ls, ok := cq.lanes[lane]; ok {
		ls.running--
		queued = len(ls.queue)
		cq.pumpLocked(lane, ls)
	}
	cq.mu.Unlock()

	record.result <- taskResult{value: value, err: err}

	observability.RecordQueueCompletion(duration, err == nil)
	observability.SetQueueSize(laneKind(lane), queued)

	logger := tracing.LoggerFromContext(record.ctx, cq.logger)
	if err != nil {
		logger.Debug().Err(err).Str("lane", lane).Str("task_id", record.id).Dur("duration", duration).Msg("Task failed")
		return
	}
	logger.Debug().Str("lane", lane).Str("task_id", record.id).Dur("duration", duration).Msg("Task completed")
}

func runTask(ctx context.Context, task Task) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

// Stats reports queued and running tasks per active lane.
func (cq *CommandQueue) Stats() map[string]map[string]int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	stats := make(map[string]map[string]int, len(cq.lanes))
	for lane, ls := range cq.lanes {
		stats[lane] = map[string]int{
			"queued":  len(ls.queue),
			"running": ls.running,
		}
	}
	return stats
}

// QueueSize returns the number of waiting tasks in lane.
func (cq *CommandQueue) QueueSize(lane string) int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if ls, ok := cq.lanes[lane]; ok {
		return len(ls.queue)
	}
	return 0
}

// Close rejects new tasks, cancels running ones and waits for them.
// Queued tasks still run, with an already cancelled context.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	cq.closed = true
	cq.mu.Unlock()

	cq.cancel()
	cq.wg.Wait()
	return nil
}
