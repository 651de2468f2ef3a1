package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/harun/conductor/pkg/errdefs"
)

// standard 5-field expressions plus @hourly style descriptors
var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Schedule triggers a workflow on a cron expression.
type Schedule struct {
	WorkflowID string
	Spec       string
	Options    ExecuteOptions
}

// ScheduledEntry describes a registered schedule.
type ScheduledEntry struct {
	ID         cron.EntryID
	WorkflowID string
	Spec       string
	Next       time.Time
	Prev       time.Time
}

// NextRun parses spec and returns its next activation after from.
func NextRun(spec string, from time.Time) (time.Time, error) {
	sched, err := specParser.Parse(spec)
	if err != nil {
		return time.Time{}, errdefs.Validation("invalid cron expression %q: %v", spec, err)
	}
	return sched.Next(from), nil
}

// Scheduler runs workflows on cron schedules. A schedule whose previous
// execution is still running is skipped.
type Scheduler struct {
	cron     *cron.Cron
	executor *Executor
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	specs map[cron.EntryID]Schedule
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(executor *Executor, logger zerolog.Logger) *Scheduler {
	logger = logger.With().Str("component", "workflow_scheduler").Logger()
	cl := cronLogger{logger: logger}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(specParser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		executor: executor,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		specs:    make(map[cron.EntryID]Schedule),
	}
}

// Add registers a schedule. The workflow is resolved at fire time, so it
// may be created after the schedule.
func (s *Scheduler) Add(sc Schedule) (cron.EntryID, error) {
	if sc.WorkflowID == "" {
		return 0, errdefs.Validation("schedule workflow_id is required")
	}
	sched, err := specParser.Parse(sc.Spec)
	if err != nil {
		return 0, errdefs.Validation("invalid cron expression %q: %v", sc.Spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(sc) }))
	s.specs[id] = sc

	s.logger.Info().Str("workflow_id", sc.WorkflowID).Str("spec", sc.Spec).Msg("Workflow schedule added")
	return id, nil
}

// Remove unregisters a schedule.
func (s *Scheduler) Remove(id cron.EntryID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cron.Remove(id)
	delete(s.specs, id)
}

// Entries lists the registered schedules.
func (s *Scheduler) Entries() []ScheduledEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ScheduledEntry
	for _, e := range s.cron.Entries() {
		sc, ok := s.specs[e.ID]
		if !ok {
			continue
		}
		out = append(out, ScheduledEntry{
			ID:         e.ID,
			WorkflowID: sc.WorkflowID,
			Spec:       sc.Spec,
			Next:       e.Next,
			Prev:       e.Prev,
		})
	}
	return out
}

// Start begins firing schedules in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Int("schedules", len(s.Entries())).Msg("Workflow scheduler started")
}

// Stop halts the scheduler, cancels running executions and waits for them
// until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()

	select {
	case <-done.Done():
		s.logger.Info().Msg("Workflow scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("workflow scheduler stop: %w", ctx.Err())
	}
}

func (s *Scheduler) fire(sc Schedule) {
	exec, err := s.executor.Execute(s.ctx, sc.WorkflowID, sc.Options)
	if err != nil {
		s.logger.Error().Err(err).Str("workflow_id", sc.WorkflowID).Msg("Scheduled workflow failed")
		return
	}
	s.logger.Info().
		Str("workflow_id", sc.WorkflowID).
		Int("steps", len(exec.Steps)).
		Dur("duration", exec.Duration).
		Msg("Scheduled workflow completed")
}

// cronLogger routes robfig/cron logs to zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
