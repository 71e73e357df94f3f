// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
	"github.com/user/gossipmill/internal/state"
)

// Handler is the callback invoked when a scheduled task fires.
type Handler func(ctx context.Context, task *state.Task)

// Scheduler evaluates cron expressions from the task store and fires
// generation tasks through a handler callback.
type Scheduler struct {
	store   *state.TaskStore
	handler Handler
	cron    *cron.Cron
	ctx     context.Context
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule reports whether expr is a schedule the scheduler accepts.
func ValidateSchedule(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}

// New creates a new Scheduler backed by the given task store. The handler is
// called each time a scheduled task fires.
func New(store *state.TaskStore, handler Handler) *Scheduler {
	return &Scheduler{
		store:   store,
		handler: handler,
		cron:    newCron(),
		ctx:     context.Background(),
	}
}

// cron.SkipIfStillRunning keeps a slow generation from stacking up behind
// its own schedule.
func newCron() *cron.Cron {
	return cron.New(
		cron.WithParser(cronParser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
}

// Start loads tasks from the store, registers enabled tasks that have a
// schedule as cron entries, and starts the cron ticker. Handlers run with
// ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx = ctx
	return s.schedule()
}

func (s *Scheduler) schedule() error {
	tasks, err := s.store.List()
	if err != nil {
		return err
	}

	for _, task := range tasks {
		if task.Schedule == "" || !task.Enabled {
			continue
		}

		t := task
		_, err := s.cron.AddFunc(t.Schedule, func() {
			slog.Info("cron firing task", "name", t.Name, "mode", t.Mode, "parent", t.Parent)
			s.handler(s.ctx, t)
		})
		if err != nil {
			slog.Error("invalid cron schedule", "name", t.Name, "schedule", t.Schedule, "error", err)
			continue
		}
		slog.Info("scheduled task", "name", t.Name, "schedule", t.Schedule)
	}

	s.cron.Start()
	return nil
}

// Run starts the scheduler and blocks until ctx is done, then waits for
// running jobs.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Reload stops the existing cron, creates a new one, and calls Start() again.
func (s *Scheduler) Reload() error {
	<-s.cron.Stop().Done()
	s.cron = newCron()
	return s.schedule()
}

// Entries returns the number of registered cron entries.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Stop stops the cron ticker and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
