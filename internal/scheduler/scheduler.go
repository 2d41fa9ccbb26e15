// Package scheduler drives the fixed task set (internal/domain.TaskName) on
// the admin-editable trigger table (internal/domain.Schedule), one cron
// entry per enabled task per user.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/order-supervisor/internal/domain"
	"github.com/aristath/order-supervisor/internal/marketcal"
)

// Job is one schedulable unit of work. Run receives the context the
// Scheduler built for this tick, already carrying a deadline where the task
// config specifies one.
type Job interface {
	Name() domain.TaskName
	Run(ctx context.Context) error
}

// Scheduler wraps a cron.Cron instance per user, translating
// domain.Schedule rows into cron entries and gating continuous/hourly
// tasks to the exchange's open window.
type Scheduler struct {
	userID   string
	exchange string
	cal      *marketcal.Service
	cron     *cron.Cron
	log      zerolog.Logger

	mu      sync.Mutex
	jobs    map[domain.TaskName]Job
	entries map[domain.TaskName]cron.EntryID
	states  map[domain.TaskName]TaskState
}

// TaskState is the per-user, per-task runtime state machine.
type TaskState string

const (
	StateIdle            TaskState = "idle"
	StateScheduled       TaskState = "scheduled"
	StateRunning         TaskState = "running"
	StateFailedTransient TaskState = "failed_transient"
)

// New builds a Scheduler for one user against a named exchange calendar.
// cal is consulted before every continuous/hourly tick to skip non-trading
// days.
func New(userID, exchange string, cal *marketcal.Service, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		userID:   userID,
		exchange: exchange,
		cal:      cal,
		cron:     cron.New(),
		log:      log.With().Str("component", "scheduler").Str("user_id", userID).Logger(),
		jobs:     map[domain.TaskName]Job{},
		entries:  map[domain.TaskName]cron.EntryID{},
		states:   map[domain.TaskName]TaskState{},
	}
}

// AddJob registers a Job against its schedule row. Disabled schedules are
// accepted but never given a cron entry. is_continuous entries run every
// minute and is_hourly entries once an hour at ScheduleTime's minute, both
// only while the exchange is open; EndTime is not consulted. The job itself
// is responsible for exiting quickly so the state machine doesn't wedge in
// "running".
func (s *Scheduler) AddJob(job Job, sched domain.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[job.Name()] = job
	s.states[job.Name()] = StateIdle
	if !sched.Enabled {
		return nil
	}

	spec, err := cronSpec(sched)
	if err != nil {
		return fmt.Errorf("scheduler: build cron spec for %s: %w", job.Name(), err)
	}

	entryID, err := s.cron.AddFunc(spec, func() { s.runTick(job, sched) })
	if err != nil {
		return fmt.Errorf("scheduler: add cron entry for %s: %w", job.Name(), err)
	}
	s.entries[job.Name()] = entryID
	s.states[job.Name()] = StateScheduled
	return nil
}

// Start begins the cron loop. Safe to call once; subsequent calls are
// no-ops, matching cron.Cron's own semantics.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the cron loop and returns a context that is done once any
// in-flight job has returned; it does not itself wait.
func (s *Scheduler) Stop() context.Context { return s.cron.Stop() }

// RunNow executes a job immediately, outside its cron cadence, for the
// admin "run once" control surface operation.
func (s *Scheduler) RunNow(ctx context.Context, name domain.TaskName) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: no job registered for task %s", name)
	}
	s.runOnce(ctx, job)
	return nil
}

// State returns the current per-task state.
func (s *Scheduler) State(name domain.TaskName) TaskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[name]
}

func (s *Scheduler) runTick(job Job, sched domain.Schedule) {
	if (sched.IsContinuous || sched.IsHourly) && !s.cal.IsOpen(s.exchange, time.Now()) {
		return
	}
	s.runOnce(context.Background(), job)
}

func (s *Scheduler) runOnce(ctx context.Context, job Job) {
	s.mu.Lock()
	s.states[job.Name()] = StateRunning
	s.mu.Unlock()

	log := s.log.With().Str("task", string(job.Name())).Logger()
	log.Info().Msg("task started")

	err := job.Run(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.states[job.Name()] = StateFailedTransient
		log.Error().Err(err).Msg("task failed")
		return
	}
	s.states[job.Name()] = StateIdle
	log.Info().Msg("task completed")
}

// cronSpec translates a domain.Schedule into a robfig/cron 5-field
// expression. Continuous tasks run every minute and hourly tasks once an
// hour at ScheduleTime's minute; runTick skips either kind while the exchange
// is closed, since cron itself does not understand trading hours or
// holidays. EndTime plays no part in the expression.
func cronSpec(sched domain.Schedule) (string, error) {
	if sched.IsContinuous {
		return "* * * * *", nil
	}
	if sched.IsHourly {
		minute, _, err := splitHHMM(sched.ScheduleTime)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d * * * *", minute), nil
	}
	minute, hour, err := splitHHMM(sched.ScheduleTime)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %d * * 1-5", minute, hour), nil
}

func splitHHMM(hhmm string) (minute, hour int, err error) {
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &hour, &minute); err != nil {
		return 0, 0, fmt.Errorf("scheduler: invalid HH:MM %q: %w", hhmm, err)
	}
	return minute, hour, nil
}
