package servicemgr

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/order-supervisor/internal/domain"
	"github.com/aristath/order-supervisor/internal/scheduler"
)

const runOnceSuppressWindow = 2 * time.Minute

// Manager exposes per-user start/stop/run-once control over the scheduled
// task set, on top of one scheduler.Scheduler per user. It is the only
// writer of service_status and the only admin-facing writer of schedules.
type Manager struct {
	schedules *ScheduleRepository
	status    *StatusRepository
	locks     *LockManager
	log       zerolog.Logger

	schedulers map[string]*scheduler.Scheduler
}

// New builds a Manager. Call SeedDefaults once at startup before any user's
// scheduler is constructed.
func New(schedules *ScheduleRepository, status *StatusRepository, log zerolog.Logger) *Manager {
	return &Manager{
		schedules:  schedules,
		status:     status,
		locks:      NewLockManager(),
		log:        log.With().Str("component", "servicemgr").Logger(),
		schedulers: map[string]*scheduler.Scheduler{},
	}
}

// RegisterUser attaches a user's already-built scheduler so the Manager can
// drive its lifecycle. Schedule edits made after this call take effect only
// on the next restart, per the admin-edit invariant.
func (m *Manager) RegisterUser(userID string, sched *scheduler.Scheduler) {
	m.schedulers[userID] = sched
}

// StartUnified starts every enabled task for userID as one unified service.
// It fails if any individual service is currently running for the same
// user, since a unified and an individual service may never run the same
// task concurrently.
func (m *Manager) StartUnified(userID string) error {
	for _, task := range domain.AllTasks {
		if m.locks.Held(individualLockName(userID, task)) {
			return fmt.Errorf("servicemgr: cannot start unified service for %s: individual service for %s is running", userID, task)
		}
	}
	if err := m.locks.Acquire(unifiedLockName(userID)); err != nil {
		return fmt.Errorf("servicemgr: unified service for %s already running", userID)
	}

	sched, ok := m.schedulers[userID]
	if !ok {
		m.locks.Release(unifiedLockName(userID))
		return fmt.Errorf("servicemgr: no scheduler registered for user %s", userID)
	}
	sched.Start()

	now := time.Now()
	for _, task := range domain.AllTasks {
		_ = m.status.Upsert(domain.ServiceStatus{
			UserID: userID, TaskName: string(task), Mode: domain.ServiceModeUnified,
			State: domain.TaskScheduled, IsRunning: true, StartedAt: &now,
		})
	}
	m.log.Info().Str("user_id", userID).Msg("unified service started")
	return nil
}

// StopUnified halts userID's unified service.
func (m *Manager) StopUnified(userID string, gracePeriod time.Duration) error {
	sched, ok := m.schedulers[userID]
	if !ok {
		return fmt.Errorf("servicemgr: no scheduler registered for user %s", userID)
	}

	done := sched.Stop()
	select {
	case <-done.Done():
	case <-time.After(gracePeriod):
		m.log.Warn().Str("user_id", userID).Msg("unified service stop exceeded grace period")
	}

	m.locks.Release(unifiedLockName(userID))
	for _, task := range domain.AllTasks {
		_ = m.status.Upsert(domain.ServiceStatus{
			UserID: userID, TaskName: string(task), Mode: domain.ServiceModeUnified,
			State: domain.TaskIdle, IsRunning: false,
		})
	}
	m.log.Info().Str("user_id", userID).Msg("unified service stopped")
	return nil
}

// RunOnce executes task immediately for userID outside its cron cadence.
// It is rejected if the task's status row shows it running, or if its last
// recorded execution falls within the suppression window, to avoid doubling
// up work a cron tick is doing or has just done.
func (m *Manager) RunOnce(ctx context.Context, userID string, task domain.TaskName) error {
	status, found, err := m.status.Get(userID, task)
	if err != nil {
		return fmt.Errorf("servicemgr: run-once: %w", err)
	}
	if found && status.State == domain.TaskRunning {
		return fmt.Errorf("servicemgr: run-once: %s is already running for %s", task, userID)
	}
	if found && status.LastExecutionAt != nil && time.Since(*status.LastExecutionAt) < runOnceSuppressWindow {
		return fmt.Errorf("servicemgr: run-once: %s ran for %s less than %s ago", task, userID, runOnceSuppressWindow)
	}

	sched, ok := m.schedulers[userID]
	if !ok {
		return fmt.Errorf("servicemgr: no scheduler registered for user %s", userID)
	}

	runCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	now := time.Now()
	_ = m.status.Upsert(domain.ServiceStatus{UserID: userID, TaskName: string(task), Mode: domain.ServiceModeIndividual, State: domain.TaskRunning, IsRunning: true, StartedAt: &now})

	err = sched.RunNow(runCtx, task)

	final := domain.TaskIdle
	lastErr := ""
	if err != nil {
		final = domain.TaskFailedTransient
		lastErr = err.Error()
	}
	completedAt := time.Now()
	_ = m.status.Upsert(domain.ServiceStatus{UserID: userID, TaskName: string(task), Mode: domain.ServiceModeIndividual, State: final, IsRunning: false, LastExecutionAt: &completedAt, LastError: lastErr})
	return err
}

// StartIndividual starts task as an individually controlled service for
// userID. It is rejected while the unified service is running for the same
// user.
func (m *Manager) StartIndividual(userID string, task domain.TaskName) error {
	if m.locks.Held(unifiedLockName(userID)) {
		return fmt.Errorf("servicemgr: cannot start individual service for %s: unified service is running", userID)
	}
	if err := m.locks.Acquire(individualLockName(userID, task)); err != nil {
		return fmt.Errorf("servicemgr: individual service %s for %s already running", task, userID)
	}
	now := time.Now()
	_ = m.status.Upsert(domain.ServiceStatus{UserID: userID, TaskName: string(task), Mode: domain.ServiceModeIndividual, State: domain.TaskScheduled, IsRunning: true, StartedAt: &now})
	return nil
}

// StopIndividual stops an individually controlled service.
func (m *Manager) StopIndividual(userID string, task domain.TaskName) {
	m.locks.Release(individualLockName(userID, task))
	_ = m.status.Upsert(domain.ServiceStatus{UserID: userID, TaskName: string(task), Mode: domain.ServiceModeIndividual, State: domain.TaskIdle, IsRunning: false})
}

// Schedules returns the full admin-editable trigger table.
func (m *Manager) Schedules() ([]domain.Schedule, error) { return m.schedules.List() }

// UpdateSchedule applies an admin edit. It always persists; the caller is
// responsible for surfacing the "takes effect on next restart" notice.
func (m *Manager) UpdateSchedule(s domain.Schedule, updatedBy string) error {
	s.UpdatedBy = updatedBy
	s.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	return m.schedules.Upsert(s)
}

// ClearStuckLocks releases any lock older than maxAge, surfacing how many
// were cleared so a health check can alert on a nonzero count.
func (m *Manager) ClearStuckLocks(maxAge time.Duration) (int, error) {
	return m.locks.ClearStuckLocks(maxAge)
}

func unifiedLockName(userID string) string { return userID + "/unified" }

func individualLockName(userID string, task domain.TaskName) string {
	return userID + "/" + string(task)
}
