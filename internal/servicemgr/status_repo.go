package servicemgr

import (
	"database/sql"
	"fmt"

	"github.com/aristath/order-supervisor/internal/domain"
	"github.com/aristath/order-supervisor/internal/storage"
)

// StatusRepository persists per-(user,task) execution status for the
// control surface's service-status endpoints.
type StatusRepository struct {
	db *sql.DB
}

// NewStatusRepository builds a StatusRepository over db.
func NewStatusRepository(db *storage.DB) *StatusRepository {
	return &StatusRepository{db: db.Conn()}
}

// Upsert writes the current status for one (user, task) pair.
func (r *StatusRepository) Upsert(s domain.ServiceStatus) error {
	_, err := r.db.Exec(`
		INSERT INTO service_status (user_id, task_name, mode, state, is_running, started_at, last_execution_at, next_execution_at, last_error, process_handle)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, task_name) DO UPDATE SET
			mode = excluded.mode,
			state = excluded.state,
			is_running = excluded.is_running,
			started_at = excluded.started_at,
			last_execution_at = excluded.last_execution_at,
			next_execution_at = excluded.next_execution_at,
			last_error = excluded.last_error,
			process_handle = excluded.process_handle`,
		s.UserID, s.TaskName, s.Mode, s.State, s.IsRunning,
		storage.TimeOrNil(s.StartedAt), storage.TimeOrNil(s.LastExecutionAt), storage.TimeOrNil(s.NextExecutionAt),
		storage.StringOrNil(s.LastError), storage.StringOrNil(s.ProcessHandle),
	)
	if err != nil {
		return fmt.Errorf("servicemgr: upsert service status %s/%s: %w", s.UserID, s.TaskName, err)
	}
	return nil
}

// ListForUser returns every task's status row for one user.
func (r *StatusRepository) ListForUser(userID string) ([]domain.ServiceStatus, error) {
	rows, err := r.db.Query(`
		SELECT user_id, task_name, mode, state, is_running, started_at, last_execution_at, next_execution_at, last_error, process_handle
		FROM service_status WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("servicemgr: list service status for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []domain.ServiceStatus
	for rows.Next() {
		var s domain.ServiceStatus
		var mode, state string
		var startedAt, lastExecutionAt, nextExecutionAt, lastError, processHandle sql.NullString
		if err := rows.Scan(&s.UserID, &s.TaskName, &mode, &state, &s.IsRunning, &startedAt, &lastExecutionAt, &nextExecutionAt, &lastError, &processHandle); err != nil {
			return nil, fmt.Errorf("servicemgr: scan service status: %w", err)
		}
		s.Mode = domain.ServiceMode(mode)
		s.State = domain.TaskState(state)
		s.StartedAt = storage.NullTime(startedAt)
		s.LastExecutionAt = storage.NullTime(lastExecutionAt)
		s.NextExecutionAt = storage.NullTime(nextExecutionAt)
		s.LastError = storage.NullStringValue(lastError)
		s.ProcessHandle = storage.NullStringValue(processHandle)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Get returns one (user, task) status row, or the zero value with found=false.
func (r *StatusRepository) Get(userID string, task domain.TaskName) (domain.ServiceStatus, bool, error) {
	all, err := r.ListForUser(userID)
	if err != nil {
		return domain.ServiceStatus{}, false, err
	}
	for _, s := range all {
		if domain.TaskName(s.TaskName) == task {
			return s, true, nil
		}
	}
	return domain.ServiceStatus{}, false, nil
}
