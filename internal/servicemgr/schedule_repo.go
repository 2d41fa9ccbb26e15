package servicemgr

import (
	"database/sql"
	"fmt"

	"github.com/aristath/order-supervisor/internal/domain"
	"github.com/aristath/order-supervisor/internal/storage"
)

// ScheduleRepository persists the admin-editable, global trigger table.
type ScheduleRepository struct {
	db *sql.DB
}

// NewScheduleRepository builds a ScheduleRepository over db.
func NewScheduleRepository(db *storage.DB) *ScheduleRepository {
	return &ScheduleRepository{db: db.Conn()}
}

// SeedDefaults inserts the built-in schedule for any task not already
// present, leaving existing rows (including admin edits) untouched.
func (r *ScheduleRepository) SeedDefaults() error {
	for _, sched := range domain.DefaultSchedules() {
		var exists int
		if err := r.db.QueryRow(`SELECT 1 FROM schedules WHERE task_name = ?`, sched.TaskName).Scan(&exists); err == nil {
			continue
		} else if err != sql.ErrNoRows {
			return fmt.Errorf("servicemgr: check existing schedule for %s: %w", sched.TaskName, err)
		}
		if err := r.Upsert(sched); err != nil {
			return fmt.Errorf("servicemgr: seed schedule for %s: %w", sched.TaskName, err)
		}
	}
	return nil
}

// List returns every schedule row, in domain.AllTasks order.
func (r *ScheduleRepository) List() ([]domain.Schedule, error) {
	rows, err := r.db.Query(`SELECT task_name, schedule_time, enabled, is_hourly, is_continuous, end_time, updated_by, updated_at FROM schedules`)
	if err != nil {
		return nil, fmt.Errorf("servicemgr: list schedules: %w", err)
	}
	defer rows.Close()

	byName := map[domain.TaskName]domain.Schedule{}
	for rows.Next() {
		var s domain.Schedule
		var endTime, updatedBy, updatedAt sql.NullString
		if err := rows.Scan(&s.TaskName, &s.ScheduleTime, &s.Enabled, &s.IsHourly, &s.IsContinuous, &endTime, &updatedBy, &updatedAt); err != nil {
			return nil, fmt.Errorf("servicemgr: scan schedule: %w", err)
		}
		s.EndTime = storage.NullStringValue(endTime)
		s.UpdatedBy = storage.NullStringValue(updatedBy)
		s.UpdatedAt = storage.NullStringValue(updatedAt)
		byName[s.TaskName] = s
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]domain.Schedule, 0, len(domain.AllTasks))
	for _, name := range domain.AllTasks {
		if s, ok := byName[name]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// Upsert writes one schedule row, admin-only by convention of the caller.
// Schedule edits take effect at the next service restart; this call only
// persists the row.
func (r *ScheduleRepository) Upsert(s domain.Schedule) error {
	_, err := r.db.Exec(`
		INSERT INTO schedules (task_name, schedule_time, enabled, is_hourly, is_continuous, end_time, updated_by, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_name) DO UPDATE SET
			schedule_time = excluded.schedule_time,
			enabled = excluded.enabled,
			is_hourly = excluded.is_hourly,
			is_continuous = excluded.is_continuous,
			end_time = excluded.end_time,
			updated_by = excluded.updated_by,
			updated_at = excluded.updated_at`,
		s.TaskName, s.ScheduleTime, s.Enabled, s.IsHourly, s.IsContinuous,
		storage.StringOrNil(s.EndTime), storage.StringOrNil(s.UpdatedBy), storage.StringOrNil(s.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("servicemgr: upsert schedule %s: %w", s.TaskName, err)
	}
	return nil
}
