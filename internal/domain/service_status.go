package domain

import "time"

// ServiceMode distinguishes a supervisor running all tasks for a user from
// one running a single task as an individually controlled service.
type ServiceMode string

const (
	ServiceModeUnified    ServiceMode = "unified"
	ServiceModeIndividual ServiceMode = "individual"
)

// TaskState is the per-task state machine named in the scheduler design:
// idle -> scheduled -> running -> idle | failed_transient.
type TaskState string

const (
	TaskIdle            TaskState = "idle"
	TaskScheduled       TaskState = "scheduled"
	TaskRunning         TaskState = "running"
	TaskFailedTransient TaskState = "failed_transient"
)

// ServiceStatus records the per-(user,task) execution state surfaced on the
// control surface.
type ServiceStatus struct {
	UserID          string
	TaskName        string
	Mode            ServiceMode
	State           TaskState
	IsRunning       bool
	StartedAt       *time.Time
	LastExecutionAt *time.Time
	NextExecutionAt *time.Time
	LastError       string
	ProcessHandle   string
}
