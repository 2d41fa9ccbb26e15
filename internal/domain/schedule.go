package domain

// TaskName enumerates the fixed task set the scheduler drives. Declared as a
// closed sum type so admin-edited schedule rows can be validated against a
// known set rather than accepted as free text.
type TaskName string

const (
	TaskPremarketRetry  TaskName = "premarket_retry"
	TaskSellMonitor     TaskName = "sell_monitor"
	TaskPositionMonitor TaskName = "position_monitor"
	TaskAnalysis        TaskName = "analysis"
	TaskBuyOrders       TaskName = "buy_orders"
	TaskEODCleanup      TaskName = "eod_cleanup"
)

// AllTasks lists every task the scheduler knows about, in trigger order.
var AllTasks = []TaskName{
	TaskPremarketRetry,
	TaskSellMonitor,
	TaskPositionMonitor,
	TaskAnalysis,
	TaskBuyOrders,
	TaskEODCleanup,
}

// Schedule is the admin-editable, global trigger configuration for one task.
type Schedule struct {
	TaskName     TaskName
	ScheduleTime string // "HH:MM" in market timezone, start time for continuous/periodic tasks
	Enabled      bool
	IsHourly     bool
	IsContinuous bool
	EndTime      string // "HH:MM", required when IsContinuous or IsHourly
	UpdatedBy    string
	UpdatedAt    string
}

// DefaultSchedules returns the built-in default trigger table from the
// component design, used to seed the schedules table on first run.
func DefaultSchedules() []Schedule {
	return []Schedule{
		{TaskName: TaskPremarketRetry, ScheduleTime: "09:00", Enabled: true},
		{TaskName: TaskSellMonitor, ScheduleTime: "09:15", EndTime: "15:30", IsContinuous: true, Enabled: true},
		{TaskName: TaskPositionMonitor, ScheduleTime: "09:30", EndTime: "15:30", IsHourly: true, Enabled: true},
		{TaskName: TaskAnalysis, ScheduleTime: "16:00", Enabled: true},
		{TaskName: TaskBuyOrders, ScheduleTime: "16:05", Enabled: true},
		{TaskName: TaskEODCleanup, ScheduleTime: "18:00", Enabled: true},
	}
}
