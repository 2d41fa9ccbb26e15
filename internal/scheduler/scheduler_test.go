package scheduler

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/order-supervisor/internal/domain"
	"github.com/aristath/order-supervisor/internal/marketcal"
)

type fakeJob struct {
	name    domain.TaskName
	calls   int
	failNth int
}

func (f *fakeJob) Name() domain.TaskName { return f.name }
func (f *fakeJob) Run(ctx context.Context) error {
	f.calls++
	if f.failNth != 0 && f.calls == f.failNth {
		return context.DeadlineExceeded
	}
	return nil
}

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	cal, err := marketcal.New(zerolog.Nop(), "Asia/Kolkata", "09:15", "15:30", nil)
	require.NoError(t, err)
	return New("u1", "DEFAULT", cal, zerolog.Nop())
}

func TestAddJob_DisabledScheduleGetsNoEntry(t *testing.T) {
	s := newTestScheduler(t)
	job := &fakeJob{name: domain.TaskEODCleanup}
	require.NoError(t, s.AddJob(job, domain.Schedule{TaskName: domain.TaskEODCleanup, ScheduleTime: "18:00", Enabled: false}))
	require.Equal(t, StateIdle, s.State(domain.TaskEODCleanup))
	_, hasEntry := s.entries[domain.TaskEODCleanup]
	require.False(t, hasEntry)
}

func TestAddJob_EnabledScheduleGetsEntry(t *testing.T) {
	s := newTestScheduler(t)
	job := &fakeJob{name: domain.TaskAnalysis}
	require.NoError(t, s.AddJob(job, domain.Schedule{TaskName: domain.TaskAnalysis, ScheduleTime: "16:00", Enabled: true}))
	require.Equal(t, StateScheduled, s.State(domain.TaskAnalysis))
	_, hasEntry := s.entries[domain.TaskAnalysis]
	require.True(t, hasEntry)
}

func TestRunNow_ExecutesRegisteredJobImmediately(t *testing.T) {
	s := newTestScheduler(t)
	job := &fakeJob{name: domain.TaskBuyOrders}
	require.NoError(t, s.AddJob(job, domain.Schedule{TaskName: domain.TaskBuyOrders, ScheduleTime: "16:05", Enabled: false}))

	require.NoError(t, s.RunNow(context.Background(), domain.TaskBuyOrders))
	require.Equal(t, 1, job.calls)
	require.Equal(t, StateIdle, s.State(domain.TaskBuyOrders))
}

func TestRunNow_UnknownTaskErrors(t *testing.T) {
	s := newTestScheduler(t)
	err := s.RunNow(context.Background(), domain.TaskSellMonitor)
	require.Error(t, err)
}

func TestRunOnce_FailureSetsFailedTransientState(t *testing.T) {
	s := newTestScheduler(t)
	job := &fakeJob{name: domain.TaskPremarketRetry, failNth: 1}
	require.NoError(t, s.AddJob(job, domain.Schedule{TaskName: domain.TaskPremarketRetry, ScheduleTime: "09:00", Enabled: false}))

	require.NoError(t, s.RunNow(context.Background(), domain.TaskPremarketRetry))
	require.Equal(t, StateFailedTransient, s.State(domain.TaskPremarketRetry))
}

func TestCronSpec_ContinuousIsEveryMinute(t *testing.T) {
	spec, err := cronSpec(domain.Schedule{IsContinuous: true})
	require.NoError(t, err)
	require.Equal(t, "* * * * *", spec)
}

func TestCronSpec_FixedTimeUsesWeekdays(t *testing.T) {
	spec, err := cronSpec(domain.Schedule{ScheduleTime: "16:05"})
	require.NoError(t, err)
	require.Equal(t, "5 16 * * 1-5", spec)
}
