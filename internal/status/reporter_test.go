package status

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"scrapesched/internal/model"
)

func TestReporterExecutionLifecycle(t *testing.T) {
	r := New(5 * time.Second)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }

	r.SetSchedulerRunning(true)
	r.SetNextRun(time.Time{})
	s := r.Snapshot()
	require.True(t, s.SchedulerRunning)
	require.True(t, s.NextRunPending)
	require.Nil(t, s.NextScheduledRun)

	r.ExecutionStarted("e1", 4, base.Add(time.Minute))
	r.ExecutionProgress("e1", 2, 4)
	r.ExecutionProgress("e1", 1, 4)    // going backwards is ignored
	r.ExecutionProgress("other", 4, 4) // not the current run
	s = r.Snapshot()
	require.True(t, s.ExecutionRunning)
	require.Equal(t, "e1", s.CurrentExecutionID)
	require.Equal(t, &Progress{UnitsDone: 2, UnitsTotal: 4}, s.CurrentProgress)
	require.False(t, s.Stale)

	end := base.Add(30 * time.Second)
	r.ExecutionFinished(model.Execution{
		ID: "e1", Status: model.StatusCompleted, StartTime: base, EndTime: &end,
		TotalSearches: 4, SuccessfulSearches: 4,
		ErrorDetails: []model.ErrorDetail{{UnitID: "x"}},
	})
	next := end.Add(10 * time.Minute)
	r.SetNextRun(next)

	s = r.Snapshot()
	require.False(t, s.ExecutionRunning)
	require.Empty(t, s.CurrentExecutionID)
	require.Nil(t, s.CurrentProgress)
	require.NotNil(t, s.LastExecution)
	require.Equal(t, model.StatusCompleted, s.LastExecution.Status)
	require.Nil(t, s.LastExecution.ErrorDetails, "summary drops details")
	require.Equal(t, next, *s.NextScheduledRun)
	require.False(t, s.NextRunPending)

	r.SetSchedulerRunning(false)
	s = r.Snapshot()
	require.False(t, s.SchedulerRunning)
	require.Nil(t, s.NextScheduledRun)
}

func TestReporterFlagsStaleRun(t *testing.T) {
	r := New(5 * time.Second)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	r.ExecutionStarted("e1", 1, now.Add(time.Minute))
	now = now.Add(time.Minute + 5*time.Second)
	require.False(t, r.Snapshot().Stale)
	now = now.Add(time.Second)
	require.True(t, r.Snapshot().Stale)
}

func TestReporterSnapshotsAreIsolated(t *testing.T) {
	r := New(0)
	r.ExecutionStarted("e1", 10, time.Now().Add(time.Hour))
	before := r.Snapshot()

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Go(func() { r.ExecutionProgress("e1", i+1, 10) })
		wg.Go(func() { _ = r.Snapshot() })
	}
	wg.Wait()

	require.Equal(t, 0, before.CurrentProgress.UnitsDone)
	require.Equal(t, 10, r.Snapshot().CurrentProgress.UnitsDone)
}
