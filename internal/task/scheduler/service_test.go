package scheduler

import (
	"context"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"scrapesched/internal/eventbus"
	"scrapesched/internal/model"
	"scrapesched/internal/status"
	"scrapesched/internal/storage"
	"scrapesched/internal/task/engine"
	logx "scrapesched/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// Started at init by glog, which badger links in through the storage drivers.
		goleak.IgnoreTopFunction("github.com/golang/glog.(*fileSink).flushDaemon"),
	)
}

type fakeSettings struct {
	mu  sync.Mutex
	cfg model.ScraperConfig
}

func (f *fakeSettings) Get() model.ScraperConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg
}

func (f *fakeSettings) Update(_ context.Context, u model.ConfigUpdate) (model.ScraperConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg = u.Apply(f.cfg)
	return f.cfg, nil
}

type unitList []model.SearchUnit

func (u unitList) ActiveUnits(context.Context) ([]model.SearchUnit, error) { return u, nil }

type fixture struct {
	settings *fakeSettings
	store    storage.Store
	engine   *engine.Engine
	status   *status.Reporter
	sched    *Service
}

func newFixture(t *testing.T, f model.Fetcher, mut func(c *model.ScraperConfig)) *fixture {
	t.Helper()
	cfg := model.DefaultScraperConfig()
	if mut != nil {
		mut(&cfg)
	}
	fx := &fixture{
		settings: &fakeSettings{cfg: cfg},
		store:    storage.NewMemory(storage.Retention{}),
		status:   status.New(5 * time.Second),
	}
	bus := eventbus.New()
	fx.engine = engine.New(fx.settings, unitList{{ID: "lisbon"}}, f, fx.store,
		engine.WithStatus(fx.status), engine.WithBus(bus))
	fx.sched = New(Config{Tick: 5 * time.Second}, fx.settings, fx.engine, fx.status, logx.Nop(), bus)
	return fx
}

func (fx *fixture) runs(t *testing.T) []model.Execution {
	t.Helper()
	list, err := fx.store.Recent(context.Background(), 0)
	require.NoError(t, err)
	return list
}

func instant() model.Fetcher {
	return model.FetchFunc(func(context.Context, model.SearchUnit) (model.FetchResult, error) {
		return model.FetchResult{PropertiesFound: 2, PropertiesSaved: 2}, nil
	})
}

func blocking() model.Fetcher {
	return model.FetchFunc(func(ctx context.Context, _ model.SearchUnit) (model.FetchResult, error) {
		<-ctx.Done()
		return model.FetchResult{}, ctx.Err()
	})
}

func TestFirstRunStartsRightAfterStart(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		fx := newFixture(t, instant(), nil)

		fx.sched.Start(t.Context())
		synctest.Wait()

		runs := fx.runs(t)
		require.Len(t, runs, 1)
		require.Equal(t, model.TriggerSchedule, runs[0].Trigger)
		require.Equal(t, model.StatusCompleted, runs[0].Status)

		snap := fx.status.Snapshot()
		require.True(t, snap.SchedulerRunning)
		require.NotNil(t, snap.NextScheduledRun)
		require.Equal(t, runs[0].EndTime.Add(10*time.Minute), *snap.NextScheduledRun)

		require.NoError(t, fx.sched.Stop(t.Context()))
		require.False(t, fx.status.Snapshot().SchedulerRunning)
	})
}

func TestCadenceWaitsIntervalAfterLastRun(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		fx := newFixture(t, instant(), func(c *model.ScraperConfig) { c.IntervalMinutes = 10 })

		prev, err := fx.engine.RunSync(t.Context(), model.TriggerManual)
		require.NoError(t, err)
		require.Equal(t, model.StatusCompleted, prev.Status)

		fx.sched.Start(t.Context())
		defer fx.sched.Stop(context.Background())

		time.Sleep(10*time.Minute - time.Second)
		synctest.Wait()
		require.Len(t, fx.runs(t), 1, "no automatic run before the interval elapsed")

		time.Sleep(6 * time.Second)
		synctest.Wait()
		runs := fx.runs(t)
		require.Len(t, runs, 2)
		require.Equal(t, model.TriggerSchedule, runs[0].Trigger)
		require.False(t, runs[0].StartTime.Before(prev.EndTime.Add(10*time.Minute)))

		time.Sleep(9 * time.Minute)
		synctest.Wait()
		require.Len(t, fx.runs(t), 2, "exactly one run per interval")
	})
}

func TestDisabledSchedulerStartsNothing(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		fx := newFixture(t, instant(), func(c *model.ScraperConfig) { c.Enabled = false })

		fx.sched.Start(t.Context())
		time.Sleep(time.Hour)
		synctest.Wait()

		require.Empty(t, fx.runs(t))
		snap := fx.status.Snapshot()
		require.Nil(t, snap.NextScheduledRun)
		require.False(t, snap.NextRunPending)

		// Manual runs still work while scheduling is disabled.
		r, err := fx.sched.RunNow(t.Context())
		require.NoError(t, err)
		<-r.Done()
		require.NoError(t, fx.sched.Stop(t.Context()))
	})
}

func TestRunNowObeysSingleFlightAndStopKeepsRun(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		fx := newFixture(t, blocking(), nil)

		r, err := fx.sched.RunNow(t.Context())
		require.NoError(t, err)

		_, err = fx.sched.RunNow(t.Context())
		require.ErrorIs(t, err, model.ErrBusy)

		// Ticks while busy skip instead of queueing.
		fx.sched.Start(t.Context())
		fx.sched.Start(t.Context())
		time.Sleep(time.Minute)
		synctest.Wait()
		require.Len(t, fx.runs(t), 1)
		require.Nil(t, fx.status.Snapshot().NextScheduledRun)

		require.NoError(t, fx.sched.Stop(t.Context()))
		require.NoError(t, fx.sched.Stop(t.Context()))
		require.True(t, fx.engine.Running(), "stopping the scheduler does not cancel the run")

		require.NoError(t, fx.engine.Cancel("test over"))
		require.Equal(t, model.StatusCancelled, r.Result().Status)
	})
}

func TestSnapshotReportsCadence(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		fx := newFixture(t, instant(), func(c *model.ScraperConfig) { c.Schedule = "02:30" })
		snap := fx.sched.Snapshot()
		require.False(t, snap.Running)
		require.Nil(t, snap.Loop)
		require.Equal(t, "every 2h30m0s", snap.Cadence)
		require.Nil(t, snap.LastEnd)
		require.Nil(t, snap.Next)

		_, err := fx.engine.RunSync(t.Context(), model.TriggerCLI)
		require.NoError(t, err)
		snap = fx.sched.Snapshot()
		require.NotNil(t, snap.Next)
		require.Equal(t, snap.LastEnd.Add(150*time.Minute), *snap.Next)

		fx.sched.Start(t.Context())
		snap = fx.sched.Snapshot()
		require.True(t, snap.Running)
		require.NotNil(t, snap.Loop)
		require.EqualValues(t, 1, snap.Loop.Active)
		require.Zero(t, snap.Loop.Restarts)
		require.NoError(t, fx.sched.Stop(t.Context()))
	})
}
