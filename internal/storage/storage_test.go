package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"scrapesched/internal/model"
	logx "scrapesched/pkg/logx"
)

func drivers(t *testing.T) map[string]func(r Retention) Store {
	t.Helper()
	open := func(driver, path string) func(r Retention) Store {
		return func(r Retention) Store {
			st, err := Open(Config{Driver: driver, Path: path, Retention: r}, logx.Nop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })
			return st
		}
	}
	return map[string]func(r Retention) Store{
		"memory": func(r Retention) Store { return NewMemory(r) },
		"file":   open("file", filepath.Join(t.TempDir(), "history.json")),
		"sqlite": open("sqlite", filepath.Join(t.TempDir(), "history.db")),
		"badger": open("badger", filepath.Join(t.TempDir(), "badger")),
	}
}

func execAt(id string, start time.Time, status model.ExecutionStatus) model.Execution {
	e := model.Execution{ID: id, Status: status, Trigger: model.TriggerManual, StartTime: start}
	if status.Terminal() {
		end := start.Add(time.Second)
		e.EndTime = &end
	}
	return e
}

func TestLogStoreContract(t *testing.T) {
	for name, open := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open(Retention{})
			base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)

			cfg := model.DefaultScraperConfig()
			e := execAt("exec-1", base, model.StatusPending)
			e.UnitsTotal = 3
			e.Config = &cfg
			require.NoError(t, st.Append(ctx, e))
			require.Error(t, st.Append(ctx, e), "duplicate id")

			running := model.StatusRunning
			require.NoError(t, st.Update(ctx, "exec-1", model.ExecutionPatch{Status: &running}))

			got, err := st.Get(ctx, "exec-1")
			require.NoError(t, err)
			require.Equal(t, model.StatusRunning, got.Status)
			require.Equal(t, 3, got.UnitsTotal)
			require.NotNil(t, got.Config)
			require.Equal(t, cfg.MaxWorkers, got.Config.MaxWorkers)
			require.True(t, base.Equal(got.StartTime))
			require.Nil(t, got.EndTime)

			end := base.Add(2 * time.Minute)
			final := got
			final.Status = model.StatusCompleted
			final.EndTime = &end
			final.TotalSearches = 3
			final.SuccessfulSearches = 2
			final.TotalProperties = 40
			final.PropertiesSaved = 38
			final.ErrorMessage = "1 of 3 units failed"
			final.ErrorDetails = []model.ErrorDetail{{UnitID: "c", Attempts: 2, Error: "boom\nwith a long trace", At: end}}
			require.NoError(t, st.Update(ctx, "exec-1", model.PatchOf(final)))

			got, err = st.Get(ctx, "exec-1")
			require.NoError(t, err)
			require.Equal(t, model.StatusCompleted, got.Status)
			require.Equal(t, 2, got.SuccessfulSearches)
			require.Equal(t, 38, got.PropertiesSaved)
			require.Len(t, got.ErrorDetails, 1)
			require.Equal(t, "boom\nwith a long trace", got.ErrorDetails[0].Error)
			require.True(t, end.Equal(*got.EndTime))

			// Terminal records are immutable.
			failed := model.StatusFailed
			err = st.Update(ctx, "exec-1", model.ExecutionPatch{Status: &failed})
			require.ErrorIs(t, err, model.ErrImmutable)

			_, err = st.Get(ctx, "missing")
			require.ErrorIs(t, err, model.ErrNotFound)
			require.ErrorIs(t, st.Update(ctx, "missing", model.ExecutionPatch{}), model.ErrNotFound)
		})
	}
}

func TestRecentIsMostRecentFirst(t *testing.T) {
	for name, open := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open(Retention{})
			base := time.Now().Add(-time.Hour)
			for i := range 5 {
				require.NoError(t, st.Append(ctx, execAt(fmt.Sprintf("e%d", i), base.Add(time.Duration(i)*time.Minute), model.StatusCompleted)))
			}

			list, err := st.Recent(ctx, 3)
			require.NoError(t, err)
			require.Len(t, list, 3)
			require.Equal(t, []string{"e4", "e3", "e2"}, ids(list))

			all, err := st.Recent(ctx, 0)
			require.NoError(t, err)
			require.Len(t, all, 5)
		})
	}
}

func TestRetentionKeepsRunningRecords(t *testing.T) {
	for name, open := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open(Retention{MaxCount: 2, MaxAge: 24 * time.Hour})
			now := time.Now()

			require.NoError(t, st.Append(ctx, execAt("ancient", now.Add(-48*time.Hour), model.StatusCompleted)))
			require.NoError(t, st.Append(ctx, execAt("stuck", now.Add(-47*time.Hour), model.StatusRunning)))
			require.NoError(t, st.Append(ctx, execAt("a", now.Add(-3*time.Minute), model.StatusFailed)))
			require.NoError(t, st.Append(ctx, execAt("b", now.Add(-2*time.Minute), model.StatusCompleted)))
			require.NoError(t, st.Append(ctx, execAt("c", now.Add(-1*time.Minute), model.StatusCompleted)))

			list, err := st.Recent(ctx, 0)
			require.NoError(t, err)
			require.Equal(t, []string{"c", "b", "stuck"}, ids(list))
		})
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	for name, open := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open(Retention{})

			_, ok, err := st.LoadSettings(ctx)
			require.NoError(t, err)
			require.False(t, ok)

			cfg := model.DefaultScraperConfig()
			cfg.IntervalMinutes = 42
			cfg.Schedule = "@hourly"
			require.NoError(t, st.SaveSettings(ctx, cfg))
			cfg.MaxWorkers = 7
			require.NoError(t, st.SaveSettings(ctx, cfg))

			got, ok, err := st.LoadSettings(ctx)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, 42, got.IntervalMinutes)
			require.Equal(t, 7, got.MaxWorkers)
			require.Equal(t, "@hourly", got.Schedule)
		})
	}
}

func TestFileStoreReplaysJournal(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)

	require.NoError(t, st.Append(ctx, execAt("x", time.Now(), model.StatusRunning)))
	done := model.StatusCancelled
	require.NoError(t, st.Update(ctx, "x", model.ExecutionPatch{Status: &done}))
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	got, err := st.Get(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, got.Status)
}

func TestFileStoreUpdateKeepsIndexOnJournalError(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.json")
	st, err := openFile(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	fs := st.(*fileStore)

	require.NoError(t, fs.Append(ctx, execAt("x", time.Now(), model.StatusRunning)))
	require.NoError(t, fs.journal.Close())

	done := model.StatusCompleted
	require.Error(t, fs.Update(ctx, "x", model.ExecutionPatch{Status: &done}))
	got, err := fs.Get(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, model.StatusRunning, got.Status, "index must match the journal")

	fs.journal = nil
	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	got, err = st.Get(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, model.StatusRunning, got.Status)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "mongo"}, logx.Nop())
	require.ErrorContains(t, err, "unknown storage driver")
}

func ids(list []model.Execution) []string {
	out := make([]string, len(list))
	for i, e := range list {
		out[i] = e.ID
	}
	return out
}
