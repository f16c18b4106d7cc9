package settings

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"scrapesched/internal/eventbus"
	"scrapesched/internal/model"
	"scrapesched/internal/storage"
)

func intp(v int) *int       { return &v }
func strp(v string) *string { return &v }
func boolp(v bool) *bool    { return &v }

func TestUpdateRejectsOutOfBounds(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, storage.NewMemory(storage.Retention{}), model.DefaultScraperConfig())
	require.NoError(t, err)
	before := p.Get()

	var testCases = []struct {
		scenario string
		given    model.ConfigUpdate
		field    string
	}{
		{"interval zero", model.ConfigUpdate{IntervalMinutes: intp(0)}, "interval_minutes"},
		{"interval above a day", model.ConfigUpdate{IntervalMinutes: intp(1441)}, "interval_minutes"},
		{"timeout above two hours", model.ConfigUpdate{TimeoutMinutes: intp(121)}, "timeout_minutes"},
		{"too many workers", model.ConfigUpdate{MaxWorkers: intp(21)}, "max_workers"},
		{"no attempts", model.ConfigUpdate{RetryAttempts: intp(0)}, "retry_attempts"},
		{"bad schedule", model.ConfigUpdate{Schedule: strp("every tuesday")}, "schedule"},
		{"schedule every second", model.ConfigUpdate{Schedule: strp("@every 1s")}, "schedule"},
		{"cron with seconds field", model.ConfigUpdate{Schedule: strp("* * * * * *")}, "schedule"},
		{"schedule duration above a day", model.ConfigUpdate{Schedule: strp("720h")}, "schedule"},
		{"weekly cron", model.ConfigUpdate{Schedule: strp("0 9 * * 1")}, "schedule"},
		{"valid field with invalid sibling", model.ConfigUpdate{MaxWorkers: intp(3), RetryAttempts: intp(11)}, "retry_attempts"},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			_, err := p.Update(ctx, tt.given)
			var ce *model.ConfigError
			require.ErrorAs(t, err, &ce)
			require.Equal(t, tt.field, ce.Field)
			require.Equal(t, before, p.Get(), "settings must stay unchanged")
		})
	}
}

func TestUpdatePersistsAndPublishes(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory(storage.Retention{})
	bus := eventbus.New()
	events, unsub := bus.Subscribe(1, eventbus.ConfigUpdated)
	defer unsub()

	p, err := New(ctx, st, model.DefaultScraperConfig(), WithBus(bus))
	require.NoError(t, err)

	got, err := p.Update(ctx, model.ConfigUpdate{Enabled: boolp(false), MaxWorkers: intp(20), Schedule: strp("@hourly")})
	require.NoError(t, err)
	require.False(t, got.Enabled)
	require.Equal(t, 20, got.MaxWorkers)
	require.Equal(t, 10, got.IntervalMinutes, "untouched fields keep their value")
	require.False(t, got.UpdatedAt.IsZero())
	require.Len(t, events, 1)

	// A new provider over the same store sees the update, not the seed.
	p2, err := New(ctx, st, model.DefaultScraperConfig())
	require.NoError(t, err)
	require.Equal(t, got, p2.Get())
}

func TestNewIgnoresInvalidPersistedSettings(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory(storage.Retention{})
	bad := model.DefaultScraperConfig()
	bad.MaxWorkers = 99
	require.NoError(t, st.SaveSettings(ctx, bad))

	p, err := New(ctx, st, model.DefaultScraperConfig())
	require.NoError(t, err)
	require.Equal(t, 5, p.Get().MaxWorkers)
}

func TestNewRejectsInvalidSeed(t *testing.T) {
	seed := model.DefaultScraperConfig()
	seed.TimeoutMinutes = 0
	_, err := New(context.Background(), nil, seed)
	var ce *model.ConfigError
	require.ErrorAs(t, err, &ce)
}

type failingStore struct{ storage.Store }

func (failingStore) LoadSettings(context.Context) (model.ScraperConfig, bool, error) {
	return model.ScraperConfig{}, false, nil
}
func (failingStore) SaveSettings(context.Context, model.ScraperConfig) error {
	return errors.New("disk full")
}

func TestUpdateKeepsSettingsWhenSaveFails(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, nil, model.DefaultScraperConfig())
	require.NoError(t, err)
	p.store = failingStore{}

	_, err = p.Update(ctx, model.ConfigUpdate{MaxWorkers: intp(2)})
	require.ErrorContains(t, err, "disk full")
	require.Equal(t, 5, p.Get().MaxWorkers)
}
