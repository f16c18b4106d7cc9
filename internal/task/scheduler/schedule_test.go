package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"scrapesched/internal/model"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	last := time.Date(2026, 3, 1, 10, 7, 0, 0, time.UTC)

	var testCases = []struct {
		scenario string
		given    string
		then     time.Time
	}{
		{"cron", "*/15 * * * *", time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)},
		{"prefixed cron", "cron:0 0 * * *", time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)},
		{"descriptor", "@hourly", time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)},
		{"duration", "90m", last.Add(90 * time.Minute)},
		{"prefixed interval", "interval:45m", last.Add(45 * time.Minute)},
		{"hhmm", "01:30", last.Add(90 * time.Minute)},
		{"every minute", "* * * * *", time.Date(2026, 3, 1, 10, 8, 0, 0, time.UTC)},
		{"full day", "24h", last.Add(24 * time.Hour)},
		{"uneven cron gaps", "0 9,18 * * *", time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			c, err := ParseSchedule(tt.given, time.UTC)
			require.NoError(t, err)
			require.True(t, tt.then.Equal(c.Next(last)), "next = %s, want %s", c.Next(last), tt.then)
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "30s", "cron:", "01:75", "* * *", "@every 1s", "* * * * * *", "*/30 * * * * *", "720h", "24:01", "0 9 * * 1", "@weekly"} {
		_, err := ParseSchedule(raw, time.UTC)
		require.Error(t, err, raw)
	}
}

func TestCadenceOfFallsBackToInterval(t *testing.T) {
	t.Parallel()
	cfg := model.DefaultScraperConfig()
	cfg.IntervalMinutes = 10
	c, err := CadenceOf(cfg, time.UTC)
	require.NoError(t, err)
	last := time.Date(2026, 1, 1, 0, 0, 0, 123, time.UTC)
	require.Equal(t, last.Add(10*time.Minute), c.Next(last))

	cfg.Schedule = "@daily"
	c, err = CadenceOf(cfg, time.UTC)
	require.NoError(t, err)
	require.Equal(t, "cron @daily", c.String())
}
