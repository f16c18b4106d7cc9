package scheduler

import (
	"context"
	"time"

	"scrapesched/internal/model"
	rtsup "scrapesched/internal/runtime/supervisor"
	"scrapesched/internal/task/engine"
)

// Config controls the trigger loop.
type Config struct {
	// Tick is how often due-ness is evaluated. Default 5s.
	Tick     time.Duration
	Timezone string // IANA TZ for cron schedules, e.g. "Europe/Lisbon"
}

// Runner is the engine surface the scheduler drives.
type Runner interface {
	Start(ctx context.Context, trigger model.Trigger) (*engine.Run, error)
	Running() bool
	LastRunEnd() time.Time
}

// Snapshot is the scheduler's own view, for CLI and debugging.
type Snapshot struct {
	Running  bool       `json:"running"`
	Enabled  bool       `json:"enabled"`
	Cadence  string     `json:"cadence,omitempty"`
	LastEnd  *time.Time `json:"last_run_end,omitempty"`
	Next     *time.Time `json:"next_run,omitempty"`
	Timezone string     `json:"timezone"`

	// Loop is set while running; Restarts counts tick loop recoveries.
	Loop *rtsup.Counters `json:"loop,omitempty"`
}
