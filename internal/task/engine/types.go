package engine

import (
	"time"

	"scrapesched/internal/model"
)

// Config holds the process-level engine settings. Per-run limits come from
// the scraper settings snapshot.
type Config struct {
	// LogDir receives one execution_<id>.log per run. Empty disables run logs.
	LogDir string
	// LogMaxAge prunes run logs older than this at Recover. 0 keeps them.
	LogMaxAge time.Duration

	DrainGrace    time.Duration
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64

	// Progress writes happen on the first outcome, then every ProgressEvery
	// outcomes or ProgressInterval, whichever comes first.
	ProgressEvery    int
	ProgressInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.DrainGrace <= 0 {
		c.DrainGrace = 5 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = 5
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 2 * time.Second
	}
	return c
}

// ProgressEvent is the payload of execution.progress events.
type ProgressEvent struct {
	ExecutionID string `json:"execution_id"`
	UnitsDone   int    `json:"units_done"`
	UnitsTotal  int    `json:"units_total"`
	Successful  int    `json:"successful_searches"`
}

// Run is the handle of a started execution.
type Run struct {
	id      string
	trigger model.Trigger
	done    chan struct{}

	// set under Engine.mu once pre-flight succeeded
	cancel func(cause error)

	result model.Execution
}

func (r *Run) ID() string { return r.id }

// Done is closed once the terminal record is written.
func (r *Run) Done() <-chan struct{} { return r.done }

// Result is the terminal record. It is only valid after Done is closed.
func (r *Run) Result() model.Execution {
	<-r.done
	return r.result.Clone()
}

// cancelReason is the cancellation cause of an operator cancel.
type cancelReason struct{ reason string }

func (c *cancelReason) Error() string { return "cancelled: " + c.reason }
