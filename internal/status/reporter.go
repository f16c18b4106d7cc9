// Package status publishes a consistent, copy-on-write view of the scheduler
// and the current execution.
package status

import (
	"sync"
	"sync/atomic"
	"time"

	"scrapesched/internal/model"
)

type Progress struct {
	UnitsDone  int `json:"units_done"`
	UnitsTotal int `json:"units_total"`
}

// Snapshot is an immutable view. Pointer fields are never mutated after the
// snapshot is published.
type Snapshot struct {
	SchedulerRunning   bool      `json:"scheduler_running"`
	ExecutionRunning   bool      `json:"execution_running"`
	CurrentExecutionID string    `json:"current_execution_id,omitempty"`
	CurrentProgress    *Progress `json:"current_progress,omitempty"`
	// Deadline is when the current execution times out.
	Deadline *time.Time `json:"deadline,omitempty"`
	// Stale is set when the current execution is past Deadline plus the
	// drain grace and still reported as running.
	Stale bool `json:"stale,omitempty"`

	LastExecution *model.Execution `json:"last_execution_summary,omitempty"`

	NextScheduledRun *time.Time `json:"next_scheduled_run,omitempty"`
	// NextRunPending means the scheduler will start a run on its next tick.
	NextRunPending bool `json:"next_run_pending,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Reporter is the single write point for status. Readers never take the lock.
type Reporter struct {
	mu    sync.Mutex
	cur   atomic.Pointer[Snapshot]
	grace time.Duration
	now   func() time.Time
}

// New returns a reporter. grace is added to the deadline before a running
// execution is flagged stale.
func New(grace time.Duration) *Reporter {
	r := &Reporter{grace: grace, now: time.Now}
	r.cur.Store(&Snapshot{UpdatedAt: r.now()})
	return r
}

// Snapshot returns the current view.
func (r *Reporter) Snapshot() Snapshot {
	s := *r.cur.Load()
	if s.ExecutionRunning && s.Deadline != nil && r.now().After(s.Deadline.Add(r.grace)) {
		s.Stale = true
	}
	return s
}

func (r *Reporter) update(fn func(s *Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := *r.cur.Load()
	fn(&next)
	next.UpdatedAt = r.now()
	r.cur.Store(&next)
}

func (r *Reporter) SetSchedulerRunning(running bool) {
	r.update(func(s *Snapshot) {
		s.SchedulerRunning = running
		if !running {
			s.NextScheduledRun = nil
			s.NextRunPending = false
		}
	})
}

// SetNextRun records the next due time. A zero t means the first run is
// pending and will start on the next tick.
func (r *Reporter) SetNextRun(t time.Time) {
	r.update(func(s *Snapshot) {
		if t.IsZero() {
			s.NextScheduledRun = nil
			s.NextRunPending = true
			return
		}
		s.NextScheduledRun = &t
		s.NextRunPending = false
	})
}

// ClearNextRun drops the next run, e.g. while scheduling is disabled.
func (r *Reporter) ClearNextRun() {
	r.update(func(s *Snapshot) {
		s.NextScheduledRun = nil
		s.NextRunPending = false
	})
}

func (r *Reporter) ExecutionStarted(id string, unitsTotal int, deadline time.Time) {
	r.update(func(s *Snapshot) {
		s.ExecutionRunning = true
		s.CurrentExecutionID = id
		s.CurrentProgress = &Progress{UnitsTotal: unitsTotal}
		s.Deadline = &deadline
	})
}

// ExecutionProgress is ignored unless id is the current execution and done
// moves forward.
func (r *Reporter) ExecutionProgress(id string, done, total int) {
	r.update(func(s *Snapshot) {
		if !s.ExecutionRunning || s.CurrentExecutionID != id {
			return
		}
		if s.CurrentProgress != nil && done < s.CurrentProgress.UnitsDone {
			return
		}
		s.CurrentProgress = &Progress{UnitsDone: done, UnitsTotal: total}
	})
}

// ExecutionFinished records e as the last execution and clears the current
// one when it matches.
func (r *Reporter) ExecutionFinished(e model.Execution) {
	sum := e.Summary()
	r.update(func(s *Snapshot) {
		s.LastExecution = &sum
		if s.CurrentExecutionID == e.ID {
			s.ExecutionRunning = false
			s.CurrentExecutionID = ""
			s.CurrentProgress = nil
			s.Deadline = nil
		}
	})
}

// SetLastExecution seeds the last execution without touching the current one.
func (r *Reporter) SetLastExecution(e model.Execution) {
	sum := e.Summary()
	r.update(func(s *Snapshot) { s.LastExecution = &sum })
}
