// Package pool runs search units on a bounded set of workers with per-unit
// retries.
//
// Units are dispatched in slice order. A unit occupies a worker slot for all
// of its attempts, including the backoff waits between them. Cancellation is
// cooperative: the context is checked before each dispatch and before each
// attempt, and fetchers are expected to honor it.
package pool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"scrapesched/internal/model"
	logx "scrapesched/pkg/logx"
)

const defaultDrainGrace = 5 * time.Second

// Options configures one pool run.
type Options struct {
	Workers  int
	Attempts int

	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// RetryJitter is a +/- fraction applied to each delay. Zero disables it.
	RetryJitter float64

	// DrainGrace bounds how long Run waits for in-flight units once ctx is done.
	DrainGrace time.Duration

	Log logx.Logger
}

// Outcome is the final result of one attempted unit.
type Outcome struct {
	Index    int
	Unit     model.SearchUnit
	Result   model.FetchResult
	Err      error
	Attempts int
	Started  time.Time
	Finished time.Time
}

func (o Outcome) OK() bool { return o.Err == nil }

// Result summarizes a pool run.
type Result struct {
	// Attempted units were fetched at least once and reported.
	Attempted int
	// Skipped units never started because ctx was done.
	Skipped int
	// Abandoned units were still running when the drain grace ran out.
	// Their outcome may still be reported later.
	Abandoned int
}

// Run fetches every unit and calls report once per attempted unit, from the
// unit's goroutine. report must be safe for concurrent use.
//
// Run returns when every dispatched unit finished, or, once ctx is done, when
// the remaining ones finished or DrainGrace elapsed.
func Run(ctx context.Context, units []model.SearchUnit, f model.Fetcher, opt Options, report func(Outcome)) Result {
	opt = opt.withDefaults()
	log := opt.Log

	var (
		g         errgroup.Group
		sem       = make(chan struct{}, opt.Workers)
		attempted atomic.Int64
		skipped   atomic.Int64
		inFlight  atomic.Int64
	)

dispatch:
	for i, u := range units {
		if ctx.Err() != nil {
			skipped.Add(int64(len(units) - i))
			break
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			skipped.Add(int64(len(units) - i))
			break dispatch
		}
		if ctx.Err() != nil {
			<-sem
			skipped.Add(int64(len(units) - i))
			break
		}

		inFlight.Add(1)
		g.Go(func() error {
			defer func() {
				inFlight.Add(-1)
				<-sem
			}()
			out, ok := runUnit(ctx, i, u, f, opt, log)
			if !ok {
				skipped.Add(1)
				return nil
			}
			attempted.Add(1)
			report(out)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	res := Result{}
	select {
	case <-done:
	case <-ctx.Done():
		t := time.NewTimer(opt.DrainGrace)
		select {
		case <-done:
			t.Stop()
		case <-t.C:
			res.Abandoned = int(inFlight.Load())
			log.Warn("pool drain grace elapsed",
				logx.Int("abandoned", res.Abandoned),
				logx.Duration("grace", opt.DrainGrace))
		}
	}
	res.Attempted = int(attempted.Load())
	res.Skipped = int(skipped.Load())
	return res
}

// runUnit runs the attempts of one unit. ok is false when the unit was
// cancelled before its first attempt.
func runUnit(ctx context.Context, idx int, u model.SearchUnit, f model.Fetcher, opt Options, log logx.Logger) (Outcome, bool) {
	out := Outcome{Index: idx, Unit: u, Started: time.Now()}
	ulog := log.With(logx.String("unit", u.ID))

	for attempt := 1; attempt <= opt.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if out.Attempts == 0 {
				return out, false
			}
			break
		}
		out.Attempts = attempt
		out.Result, out.Err = fetchOnce(ctx, u, f, ulog)
		if out.Err == nil {
			break
		}
		if IsNoRetry(out.Err) || attempt >= opt.Attempts {
			break
		}

		delay := opt.delayFor(attempt, out.Err)
		ulog.Debug("unit retry scheduled",
			logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay),
			logx.Err(out.Err))
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
			case <-t.C:
			}
		}
	}

	out.Err = unwrapNoRetry(out.Err)
	if out.Err != nil {
		out.Result = model.FetchResult{}
		out.Err = &model.FetchError{UnitID: u.ID, Attempts: out.Attempts, Err: out.Err}
	}
	out.Finished = time.Now()
	return out, true
}

// fetchOnce converts a fetcher panic into an error so one bad unit cannot
// take the process down.
func fetchOnce(ctx context.Context, u model.SearchUnit, f model.Fetcher, log logx.Logger) (res model.FetchResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("unit panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return f.Fetch(ctx, u)
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.Attempts <= 0 {
		o.Attempts = 1
	}
	if o.DrainGrace <= 0 {
		o.DrainGrace = defaultDrainGrace
	}
	if o.Log.IsZero() {
		o.Log = logx.Nop()
	}
	return o
}
