package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"scrapesched/internal/eventbus"
	"scrapesched/internal/model"
	"scrapesched/internal/task/pool"
	logx "scrapesched/pkg/logx"
)

// tally aggregates unit outcomes. Once sealed it drops late outcomes.
type tally struct {
	mu     sync.Mutex
	sealed bool

	done       int
	successful int
	found      int
	saved      int
	details    []model.ErrorDetail
}

type counts struct {
	done, successful, found, saved int
	details                        []model.ErrorDetail
}

func (t *tally) add(o pool.Outcome) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		return false
	}
	t.done++
	if o.OK() {
		found := max(0, o.Result.PropertiesFound)
		t.successful++
		t.found += found
		t.saved += min(max(0, o.Result.PropertiesSaved), found)
		return true
	}
	t.details = append(t.details, model.ErrorDetail{
		UnitID:   o.Unit.ID,
		UnitName: o.Unit.Label(),
		Attempts: o.Attempts,
		Error:    o.Err.Error(),
		At:       o.Finished,
	})
	return true
}

func (t *tally) read() (counts, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return counts{done: t.done, successful: t.successful, found: t.found, saved: t.saved}, t.sealed
}

func (t *tally) seal() counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sealed = true
	return counts{
		done: t.done, successful: t.successful, found: t.found, saved: t.saved,
		details: append([]model.ErrorDetail(nil), t.details...),
	}
}

func (c counts) patch() model.ExecutionPatch {
	return model.ExecutionPatch{
		TotalSearches:      &c.done,
		SuccessfulSearches: &c.successful,
		TotalProperties:    &c.found,
		PropertiesSaved:    &c.saved,
	}
}

// execute runs the pool under ctx and writes the terminal record.
func (e *Engine) execute(ctx context.Context, r *Run, rec model.Execution, cfg model.ScraperConfig, units []model.SearchUnit, log logx.Logger) {
	var (
		t       tally
		writeMu sync.Mutex // orders progress writes before the final one
		every   = rate.Sometimes{Every: e.cfg.ProgressEvery, Interval: e.cfg.ProgressInterval}
	)

	progress := func() {
		writeMu.Lock()
		defer writeMu.Unlock()
		c, sealed := t.read()
		if sealed {
			return
		}
		if err := e.store.Update(context.WithoutCancel(ctx), rec.ID, c.patch()); err != nil {
			log.Warn("progress write failed", logx.Err(err))
		}
	}

	report := func(o pool.Outcome) {
		if !t.add(o) {
			log.Debug("late unit outcome dropped", logx.String("unit", o.Unit.ID))
			return
		}
		if o.OK() {
			log.Debug("unit completed",
				logx.String("unit", o.Unit.ID),
				logx.Int("attempts", o.Attempts),
				logx.Int("found", o.Result.PropertiesFound),
				logx.Int("saved", o.Result.PropertiesSaved))
		} else {
			log.Warn("unit failed", logx.String("unit", o.Unit.ID), logx.Int("attempts", o.Attempts), logx.Err(o.Err))
		}

		c, _ := t.read()
		e.status.ExecutionProgress(rec.ID, c.done, len(units))
		e.publish(eventbus.ExecutionProgress, ProgressEvent{
			ExecutionID: rec.ID, UnitsDone: c.done, UnitsTotal: len(units), Successful: c.successful,
		})
		every.Do(progress)
	}

	var res pool.Result
	if len(units) > 0 {
		res = pool.Run(ctx, units, e.fetcher, pool.Options{
			Workers:       cfg.MaxWorkers,
			Attempts:      cfg.RetryAttempts,
			RetryBase:     e.cfg.RetryBase,
			RetryMaxDelay: e.cfg.RetryMaxDelay,
			RetryJitter:   e.cfg.RetryJitter,
			DrainGrace:    e.cfg.DrainGrace,
			Log:           log.With(logx.String("comp", "pool")),
		}, report)
	}

	c := t.seal()
	end := e.now()
	final := rec
	final.EndTime = &end
	final.TotalSearches = c.done
	final.SuccessfulSearches = c.successful
	final.TotalProperties = c.found
	final.PropertiesSaved = c.saved
	final.ErrorDetails = c.details
	final.Status, final.ErrorMessage = verdict(ctx, c, len(units), cfg)

	writeMu.Lock()
	err := e.store.Update(context.WithoutCancel(ctx), rec.ID, model.PatchOf(final))
	writeMu.Unlock()
	if err != nil {
		log.Error("final execution write failed", logx.Err(err))
	}

	fields := []logx.Field{
		logx.String("status", string(final.Status)),
		logx.Duration("dur", final.Duration()),
		logx.Int("total", c.done),
		logx.Int("successful", c.successful),
		logx.Int("found", c.found),
		logx.Int("saved", c.saved),
		logx.Int("skipped", res.Skipped),
		logx.Int("abandoned", res.Abandoned),
	}
	if final.Status == model.StatusCompleted {
		log.Info("execution finished", fields...)
	} else {
		log.Warn("execution finished", append(fields, logx.String("error", final.ErrorMessage))...)
	}

	r.result = final
	e.release(r, end)
	e.status.ExecutionFinished(final)
	e.publish(eventbus.ExecutionFinished, final.Clone())
	close(r.done)
}

// verdict picks the terminal status. A cancelled context wins; otherwise the
// run fails only when units were attempted and none succeeded.
func verdict(ctx context.Context, c counts, total int, cfg model.ScraperConfig) (model.ExecutionStatus, string) {
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		var cr *cancelReason
		switch {
		case errors.Is(cause, model.ErrTimeout):
			return model.StatusCancelled, fmt.Sprintf("timed out after %s: %d of %d units processed, %d successful",
				cfg.Timeout(), c.done, total, c.successful)
		case errors.As(cause, &cr):
			return model.StatusCancelled, cr.Error()
		default:
			return model.StatusCancelled, "cancelled: shutdown"
		}
	}
	failed := c.done - c.successful
	switch {
	case c.done > 0 && c.successful == 0:
		return model.StatusFailed, fmt.Sprintf("all %d units failed", c.done)
	case failed > 0:
		return model.StatusCompleted, fmt.Sprintf("%d of %d units failed", failed, c.done)
	default:
		return model.StatusCompleted, ""
	}
}

