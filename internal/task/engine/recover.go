package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"scrapesched/internal/model"
	logx "scrapesched/pkg/logx"
)

// recoverScan is how many recent records Recover inspects. Only one run can
// be active per process, so an interrupted one is always near the top.
const recoverScan = 20

const interruptedMsg = "interrupted: process restarted"

// Recover finalizes records a previous process left pending or running,
// seeds the last run end and prunes old run logs.
func (e *Engine) Recover(ctx context.Context) error {
	list, err := e.store.Recent(ctx, recoverScan)
	if err != nil {
		return err
	}

	now := e.now()
	seeded := false
	for _, rec := range list {
		if !rec.Status.Terminal() {
			rec.Status = model.StatusFailed
			rec.EndTime = &now
			rec.ErrorMessage = interruptedMsg
			if err := e.store.Update(ctx, rec.ID, model.PatchOf(rec)); err != nil {
				e.log.Warn("finalize interrupted execution failed", logx.String("execution_id", rec.ID), logx.Err(err))
				continue
			}
			e.log.Warn("interrupted execution marked failed", logx.String("execution_id", rec.ID))
		}
		if !seeded {
			seeded = true
			end := rec.StartTime
			if rec.EndTime != nil {
				end = *rec.EndTime
			}
			e.mu.Lock()
			if end.After(e.lastEnd) {
				e.lastEnd = end
			}
			e.mu.Unlock()
			e.status.SetLastExecution(rec)
		}
	}

	if n := e.pruneRunLogs(now); n > 0 {
		e.log.Info("old run logs pruned", logx.Int("removed", n))
	}
	return nil
}

func (e *Engine) pruneRunLogs(now time.Time) int {
	if e.cfg.LogDir == "" || e.cfg.LogMaxAge <= 0 {
		return 0
	}
	entries, err := os.ReadDir(e.cfg.LogDir)
	if err != nil {
		return 0
	}
	removed := 0
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || !strings.HasPrefix(name, "execution_") || !strings.HasSuffix(name, ".log") {
			continue
		}
		info, err := ent.Info()
		if err != nil || now.Sub(info.ModTime()) <= e.cfg.LogMaxAge {
			continue
		}
		if err := os.Remove(filepath.Join(e.cfg.LogDir, name)); err == nil {
			removed++
		}
	}
	return removed
}
