package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"scrapesched/internal/eventbus"
	"scrapesched/internal/model"
	rtsup "scrapesched/internal/runtime/supervisor"
	"scrapesched/internal/status"
	logx "scrapesched/pkg/logx"
)

// Engine starts and finalizes executions.
type Engine struct {
	cfg      Config
	provider model.ConfigProvider
	units    model.UnitSource
	fetcher  model.Fetcher
	store    model.LogStore
	status   *status.Reporter
	bus      eventbus.Bus
	log      logx.Logger

	sup   *rtsup.Supervisor
	now   func() time.Time
	newID func() (string, error)

	mu      sync.Mutex
	cur     *Run
	lastEnd time.Time
	closed  bool
}

type Option func(*Engine)

func WithConfig(cfg Config) Option             { return func(e *Engine) { e.cfg = cfg } }
func WithLogger(log logx.Logger) Option        { return func(e *Engine) { e.log = log } }
func WithBus(bus eventbus.Bus) Option          { return func(e *Engine) { e.bus = bus } }
func WithStatus(r *status.Reporter) Option     { return func(e *Engine) { e.status = r } }
func withIDs(fn func() (string, error)) Option { return func(e *Engine) { e.newID = fn } }

// New wires an engine. Call Recover before the first Start when the store
// may hold records of a previous process.
func New(provider model.ConfigProvider, units model.UnitSource, fetcher model.Fetcher, store model.LogStore, opts ...Option) *Engine {
	e := &Engine{
		provider: provider,
		units:    units,
		fetcher:  fetcher,
		store:    store,
		now:      time.Now,
		newID:    newExecutionID,
	}
	for _, o := range opts {
		o(e)
	}
	e.cfg = e.cfg.withDefaults()
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	if e.status == nil {
		e.status = status.New(e.cfg.DrainGrace)
	}
	e.sup = rtsup.New(context.Background(), rtsup.WithLogger(e.log))
	return e
}

// newExecutionID returns a time-ordered UUIDv7 so ids sort by start.
func newExecutionID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Running reports whether a run holds the single-flight slot.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cur != nil
}

// Current returns the id of the active run.
func (e *Engine) Current() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil {
		return "", false
	}
	return e.cur.id, true
}

// LastRunEnd is the end time of the most recent terminal run, zero if none.
func (e *Engine) LastRunEnd() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastEnd
}

// Status exposes the reporter the engine writes to.
func (e *Engine) Status() *status.Reporter { return e.status }

// Start begins a run. It returns model.ErrBusy when a run is active. A
// pre-flight failure returns a *model.FatalError together with the failed
// run when a record could be written.
//
// ctx only bounds pre-flight; the run itself is bound by the settings timeout.
func (e *Engine) Start(ctx context.Context, trigger model.Trigger) (*Run, error) {
	id, err := e.newID()
	if err != nil {
		return nil, model.Fatal("generate execution id", err)
	}
	r := &Run{id: id, trigger: trigger, done: make(chan struct{})}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, errors.New("engine closed")
	}
	if e.cur != nil {
		busy := e.cur.id
		e.mu.Unlock()
		e.log.Info("execution start refused", logx.String("trigger", string(trigger)), logx.String("running", busy))
		return nil, model.ErrBusy
	}
	e.cur = r
	e.mu.Unlock()

	cfg := e.provider.Get()
	start := e.now()
	rec := model.Execution{
		ID:        id,
		Status:    model.StatusPending,
		Trigger:   trigger,
		StartTime: start,
		Config:    &cfg,
	}

	units, uerr := e.units.ActiveUnits(ctx)
	if uerr != nil {
		var fe *model.FatalError
		if !errors.As(uerr, &fe) {
			uerr = model.Fatal("load search units", uerr)
		}
		return e.failPreflight(ctx, r, rec, false, uerr)
	}
	rec.UnitsTotal = len(units)

	runLog, closeLog := e.openRunLog(id)
	if closeLog != nil {
		rec.LogReference = filepath.Join(e.cfg.LogDir, runLogName(id))
	}

	if err := e.store.Append(ctx, rec); err != nil {
		closeLog.Close()
		e.release(r, time.Time{})
		close(r.done)
		return nil, model.Fatal("append execution", err)
	}

	running := model.StatusRunning
	if err := e.store.Update(ctx, id, model.ExecutionPatch{Status: &running}); err != nil {
		closeLog.Close()
		return e.failPreflight(ctx, r, rec, true, model.Fatal("mark execution running", err))
	}
	rec.Status = model.StatusRunning

	deadline := start.Add(cfg.Timeout())
	runCtx, cancel := context.WithCancelCause(e.sup.Context())
	runCtx, cancelDeadline := context.WithDeadlineCause(runCtx, deadline, model.ErrTimeout)

	e.mu.Lock()
	r.cancel = cancel
	e.mu.Unlock()

	runLog.Info("execution started",
		logx.String("trigger", string(trigger)),
		logx.Int("units", len(units)),
		logx.Int("max_workers", cfg.MaxWorkers),
		logx.Int("retry_attempts", cfg.RetryAttempts),
		logx.Time("deadline", deadline),
	)
	e.status.ExecutionStarted(id, len(units), deadline)
	e.publish(eventbus.ExecutionStarted, rec.Clone())

	e.sup.Go0("execution", func(context.Context) {
		defer cancelDeadline()
		defer cancel(nil)
		defer closeLog.Close()
		e.execute(runCtx, r, rec, cfg, units, runLog)
	})
	return r, nil
}

// RunSync starts a run and waits for its terminal record. When ctx ends
// first the run is cancelled and still awaited.
func (e *Engine) RunSync(ctx context.Context, trigger model.Trigger) (model.Execution, error) {
	r, err := e.Start(ctx, trigger)
	if r == nil {
		return model.Execution{}, err
	}
	if err != nil {
		return r.Result(), err
	}
	select {
	case <-r.Done():
	case <-ctx.Done():
		_ = e.Cancel("interrupted")
		<-r.Done()
	}
	return r.Result(), nil
}

// Cancel stops the active run cooperatively. The run is finalized as
// cancelled with reason in its error message.
func (e *Engine) Cancel(reason string) error {
	e.mu.Lock()
	r := e.cur
	var cancel func(error)
	if r != nil {
		cancel = r.cancel
	}
	e.mu.Unlock()
	if cancel == nil {
		return model.ErrNoRun
	}
	if reason == "" {
		reason = "by operator"
	}
	e.log.Info("execution cancel requested", logx.String("execution_id", r.id), logx.String("reason", reason))
	cancel(&cancelReason{reason: reason})
	return nil
}

// Close cancels the active run and waits for it to be finalized.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	_ = e.Cancel("shutdown")
	return e.sup.Stop(ctx)
}

// failPreflight writes a failed record for a run that never reached the pool.
func (e *Engine) failPreflight(ctx context.Context, r *Run, rec model.Execution, appended bool, cause error) (*Run, error) {
	end := e.now()
	rec.Status = model.StatusFailed
	rec.EndTime = &end
	rec.ErrorMessage = cause.Error()

	var err error
	if appended {
		err = e.store.Update(ctx, rec.ID, model.PatchOf(rec))
	} else {
		err = e.store.Append(ctx, rec)
	}
	if err != nil {
		e.log.Error("write failed execution", logx.String("execution_id", rec.ID), logx.Err(err))
	}

	e.log.Error("execution failed before start", logx.String("execution_id", rec.ID), logx.Err(cause))
	r.result = rec
	e.release(r, end)
	e.status.SetLastExecution(rec)
	e.publish(eventbus.ExecutionFinished, rec.Clone())
	close(r.done)
	return r, cause
}

// release frees the single-flight slot. A non-zero end becomes the last run end.
func (e *Engine) release(r *Run, end time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == r {
		e.cur = nil
	}
	if !end.IsZero() {
		e.lastEnd = end
	}
}

func (e *Engine) publish(typ string, data any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Time: e.now(), Data: data})
}

func runLogName(id string) string { return "execution_" + id + ".log" }

type fileCloser struct{ f *os.File }

func (c *fileCloser) Close() {
	if c != nil && c.f != nil {
		_ = c.f.Close()
	}
}

// openRunLog tees the engine logger into the per-run file. A nil closer
// means no file was opened.
func (e *Engine) openRunLog(id string) (logx.Logger, *fileCloser) {
	log := e.log.With(logx.String("execution_id", id))
	if e.cfg.LogDir == "" {
		return log, nil
	}
	if err := os.MkdirAll(e.cfg.LogDir, 0o755); err != nil {
		e.log.Warn("run log dir unavailable", logx.String("dir", e.cfg.LogDir), logx.Err(err))
		return log, nil
	}
	f, err := os.OpenFile(filepath.Join(e.cfg.LogDir, runLogName(id)), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		e.log.Warn("run log unavailable", logx.String("execution_id", id), logx.Err(err))
		return log, nil
	}
	return log.Tee(f, logx.LevelDebug), &fileCloser{f: f}
}
