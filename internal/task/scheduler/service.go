package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"scrapesched/internal/eventbus"
	"scrapesched/internal/model"
	rtsup "scrapesched/internal/runtime/supervisor"
	"scrapesched/internal/status"
	"scrapesched/internal/task/engine"
	logx "scrapesched/pkg/logx"
)

const defaultTick = 5 * time.Second

// Service runs the tick loop between Start and Stop.
type Service struct {
	cfg      Config
	loc      *time.Location
	settings model.ConfigProvider
	runner   Runner
	status   *status.Reporter
	bus      eventbus.Bus
	log      logx.Logger

	mu  sync.Mutex
	sup *rtsup.Supervisor // non-nil while running
}

func New(cfg Config, settings model.ConfigProvider, runner Runner, st *status.Reporter, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Tick <= 0 {
		cfg.Tick = defaultTick
	}
	if st == nil {
		st = status.New(0)
	}
	s := &Service{cfg: cfg, settings: settings, runner: runner, status: st, bus: bus, log: log}
	s.loc = s.loadLocation()
	return s
}

func (s *Service) loadLocation() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Running reports whether the tick loop is active.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup != nil
}

// Start begins ticking. The first tick runs right away, so a scheduler with no
// previous run starts one immediately. Starting a running scheduler is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	// The loop outlives the caller's request context.
	sup := rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(s.log))
	s.sup = sup
	s.status.SetSchedulerRunning(true)
	sup.GoRestart("scheduler.loop", s.loop, rtsup.WithRestartBackoff(time.Second, time.Minute))

	s.log.Info("scheduler started", logx.Duration("tick", s.cfg.Tick), logx.String("tz", s.loc.String()))
	s.publish(eventbus.SchedulerStarted)
}

// Stop halts the tick loop. An in-flight run keeps going.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}

	start := time.Now()
	err := sup.Stop(ctx)
	s.status.SetSchedulerRunning(false)
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	s.publish(eventbus.SchedulerStopped)
	return err
}

// RunNow starts a manual run, bypassing the cadence. It returns
// model.ErrBusy when a run is active.
func (s *Service) RunNow(ctx context.Context) (*engine.Run, error) {
	return s.runner.Start(ctx, model.TriggerManual)
}

func (s *Service) loop(ctx context.Context) error {
	var events <-chan eventbus.Event
	if s.bus != nil {
		ch, unsub := s.bus.Subscribe(8, eventbus.ExecutionFinished, eventbus.ConfigUpdated)
		defer unsub()
		events = ch
	}

	s.tick(ctx)
	t := time.NewTicker(s.cfg.Tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.tick(ctx)
		case <-events:
			s.refresh(s.settings.Get())
		}
	}
}

// tick starts a run when one is due and the engine is idle, then refreshes
// the next run time.
func (s *Service) tick(ctx context.Context) {
	cfg := s.settings.Get()
	if !cfg.Enabled {
		s.status.ClearNextRun()
		return
	}
	next, ok := s.nextDue(cfg)
	if ok && !time.Now().Before(next) {
		if s.runner.Running() {
			s.log.Debug("scheduled run skipped: busy")
		} else {
			s.trigger(ctx)
		}
	}
	s.refresh(cfg)
}

func (s *Service) trigger(ctx context.Context) {
	r, err := s.runner.Start(ctx, model.TriggerSchedule)
	var fatal *model.FatalError
	switch {
	case err == nil:
		s.log.Info("scheduled run started", logx.String("execution_id", r.ID()))
	case errors.Is(err, model.ErrBusy):
		s.log.Debug("scheduled run skipped: busy")
	case errors.As(err, &fatal):
		s.log.Error("scheduled run failed to start", logx.Err(err))
	default:
		s.log.Warn("scheduled run not started", logx.Err(err))
	}
}

// nextDue returns the time the next run becomes due. A zero time means due now
// because nothing ran yet. ok is false when the cadence is unusable.
func (s *Service) nextDue(cfg model.ScraperConfig) (time.Time, bool) {
	cad, err := CadenceOf(cfg, s.loc)
	if err != nil {
		s.log.Warn("invalid cadence", logx.String("schedule", cfg.Schedule), logx.Err(err))
		return time.Time{}, false
	}
	last := s.runner.LastRunEnd()
	if last.IsZero() {
		return time.Time{}, true
	}
	return cad.Next(last), true
}

// refresh publishes the next run time. While a run is active the next run
// depends on its end, so none is shown.
func (s *Service) refresh(cfg model.ScraperConfig) {
	if !s.Running() || !cfg.Enabled || s.runner.Running() {
		s.status.ClearNextRun()
		return
	}
	next, ok := s.nextDue(cfg)
	if !ok {
		s.status.ClearNextRun()
		return
	}
	s.status.SetNextRun(next)
}

// Snapshot reports the scheduler state.
func (s *Service) Snapshot() Snapshot {
	cfg := s.settings.Get()
	snap := Snapshot{Enabled: cfg.Enabled, Timezone: s.loc.String()}
	s.mu.Lock()
	if s.sup != nil {
		c := s.sup.Counters()
		snap.Running = true
		snap.Loop = &c
	}
	s.mu.Unlock()
	if cad, err := CadenceOf(cfg, s.loc); err == nil {
		snap.Cadence = cad.String()
	}
	if last := s.runner.LastRunEnd(); !last.IsZero() {
		snap.LastEnd = &last
	}
	if next, ok := s.nextDue(cfg); ok && snap.Enabled && !next.IsZero() {
		snap.Next = &next
	}
	return snap
}

func (s *Service) publish(typ string) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ})
	}
}
