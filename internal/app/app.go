package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"scrapesched/internal/api"
	"scrapesched/internal/config"
	"scrapesched/internal/eventbus"
	"scrapesched/internal/fetch/httpfetch"
	"scrapesched/internal/model"
	"scrapesched/internal/notifier"
	"scrapesched/internal/notifier/telegram"
	rtsup "scrapesched/internal/runtime/supervisor"
	"scrapesched/internal/settings"
	"scrapesched/internal/status"
	"scrapesched/internal/storage"
	"scrapesched/internal/task/engine"
	"scrapesched/internal/task/scheduler"
	logx "scrapesched/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	settings *settings.Provider
	fetcher  *httpfetch.Fetcher
	status   *status.Reporter
	engine   *engine.Engine
	sched    *scheduler.Service
	api      *api.Service
	notif    *notifier.Service

	// telegramToken is the token the sender was built with.
	telegramToken string
}

// NewApp loads the config file and wires every component. Nothing runs
// until Start or RunOnce.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.NewService(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, logSvc.Logger().With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", driverName(sc.Driver)))

	// Close the store on any later wiring failure.
	ok := false
	defer func() {
		if !ok {
			_ = store.Close()
		}
	}()

	bootCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	provider, err := settings.New(bootCtx, store, cfg.Scraper.Seed(),
		settings.WithBus(bus),
		settings.WithLogger(logSvc.Logger().With(logx.String("comp", "settings"))),
	)
	if err != nil {
		return nil, err
	}

	fc, err := mapFetchConfig(cfg)
	if err != nil {
		return nil, err
	}
	var sink httpfetch.Sink
	if p := strings.TrimSpace(cfg.Fetch.SinkPath); p != "" {
		fs, err := httpfetch.OpenFileSink(p)
		if err != nil {
			return nil, fmt.Errorf("open listing sink: %w", err)
		}
		sink = fs
	}
	fetcher := httpfetch.New(fc, sink, logSvc.Logger().With(logx.String("comp", "fetch")))

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	reporter := status.New(engCfg.DrainGrace)
	eng := engine.New(provider, config.NewUnitSource(cfgm), fetcher, store,
		engine.WithConfig(engCfg),
		engine.WithStatus(reporter),
		engine.WithBus(bus),
		engine.WithLogger(logSvc.Logger().With(logx.String("comp", "engine"))),
	)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedCfg, provider, eng, reporter,
		logSvc.Logger().With(logx.String("comp", "scheduler")), bus)

	apiCfg, err := mapAPIConfig(cfg)
	if err != nil {
		return nil, err
	}
	apiSvc := api.New(apiCfg, api.Deps{
		Settings:  provider,
		Scheduler: sched,
		Engine:    eng,
		Store:     store,
		Status:    reporter,
		Bus:       bus,
	}, logSvc.Logger().With(logx.String("comp", "api")))

	var sender notifier.Sender
	token := strings.TrimSpace(cfg.Telegram.Token)
	if token != "" {
		tg, err := telegram.New(telegram.Config{Token: token})
		if err != nil {
			return nil, err
		}
		sender = tg
	}
	notif := notifier.New(mapNotifierConfig(cfg, sender != nil), sender,
		logSvc.Logger().With(logx.String("comp", "notifier")), bus)

	ok = true
	return &App{
		cfgPath:       cfgPath,
		cfgm:          cfgm,
		log:           log,
		logs:          logSvc,
		bus:           bus,
		store:         store,
		settings:      provider,
		fetcher:       fetcher,
		status:        reporter,
		engine:        eng,
		sched:         sched,
		api:           apiSvc,
		notif:         notif,
		telegramToken: token,
	}, nil
}

func driverName(d string) string {
	if d == "" {
		return "memory"
	}
	return d
}

func (a *App) Config() *config.Config       { return a.cfgm.Get() }
func (a *App) Store() model.LogStore        { return a.store }
func (a *App) Status() *status.Reporter     { return a.status }
func (a *App) Settings() *settings.Provider { return a.settings }
func (a *App) Logger() logx.Logger          { return a.log }

// APIAddr is the bound API address, or "" while the API is not serving.
func (a *App) APIAddr() string { return a.api.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// RunOnce finalizes interrupted records and runs one execution in the
// foreground, without the scheduler or the API.
func (a *App) RunOnce(ctx context.Context) (model.Execution, error) {
	if err := a.engine.Recover(ctx); err != nil {
		return model.Execution{}, fmt.Errorf("recover: %w", err)
	}
	return a.engine.RunSync(ctx, model.TriggerCLI)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapEngineConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapFetchConfig(cfg); err != nil {
			return err
		}
		_, err := mapAPIConfig(cfg)
		return err
	})

	recoverCtx, cancel := context.WithTimeout(a.sup.Context(), 10*time.Second)
	err := a.engine.Recover(recoverCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("recover executions: %w", err)
	}

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	if a.api.Enabled() {
		a.api.Start(a.sup.Context())
	}
	if a.cfgm.Get().Scheduler.AutostartEnabled() {
		a.sched.Start(a.sup.Context())
	} else {
		a.log.Info("scheduler autostart disabled; start it through the api")
	}

	// Optional: log events for observability/debug (components can also subscribe themselves).
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Progress is frequent; keep this at debug.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("config", a.cfgPath))
	return nil
}

// applyConfig applies the live parts of a reloaded config. Search units need
// no action: the unit source reads the committed config on every run.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	ch := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(ch.Sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Debug("config change summary", fields...)

	if ch.Has("logging") {
		a.logs.Apply(mapLogConfig(newCfg))
	}

	if ch.Has("http") {
		if ac, err := mapAPIConfig(newCfg); err != nil {
			a.log.Warn("invalid http config; keeping previous", logx.Err(err))
		} else {
			a.api.Reconfigure(ctx, ac)
		}
	}

	if ch.Has("telegram") {
		token := strings.TrimSpace(newCfg.Telegram.Token)
		if token != a.telegramToken {
			a.log.Warn("telegram token changed; restart required for it to take effect")
		}
		prev := a.notif.Enabled()
		ncfg := mapNotifierConfig(newCfg, a.telegramToken != "")
		a.notif.Apply(ncfg)
		switch {
		case prev && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			_ = a.notif.Stop(stopCtx)
			cancel()
		case !prev && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	for _, s := range ch.RestartRequired {
		if s == "http" {
			// Applied above by restarting the listener.
			continue
		}
		a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeResources()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; a late finish is logged as a leak signal.
			elapsed := time.Since(start)
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", elapsed),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Scheduler first so no new run starts while the engine drains.
	step("scheduler", 2*time.Second, a.sched.Stop)
	step("api", 2*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	step("engine", 10*time.Second, a.engine.Close)
	step("notifier", 3*time.Second, a.notif.Stop)
	step("fetcher", 500*time.Millisecond, func(context.Context) error { a.fetcher.Close(); return nil })
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, event log).
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

// closeResources releases what NewApp opened when Start never ran.
func (a *App) closeResources() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := a.engine.Close(ctx)
	a.fetcher.Close()
	if cerr := a.store.Close(); err == nil {
		err = cerr
	}
	_ = a.logs.Close()
	return err
}
