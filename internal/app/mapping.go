package app

import (
	"fmt"
	"strings"
	"time"

	"scrapesched/internal/api"
	"scrapesched/internal/config"
	"scrapesched/internal/fetch/httpfetch"
	"scrapesched/internal/notifier"
	"scrapesched/internal/storage"
	"scrapesched/internal/task/engine"
	"scrapesched/internal/task/scheduler"
	logx "scrapesched/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	maxAge, err := cfg.Duration("storage.retention.max_age")
	if err != nil {
		return storage.Config{}, err
	}
	out := storage.Config{
		Driver:    driver,
		Path:      path,
		Retention: storage.Retention{MaxCount: sc.Retention.MaxCount, MaxAge: maxAge},
	}
	switch driver {
	case "", "memory":
	case "file", "badger":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		out.BusyTimeout, err = cfg.Duration("storage.busy_timeout")
		if err != nil {
			return storage.Config{}, err
		}
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	ec := cfg.Engine
	var (
		out engine.Config
		err error
	)
	out.LogDir = strings.TrimSpace(ec.LogDir)
	out.RetryJitter = ec.RetryJitter
	out.ProgressEvery = ec.ProgressEvery
	fields := map[string]*time.Duration{
		"engine.log_max_age":       &out.LogMaxAge,
		"engine.drain_grace":       &out.DrainGrace,
		"engine.retry_base":        &out.RetryBase,
		"engine.retry_max_delay":   &out.RetryMaxDelay,
		"engine.progress_interval": &out.ProgressInterval,
	}
	for path, dst := range fields {
		if *dst, err = cfg.Duration(path); err != nil {
			return engine.Config{}, err
		}
	}
	// Run logs follow the history retention unless set on their own.
	if out.LogMaxAge == 0 {
		if out.LogMaxAge, err = cfg.Duration("storage.retention.max_age"); err != nil {
			return engine.Config{}, err
		}
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tick, err := cfg.Duration("scheduler.tick")
	if err != nil {
		return scheduler.Config{}, err
	}
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return scheduler.Config{Tick: tick, Timezone: tz}, nil
}

func mapFetchConfig(cfg *config.Config) (httpfetch.Config, error) {
	timeout, err := cfg.Duration("fetch.timeout")
	if err != nil {
		return httpfetch.Config{}, err
	}
	sel := cfg.Fetch.Selectors
	return httpfetch.Config{
		UserAgent: strings.TrimSpace(cfg.Fetch.UserAgent),
		Timeout:   timeout,
		Selectors: httpfetch.Selectors{Card: sel.Card, Title: sel.Title, Price: sel.Price, Link: sel.Link},
	}, nil
}

func mapAPIConfig(cfg *config.Config) (api.Config, error) {
	hc := cfg.HTTP
	out := api.Config{
		Enabled:       hc.Enabled,
		Addr:          strings.TrimSpace(hc.Addr),
		Token:         strings.TrimSpace(hc.Token),
		AllowInsecure: hc.AllowInsecure,
	}
	var err error
	if out.ReadTimeout, err = cfg.Duration("http.read_timeout"); err != nil {
		return api.Config{}, err
	}
	// The status stream is long-lived; a write timeout only bounds plain handlers.
	if out.WriteTimeout, err = cfg.Duration("http.write_timeout"); err != nil {
		return api.Config{}, err
	}
	if out.IdleTimeout, err = cfg.Duration("http.idle_timeout"); err != nil {
		return api.Config{}, err
	}
	if out.StreamInterval, err = cfg.Duration("http.stream_interval"); err != nil {
		return api.Config{}, err
	}
	return out, nil
}

// mapNotifierConfig builds the report pipeline config. Reports are only
// enabled when a sender could be built.
func mapNotifierConfig(cfg *config.Config, haveSender bool) notifier.Config {
	tc := cfg.Telegram
	return notifier.Config{
		Enabled:         tc.Enabled && haveSender,
		Target:          notifier.Target{ChatID: tc.ChatID, ThreadID: tc.ThreadID},
		OnlyFailures:    tc.OnlyFailures,
		Workers:         1,
		QueueSize:       64,
		RatePerSec:      tc.RatePerSec,
		RetryMax:        3,
		RetryBase:       500 * time.Millisecond,
		RetryMaxDelay:   10 * time.Second,
		DedupWindow:     time.Hour,
		DedupMaxEntries: 500,
	}
}
