package config

import (
	"strings"

	"scrapesched/internal/model"
)

// Config is the process configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// The scraper settings here only seed the persisted settings on first start;
// afterwards the API owns them.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	HTTP      HTTPConfig      `json:"http"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Engine    EngineConfig    `json:"engine"`
	Scraper   ScraperDefaults `json:"scraper"`
	Fetch     FetchConfig     `json:"fetch"`
	Telegram  TelegramConfig  `json:"telegram"`

	SearchUnits []model.SearchUnit `json:"search_units"`
	// SearchUnitsRequired turns an empty unit list into a fatal pre-flight error.
	SearchUnitsRequired bool `json:"search_units_required,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HTTPConfig controls the operations API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// StreamInterval is the websocket status push period (default "5s").
	StreamInterval string `json:"stream_interval,omitempty"`
}

// StorageConfig selects the execution history backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/scrapesched.db" }
type StorageConfig struct {
	Driver      string          `json:"driver"`
	Path        string          `json:"path"`
	BusyTimeout string          `json:"busy_timeout,omitempty"` // sqlite
	Retention   RetentionConfig `json:"retention,omitempty"`
}

type RetentionConfig struct {
	MaxCount int    `json:"max_count,omitempty"`
	MaxAge   string `json:"max_age,omitempty"`
}

type SchedulerConfig struct {
	// Autostart starts the tick loop with the process. Default true.
	Autostart *bool  `json:"autostart,omitempty"`
	Tick      string `json:"tick,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
}

func (s SchedulerConfig) AutostartEnabled() bool { return s.Autostart == nil || *s.Autostart }

type EngineConfig struct {
	LogDir           string  `json:"log_dir,omitempty"`
	LogMaxAge        string  `json:"log_max_age,omitempty"`
	DrainGrace       string  `json:"drain_grace,omitempty"`
	RetryBase        string  `json:"retry_base,omitempty"`
	RetryMaxDelay    string  `json:"retry_max_delay,omitempty"`
	RetryJitter      float64 `json:"retry_jitter,omitempty"`
	ProgressEvery    int     `json:"progress_every,omitempty"`
	ProgressInterval string  `json:"progress_interval,omitempty"`
}

// ScraperDefaults seeds the persisted scraper settings. Zero fields take the
// built-in defaults.
type ScraperDefaults struct {
	Enabled         *bool  `json:"enabled,omitempty"`
	IntervalMinutes int    `json:"interval_minutes,omitempty"`
	TimeoutMinutes  int    `json:"timeout_minutes,omitempty"`
	MaxWorkers      int    `json:"max_workers,omitempty"`
	RetryAttempts   int    `json:"retry_attempts,omitempty"`
	Schedule        string `json:"schedule,omitempty"`
}

// Seed returns the scraper settings described by d.
func (d ScraperDefaults) Seed() model.ScraperConfig {
	c := model.DefaultScraperConfig()
	if d.Enabled != nil {
		c.Enabled = *d.Enabled
	}
	if d.IntervalMinutes != 0 {
		c.IntervalMinutes = d.IntervalMinutes
	}
	if d.TimeoutMinutes != 0 {
		c.TimeoutMinutes = d.TimeoutMinutes
	}
	if d.MaxWorkers != 0 {
		c.MaxWorkers = d.MaxWorkers
	}
	if d.RetryAttempts != 0 {
		c.RetryAttempts = d.RetryAttempts
	}
	c.Schedule = strings.TrimSpace(d.Schedule)
	return c
}

// FetchConfig controls the HTTP listing fetcher.
type FetchConfig struct {
	UserAgent string         `json:"user_agent,omitempty"`
	Timeout   string         `json:"timeout,omitempty"`
	Selectors SelectorConfig `json:"selectors,omitempty"`
	// SinkPath is the JSON-lines file receiving scraped listings.
	SinkPath string `json:"sink_path,omitempty"`
}

// SelectorConfig holds goquery selectors for listing pages.
type SelectorConfig struct {
	Card  string `json:"card,omitempty"`
	Title string `json:"title,omitempty"`
	Price string `json:"price,omitempty"`
	Link  string `json:"link,omitempty"`
}

type TelegramConfig struct {
	Enabled      bool   `json:"enabled"`
	Token        string `json:"token,omitempty"`
	ChatID       int64  `json:"chat_id,omitempty"`
	ThreadID     int    `json:"thread_id,omitempty"`
	OnlyFailures bool   `json:"only_failures,omitempty"`
	RatePerSec   int    `json:"rate_per_sec,omitempty"`
}
