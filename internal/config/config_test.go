package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"scrapesched/internal/model"
)

const jsonConfig = `{
  "logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
  "http": {"enabled": true, "addr": "127.0.0.1:8080"},
  "storage": {"driver": "sqlite", "path": "./data/history.db", "retention": {"max_count": 100, "max_age": "720h"}},
  "scheduler": {"tick": "5s"},
  "engine": {"log_dir": "./logs", "drain_grace": "5s"},
  "scraper": {"interval_minutes": 15, "max_workers": 4},
  "fetch": {"user_agent": "scrapesched/1.0", "selectors": {"card": ".auction-card"}},
  "telegram": {"enabled": false},
  "search_units": [
    {"id": "lisbon", "name": "Lisbon", "url": "https://example.test/search", "search_value": "lisboa"},
    {"id": "porto", "active": false},
    {"id": "faro", "pagination": 2}
  ]
}`

const yamlConfig = `
logging:
  level: info
  console: true
storage:
  driver: badger
  path: ./data/badger
scraper:
  schedule: "@hourly"
search_units:
  - id: lisbon
    ne_lat: 38.8
    ne_long: -9.0
`

const tomlConfig = `
[logging]
level = "warn"

[storage]
driver = "file"
path = "./data/history.json"

[[search_units]]
id = "braga"
pagination = 3
`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadFormats(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    string
		body     string
		then     func(t *testing.T, cfg *Config)
	}{
		{"json", "config.json", jsonConfig, func(t *testing.T, cfg *Config) {
			require.Equal(t, "sqlite", cfg.Storage.Driver)
			require.Equal(t, 100, cfg.Storage.Retention.MaxCount)
			require.Len(t, cfg.SearchUnits, 3)
			seed := cfg.Scraper.Seed()
			require.Equal(t, 15, seed.IntervalMinutes)
			require.Equal(t, 4, seed.MaxWorkers)
			require.Equal(t, 5, seed.TimeoutMinutes, "zero fields keep defaults")
			require.True(t, seed.Enabled)
		}},
		{"yaml", "config.yaml", yamlConfig, func(t *testing.T, cfg *Config) {
			require.Equal(t, "badger", cfg.Storage.Driver)
			require.Equal(t, "@hourly", cfg.Scraper.Seed().Schedule)
			require.InDelta(t, 38.8, cfg.SearchUnits[0].NELat, 1e-9)
		}},
		{"toml", "config.toml", tomlConfig, func(t *testing.T, cfg *Config) {
			require.Equal(t, "warn", cfg.Logging.Level)
			require.Equal(t, "file", cfg.Storage.Driver)
			require.Equal(t, 3, cfg.SearchUnits[0].Pagination)
		}},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			m := NewConfigManager(writeConfig(t, tt.given, tt.body))
			cfg, err := m.Load()
			require.NoError(t, err)
			require.Same(t, cfg, m.Get())
			tt.then(t, cfg)
		})
	}
}

func TestParseIsStrict(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    string
		then     string
	}{
		{"unknown field", `{"logging": {"levle": "debug"}}`, "unknown field"},
		{"trailing data", `{} {}`, "trailing data"},
		{"unknown unit field", `{"search_units": [{"id": "a", "radius": 3}]}`, "unknown field"},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			_, err := NewConfigManager(writeConfig(t, "config.json", tt.given)).Parse()
			require.ErrorContains(t, err, tt.then)
		})
	}
}

func TestValidate(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    func(c *Config)
		then     string
	}{
		{"bad duration", func(c *Config) { c.Engine.DrainGrace = "soon" }, "engine.drain_grace"},
		{"negative duration", func(c *Config) { c.Fetch.Timeout = "-1s" }, "fetch.timeout: duration must be >= 0"},
		{"tick slower than a minute", func(c *Config) { c.Scheduler.Tick = "2m" }, "scheduler.tick"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }, "unknown driver"},
		{"driver without path", func(c *Config) { c.Storage.Driver = "sqlite" }, "storage.path is required"},
		{"duplicate unit", func(c *Config) {
			c.SearchUnits = []model.SearchUnit{{ID: "a"}, {ID: "a"}}
		}, "duplicated"},
		{"unit without id", func(c *Config) { c.SearchUnits = []model.SearchUnit{{Name: "x"}} }, "id is required"},
		{"telegram without chat", func(c *Config) {
			c.Telegram = TelegramConfig{Enabled: true, Token: "t"}
		}, "telegram.chat_id"},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			cfg := &Config{}
			tt.given(cfg)
			require.ErrorContains(t, Validate(cfg), tt.then)
		})
	}
	require.NoError(t, Validate(&Config{}))
}

func TestDuration(t *testing.T) {
	cfg := &Config{}
	cfg.Scheduler.Tick = "15"
	cfg.HTTP.ReadTimeout = "0s"
	cfg.Fetch.Timeout = " 1m30s "

	var testCases = []struct {
		scenario string
		given    string
		then     time.Duration
	}{
		{"bare number is seconds", "scheduler.tick", 15 * time.Second},
		{"zero falls back to default", "http.read_timeout", 10 * time.Second},
		{"unset falls back to default", "http.idle_timeout", time.Minute},
		{"unset without default", "engine.drain_grace", 0},
		{"go duration", "fetch.timeout", 90 * time.Second},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			d, err := cfg.Duration(tt.given)
			require.NoError(t, err)
			require.Equal(t, tt.then, d)
		})
	}

	_, err := cfg.Duration("engine.nap")
	require.ErrorContains(t, err, "not a duration option")
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Setenv(EnvAPIToken, "from-env")
	t.Setenv(EnvTelegramToken, "tg-env")
	cfg, err := NewConfigManager(writeConfig(t, "config.json", `{"http": {"token": "from-file"}}`)).Parse()
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.HTTP.Token)
	require.Equal(t, "tg-env", cfg.Telegram.Token)
}

func TestUnitSource(t *testing.T) {
	ctx := context.Background()
	m := NewConfigManager(writeConfig(t, "config.json", jsonConfig))
	src := NewUnitSource(m)

	_, err := src.ActiveUnits(ctx)
	var fe *model.FatalError
	require.ErrorAs(t, err, &fe, "nothing committed yet")

	_, err = m.Load()
	require.NoError(t, err)
	units, err := src.ActiveUnits(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"lisbon", "faro"}, []string{units[0].ID, units[1].ID})

	m.Commit(&Config{SearchUnitsRequired: true})
	_, err = src.ActiveUnits(ctx)
	require.ErrorAs(t, err, &fe)
}

func TestWatchPublishesValidChanges(t *testing.T) {
	path := writeConfig(t, "config.json", `{"search_units": [{"id": "a"}]}`)
	m := NewConfigManager(path)
	m.debounce = 10 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(4)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	// An invalid edit is rejected and the committed config stays.
	require.NoError(t, os.WriteFile(path, []byte(`{"search_units": [{"id": "a"}, {"id": "a"}]}`), 0o600))
	time.Sleep(200 * time.Millisecond)
	require.Len(t, m.Get().SearchUnits, 1)

	require.NoError(t, os.WriteFile(path, []byte(`{"search_units": [{"id": "a"}, {"id": "b"}]}`), 0o600))
	select {
	case cfg := <-ch:
		require.Len(t, cfg.SearchUnits, 2)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload published")
	}
	require.Len(t, m.Get().SearchUnits, 2)
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{Logging: LoggingConfig{Level: "info"}, HTTP: HTTPConfig{Addr: ":8080"}}
	newCfg := &Config{Logging: LoggingConfig{Level: "debug"}, HTTP: HTTPConfig{Addr: ":9090", Token: "secret"},
		SearchUnits: []model.SearchUnit{{ID: "a"}}}

	ch := SummarizeConfigChange(oldCfg, newCfg)
	require.Equal(t, []string{"logging", "http", "search_units"}, ch.Sections)
	require.Equal(t, []string{"http"}, ch.RestartRequired)
	require.True(t, ch.Has("logging"))
	require.False(t, ch.Has("telegram"))
}
