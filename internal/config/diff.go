package config

import (
	"reflect"
	"strings"

	logx "scrapesched/pkg/logx"
)

// Change summarizes a reload.
type Change struct {
	// Sections lists the top-level sections that differ.
	Sections []string
	// RestartRequired lists changed sections that only apply at startup.
	RestartRequired []string
	// Attrs are safe log fields; secrets are reported as set/unset only.
	Attrs []logx.Field
}

func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// SummarizeConfigChange compares two configs section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, restart bool, attrs ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		if restart {
			ch.RestartRequired = append(ch.RestartRequired, section)
		}
		ch.Attrs = append(ch.Attrs, attrs...)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging", false,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		mark("http", true,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		mark("storage", true,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		mark("scheduler", true, logx.String("scheduler.tick", newCfg.Scheduler.Tick))
	}
	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		mark("engine", true, logx.String("engine.log_dir", newCfg.Engine.LogDir))
	}
	if !reflect.DeepEqual(oldCfg.Scraper, newCfg.Scraper) {
		// Only seeds the persisted settings; edit them through the API.
		mark("scraper", false)
	}
	if !reflect.DeepEqual(oldCfg.Fetch, newCfg.Fetch) {
		mark("fetch", true, logx.String("fetch.sink_path", newCfg.Fetch.SinkPath))
	}
	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		mark("telegram", false,
			logx.Bool("telegram.enabled", newCfg.Telegram.Enabled),
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Bool("telegram.only_failures", newCfg.Telegram.OnlyFailures),
		)
	}
	if !reflect.DeepEqual(oldCfg.SearchUnits, newCfg.SearchUnits) || oldCfg.SearchUnitsRequired != newCfg.SearchUnitsRequired {
		active := 0
		for _, u := range newCfg.SearchUnits {
			if u.IsActive() {
				active++
			}
		}
		mark("search_units", false,
			logx.Int("search_units.count", len(newCfg.SearchUnits)),
			logx.Int("search_units.active", active),
		)
	}
	return ch
}
