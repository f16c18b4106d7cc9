package config

import (
	"errors"
	"fmt"
	"strings"
)

var knownDrivers = map[string]bool{"": true, "memory": true, "file": true, "sqlite": true, "sqlite3": true, "badger": true}

// Validate checks the parts of cfg that can be checked without side effects.
// Scraper settings bounds are enforced by the settings provider.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	for path, f := range cfg.durations() {
		if _, err := f.parse(path); err != nil {
			errs = append(errs, err)
		}
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if !knownDrivers[driver] {
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	} else if driver != "" && driver != "memory" && strings.TrimSpace(cfg.Storage.Path) == "" {
		errs = append(errs, fmt.Errorf("storage.path is required when storage.driver=%s", driver))
	}
	if cfg.Storage.Retention.MaxCount < 0 {
		errs = append(errs, errors.New("storage.retention.max_count must be >= 0"))
	}
	if cfg.Engine.RetryJitter < 0 || cfg.Engine.RetryJitter > 1 {
		errs = append(errs, errors.New("engine.retry_jitter must be within [0,1]"))
	}
	if cfg.Telegram.Enabled {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			errs = append(errs, errors.New("telegram.token is required when telegram.enabled"))
		}
		if cfg.Telegram.ChatID == 0 {
			errs = append(errs, errors.New("telegram.chat_id is required when telegram.enabled"))
		}
	}

	seen := make(map[string]bool, len(cfg.SearchUnits))
	for i, u := range cfg.SearchUnits {
		id := strings.TrimSpace(u.ID)
		switch {
		case id == "":
			errs = append(errs, fmt.Errorf("search_units[%d].id is required", i))
		case seen[id]:
			errs = append(errs, fmt.Errorf("search_units[%d].id %q is duplicated", i, id))
		}
		seen[id] = true
		if u.Pagination < 0 {
			errs = append(errs, fmt.Errorf("search_units[%d].pagination must be >= 0", i))
		}
	}
	return errors.Join(errs...)
}
