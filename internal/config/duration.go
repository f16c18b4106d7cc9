package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// durationField is one duration-valued option with its default and ceiling.
type durationField struct {
	raw string
	def time.Duration // used when unset or zero
	max time.Duration // 0 means unbounded
}

// durations lists every duration option by its dotted path.
func (c *Config) durations() map[string]durationField {
	return map[string]durationField{
		"http.read_timeout":         {raw: c.HTTP.ReadTimeout, def: 10 * time.Second},
		"http.write_timeout":        {raw: c.HTTP.WriteTimeout},
		"http.idle_timeout":         {raw: c.HTTP.IdleTimeout, def: time.Minute},
		"http.stream_interval":      {raw: c.HTTP.StreamInterval},
		"storage.busy_timeout":      {raw: c.Storage.BusyTimeout, def: time.Second},
		"storage.retention.max_age": {raw: c.Storage.Retention.MaxAge},
		// Cadences are whole minutes, so a slower tick would start runs late.
		"scheduler.tick":           {raw: c.Scheduler.Tick, def: 5 * time.Second, max: time.Minute},
		"engine.log_max_age":       {raw: c.Engine.LogMaxAge},
		"engine.drain_grace":       {raw: c.Engine.DrainGrace},
		"engine.retry_base":        {raw: c.Engine.RetryBase},
		"engine.retry_max_delay":   {raw: c.Engine.RetryMaxDelay},
		"engine.progress_interval": {raw: c.Engine.ProgressInterval},
		"fetch.timeout":            {raw: c.Fetch.Timeout},
	}
}

// Duration returns the option at path with its default applied. A bare
// number is read as seconds.
func (c *Config) Duration(path string) (time.Duration, error) {
	f, ok := c.durations()[path]
	if !ok {
		return 0, fmt.Errorf("%s: not a duration option", path)
	}
	return f.parse(path)
}

func (f durationField) parse(path string) (time.Duration, error) {
	s := strings.TrimSpace(f.raw)
	if s == "" {
		return f.def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		n, nerr := strconv.ParseFloat(s, 64)
		if nerr != nil {
			return 0, fmt.Errorf("%s: invalid duration %q: %w", path, f.raw, err)
		}
		d = time.Duration(n * float64(time.Second))
	}
	switch {
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	case d == 0:
		return f.def, nil
	case f.max > 0 && d > f.max:
		return 0, fmt.Errorf("%s: %s exceeds %s", path, d, f.max)
	}
	return d, nil
}
