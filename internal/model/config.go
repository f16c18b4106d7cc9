package model

import "time"

// ScraperConfig holds the mutable scraper settings.
//
// Bounds are declared as validator tags and enforced by the settings provider
// at the update boundary. A run always works on the copy taken at its start.
type ScraperConfig struct {
	Enabled         bool `json:"enabled"`
	IntervalMinutes int  `json:"interval_minutes" validate:"min=1,max=1440"`
	TimeoutMinutes  int  `json:"timeout_minutes" validate:"min=1,max=120"`
	MaxWorkers      int  `json:"max_workers" validate:"min=1,max=20"`
	RetryAttempts   int  `json:"retry_attempts" validate:"min=1,max=10"`

	// Schedule optionally overrides IntervalMinutes with a cron expression
	// ("0 */2 * * *", "@hourly") or an interval ("90m", "02:30"). Runs it
	// produces must be 1m to 24h apart, the same bounds as IntervalMinutes.
	Schedule string `json:"schedule,omitempty" validate:"omitempty,schedule"`

	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultScraperConfig returns the settings used when nothing was persisted yet.
func DefaultScraperConfig() ScraperConfig {
	return ScraperConfig{
		Enabled:         true,
		IntervalMinutes: 10,
		TimeoutMinutes:  5,
		MaxWorkers:      5,
		RetryAttempts:   3,
	}
}

func (c ScraperConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

func (c ScraperConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

// ConfigUpdate is a partial update. Nil fields are left unchanged.
type ConfigUpdate struct {
	Enabled         *bool   `json:"enabled,omitempty"`
	IntervalMinutes *int    `json:"interval_minutes,omitempty"`
	TimeoutMinutes  *int    `json:"timeout_minutes,omitempty"`
	MaxWorkers      *int    `json:"max_workers,omitempty"`
	RetryAttempts   *int    `json:"retry_attempts,omitempty"`
	Schedule        *string `json:"schedule,omitempty"`
}

func (u ConfigUpdate) IsEmpty() bool {
	return u.Enabled == nil && u.IntervalMinutes == nil && u.TimeoutMinutes == nil &&
		u.MaxWorkers == nil && u.RetryAttempts == nil && u.Schedule == nil
}

// Apply returns c with the non-nil fields of u applied. UpdatedAt is left to the caller.
func (u ConfigUpdate) Apply(c ScraperConfig) ScraperConfig {
	if u.Enabled != nil {
		c.Enabled = *u.Enabled
	}
	if u.IntervalMinutes != nil {
		c.IntervalMinutes = *u.IntervalMinutes
	}
	if u.TimeoutMinutes != nil {
		c.TimeoutMinutes = *u.TimeoutMinutes
	}
	if u.MaxWorkers != nil {
		c.MaxWorkers = *u.MaxWorkers
	}
	if u.RetryAttempts != nil {
		c.RetryAttempts = *u.RetryAttempts
	}
	if u.Schedule != nil {
		c.Schedule = *u.Schedule
	}
	return c
}
