package storage

import (
	"context"
	"time"

	"scrapesched/internal/model"
)

// Config configures storage.
//
// Driver values: "memory" (default when empty), "file", "sqlite", "badger".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Retention   Retention
}

// Retention bounds the history. Zero values disable a bound.
// Records that are still pending or running are never pruned.
type Retention struct {
	MaxCount int
	MaxAge   time.Duration
}

func (r Retention) Enabled() bool { return r.MaxCount > 0 || r.MaxAge > 0 }

// Store is the execution log plus settings persistence.
type Store interface {
	model.LogStore

	// LoadSettings returns ok=false when nothing was saved yet.
	LoadSettings(ctx context.Context) (cfg model.ScraperConfig, ok bool, err error)
	SaveSettings(ctx context.Context, cfg model.ScraperConfig) error

	Close() error
}
