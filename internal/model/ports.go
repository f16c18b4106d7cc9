package model

import "context"

// ConfigProvider owns the scraper settings.
type ConfigProvider interface {
	Get() ScraperConfig
	Update(ctx context.Context, upd ConfigUpdate) (ScraperConfig, error)
}

// UnitSource lists the search units of the next run, in dispatch order.
type UnitSource interface {
	ActiveUnits(ctx context.Context) ([]SearchUnit, error)
}

// FetchResult is the outcome of one successful fetch.
type FetchResult struct {
	PropertiesFound int `json:"properties_found"`
	PropertiesSaved int `json:"properties_saved"`
}

// Fetcher scrapes one search unit.
type Fetcher interface {
	Fetch(ctx context.Context, unit SearchUnit) (FetchResult, error)
}

// FetchFunc adapts a function to Fetcher.
type FetchFunc func(ctx context.Context, unit SearchUnit) (FetchResult, error)

func (f FetchFunc) Fetch(ctx context.Context, unit SearchUnit) (FetchResult, error) {
	return f(ctx, unit)
}

// LogStore is the durable execution history.
type LogStore interface {
	Append(ctx context.Context, e Execution) error
	Update(ctx context.Context, id string, patch ExecutionPatch) error
	Get(ctx context.Context, id string) (Execution, error)
	// Recent returns up to n executions, most recent first.
	Recent(ctx context.Context, n int) ([]Execution, error)
}
