// Package scheduler triggers scrape runs on a cadence.
//
// The scheduler only decides when a run is due; execution belongs to the
// engine. A run is due once the cadence has elapsed since the end of the
// previous run, so a slow run pushes the next one back instead of piling up.
package scheduler
