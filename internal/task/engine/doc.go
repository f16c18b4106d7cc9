// Package engine executes scrape runs.
//
// An Engine owns the single-flight slot: at most one run is active per
// process. A run snapshots the scraper settings and the active search units,
// hands the units to the worker pool under a deadline, aggregates the
// outcomes and writes exactly one terminal record to the log store.
//
// Lifecycle of a record: pending, then running, then exactly one of
// completed, failed or cancelled. Terminal records are never written again.
package engine
