// Package storage persists the execution history and the scraper settings.
//
// Drivers:
//   - "memory": process-local, for tests and one-shot CLI runs
//   - "file":   JSON Lines journal + periodic snapshot, no external deps
//   - "sqlite": SQLite database file (modernc.org/sqlite, cgo-free)
//   - "badger": Badger key-value directory via badgerhold
//
// Every driver enforces the retention policy on append and refuses to
// patch a record that already reached a terminal status.
package storage
