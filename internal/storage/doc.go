// Package storage persists accounts, send logs, session backup records and
// opaque settings blobs (relay configuration).
//
// It currently supports:
//   - SQLite (modernc.org/sqlite, pure Go)
//   - A dependency-free file backend (json snapshot + jsonl logs)
package storage
