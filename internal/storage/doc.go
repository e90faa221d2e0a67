// Package storage persists the message activity the detectors read.
//
// Every inbound message is recorded as a "send" event, later edits and
// deletions as their own events, so the history of a message is never
// rewritten in place. Two drivers are available:
//   - "sqlite": a single SQLite file (modernc.org/sqlite, no cgo)
//   - "memory": process-local, for tests and throwaway runs
package storage
