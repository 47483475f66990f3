// Package storage provides the persistence layer for the dispatch core.
//
// It currently supports:
//   - SQLite (modernc.org/sqlite, pure Go) for durable state
//   - An in-memory store used by tests and for ephemeral runs
//
// Everything the scheduler needs to survive a restart lives here: tasks with
// their dispatch cursors, the account pool, targets, templates, rate records,
// flood waits, and delivery history.
package storage
