// Package store provides persistent storage for the C2 server using SQLite.
//
// # Architecture
//
// The package exposes three repository interfaces composed into Store:
//
//   - OperationStore: operations queued for agents and their state transitions
//   - HistoryStore: append-only events recording who changed an operation
//   - AgentStore: last-seen records for agents, agent classes and agent manifests
//
// SQLiteStore implements all of them in a single struct. MockStore is an in-memory
// implementation with the same semantics for tests.
//
// # Operations
//
// An Operation targets one agent and carries an ordered list of dependency ids.
// States:
//
//	QUEUED -> EXECUTING -> COMPLETED | CANCELLED | FAILED | NOT_APPLIED
//
// TransitionOperation never leaves a terminal state; the guard is evaluated inside
// the UPDATE statement, so two concurrent acknowledgements cannot both win.
//
// # SQLite Configuration
//
// Two drivers are supported:
//
//	database:
//	  driver: "sqlite"   # modernc.org/sqlite, pure Go (default)
//	  driver: "sqlite3"  # github.com/mattn/go-sqlite3, cgo
//
// File databases run in WAL mode. The pool is pinned to a single connection.
// Timestamps are stored as UTC unix nanoseconds so creation order is exact.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateOperation: operation id already used
package store
