// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite or mattn/go-sqlite3
// ABOUTME: Provides operation and agent persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names
const (
	DriverModernc = "sqlite"  // pure Go, default
	DriverCGO     = "sqlite3" // mattn/go-sqlite3, requires cgo
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path using the pure Go driver.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return Open(DriverModernc, path)
}

// Open creates a SQLite store using the named database/sql driver.
func Open(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	switch driver {
	case "":
		driver = DriverModernc
	case DriverModernc, DriverCGO:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	inMemory := path == ":memory:"
	if !inMemory {
		// Ensure parent directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite has a single writer. One connection avoids SQLITE_BUSY between pooled
	// connections and keeps a :memory: database shared.
	db.SetMaxOpenConns(1)

	if !inMemory {
		// Enable WAL mode for better concurrent performance
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS operations (
			id           TEXT PRIMARY KEY,
			agent_id     TEXT NOT NULL,
			type         TEXT NOT NULL,
			operand      TEXT NOT NULL DEFAULT '',
			state        TEXT NOT NULL,
			dependencies TEXT NOT NULL DEFAULT '[]',
			content      TEXT,
			details      TEXT NOT NULL DEFAULT '',
			created_by   TEXT NOT NULL DEFAULT '',
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL,

			CHECK (state IN ('QUEUED', 'EXECUTING', 'COMPLETED', 'CANCELLED', 'FAILED', 'NOT_APPLIED'))
		);

		CREATE INDEX IF NOT EXISTS idx_operations_agent_state ON operations(agent_id, state);
		CREATE INDEX IF NOT EXISTS idx_operations_created ON operations(created_at);

		CREATE TABLE IF NOT EXISTS operation_events (
			id           TEXT PRIMARY KEY,
			operation_id TEXT NOT NULL,
			agent_id     TEXT NOT NULL,
			kind         TEXT NOT NULL,
			state        TEXT NOT NULL DEFAULT '',
			actor        TEXT NOT NULL DEFAULT '',
			details      TEXT NOT NULL DEFAULT '',
			ts           INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_operation_events_op ON operation_events(operation_id, ts);

		CREATE TABLE IF NOT EXISTS agents (
			id          TEXT PRIMARY KEY,
			class       TEXT NOT NULL DEFAULT '',
			manifest_id TEXT NOT NULL DEFAULT '',
			status      TEXT,
			first_seen  INTEGER NOT NULL,
			last_seen   INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_agents_class ON agents(class);

		CREATE TABLE IF NOT EXISTS agent_classes (
			name       TEXT PRIMARY KEY,
			first_seen INTEGER NOT NULL,
			last_seen  INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS agent_manifests (
			id         TEXT PRIMARY KEY,
			content    TEXT,
			first_seen INTEGER NOT NULL,
			last_seen  INTEGER NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// toNanos and fromNanos keep sub-second precision so creation order survives a round trip.
func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
