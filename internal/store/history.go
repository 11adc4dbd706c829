// ABOUTME: Operation history: who enqueued, cancelled or acknowledged an operation and when
// ABOUTME: Append-only event rows keyed by operation id, read back oldest first

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventKind names what happened to an operation.
type EventKind string

// Event kinds
const (
	EventEnqueued     EventKind = "enqueued"
	EventCancelled    EventKind = "cancelled"
	EventAcknowledged EventKind = "acknowledged"
)

// OperationEvent is one entry in an operation's history.
type OperationEvent struct {
	ID          string
	OperationID string
	AgentID     string
	Kind        EventKind
	State       OperationState // state after the event
	Actor       string         // operator subject or reporting agent
	Details     string
	Timestamp   time.Time
}

// HistoryStore records operation events
type HistoryStore interface {
	AppendOperationEvent(ctx context.Context, e *OperationEvent) error
	// ListOperationEvents returns up to limit events for the operation, oldest first.
	ListOperationEvents(ctx context.Context, operationID string, limit int) ([]*OperationEvent, error)
}

// normalizeEventLimit applies default (100) and cap (1000) to a history limit.
func normalizeEventLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

// prepareEvent generates ID and Timestamp if not set.
func prepareEvent(e *OperationEvent) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}

// AppendOperationEvent appends a new entry to the operation history.
func (s *SQLiteStore) AppendOperationEvent(ctx context.Context, e *OperationEvent) error {
	prepareEvent(e)

	query := `
		INSERT INTO operation_events (id, operation_id, agent_id, kind, state, actor, details, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.OperationID,
		e.AgentID,
		string(e.Kind),
		string(e.State),
		e.Actor,
		e.Details,
		toNanos(e.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("inserting operation event: %w", err)
	}

	s.logger.Debug("appended operation event",
		"id", e.ID,
		"operation_id", e.OperationID,
		"kind", e.Kind,
		"actor", e.Actor,
	)
	return nil
}

// ListOperationEvents implements HistoryStore.
func (s *SQLiteStore) ListOperationEvents(ctx context.Context, operationID string, limit int) ([]*OperationEvent, error) {
	query := `
		SELECT id, operation_id, agent_id, kind, state, actor, details, ts
		FROM operation_events
		WHERE operation_id = ?
		ORDER BY ts ASC, rowid ASC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, operationID, normalizeEventLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying operation events: %w", err)
	}
	defer rows.Close()

	var events []*OperationEvent
	for rows.Next() {
		var e OperationEvent
		var kind, state string
		var ts int64
		if err := rows.Scan(&e.ID, &e.OperationID, &e.AgentID, &kind, &state, &e.Actor, &e.Details, &ts); err != nil {
			return nil, fmt.Errorf("scanning operation event: %w", err)
		}
		e.Kind = EventKind(kind)
		e.State = OperationState(state)
		e.Timestamp = fromNanos(ts)
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating operation events: %w", err)
	}
	return events, nil
}
