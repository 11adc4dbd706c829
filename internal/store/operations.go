// ABOUTME: SQLite persistence for C2 operations
// ABOUTME: Create, lookup, filtered listing and conditional state transitions

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const operationColumns = `id, agent_id, type, operand, state, dependencies, content, details, created_by, created_at, updated_at`

// terminalStates is the SQL list used to guard transitions.
const terminalStates = `'COMPLETED', 'CANCELLED', 'FAILED', 'NOT_APPLIED'`

// CreateOperation inserts a new operation.
// Returns ErrDuplicateOperation if the ID is taken.
func (s *SQLiteStore) CreateOperation(ctx context.Context, op *Operation) error {
	deps := op.Dependencies
	if deps == nil {
		deps = []string{}
	}
	depsJSON, err := json.Marshal(deps)
	if err != nil {
		return fmt.Errorf("encoding dependencies: %w", err)
	}

	var content sql.NullString
	if len(op.Content) > 0 {
		b, err := json.Marshal(op.Content)
		if err != nil {
			return fmt.Errorf("encoding content: %w", err)
		}
		content = sql.NullString{String: string(b), Valid: true}
	}

	updatedAt := op.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = op.CreatedAt
	}

	query := `INSERT INTO operations (` + operationColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		op.ID,
		op.AgentID,
		string(op.Type),
		op.Operand,
		string(op.State),
		string(depsJSON),
		content,
		op.Details,
		op.CreatedBy,
		toNanos(op.CreatedAt),
		toNanos(updatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) && strings.Contains(err.Error(), "operations.id") {
			return ErrDuplicateOperation
		}
		return fmt.Errorf("inserting operation: %w", err)
	}

	s.logger.Debug("created operation", "id", op.ID, "agent_id", op.AgentID, "type", op.Type)
	return nil
}

// GetOperation retrieves an operation by ID.
// Returns ErrNotFound if the operation doesn't exist.
func (s *SQLiteStore) GetOperation(ctx context.Context, id string) (*Operation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying operation: %w", err)
	}
	return op, nil
}

// ListOperations returns operations matching the filter ordered by creation time.
func (s *SQLiteStore) ListOperations(ctx context.Context, filter OperationFilter) ([]*Operation, error) {
	var (
		conds []string
		args  []any
	)
	if filter.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.State != "" {
		conds = append(conds, "state = ?")
		args = append(args, string(filter.State))
	}

	query := `SELECT ` + operationColumns + ` FROM operations`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying operations: %w", err)
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating operations: %w", err)
	}

	return ops, nil
}

// GetOperationStates returns the current state for each existing id.
func (s *SQLiteStore) GetOperationStates(ctx context.Context, ids []string) (map[string]OperationState, error) {
	states := make(map[string]OperationState, len(ids))
	if len(ids) == 0 {
		return states, nil
	}

	// dedupe so the IN list stays small when many operations share a dependency
	uniq := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		uniq = append(uniq, id)
	}
	sort.Strings(uniq)

	args := make([]any, len(uniq))
	for i, id := range uniq {
		args[i] = id
	}

	query := `SELECT id, state FROM operations WHERE id IN (` + placeholders(len(uniq)) + `)`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying operation states: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, state string
		if err := rows.Scan(&id, &state); err != nil {
			return nil, fmt.Errorf("scanning operation state: %w", err)
		}
		states[id] = OperationState(state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating operation states: %w", err)
	}

	return states, nil
}

// TransitionOperation updates the state of a non-terminal operation.
// The terminal guard is part of the UPDATE so concurrent acknowledgements cannot
// overwrite each other's terminal result.
func (s *SQLiteStore) TransitionOperation(ctx context.Context, id string, state OperationState, details string, at time.Time) (bool, error) {
	query := `
		UPDATE operations
		SET state = ?, details = ?, updated_at = ?
		WHERE id = ? AND state NOT IN (` + terminalStates + `)
	`

	result, err := s.db.ExecContext(ctx, query, string(state), details, toNanos(at), id)
	if err != nil {
		return false, fmt.Errorf("updating operation state: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected > 0 {
		s.logger.Debug("operation transitioned", "id", id, "state", state)
		return true, nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM operations WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("checking operation: %w", err)
	}
	return false, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*Operation, error) {
	var (
		op                   Operation
		opType, state        string
		depsJSON             string
		content              sql.NullString
		createdAt, updatedAt int64
	)

	if err := row.Scan(
		&op.ID,
		&op.AgentID,
		&opType,
		&op.Operand,
		&state,
		&depsJSON,
		&content,
		&op.Details,
		&op.CreatedBy,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	op.Type = OperationType(opType)
	op.State = OperationState(state)
	op.CreatedAt = fromNanos(createdAt)
	op.UpdatedAt = fromNanos(updatedAt)

	if err := json.Unmarshal([]byte(depsJSON), &op.Dependencies); err != nil {
		return nil, fmt.Errorf("decoding dependencies: %w", err)
	}
	if content.Valid && content.String != "" {
		if err := json.Unmarshal([]byte(content.String), &op.Content); err != nil {
			return nil, fmt.Errorf("decoding content: %w", err)
		}
	}

	return &op, nil
}
