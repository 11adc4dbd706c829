// ABOUTME: SQLite persistence for agents, agent classes and agent manifests
// ABOUTME: Heartbeats upsert last-seen timestamps; first-seen is kept from the first insert

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TouchAgent inserts the agent or refreshes its last-seen time.
// Empty Class/ManifestID and nil Status keep the stored values.
func (s *SQLiteStore) TouchAgent(ctx context.Context, agent *Agent) error {
	var status sql.NullString
	if len(agent.Status) > 0 {
		status = sql.NullString{String: string(agent.Status), Valid: true}
	}

	query := `
		INSERT INTO agents (id, class, manifest_id, status, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			class       = CASE WHEN excluded.class != '' THEN excluded.class ELSE agents.class END,
			manifest_id = CASE WHEN excluded.manifest_id != '' THEN excluded.manifest_id ELSE agents.manifest_id END,
			status      = COALESCE(excluded.status, agents.status),
			last_seen   = excluded.last_seen
	`

	seen := toNanos(agent.LastSeen)
	_, err := s.db.ExecContext(ctx, query, agent.ID, agent.Class, agent.ManifestID, status, seen, seen)
	if err != nil {
		return fmt.Errorf("upserting agent: %w", err)
	}
	return nil
}

// TouchAgentClass inserts the class or refreshes its last-seen time.
func (s *SQLiteStore) TouchAgentClass(ctx context.Context, name string, at time.Time) error {
	query := `
		INSERT INTO agent_classes (name, first_seen, last_seen)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET last_seen = excluded.last_seen
	`

	seen := toNanos(at)
	if _, err := s.db.ExecContext(ctx, query, name, seen, seen); err != nil {
		return fmt.Errorf("upserting agent class: %w", err)
	}
	return nil
}

// TouchAgentManifest inserts the manifest or refreshes its last-seen time.
// Content is only replaced when a non-empty manifest body is supplied.
func (s *SQLiteStore) TouchAgentManifest(ctx context.Context, manifest *AgentManifest) error {
	var content sql.NullString
	if len(manifest.Content) > 0 {
		content = sql.NullString{String: string(manifest.Content), Valid: true}
	}

	query := `
		INSERT INTO agent_manifests (id, content, first_seen, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content   = COALESCE(excluded.content, agent_manifests.content),
			last_seen = excluded.last_seen
	`

	seen := toNanos(manifest.LastSeen)
	if _, err := s.db.ExecContext(ctx, query, manifest.ID, content, seen, seen); err != nil {
		return fmt.Errorf("upserting agent manifest: %w", err)
	}
	return nil
}

// GetAgent retrieves an agent by ID.
// Returns ErrNotFound if the agent has never heartbeated.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	query := `SELECT id, class, manifest_id, status, first_seen, last_seen FROM agents WHERE id = ?`

	agent, err := scanAgent(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return agent, nil
}

// ListAgents returns all agents, most recently seen first.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	query := `SELECT id, class, manifest_id, status, first_seen, last_seen FROM agents ORDER BY last_seen DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agents: %w", err)
	}
	return agents, nil
}

// ListAgentClasses returns all agent classes ordered by name.
func (s *SQLiteStore) ListAgentClasses(ctx context.Context) ([]*AgentClass, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, first_seen, last_seen FROM agent_classes ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying agent classes: %w", err)
	}
	defer rows.Close()

	var classes []*AgentClass
	for rows.Next() {
		var (
			c           AgentClass
			first, last int64
		)
		if err := rows.Scan(&c.Name, &first, &last); err != nil {
			return nil, fmt.Errorf("scanning agent class: %w", err)
		}
		c.FirstSeen = fromNanos(first)
		c.LastSeen = fromNanos(last)
		classes = append(classes, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent classes: %w", err)
	}
	return classes, nil
}

// GetAgentManifest retrieves a manifest by ID.
// Returns ErrNotFound if no agent reported it.
func (s *SQLiteStore) GetAgentManifest(ctx context.Context, id string) (*AgentManifest, error) {
	var (
		m           AgentManifest
		content     sql.NullString
		first, last int64
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT id, content, first_seen, last_seen FROM agent_manifests WHERE id = ?`, id,
	).Scan(&m.ID, &content, &first, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent manifest: %w", err)
	}

	if content.Valid {
		m.Content = json.RawMessage(content.String)
	}
	m.FirstSeen = fromNanos(first)
	m.LastSeen = fromNanos(last)
	return &m, nil
}

func scanAgent(row rowScanner) (*Agent, error) {
	var (
		a           Agent
		status      sql.NullString
		first, last int64
	)
	if err := row.Scan(&a.ID, &a.Class, &a.ManifestID, &status, &first, &last); err != nil {
		return nil, err
	}
	if status.Valid {
		a.Status = json.RawMessage(status.String)
	}
	a.FirstSeen = fromNanos(first)
	a.LastSeen = fromNanos(last)
	return &a, nil
}
