// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu         sync.RWMutex
	operations map[string]*Operation     // keyed by operation ID
	agents     map[string]*Agent         // keyed by agent ID
	classes    map[string]*AgentClass    // keyed by class name
	manifests  map[string]*AgentManifest // keyed by manifest ID
	events     []*OperationEvent         // append order

	// PingErr, when set, is returned by Ping.
	PingErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		operations: make(map[string]*Operation),
		agents:     make(map[string]*Agent),
		classes:    make(map[string]*AgentClass),
		manifests:  make(map[string]*AgentManifest),
	}
}

func copyOperation(op *Operation) *Operation {
	c := *op
	if op.Dependencies != nil {
		c.Dependencies = append([]string(nil), op.Dependencies...)
	}
	if op.Content != nil {
		c.Content = make(map[string]string, len(op.Content))
		for k, v := range op.Content {
			c.Content[k] = v
		}
	}
	return &c
}

// CreateOperation stores a new operation.
func (m *MockStore) CreateOperation(ctx context.Context, op *Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.operations[op.ID]; exists {
		return ErrDuplicateOperation
	}

	// Make a copy to avoid external modification
	c := copyOperation(op)
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	if c.Dependencies == nil {
		c.Dependencies = []string{}
	}
	m.operations[c.ID] = c
	return nil
}

// GetOperation retrieves an operation by ID.
func (m *MockStore) GetOperation(ctx context.Context, id string) (*Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	op, ok := m.operations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOperation(op), nil
}

// ListOperations returns operations matching the filter ordered by creation time.
func (m *MockStore) ListOperations(ctx context.Context, filter OperationFilter) ([]*Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ops []*Operation
	for _, op := range m.operations {
		if filter.AgentID != "" && op.AgentID != filter.AgentID {
			continue
		}
		if filter.State != "" && op.State != filter.State {
			continue
		}
		ops = append(ops, copyOperation(op))
	}

	sort.Slice(ops, func(i, j int) bool {
		if !ops[i].CreatedAt.Equal(ops[j].CreatedAt) {
			return ops[i].CreatedAt.Before(ops[j].CreatedAt)
		}
		return ops[i].ID < ops[j].ID
	})

	if filter.Limit > 0 && len(ops) > filter.Limit {
		ops = ops[:filter.Limit]
	}
	return ops, nil
}

// GetOperationStates returns the current state for each existing id.
func (m *MockStore) GetOperationStates(ctx context.Context, ids []string) (map[string]OperationState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]OperationState, len(ids))
	for _, id := range ids {
		if op, ok := m.operations[id]; ok {
			states[id] = op.State
		}
	}
	return states, nil
}

// TransitionOperation updates the state of a non-terminal operation.
func (m *MockStore) TransitionOperation(ctx context.Context, id string, state OperationState, details string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.operations[id]
	if !ok {
		return false, ErrNotFound
	}
	if op.State.Terminal() {
		return false, nil
	}

	op.State = state
	op.Details = details
	op.UpdatedAt = at
	return true, nil
}

// TouchAgent inserts the agent or refreshes its last-seen time.
func (m *MockStore) TouchAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.agents[agent.ID]
	if !ok {
		a := *agent
		a.FirstSeen = agent.LastSeen
		a.Status = append(json.RawMessage(nil), agent.Status...)
		m.agents[a.ID] = &a
		return nil
	}

	if agent.Class != "" {
		existing.Class = agent.Class
	}
	if agent.ManifestID != "" {
		existing.ManifestID = agent.ManifestID
	}
	if len(agent.Status) > 0 {
		existing.Status = append(json.RawMessage(nil), agent.Status...)
	}
	existing.LastSeen = agent.LastSeen
	return nil
}

// TouchAgentClass inserts the class or refreshes its last-seen time.
func (m *MockStore) TouchAgentClass(ctx context.Context, name string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.classes[name]; ok {
		c.LastSeen = at
		return nil
	}
	m.classes[name] = &AgentClass{Name: name, FirstSeen: at, LastSeen: at}
	return nil
}

// TouchAgentManifest inserts the manifest or refreshes its last-seen time.
func (m *MockStore) TouchAgentManifest(ctx context.Context, manifest *AgentManifest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.manifests[manifest.ID]; ok {
		if len(manifest.Content) > 0 {
			existing.Content = append(json.RawMessage(nil), manifest.Content...)
		}
		existing.LastSeen = manifest.LastSeen
		return nil
	}

	c := *manifest
	c.FirstSeen = manifest.LastSeen
	c.Content = append(json.RawMessage(nil), manifest.Content...)
	m.manifests[c.ID] = &c
	return nil
}

// GetAgent retrieves an agent by ID.
func (m *MockStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *a
	return &result, nil
}

// ListAgents returns all agents, most recently seen first.
func (m *MockStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agents := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		c := *a
		agents = append(agents, &c)
	}
	sort.Slice(agents, func(i, j int) bool {
		if !agents[i].LastSeen.Equal(agents[j].LastSeen) {
			return agents[i].LastSeen.After(agents[j].LastSeen)
		}
		return agents[i].ID < agents[j].ID
	})
	return agents, nil
}

// ListAgentClasses returns all agent classes ordered by name.
func (m *MockStore) ListAgentClasses(ctx context.Context) ([]*AgentClass, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	classes := make([]*AgentClass, 0, len(m.classes))
	for _, c := range m.classes {
		cc := *c
		classes = append(classes, &cc)
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i].Name < classes[j].Name })
	return classes, nil
}

// GetAgentManifest retrieves a manifest by ID.
func (m *MockStore) GetAgentManifest(ctx context.Context, id string) (*AgentManifest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mf, ok := m.manifests[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *mf
	return &c, nil
}

// AppendOperationEvent records a history entry.
func (m *MockStore) AppendOperationEvent(ctx context.Context, e *OperationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prepareEvent(e)
	c := *e
	m.events = append(m.events, &c)
	return nil
}

// ListOperationEvents returns the operation's events in append order.
func (m *MockStore) ListOperationEvents(ctx context.Context, operationID string, limit int) ([]*OperationEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = normalizeEventLimit(limit)
	var events []*OperationEvent
	for _, e := range m.events {
		if e.OperationID != operationID {
			continue
		}
		c := *e
		events = append(events, &c)
		if len(events) == limit {
			break
		}
	}
	return events, nil
}

// Ping returns PingErr.
func (m *MockStore) Ping(ctx context.Context) error {
	return m.PingErr
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store
var _ Store = (*MockStore)(nil)
