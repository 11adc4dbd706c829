// ABOUTME: Store interfaces and data types for edge-c2 persistence
// ABOUTME: Defines Operation, Agent, AgentClass, AgentManifest and the repositories over them

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateOperation is returned when trying to create an operation whose ID already exists
var ErrDuplicateOperation = errors.New("operation already exists")

// OperationState is the lifecycle state of an Operation.
type OperationState string

// Operation states
const (
	OperationQueued     OperationState = "QUEUED"
	OperationExecuting  OperationState = "EXECUTING"
	OperationCompleted  OperationState = "COMPLETED"
	OperationCancelled  OperationState = "CANCELLED"
	OperationFailed     OperationState = "FAILED"
	OperationNotApplied OperationState = "NOT_APPLIED"
)

// Terminal reports whether no further transition is allowed out of the state.
func (s OperationState) Terminal() bool {
	switch s {
	case OperationCompleted, OperationCancelled, OperationFailed, OperationNotApplied:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known states.
func (s OperationState) Valid() bool {
	switch s {
	case OperationQueued, OperationExecuting:
		return true
	default:
		return s.Terminal()
	}
}

// OperationType identifies what an agent is asked to do.
type OperationType string

// Operation types understood by MiNiFi-style agents
const (
	OperationDescribe OperationType = "DESCRIBE"
	OperationUpdate   OperationType = "UPDATE"
	OperationStart    OperationType = "START"
	OperationStop     OperationType = "STOP"
	OperationRestart  OperationType = "RESTART"
	OperationClear    OperationType = "CLEAR"
	OperationTransfer OperationType = "TRANSFER"
	OperationSync     OperationType = "SYNC"
)

// Valid reports whether t is a known operation type.
func (t OperationType) Valid() bool {
	switch t {
	case OperationDescribe, OperationUpdate, OperationStart, OperationStop,
		OperationRestart, OperationClear, OperationTransfer, OperationSync:
		return true
	default:
		return false
	}
}

// Operation is a unit of work queued for a single agent.
type Operation struct {
	ID           string
	AgentID      string
	Type         OperationType
	Operand      string            // optional target, e.g. "configuration"
	State        OperationState
	Dependencies []string          // ids this operation waits on, in declared order
	Content      map[string]string // type-specific arguments
	Details      string            // details from the last acknowledgement
	CreatedBy    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// OperationFilter narrows ListOperations. Zero values match everything.
type OperationFilter struct {
	AgentID string
	State   OperationState
	Limit   int
}

// Agent is an edge agent known from its heartbeats.
type Agent struct {
	ID         string
	Class      string
	ManifestID string
	Status     json.RawMessage // last reported flow/component status
	FirstSeen  time.Time
	LastSeen   time.Time
}

// AgentClass groups agents that run the same flow.
type AgentClass struct {
	Name      string
	FirstSeen time.Time
	LastSeen  time.Time
}

// AgentManifest describes the components an agent build supports.
type AgentManifest struct {
	ID        string
	Content   json.RawMessage
	FirstSeen time.Time
	LastSeen  time.Time
}

// OperationStore defines persistence for operations
type OperationStore interface {
	CreateOperation(ctx context.Context, op *Operation) error
	GetOperation(ctx context.Context, id string) (*Operation, error)
	ListOperations(ctx context.Context, filter OperationFilter) ([]*Operation, error)

	// GetOperationStates returns the state of every id that exists; missing ids are absent
	// from the map.
	GetOperationStates(ctx context.Context, ids []string) (map[string]OperationState, error)

	// TransitionOperation moves a non-terminal operation to state. It returns false without
	// error when the operation is already terminal. Returns ErrNotFound for unknown ids.
	TransitionOperation(ctx context.Context, id string, state OperationState, details string, at time.Time) (bool, error)
}

// AgentStore holds the last-seen records updated by heartbeats
type AgentStore interface {
	TouchAgent(ctx context.Context, agent *Agent) error
	TouchAgentClass(ctx context.Context, name string, at time.Time) error
	TouchAgentManifest(ctx context.Context, manifest *AgentManifest) error

	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	ListAgentClasses(ctx context.Context) ([]*AgentClass, error)
	GetAgentManifest(ctx context.Context, id string) (*AgentManifest, error)
}

// Store is the full persistence surface used by the server
type Store interface {
	OperationStore
	HistoryStore
	AgentStore

	// Ping checks that the backing database is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
