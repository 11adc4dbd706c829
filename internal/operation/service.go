// ABOUTME: Operation service: queue, cancel and list operations, and compute per-agent delivery batches
// ABOUTME: Gathers inputs from the store and delegates ordering to Select

package operation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/edge-c2/internal/store"
)

var (
	// ErrInvalidOperation is returned when an enqueue request fails validation.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrTerminal is returned when cancelling an operation that already finished.
	ErrTerminal = errors.New("operation already terminal")
)

// EnqueueRequest describes an operation to queue for an agent.
type EnqueueRequest struct {
	AgentID      string
	Type         store.OperationType
	Operand      string
	Content      map[string]string
	Dependencies []string
	CreatedBy    string
}

// Repository is the storage a Service needs.
type Repository interface {
	store.OperationStore
	store.HistoryStore
}

// Service manages operations on top of a Repository.
type Service struct {
	store  Repository
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a Service backed by s.
func NewService(s Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  s,
		logger: logger.With("component", "operations"),
		now:    time.Now,
	}
}

// ListForAgent returns the next dependency-ordered batch of queued operations for agentID.
// The store is only read; delivered operations stay QUEUED until acknowledged.
func (s *Service) ListForAgent(ctx context.Context, agentID string, maxBatch int) ([]Selected, error) {
	if maxBatch == 0 {
		return []Selected{}, nil
	}

	queued, err := s.store.ListOperations(ctx, store.OperationFilter{
		AgentID: agentID,
		State:   store.OperationQueued,
	})
	if err != nil {
		return nil, fmt.Errorf("listing queued operations: %w", err)
	}
	if len(queued) == 0 {
		return []Selected{}, nil
	}

	inQueue := make(map[string]struct{}, len(queued))
	for _, op := range queued {
		inQueue[op.ID] = struct{}{}
	}

	var external []string
	for _, op := range queued {
		for _, dep := range op.Dependencies {
			if _, ok := inQueue[dep]; !ok {
				external = append(external, dep)
			}
		}
	}

	known := map[string]store.OperationState{}
	if len(external) > 0 {
		known, err = s.store.GetOperationStates(ctx, external)
		if err != nil {
			return nil, fmt.Errorf("loading dependency states: %w", err)
		}
	}

	selected := Select(queued, known, maxBatch)
	if len(selected) < len(queued) {
		s.logger.Debug("operations held back",
			"agent_id", agentID,
			"queued", len(queued),
			"selected", len(selected),
		)
	}
	return selected, nil
}

// Enqueue validates req and stores a new QUEUED operation.
// Every dependency must already exist and target the same agent.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*store.Operation, error) {
	if req.AgentID == "" {
		return nil, fmt.Errorf("%w: agent_id is required", ErrInvalidOperation)
	}
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, req.Type)
	}

	seen := make(map[string]struct{}, len(req.Dependencies))
	deps := make([]string, 0, len(req.Dependencies))
	for _, id := range req.Dependencies {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		dep, err := s.store.GetOperation(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: dependency %q does not exist", ErrInvalidOperation, id)
		}
		if err != nil {
			return nil, fmt.Errorf("loading dependency %q: %w", id, err)
		}
		if dep.AgentID != req.AgentID {
			return nil, fmt.Errorf("%w: dependency %q targets agent %q", ErrInvalidOperation, id, dep.AgentID)
		}
		deps = append(deps, id)
	}

	now := s.now().UTC()
	op := &store.Operation{
		ID:           uuid.NewString(),
		AgentID:      req.AgentID,
		Type:         req.Type,
		Operand:      req.Operand,
		State:        store.OperationQueued,
		Dependencies: deps,
		Content:      req.Content,
		CreatedBy:    req.CreatedBy,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateOperation(ctx, op); err != nil {
		return nil, fmt.Errorf("creating operation: %w", err)
	}

	s.logger.Info("operation queued",
		"operation_id", op.ID,
		"agent_id", op.AgentID,
		"type", op.Type,
		"dependencies", len(deps),
	)
	s.record(ctx, op, store.EventEnqueued, req.CreatedBy, "")
	return op, nil
}

// Cancel moves a non-terminal operation to CANCELLED on behalf of actor. Dependents are
// not touched; the ordering engine excludes them from then on.
func (s *Service) Cancel(ctx context.Context, id, actor, reason string) (*store.Operation, error) {
	changed, err := s.store.TransitionOperation(ctx, id, store.OperationCancelled, reason, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, ErrTerminal
	}

	s.logger.Info("operation cancelled", "operation_id", id, "actor", actor)
	op, err := s.store.GetOperation(ctx, id)
	if err != nil {
		return nil, err
	}
	s.record(ctx, op, store.EventCancelled, actor, reason)
	return op, nil
}

// History returns the recorded events for an operation, oldest first.
func (s *Service) History(ctx context.Context, id string, limit int) ([]*store.OperationEvent, error) {
	if _, err := s.store.GetOperation(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListOperationEvents(ctx, id, limit)
}

// record appends a history event. The state change already happened, so a failure is only logged.
func (s *Service) record(ctx context.Context, op *store.Operation, kind store.EventKind, actor, details string) {
	err := s.store.AppendOperationEvent(ctx, &store.OperationEvent{
		OperationID: op.ID,
		AgentID:     op.AgentID,
		Kind:        kind,
		State:       op.State,
		Actor:       actor,
		Details:     details,
		Timestamp:   s.now().UTC(),
	})
	if err != nil {
		s.logger.Warn("recording operation history", "operation_id", op.ID, "kind", kind, "error", err)
	}
}

// Get returns a single operation.
func (s *Service) Get(ctx context.Context, id string) (*store.Operation, error) {
	return s.store.GetOperation(ctx, id)
}

// List returns operations matching filter, oldest first.
func (s *Service) List(ctx context.Context, filter store.OperationFilter) ([]*store.Operation, error) {
	return s.store.ListOperations(ctx, filter)
}
