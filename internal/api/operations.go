// ABOUTME: Operator API handlers for the operation queue
// ABOUTME: Enqueue validates dependencies; cancel answers 409 for terminal operations

package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/2389/edge-c2/internal/auth"
	"github.com/2389/edge-c2/internal/operation"
	"github.com/2389/edge-c2/internal/store"
)

// EnqueueRequest is the body of POST /api/operations.
type EnqueueRequest struct {
	AgentID      string            `json:"agent_id"`
	Type         string            `json:"type"`
	Operand      string            `json:"operand,omitempty"`
	Content      map[string]string `json:"content,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty"`
}

// CancelRequest is the optional body of POST /api/operations/:id/cancel.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// OperationResponse is the wire form of a stored operation.
type OperationResponse struct {
	ID           string            `json:"id"`
	AgentID      string            `json:"agent_id"`
	Type         string            `json:"type"`
	Operand      string            `json:"operand,omitempty"`
	State        string            `json:"state"`
	Dependencies []string          `json:"dependencies"`
	Content      map[string]string `json:"content,omitempty"`
	Details      string            `json:"details,omitempty"`
	CreatedBy    string            `json:"created_by,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

func toOperationResponse(op *store.Operation) OperationResponse {
	deps := op.Dependencies
	if deps == nil {
		deps = []string{}
	}
	return OperationResponse{
		ID:           op.ID,
		AgentID:      op.AgentID,
		Type:         string(op.Type),
		Operand:      op.Operand,
		State:        string(op.State),
		Dependencies: deps,
		Content:      op.Content,
		Details:      op.Details,
		CreatedBy:    op.CreatedBy,
		CreatedAt:    op.CreatedAt,
		UpdatedAt:    op.UpdatedAt,
	}
}

// EnqueueOperation handles POST /api/operations.
func (h *Handler) EnqueueOperation(c echo.Context) error {
	var req EnqueueRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}

	createdBy := ""
	if p := auth.FromContext(c.Request().Context()); p != nil {
		createdBy = p.Subject
	}

	op, err := h.ops.Enqueue(c.Request().Context(), operation.EnqueueRequest{
		AgentID:      strings.TrimSpace(req.AgentID),
		Type:         store.OperationType(strings.ToUpper(strings.TrimSpace(req.Type))),
		Operand:      req.Operand,
		Content:      req.Content,
		Dependencies: req.Dependencies,
		CreatedBy:    createdBy,
	})
	if err != nil {
		if errors.Is(err, operation.ErrInvalidOperation) {
			return errorJSON(c, http.StatusBadRequest, err.Error())
		}
		return h.internalError(c, "failed to enqueue operation", err)
	}

	return c.JSON(http.StatusCreated, toOperationResponse(op))
}

// ListOperations handles GET /api/operations.
func (h *Handler) ListOperations(c echo.Context) error {
	filter := store.OperationFilter{
		AgentID: c.QueryParam("agent_id"),
		State:   store.OperationState(strings.ToUpper(c.QueryParam("state"))),
	}
	if filter.State != "" && !filter.State.Valid() {
		return errorJSON(c, http.StatusBadRequest, "invalid state")
	}
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return errorJSON(c, http.StatusBadRequest, "invalid limit")
		}
		filter.Limit = limit
	}

	ops, err := h.ops.List(c.Request().Context(), filter)
	if err != nil {
		return h.internalError(c, "failed to list operations", err)
	}

	out := make([]OperationResponse, len(ops))
	for i, op := range ops {
		out[i] = toOperationResponse(op)
	}
	return c.JSON(http.StatusOK, map[string]any{"operations": out})
}

// GetOperation handles GET /api/operations/:id.
func (h *Handler) GetOperation(c echo.Context) error {
	op, err := h.ops.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errorJSON(c, http.StatusNotFound, "operation not found")
		}
		return h.internalError(c, "failed to get operation", err)
	}
	return c.JSON(http.StatusOK, toOperationResponse(op))
}

// CancelOperation handles POST /api/operations/:id/cancel.
func (h *Handler) CancelOperation(c echo.Context) error {
	var req CancelRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return errorJSON(c, http.StatusBadRequest, "invalid request body")
		}
	}

	actor := ""
	if p := auth.FromContext(c.Request().Context()); p != nil {
		actor = p.Subject
	}

	op, err := h.ops.Cancel(c.Request().Context(), c.Param("id"), actor, req.Reason)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return errorJSON(c, http.StatusNotFound, "operation not found")
	case errors.Is(err, operation.ErrTerminal):
		return errorJSON(c, http.StatusConflict, "operation already finished")
	case err != nil:
		return h.internalError(c, "failed to cancel operation", err)
	}

	return c.JSON(http.StatusOK, toOperationResponse(op))
}

// EventResponse is the wire form of an operation history entry.
type EventResponse struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	State     string    `json:"state,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// OperationHistory handles GET /api/operations/:id/events.
func (h *Handler) OperationHistory(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return errorJSON(c, http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}

	events, err := h.ops.History(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errorJSON(c, http.StatusNotFound, "operation not found")
		}
		return h.internalError(c, "failed to load operation history", err)
	}

	out := make([]EventResponse, len(events))
	for i, e := range events {
		out[i] = EventResponse{
			ID:        e.ID,
			Kind:      string(e.Kind),
			State:     string(e.State),
			Actor:     e.Actor,
			Details:   e.Details,
			Timestamp: e.Timestamp,
		}
	}
	return c.JSON(http.StatusOK, map[string]any{"events": out})
}
