// ABOUTME: Operator API handlers for agents, agent classes and manifests
// ABOUTME: Agents report online when their last heartbeat is within the configured timeout

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/2389/edge-c2/internal/store"
)

// AgentResponse is the wire form of an agent.
type AgentResponse struct {
	ID         string          `json:"id"`
	Class      string          `json:"class,omitempty"`
	ManifestID string          `json:"manifest_id,omitempty"`
	Status     json.RawMessage `json:"status,omitempty"`
	Online     bool            `json:"online"`
	FirstSeen  time.Time       `json:"first_seen"`
	LastSeen   time.Time       `json:"last_seen"`
}

func (h *Handler) toAgentResponse(a *store.Agent) AgentResponse {
	return AgentResponse{
		ID:         a.ID,
		Class:      a.Class,
		ManifestID: a.ManifestID,
		Status:     a.Status,
		Online:     h.agentTimeout <= 0 || h.now().Sub(a.LastSeen) <= h.agentTimeout,
		FirstSeen:  a.FirstSeen,
		LastSeen:   a.LastSeen,
	}
}

// ListAgents handles GET /api/agents.
func (h *Handler) ListAgents(c echo.Context) error {
	agents, err := h.agents.ListAgents(c.Request().Context())
	if err != nil {
		return h.internalError(c, "failed to list agents", err)
	}

	out := make([]AgentResponse, len(agents))
	for i, a := range agents {
		out[i] = h.toAgentResponse(a)
	}
	return c.JSON(http.StatusOK, map[string]any{"agents": out})
}

// GetAgent handles GET /api/agents/:id.
func (h *Handler) GetAgent(c echo.Context) error {
	agent, err := h.agents.GetAgent(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errorJSON(c, http.StatusNotFound, "agent not found")
		}
		return h.internalError(c, "failed to get agent", err)
	}
	return c.JSON(http.StatusOK, h.toAgentResponse(agent))
}

// ListAgentClasses handles GET /api/agent-classes.
func (h *Handler) ListAgentClasses(c echo.Context) error {
	classes, err := h.agents.ListAgentClasses(c.Request().Context())
	if err != nil {
		return h.internalError(c, "failed to list agent classes", err)
	}

	type classResponse struct {
		Name      string    `json:"name"`
		FirstSeen time.Time `json:"first_seen"`
		LastSeen  time.Time `json:"last_seen"`
	}
	out := make([]classResponse, len(classes))
	for i, cl := range classes {
		out[i] = classResponse{Name: cl.Name, FirstSeen: cl.FirstSeen, LastSeen: cl.LastSeen}
	}
	return c.JSON(http.StatusOK, map[string]any{"agent_classes": out})
}

// GetAgentManifest handles GET /api/agent-manifests/:id.
func (h *Handler) GetAgentManifest(c echo.Context) error {
	m, err := h.agents.GetAgentManifest(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errorJSON(c, http.StatusNotFound, "agent manifest not found")
		}
		return h.internalError(c, "failed to get agent manifest", err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"id":         m.ID,
		"content":    m.Content,
		"first_seen": m.FirstSeen,
		"last_seen":  m.LastSeen,
	})
}
