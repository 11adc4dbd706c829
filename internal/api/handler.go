// ABOUTME: Operator REST API over echo: enqueue, inspect and cancel operations, list agents
// ABOUTME: Routes are mounted under /api and guarded by bearer tokens when a verifier is configured

package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/2389/edge-c2/internal/auth"
	"github.com/2389/edge-c2/internal/operation"
	"github.com/2389/edge-c2/internal/store"
)

// Config configures the operator API.
type Config struct {
	// Verifier enables bearer token auth on every route. Nil leaves the API open.
	Verifier auth.TokenVerifier
	// AgentTimeout is how long after its last heartbeat an agent counts as online.
	AgentTimeout time.Duration
	Logger       *slog.Logger
}

// Handler handles operator API requests.
type Handler struct {
	ops          *operation.Service
	agents       store.AgentStore
	verifier     auth.TokenVerifier
	agentTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// NewHandler creates a new handler.
func NewHandler(ops *operation.Service, agents store.AgentStore, cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		ops:          ops,
		agents:       agents,
		verifier:     cfg.Verifier,
		agentTimeout: cfg.AgentTimeout,
		logger:       cfg.Logger.With("component", "api"),
		now:          time.Now,
	}
}

// RegisterRoutes registers the operator routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api")
	write := []echo.MiddlewareFunc{}
	if h.verifier != nil {
		g.Use(auth.RequireToken(h.verifier))
		write = append(write, auth.RequireOperator())
	}

	// Operation queue
	g.POST("/operations", h.EnqueueOperation, write...)
	g.GET("/operations", h.ListOperations)
	g.GET("/operations/:id", h.GetOperation)
	g.POST("/operations/:id/cancel", h.CancelOperation, write...)
	g.GET("/operations/:id/events", h.OperationHistory)

	// Agent registry, fed by heartbeats
	g.GET("/agents", h.ListAgents)
	g.GET("/agents/:id", h.GetAgent)
	g.GET("/agent-classes", h.ListAgentClasses)
	g.GET("/agent-manifests/:id", h.GetAgentManifest)
}

func errorJSON(c echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]string{"error": msg})
}

// internalError logs err and answers 500 without leaking details.
func (h *Handler) internalError(c echo.Context, msg string, err error) error {
	h.logger.Error(msg, "error", err, "path", c.Path())
	return errorJSON(c, http.StatusInternalServerError, msg)
}
