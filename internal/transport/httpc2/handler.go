// ABOUTME: HTTP C2 endpoints: POST /c2/api/heartbeat and POST /c2/api/acknowledge
// ABOUTME: Maps processing outcomes to 200/204, 206 Partial Content and 500

package httpc2

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/2389/edge-c2/internal/c2"
	"github.com/2389/edge-c2/internal/metrics"
)

// DefaultMaxBodyBytes bounds a single C2 payload.
const DefaultMaxBodyBytes = 4 << 20

// Config configures the C2 HTTP handler.
type Config struct {
	// BaseURL overrides the base URI reported to agents. When empty it is derived from
	// the request.
	BaseURL      string
	MaxBodyBytes int64
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// Handler serves the agent-facing HTTP routes.
type Handler struct {
	proto   c2.Protocol
	baseURL string
	maxBody int64
	metrics *metrics.Metrics
	logger  *slog.Logger
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewHandler creates a Handler delegating to proto.
func NewHandler(proto c2.Protocol, cfg Config) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		proto:   proto,
		baseURL: cfg.BaseURL,
		maxBody: cfg.MaxBodyBytes,
		metrics: cfg.Metrics,
		logger:  cfg.Logger.With("component", "http-c2"),
	}
}

// RegisterRoutes registers the C2 routes on e.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/c2/api")
	g.POST("/heartbeat", h.Heartbeat)
	g.POST("/acknowledge", h.Acknowledge)
}

// Heartbeat handles an agent heartbeat.
// POST /c2/api/heartbeat
func (h *Handler) Heartbeat(c echo.Context) error {
	req := c.Request()

	body, err := h.readBody(c, c2.OpHeartbeat)
	if err != nil {
		return h.fail(c, c2.OpHeartbeat, err)
	}

	hb := c2.NewHeartbeatContext(h.baseURI(c), req.ContentLength)
	resp, err := h.proto.ProcessHeartbeat(req.Context(), body, hb)

	switch c2.ClassifyHeartbeat(resp, err) {
	case c2.OutcomeOK:
		h.record(c2.OpHeartbeat, http.StatusOK)
		return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, resp)
	case c2.OutcomeIncomplete:
		h.record(c2.OpHeartbeat, http.StatusPartialContent)
		return c.NoContent(http.StatusPartialContent)
	default:
		return h.fail(c, c2.OpHeartbeat, err)
	}
}

// Acknowledge handles an operation acknowledgement.
// POST /c2/api/acknowledge
func (h *Handler) Acknowledge(c echo.Context) error {
	body, err := h.readBody(c, c2.OpAcknowledge)
	if err != nil {
		return h.fail(c, c2.OpAcknowledge, err)
	}

	err = h.proto.ProcessOperationAck(c.Request().Context(), body)

	switch c2.Classify(err) {
	case c2.OutcomeOK:
		h.record(c2.OpAcknowledge, http.StatusNoContent)
		return c.NoContent(http.StatusNoContent)
	case c2.OutcomeIncomplete:
		h.record(c2.OpAcknowledge, http.StatusPartialContent)
		return c.NoContent(http.StatusPartialContent)
	default:
		return h.fail(c, c2.OpAcknowledge, err)
	}
}

// readBody reads the payload; read failures are protocol errors.
func (h *Handler) readBody(c echo.Context, op string) ([]byte, error) {
	reader := http.MaxBytesReader(c.Response(), c.Request().Body, h.maxBody)
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, &c2.ProtocolError{Op: op, Err: fmt.Errorf("reading body: %w", err)}
	}
	return body, nil
}

func (h *Handler) fail(c echo.Context, op string, err error) error {
	h.logger.Warn("c2 request failed", "operation", op, "remote", c.RealIP(), "error", err)
	h.record(op, http.StatusInternalServerError)
	return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
}

func (h *Handler) record(op string, status int) {
	h.metrics.Request("http", op, strconv.Itoa(status))
}

// baseURI prefers the configured base URL, then the scheme and host the agent used.
func (h *Handler) baseURI(c echo.Context) string {
	if h.baseURL != "" {
		return h.baseURL
	}
	return c.Scheme() + "://" + c.Request().Host
}
