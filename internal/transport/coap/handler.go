// ABOUTME: CoAP C2 resources: POST /heartbeat and POST /acknowledge
// ABOUTME: Maps processing outcomes to 2.05, 2.04, 4.08 Request Entity Incomplete and 5.00

package coap

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/mux"

	"github.com/2389/edge-c2/internal/c2"
	"github.com/2389/edge-c2/internal/metrics"
)

// Resource paths
const (
	PathHeartbeat   = "/heartbeat"
	PathAcknowledge = "/acknowledge"
)

// Config configures the CoAP handler.
type Config struct {
	// BaseURL overrides the base URI reported to agents. When empty, coap://<bound address>.
	BaseURL string
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Handler serves the CoAP resources.
type Handler struct {
	proto   c2.Protocol
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.RWMutex
	baseURL string
}

// NewHandler creates a Handler delegating to proto.
func NewHandler(proto c2.Protocol, cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		proto:   proto,
		baseURL: cfg.BaseURL,
		metrics: cfg.Metrics,
		logger:  cfg.Logger.With("component", "coap-c2"),
	}
}

// Router builds a mux serving both resources.
func (h *Handler) Router() (*mux.Router, error) {
	r := mux.NewRouter()
	if err := r.Handle(PathHeartbeat, mux.HandlerFunc(h.serve(c2.OpHeartbeat))); err != nil {
		return nil, fmt.Errorf("registering %s: %w", PathHeartbeat, err)
	}
	if err := r.Handle(PathAcknowledge, mux.HandlerFunc(h.serve(c2.OpAcknowledge))); err != nil {
		return nil, fmt.Errorf("registering %s: %w", PathAcknowledge, err)
	}
	return r, nil
}

// setDefaultBaseURL is used once the listener address is known, unless BaseURL was configured.
func (h *Handler) setDefaultBaseURL(url string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.baseURL == "" {
		h.baseURL = url
	}
}

func (h *Handler) baseURI() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.baseURL
}

// response is a transport-neutral CoAP reply.
type response struct {
	code   codes.Code
	format message.MediaType
	body   []byte
}

func (h *Handler) serve(op string) func(w mux.ResponseWriter, r *mux.Message) {
	return func(w mux.ResponseWriter, r *mux.Message) {
		var resp response
		if r.Code() != codes.POST {
			resp = response{code: codes.MethodNotAllowed, format: message.TextPlain}
		} else {
			format, err := r.ContentFormat()
			if err != nil {
				format = message.AppJSON
			}
			body, err := r.ReadBody()
			if err != nil {
				err = &c2.ProtocolError{Op: op, Err: fmt.Errorf("reading body: %w", err)}
				resp = h.failure(op, err)
			} else {
				resp = h.handle(r.Context(), op, format, body)
			}
		}

		var payload io.ReadSeeker
		if len(resp.body) > 0 {
			payload = bytes.NewReader(resp.body)
		}
		if err := w.SetResponse(resp.code, resp.format, payload); err != nil {
			h.logger.Error("writing coap response", "operation", op, "error", err)
		}
	}
}

// handle runs one request through the processor.
func (h *Handler) handle(ctx context.Context, op string, format message.MediaType, body []byte) response {
	if !supported(format) {
		resp := response{code: codes.UnsupportedMediaType, format: message.TextPlain}
		h.record(op, resp.code)
		return resp
	}

	payload, err := toJSON(format, body)
	if err != nil {
		return h.failure(op, &c2.ProtocolError{Op: op, Err: err})
	}

	switch op {
	case c2.OpHeartbeat:
		out, err := h.proto.ProcessHeartbeat(ctx, payload, c2.NewHeartbeatContext(h.baseURI(), -1))
		switch c2.ClassifyHeartbeat(out, err) {
		case c2.OutcomeOK:
			encoded, encErr := fromJSON(format, out)
			if encErr != nil {
				return h.failure(op, encErr)
			}
			h.record(op, codes.Content)
			return response{code: codes.Content, format: format, body: encoded}
		case c2.OutcomeIncomplete:
			h.record(op, codes.RequestEntityIncomplete)
			return response{code: codes.RequestEntityIncomplete, format: format}
		default:
			return h.failure(op, err)
		}

	default:
		err := h.proto.ProcessOperationAck(ctx, payload)
		switch c2.Classify(err) {
		case c2.OutcomeOK:
			h.record(op, codes.Changed)
			return response{code: codes.Changed, format: format}
		case c2.OutcomeIncomplete:
			h.record(op, codes.RequestEntityIncomplete)
			return response{code: codes.RequestEntityIncomplete, format: format}
		default:
			return h.failure(op, err)
		}
	}
}

func (h *Handler) failure(op string, err error) response {
	h.logger.Warn("c2 request failed", "operation", op, "error", err)
	h.record(op, codes.InternalServerError)
	return response{code: codes.InternalServerError, format: message.TextPlain, body: []byte(err.Error())}
}

func (h *Handler) record(op string, code codes.Code) {
	h.metrics.Request("coap", op, code.String())
}
