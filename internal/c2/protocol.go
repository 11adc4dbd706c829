// ABOUTME: The agent-facing C2 contract shared by every transport adapter
// ABOUTME: Defines Protocol, HeartbeatContext and the error taxonomy adapters map to response codes

package c2

import (
	"context"
	"errors"
	"fmt"
)

// Protocol is the processing core behind every transport. Payloads are canonical JSON.
type Protocol interface {
	// ProcessHeartbeat records the heartbeat and returns the response payload
	// carrying the operations due for the agent.
	ProcessHeartbeat(ctx context.Context, payload []byte, hb HeartbeatContext) ([]byte, error)

	// ProcessOperationAck applies an operation acknowledgement. There is no response body.
	ProcessOperationAck(ctx context.Context, payload []byte) error
}

// HeartbeatContext carries per-request facts the adapter knows and the processor needs.
// It is immutable; build a new one for every request.
type HeartbeatContext struct {
	baseURI       string
	contentLength int64
}

// NewHeartbeatContext builds a HeartbeatContext. contentLength is the declared size of the
// inbound payload, or -1 when the transport does not know it.
func NewHeartbeatContext(baseURI string, contentLength int64) HeartbeatContext {
	if contentLength < 0 {
		contentLength = -1
	}
	return HeartbeatContext{baseURI: baseURI, contentLength: contentLength}
}

// BaseURI is the server base URI agents resolve relative links against.
func (h HeartbeatContext) BaseURI() string { return h.baseURI }

// ContentLength is the declared payload size, -1 when unknown.
func (h HeartbeatContext) ContentLength() int64 { return h.contentLength }

// ErrIncomplete means the request was understood but no complete response could be
// produced, and the cause is not a server failure.
var ErrIncomplete = errors.New("c2: incomplete")

// ErrStore wraps storage failures hit while handling a well-formed request.
var ErrStore = errors.New("c2: store failure")

// ProtocolError reports a payload that could not be decoded or violates the protocol.
type ProtocolError struct {
	Op  string // "heartbeat" or "acknowledge"
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("c2 %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func protocolErrorf(op, format string, args ...any) error {
	return &ProtocolError{Op: op, Err: fmt.Errorf(format, args...)}
}

// IsProtocolError reports whether err wraps a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// Outcome is the transport-independent classification of a processing result.
type Outcome int

const (
	// OutcomeOK: success, with or without a body.
	OutcomeOK Outcome = iota
	// OutcomeServerError: protocol violation, decode failure or store I/O failure.
	OutcomeServerError
	// OutcomeIncomplete: understood, but no complete response could be produced.
	OutcomeIncomplete
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeServerError:
		return "server_error"
	case OutcomeIncomplete:
		return "incomplete"
	default:
		return "unknown"
	}
}

// Classify maps an error returned by a Protocol to an Outcome. Unknown errors are server errors.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case IsProtocolError(err), errors.Is(err, ErrStore):
		return OutcomeServerError
	case errors.Is(err, ErrIncomplete):
		return OutcomeIncomplete
	default:
		return OutcomeServerError
	}
}

// ClassifyHeartbeat is Classify plus the rule that a heartbeat without a body is incomplete.
func ClassifyHeartbeat(body []byte, err error) Outcome {
	if err == nil && len(body) == 0 {
		return OutcomeIncomplete
	}
	return Classify(err)
}
