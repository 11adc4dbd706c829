// ABOUTME: Wire messages exchanged with agents: heartbeat request/response and operation ack
// ABOUTME: Field names follow the MiNiFi C2 JSON protocol

package c2

import (
	"encoding/json"
	"strings"

	"github.com/2389/edge-c2/internal/store"
)

// Protocol version spoken by this server
const (
	MajorVersion = 1
	MinorVersion = 0
)

// Operation discriminators
const (
	OpHeartbeat   = "heartbeat"
	OpAcknowledge = "acknowledge"
)

// HeartbeatRequest is the agent's periodic status report.
type HeartbeatRequest struct {
	MajorVersion int             `json:"majorVersion"`
	MinorVersion int             `json:"minorVersion"`
	Operation    string          `json:"operation"`
	Identifier   string          `json:"identifier,omitempty"`
	AgentInfo    *AgentInfo      `json:"agentInfo,omitempty"`
	DeviceInfo   json.RawMessage `json:"deviceInfo,omitempty"`
	FlowInfo     json.RawMessage `json:"flowInfo,omitempty"`
	Created      int64           `json:"created,omitempty"` // unix millis, agent clock
}

// AgentInfo identifies the agent and what it runs.
type AgentInfo struct {
	Identifier        string          `json:"identifier"`
	AgentClass        string          `json:"agentClass,omitempty"`
	AgentManifest     json.RawMessage `json:"agentManifest,omitempty"`
	AgentManifestHash string          `json:"agentManifestHash,omitempty"`
	Status            json.RawMessage `json:"status,omitempty"`
}

// HeartbeatResponse carries the operations due for the agent.
type HeartbeatResponse struct {
	MajorVersion        int           `json:"majorVersion"`
	MinorVersion        int           `json:"minorVersion"`
	Operation           string        `json:"operation"`
	BaseURI             string        `json:"baseUri,omitempty"`
	RequestedOperations []C2Operation `json:"requestedOperations"`
}

// C2Operation is the wire form of an operation. Dependencies lists only operations in the
// same response.
type C2Operation struct {
	Identifier   string            `json:"identifier"`
	Operation    string            `json:"operation"`
	Operand      string            `json:"operand,omitempty"`
	Args         map[string]string `json:"args,omitempty"`
	Dependencies []string          `json:"dependencies"`
}

// OperationAck reports the outcome of an operation.
type OperationAck struct {
	MajorVersion   int                   `json:"majorVersion"`
	MinorVersion   int                   `json:"minorVersion"`
	Operation      string                `json:"operation"`
	OperationID    string                `json:"operationId"`
	Identifier     string                `json:"identifier,omitempty"` // older agents send the id here
	OperationState *OperationStateReport `json:"operationState,omitempty"`
	AgentInfo      *AgentInfo            `json:"agentInfo,omitempty"`
}

// OperationStateReport is the state an agent reports for an operation.
type OperationStateReport struct {
	State   string `json:"state"`
	Details string `json:"details,omitempty"`
}

// Agent-side ack vocabulary
const (
	AckFullyApplied           = "FULLY_APPLIED"
	AckPartiallyApplied       = "PARTIALLY_APPLIED"
	AckOperationNotUnderstood = "OPERATION_NOT_UNDERSTOOD"
	AckNotApplied             = "NOT_APPLIED"
)

// ackState maps a reported state to a store state. QUEUED cannot be reported.
func ackState(reported string) (store.OperationState, bool) {
	switch strings.ToUpper(strings.TrimSpace(reported)) {
	case AckFullyApplied, string(store.OperationCompleted):
		return store.OperationCompleted, true
	case AckPartiallyApplied, AckOperationNotUnderstood, string(store.OperationFailed):
		return store.OperationFailed, true
	case AckNotApplied:
		return store.OperationNotApplied, true
	case string(store.OperationExecuting):
		return store.OperationExecuting, true
	case string(store.OperationCancelled):
		return store.OperationCancelled, true
	default:
		return "", false
	}
}

// agentID prefers agentInfo.identifier over the top-level identifier.
func (r *HeartbeatRequest) agentID() string {
	if r.AgentInfo != nil && strings.TrimSpace(r.AgentInfo.Identifier) != "" {
		return strings.TrimSpace(r.AgentInfo.Identifier)
	}
	return strings.TrimSpace(r.Identifier)
}

func (a *OperationAck) agentID() string {
	if a.AgentInfo == nil {
		return ""
	}
	return strings.TrimSpace(a.AgentInfo.Identifier)
}

func (a *OperationAck) operationID() string {
	if a.OperationID != "" {
		return strings.TrimSpace(a.OperationID)
	}
	return strings.TrimSpace(a.Identifier)
}
