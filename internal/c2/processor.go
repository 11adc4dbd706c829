// ABOUTME: Heartbeat and acknowledgement processing against the store and ordering engine
// ABOUTME: Processor implements Protocol and is shared by all transport adapters

package c2

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/edge-c2/internal/dedupe"
	"github.com/2389/edge-c2/internal/metrics"
	"github.com/2389/edge-c2/internal/operation"
	"github.com/2389/edge-c2/internal/store"
)

// OperationLister supplies the next batch of operations for an agent.
type OperationLister interface {
	ListForAgent(ctx context.Context, agentID string, maxBatch int) ([]operation.Selected, error)
}

// Options configures a Processor. Zero values are usable.
type Options struct {
	// MaxBatchSize bounds the operations per heartbeat response; operation.Unbounded disables
	// the limit and 0 never delivers anything.
	MaxBatchSize int

	// AckDedupe, when set, suppresses repeated identical acks.
	AckDedupe *dedupe.Cache

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Processor is the C2 processing core.
type Processor struct {
	store    store.Store
	ops      OperationLister
	maxBatch int
	dedupe   *dedupe.Cache
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

var _ Protocol = (*Processor)(nil)

// NewProcessor creates a Processor over s, using ops to pick operations for each heartbeat.
func NewProcessor(s store.Store, ops OperationLister, opts Options) *Processor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:    s,
		ops:      ops,
		maxBatch: opts.MaxBatchSize,
		dedupe:   opts.AckDedupe,
		metrics:  opts.Metrics,
		logger:   logger.With("component", "c2"),
		now:      time.Now,
	}
}

// ProcessHeartbeat decodes a heartbeat, refreshes last-seen records and returns the
// operations due for the agent. Delivered operations keep their state.
func (p *Processor) ProcessHeartbeat(ctx context.Context, payload []byte, hb HeartbeatContext) ([]byte, error) {
	start := p.now()

	req, err := decodeHeartbeat(payload, hb)
	if err != nil {
		p.metrics.Heartbeat(metrics.ResultProtocolError, p.now().Sub(start))
		p.logger.Warn("rejected heartbeat", "error", err)
		return nil, err
	}
	agentID := req.agentID()
	logger := p.logger.With("agent_id", agentID)

	if err := p.touch(ctx, agentID, req, start.UTC()); err != nil {
		p.metrics.Heartbeat(metrics.ResultError, p.now().Sub(start))
		logger.Error("recording heartbeat", "error", err)
		return nil, fmt.Errorf("%w: recording heartbeat: %w", ErrStore, err)
	}

	selected, err := p.ops.ListForAgent(ctx, agentID, p.maxBatch)
	if err != nil {
		p.metrics.Heartbeat(metrics.ResultError, p.now().Sub(start))
		logger.Error("selecting operations", "error", err)
		return nil, fmt.Errorf("%w: selecting operations: %w", ErrStore, err)
	}

	resp := HeartbeatResponse{
		MajorVersion:        MajorVersion,
		MinorVersion:        MinorVersion,
		Operation:           OpHeartbeat,
		BaseURI:             hb.BaseURI(),
		RequestedOperations: make([]C2Operation, 0, len(selected)),
	}
	for _, s := range selected {
		resp.RequestedOperations = append(resp.RequestedOperations, C2Operation{
			Identifier:   s.Operation.ID,
			Operation:    strings.ToLower(string(s.Operation.Type)),
			Operand:      s.Operation.Operand,
			Args:         s.Operation.Content,
			Dependencies: s.Dependencies,
		})
	}

	body, err := json.Marshal(resp)
	if err != nil {
		p.metrics.Heartbeat(metrics.ResultIncomplete, p.now().Sub(start))
		return nil, fmt.Errorf("%w: encoding response: %w", ErrIncomplete, err)
	}

	p.metrics.Heartbeat(metrics.ResultOK, p.now().Sub(start))
	p.metrics.Dispatched(len(selected))
	if len(selected) > 0 {
		logger.Info("dispatching operations", "count", len(selected))
	} else {
		logger.Debug("heartbeat", "class", req.AgentInfo.AgentClass)
	}
	return body, nil
}

// touch refreshes the last-seen records for the agent, its class and its manifest.
func (p *Processor) touch(ctx context.Context, agentID string, req *HeartbeatRequest, at time.Time) error {
	info := req.AgentInfo

	var manifestID string
	if present(info.AgentManifest) || info.AgentManifestHash != "" {
		manifestID = manifestIdentifier(info)
		if err := p.store.TouchAgentManifest(ctx, &store.AgentManifest{
			ID:       manifestID,
			Content:  info.AgentManifest,
			LastSeen: at,
		}); err != nil {
			return fmt.Errorf("manifest %s: %w", manifestID, err)
		}
	}

	if info.AgentClass != "" {
		if err := p.store.TouchAgentClass(ctx, info.AgentClass, at); err != nil {
			return fmt.Errorf("class %s: %w", info.AgentClass, err)
		}
	}

	return p.store.TouchAgent(ctx, &store.Agent{
		ID:         agentID,
		Class:      info.AgentClass,
		ManifestID: manifestID,
		Status:     agentStatus(req),
		LastSeen:   at,
	})
}

// ProcessOperationAck applies an acknowledgement. Acks for unknown operations and for
// operations already in a terminal state are logged and ignored.
func (p *Processor) ProcessOperationAck(ctx context.Context, payload []byte) error {
	ack, state, err := decodeAck(payload)
	if err != nil {
		p.metrics.Ack(metrics.AckProtocolError)
		p.logger.Warn("rejected acknowledgement", "error", err)
		return err
	}
	opID := ack.operationID()
	logger := p.logger.With("operation_id", opID, "state", state)

	key := dedupe.AckKey(opID, ack.agentID(), string(state))
	if p.dedupe != nil && p.dedupe.CheckAndMark(key) {
		p.metrics.Ack(metrics.AckDuplicate)
		logger.Debug("duplicate acknowledgement")
		return nil
	}

	result, err := p.applyAck(ctx, ack, opID, state, logger)
	if err != nil {
		p.forgetAck(key)
		p.metrics.Ack(metrics.AckError)
		logger.Error("applying acknowledgement", "error", err)
		return fmt.Errorf("%w: applying acknowledgement: %w", ErrStore, err)
	}
	if result == metrics.AckUnknown {
		// the operation may be created or reassigned later; only applied and terminal acks stay marked
		p.forgetAck(key)
	}
	p.metrics.Ack(result)
	return nil
}

func (p *Processor) forgetAck(key string) {
	if p.dedupe != nil {
		p.dedupe.Forget(key)
	}
}

func (p *Processor) applyAck(ctx context.Context, ack *OperationAck, opID string, state store.OperationState, logger *slog.Logger) (string, error) {
	op, err := p.store.GetOperation(ctx, opID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("acknowledgement for unknown operation")
		return metrics.AckUnknown, nil
	}
	if err != nil {
		return "", err
	}

	if ack.AgentInfo != nil && ack.AgentInfo.Identifier != "" && ack.AgentInfo.Identifier != op.AgentID {
		logger.Warn("acknowledgement from wrong agent",
			"agent_id", ack.AgentInfo.Identifier,
			"target_agent_id", op.AgentID,
		)
		return metrics.AckUnknown, nil
	}

	if op.State.Terminal() {
		logger.Info("ignoring acknowledgement for finished operation", "current_state", op.State)
		return metrics.AckTerminal, nil
	}

	details := ""
	if ack.OperationState != nil {
		details = ack.OperationState.Details
	}

	changed, err := p.store.TransitionOperation(ctx, opID, state, details, p.now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("operation removed before acknowledgement applied")
		return metrics.AckUnknown, nil
	}
	if err != nil {
		return "", err
	}
	if !changed {
		// lost the race to a concurrent terminal ack
		logger.Info("ignoring acknowledgement for finished operation")
		return metrics.AckTerminal, nil
	}

	logger.Info("operation acknowledged", "agent_id", op.AgentID, "previous_state", op.State)
	if err := p.store.AppendOperationEvent(ctx, &store.OperationEvent{
		OperationID: opID,
		AgentID:     op.AgentID,
		Kind:        store.EventAcknowledged,
		State:       state,
		Actor:       op.AgentID,
		Details:     details,
	}); err != nil {
		logger.Warn("recording operation history", "error", err)
	}
	return metrics.AckApplied, nil
}

func decodeHeartbeat(payload []byte, hb HeartbeatContext) (*HeartbeatRequest, error) {
	if n := hb.ContentLength(); n >= 0 && int64(len(payload)) < n {
		return nil, protocolErrorf(OpHeartbeat, "payload truncated: read %d of %d bytes", len(payload), n)
	}
	if len(payload) == 0 {
		return nil, protocolErrorf(OpHeartbeat, "empty payload")
	}

	var req HeartbeatRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, &ProtocolError{Op: OpHeartbeat, Err: fmt.Errorf("decoding payload: %w", err)}
	}
	if err := checkVersion(OpHeartbeat, req.MajorVersion); err != nil {
		return nil, err
	}
	if req.Operation != "" && !strings.EqualFold(req.Operation, OpHeartbeat) {
		return nil, protocolErrorf(OpHeartbeat, "unexpected operation %q", req.Operation)
	}
	if req.agentID() == "" {
		return nil, protocolErrorf(OpHeartbeat, "agent identifier is required")
	}
	if req.AgentInfo == nil {
		req.AgentInfo = &AgentInfo{}
	}
	if !present(req.AgentInfo.AgentManifest) {
		req.AgentInfo.AgentManifest = nil
	}
	return &req, nil
}

func decodeAck(payload []byte) (*OperationAck, store.OperationState, error) {
	if len(payload) == 0 {
		return nil, "", protocolErrorf(OpAcknowledge, "empty payload")
	}

	var ack OperationAck
	if err := json.Unmarshal(payload, &ack); err != nil {
		return nil, "", &ProtocolError{Op: OpAcknowledge, Err: fmt.Errorf("decoding payload: %w", err)}
	}
	if err := checkVersion(OpAcknowledge, ack.MajorVersion); err != nil {
		return nil, "", err
	}
	if ack.Operation != "" && !strings.EqualFold(ack.Operation, OpAcknowledge) {
		return nil, "", protocolErrorf(OpAcknowledge, "unexpected operation %q", ack.Operation)
	}
	if ack.operationID() == "" {
		return nil, "", protocolErrorf(OpAcknowledge, "operationId is required")
	}
	if ack.OperationState == nil {
		return nil, "", protocolErrorf(OpAcknowledge, "operationState is required")
	}
	state, ok := ackState(ack.OperationState.State)
	if !ok {
		return nil, "", protocolErrorf(OpAcknowledge, "unsupported state %q", ack.OperationState.State)
	}
	return &ack, state, nil
}

// checkVersion accepts an omitted major version as the current one.
func checkVersion(op string, major int) error {
	if major != 0 && major != MajorVersion {
		return protocolErrorf(op, "unsupported major version %d", major)
	}
	return nil
}

// manifestIdentifier prefers the manifest's own identifier, then the agent-reported hash,
// then a digest of the manifest body.
func manifestIdentifier(info *AgentInfo) string {
	if present(info.AgentManifest) {
		var m struct {
			Identifier string `json:"identifier"`
		}
		if json.Unmarshal(info.AgentManifest, &m) == nil && m.Identifier != "" {
			return m.Identifier
		}
	}
	if info.AgentManifestHash != "" {
		return info.AgentManifestHash
	}
	sum := sha256.Sum256(info.AgentManifest)
	return hex.EncodeToString(sum[:])
}

// agentStatus folds the reported status documents into the single JSON value kept on the agent.
func agentStatus(req *HeartbeatRequest) json.RawMessage {
	parts := map[string]json.RawMessage{}
	if present(req.AgentInfo.Status) {
		parts["agent"] = req.AgentInfo.Status
	}
	if present(req.FlowInfo) {
		parts["flow"] = req.FlowInfo
	}
	if present(req.DeviceInfo) {
		parts["device"] = req.DeviceInfo
	}
	if len(parts) == 0 {
		return nil
	}
	b, err := json.Marshal(parts)
	if err != nil {
		return nil
	}
	return b
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}
