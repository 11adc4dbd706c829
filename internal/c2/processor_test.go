// ABOUTME: Tests for heartbeat and acknowledgement processing
// ABOUTME: Runs the processor against the in-memory store and the real ordering engine

package c2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/edge-c2/internal/dedupe"
	"github.com/2389/edge-c2/internal/metrics"
	"github.com/2389/edge-c2/internal/operation"
	"github.com/2389/edge-c2/internal/store"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	proc  *Processor
	store *store.MockStore
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	s := store.NewMockStore()
	if opts.MaxBatchSize == 0 {
		opts.MaxBatchSize = operation.Unbounded
	}
	p := NewProcessor(s, operation.NewService(s, nil), opts)
	p.now = func() time.Time { return testNow }
	return &fixture{proc: p, store: s}
}

// seed stores an operation for agent-1 created tick seconds after testNow.
func (f *fixture) seed(t *testing.T, id string, state store.OperationState, tick int, deps ...string) {
	t.Helper()
	require.NoError(t, f.store.CreateOperation(context.Background(), &store.Operation{
		ID:           id,
		AgentID:      "agent-1",
		Type:         store.OperationUpdate,
		Operand:      "configuration",
		State:        state,
		Dependencies: deps,
		Content:      map[string]string{"flowId": id},
		CreatedAt:    testNow.Add(time.Duration(tick) * time.Second),
	}))
}

func heartbeat(t *testing.T, f *fixture, payload string) HeartbeatResponse {
	t.Helper()
	body, err := f.proc.ProcessHeartbeat(context.Background(), []byte(payload), NewHeartbeatContext("http://c2.example", -1))
	require.NoError(t, err)

	var resp HeartbeatResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp
}

func opIDs(resp HeartbeatResponse) []string {
	out := make([]string, len(resp.RequestedOperations))
	for i, op := range resp.RequestedOperations {
		out[i] = op.Identifier
	}
	return out
}

const agentHeartbeat = `{"operation":"heartbeat","agentInfo":{"identifier":"agent-1","agentClass":"sensors"}}`

func TestProcessHeartbeat_NoOperations(t *testing.T) {
	f := newFixture(t, Options{})

	resp := heartbeat(t, f, agentHeartbeat)

	assert.Equal(t, MajorVersion, resp.MajorVersion)
	assert.Equal(t, OpHeartbeat, resp.Operation)
	assert.Equal(t, "http://c2.example", resp.BaseURI)
	assert.NotNil(t, resp.RequestedOperations)
	assert.Empty(t, resp.RequestedOperations)
}

func TestProcessHeartbeat_EmptyListIsEncodedAsArray(t *testing.T) {
	f := newFixture(t, Options{})

	body, err := f.proc.ProcessHeartbeat(context.Background(), []byte(agentHeartbeat), NewHeartbeatContext("", -1))
	require.NoError(t, err)
	assert.Contains(t, string(body), `"requestedOperations":[]`)
}

func TestProcessHeartbeat_UpdatesLastSeen(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	heartbeat(t, f, `{
		"majorVersion": 1,
		"operation": "heartbeat",
		"agentInfo": {
			"identifier": "agent-1",
			"agentClass": "sensors",
			"agentManifest": {"identifier": "manifest-7", "agentType": "cpp"},
			"status": {"uptime": 42}
		},
		"flowInfo": {"flowId": "f-1"}
	}`)

	agent, err := f.store.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "sensors", agent.Class)
	assert.Equal(t, "manifest-7", agent.ManifestID)
	assert.Equal(t, testNow, agent.LastSeen)
	assert.JSONEq(t, `{"agent":{"uptime":42},"flow":{"flowId":"f-1"}}`, string(agent.Status))

	classes, err := f.store.ListAgentClasses(ctx)
	require.NoError(t, err)
	require.Len(t, classes, 1)
	assert.Equal(t, "sensors", classes[0].Name)

	manifest, err := f.store.GetAgentManifest(ctx, "manifest-7")
	require.NoError(t, err)
	assert.JSONEq(t, `{"identifier":"manifest-7","agentType":"cpp"}`, string(manifest.Content))
}

func TestProcessHeartbeat_TopLevelIdentifier(t *testing.T) {
	f := newFixture(t, Options{})

	heartbeat(t, f, `{"identifier":"agent-9"}`)

	_, err := f.store.GetAgent(context.Background(), "agent-9")
	assert.NoError(t, err)
}

func TestProcessHeartbeat_ManifestHashFallback(t *testing.T) {
	f := newFixture(t, Options{})

	heartbeat(t, f, `{"agentInfo":{"identifier":"agent-1","agentManifestHash":"abc123"}}`)

	agent, err := f.store.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "abc123", agent.ManifestID)
}

func TestProcessHeartbeat_ProtocolErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"empty", ``},
		{"not json", `heartbeat please`},
		{"not an object", `[1,2,3]`},
		{"missing identity", `{"operation":"heartbeat","agentInfo":{"agentClass":"sensors"}}`},
		{"blank identity", `{"identifier":"   "}`},
		{"wrong operation", `{"operation":"acknowledge","identifier":"agent-1"}`},
		{"future version", `{"majorVersion":2,"identifier":"agent-1"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			_, err := f.proc.ProcessHeartbeat(context.Background(), []byte(tt.payload), NewHeartbeatContext("", -1))
			require.Error(t, err)
			assert.True(t, IsProtocolError(err), "got %v", err)
			assert.Equal(t, OutcomeServerError, Classify(err))
		})
	}
}

func TestProcessHeartbeat_TruncatedPayload(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.proc.ProcessHeartbeat(context.Background(), []byte(agentHeartbeat), NewHeartbeatContext("", int64(len(agentHeartbeat)+10)))
	assert.True(t, IsProtocolError(err))
}

func TestProcessHeartbeat_PrunesCompletedDependencies(t *testing.T) {
	f := newFixture(t, Options{MaxBatchSize: 10})
	f.seed(t, "A", store.OperationCompleted, 1)
	f.seed(t, "B", store.OperationQueued, 2, "A")
	f.seed(t, "C", store.OperationQueued, 3, "A")

	resp := heartbeat(t, f, agentHeartbeat)

	require.Equal(t, []string{"B", "C"}, opIDs(resp))
	for _, op := range resp.RequestedOperations {
		assert.Empty(t, op.Dependencies)
		assert.Equal(t, "update", op.Operation)
		assert.Equal(t, "configuration", op.Operand)
		assert.Equal(t, op.Identifier, op.Args["flowId"])
	}
}

func TestProcessHeartbeat_BatchOfOne(t *testing.T) {
	f := newFixture(t, Options{MaxBatchSize: 1})
	f.seed(t, "A", store.OperationQueued, 1)
	f.seed(t, "B", store.OperationQueued, 2, "A")

	resp := heartbeat(t, f, agentHeartbeat)
	assert.Equal(t, []string{"A"}, opIDs(resp))
}

func TestProcessHeartbeat_FailedDependencyExcludes(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, "Y", store.OperationFailed, 1)
	f.seed(t, "X", store.OperationQueued, 2, "Y")

	resp := heartbeat(t, f, agentHeartbeat)
	assert.Empty(t, resp.RequestedOperations)
}

func TestProcessHeartbeat_RetainsInBatchDependencies(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, "stop", store.OperationQueued, 1)
	f.seed(t, "update", store.OperationQueued, 2, "stop")

	resp := heartbeat(t, f, agentHeartbeat)
	require.Equal(t, []string{"stop", "update"}, opIDs(resp))
	assert.Equal(t, []string{"stop"}, resp.RequestedOperations[1].Dependencies)
}

func TestProcessHeartbeat_RedeliversUntilAcked(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, "A", store.OperationQueued, 1)

	assert.Equal(t, []string{"A"}, opIDs(heartbeat(t, f, agentHeartbeat)))
	assert.Equal(t, []string{"A"}, opIDs(heartbeat(t, f, agentHeartbeat)), "lost response must not lose the operation")

	require.NoError(t, f.proc.ProcessOperationAck(context.Background(),
		[]byte(`{"operation":"acknowledge","operationId":"A","operationState":{"state":"FULLY_APPLIED"}}`)))

	assert.Empty(t, heartbeat(t, f, agentHeartbeat).RequestedOperations)
}

func TestProcessHeartbeat_OtherAgentsOperationsHidden(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.store.CreateOperation(context.Background(), &store.Operation{
		ID: "theirs", AgentID: "agent-2", Type: store.OperationStart, State: store.OperationQueued, CreatedAt: testNow,
	}))

	assert.Empty(t, heartbeat(t, f, agentHeartbeat).RequestedOperations)
}

type failingStore struct {
	*store.MockStore
	err error
}

func (s *failingStore) TouchAgent(ctx context.Context, agent *store.Agent) error { return s.err }

func (s *failingStore) GetOperation(ctx context.Context, id string) (*store.Operation, error) {
	return nil, s.err
}

func TestProcessHeartbeat_StoreFailureIsServerError(t *testing.T) {
	boom := errors.New("disk on fire")
	s := &failingStore{MockStore: store.NewMockStore(), err: boom}
	p := NewProcessor(s, operation.NewService(s, nil), Options{MaxBatchSize: 10})

	body, err := p.ProcessHeartbeat(context.Background(), []byte(agentHeartbeat), NewHeartbeatContext("", -1))
	assert.Nil(t, body)
	assert.ErrorIs(t, err, ErrStore)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrIncomplete)
	assert.False(t, IsProtocolError(err))
	assert.Equal(t, OutcomeServerError, ClassifyHeartbeat(body, err))
}

type failingLister struct{}

func (failingLister) ListForAgent(context.Context, string, int) ([]operation.Selected, error) {
	return nil, errors.New("query timeout")
}

func TestProcessHeartbeat_ListFailureIsServerError(t *testing.T) {
	p := NewProcessor(store.NewMockStore(), failingLister{}, Options{MaxBatchSize: 10})

	body, err := p.ProcessHeartbeat(context.Background(), []byte(agentHeartbeat), NewHeartbeatContext("", -1))
	assert.ErrorIs(t, err, ErrStore)
	assert.Equal(t, OutcomeServerError, ClassifyHeartbeat(body, err))
}

func ack(id, state string) []byte {
	return []byte(`{"operation":"acknowledge","operationId":"` + id + `","operationState":{"state":"` + state + `","details":"from test"}}`)
}

func ackFrom(agentID, id, state string) []byte {
	return []byte(`{"operation":"acknowledge","operationId":"` + id + `","operationState":{"state":"` + state + `"},"agentInfo":{"identifier":"` + agentID + `"}}`)
}

func TestProcessOperationAck_UnknownOperation(t *testing.T) {
	f := newFixture(t, Options{})

	assert.NoError(t, f.proc.ProcessOperationAck(context.Background(), ack("999", "FULLY_APPLIED")))
}

func TestProcessOperationAck_StateMapping(t *testing.T) {
	tests := []struct {
		reported string
		want     store.OperationState
	}{
		{"FULLY_APPLIED", store.OperationCompleted},
		{"PARTIALLY_APPLIED", store.OperationFailed},
		{"OPERATION_NOT_UNDERSTOOD", store.OperationFailed},
		{"NOT_APPLIED", store.OperationNotApplied},
		{"COMPLETED", store.OperationCompleted},
		{"FAILED", store.OperationFailed},
		{"CANCELLED", store.OperationCancelled},
		{"EXECUTING", store.OperationExecuting},
		{"fully_applied", store.OperationCompleted},
	}

	for _, tt := range tests {
		t.Run(tt.reported, func(t *testing.T) {
			f := newFixture(t, Options{})
			f.seed(t, "op-1", store.OperationQueued, 1)

			require.NoError(t, f.proc.ProcessOperationAck(context.Background(), ack("op-1", tt.reported)))

			op, err := f.store.GetOperation(context.Background(), "op-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, op.State)
			assert.Equal(t, "from test", op.Details)
		})
	}
}

func TestProcessOperationAck_TerminalIsSticky(t *testing.T) {
	for _, second := range []string{"FULLY_APPLIED", "NOT_APPLIED", "EXECUTING", "CANCELLED"} {
		t.Run(second, func(t *testing.T) {
			f := newFixture(t, Options{})
			f.seed(t, "op-1", store.OperationQueued, 1)
			ctx := context.Background()

			require.NoError(t, f.proc.ProcessOperationAck(ctx, ack("op-1", "PARTIALLY_APPLIED")))
			require.NoError(t, f.proc.ProcessOperationAck(ctx, ack("op-1", second)))

			op, err := f.store.GetOperation(ctx, "op-1")
			require.NoError(t, err)
			assert.Equal(t, store.OperationFailed, op.State)
		})
	}
}

func TestProcessOperationAck_ExecutingThenCompleted(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, "op-1", store.OperationQueued, 1)
	ctx := context.Background()

	require.NoError(t, f.proc.ProcessOperationAck(ctx, ack("op-1", "EXECUTING")))
	op, err := f.store.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, store.OperationExecuting, op.State)

	// Executing operations are no longer redelivered
	assert.Empty(t, heartbeat(t, f, agentHeartbeat).RequestedOperations)

	require.NoError(t, f.proc.ProcessOperationAck(ctx, ack("op-1", "FULLY_APPLIED")))
	op, err = f.store.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, store.OperationCompleted, op.State)

	events, err := f.store.ListOperationEvents(ctx, "op-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, store.EventAcknowledged, events[0].Kind)
	assert.Equal(t, store.OperationExecuting, events[0].State)
	assert.Equal(t, store.OperationCompleted, events[1].State)
	assert.Equal(t, "agent-1", events[1].Actor)
}

func TestProcessOperationAck_ProtocolErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"empty", ``},
		{"garbage", `{{{`},
		{"missing id", `{"operationState":{"state":"FULLY_APPLIED"}}`},
		{"missing state", `{"operationId":"op-1"}`},
		{"queued state", `{"operationId":"op-1","operationState":{"state":"QUEUED"}}`},
		{"unknown state", `{"operationId":"op-1","operationState":{"state":"MOSTLY_FINE"}}`},
		{"wrong operation", `{"operation":"heartbeat","operationId":"op-1","operationState":{"state":"FULLY_APPLIED"}}`},
		{"future version", `{"majorVersion":3,"operationId":"op-1","operationState":{"state":"FULLY_APPLIED"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			f.seed(t, "op-1", store.OperationQueued, 1)

			err := f.proc.ProcessOperationAck(context.Background(), []byte(tt.payload))
			assert.True(t, IsProtocolError(err), "got %v", err)

			op, getErr := f.store.GetOperation(context.Background(), "op-1")
			require.NoError(t, getErr)
			assert.Equal(t, store.OperationQueued, op.State)
		})
	}
}

func TestProcessOperationAck_LegacyIdentifierField(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, "op-1", store.OperationQueued, 1)

	require.NoError(t, f.proc.ProcessOperationAck(context.Background(),
		[]byte(`{"identifier":"op-1","operationState":{"state":"FULLY_APPLIED"}}`)))

	op, err := f.store.GetOperation(context.Background(), "op-1")
	require.NoError(t, err)
	assert.Equal(t, store.OperationCompleted, op.State)
}

func TestProcessOperationAck_WrongAgentIgnored(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, "op-1", store.OperationQueued, 1)

	require.NoError(t, f.proc.ProcessOperationAck(context.Background(),
		[]byte(`{"operationId":"op-1","operationState":{"state":"FULLY_APPLIED"},"agentInfo":{"identifier":"agent-2"}}`)))

	op, err := f.store.GetOperation(context.Background(), "op-1")
	require.NoError(t, err)
	assert.Equal(t, store.OperationQueued, op.State)
}

func TestProcessOperationAck_Dedupe(t *testing.T) {
	cache := dedupe.New(time.Minute, 100)
	defer cache.Close()
	m := metrics.New()

	f := newFixture(t, Options{AckDedupe: cache, Metrics: m})
	f.seed(t, "op-1", store.OperationQueued, 1)
	ctx := context.Background()

	require.NoError(t, f.proc.ProcessOperationAck(ctx, ack("op-1", "FULLY_APPLIED")))
	require.NoError(t, f.proc.ProcessOperationAck(ctx, ack("op-1", "FULLY_APPLIED")))

	assert.True(t, cache.Seen(dedupe.AckKey("op-1", "", string(store.OperationCompleted))))
}

func TestProcessOperationAck_WrongAgentDoesNotSuppressOwner(t *testing.T) {
	cache := dedupe.New(time.Minute, 100)
	defer cache.Close()

	f := newFixture(t, Options{AckDedupe: cache})
	f.seed(t, "op-1", store.OperationQueued, 1)
	ctx := context.Background()

	require.NoError(t, f.proc.ProcessOperationAck(ctx, ackFrom("agent-2", "op-1", "FULLY_APPLIED")))
	require.NoError(t, f.proc.ProcessOperationAck(ctx, ackFrom("agent-1", "op-1", "FULLY_APPLIED")))

	op, err := f.store.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, store.OperationCompleted, op.State)
}

func TestProcessOperationAck_UnknownIsNotRemembered(t *testing.T) {
	cache := dedupe.New(time.Minute, 100)
	defer cache.Close()

	f := newFixture(t, Options{AckDedupe: cache})
	ctx := context.Background()

	require.NoError(t, f.proc.ProcessOperationAck(ctx, ack("op-9", "FULLY_APPLIED")))
	assert.False(t, cache.Seen(dedupe.AckKey("op-9", "", string(store.OperationCompleted))))

	f.seed(t, "op-9", store.OperationQueued, 1)
	require.NoError(t, f.proc.ProcessOperationAck(ctx, ack("op-9", "FULLY_APPLIED")))

	op, err := f.store.GetOperation(ctx, "op-9")
	require.NoError(t, err)
	assert.Equal(t, store.OperationCompleted, op.State)
}

func TestProcessOperationAck_StoreFailureForgetsDedupe(t *testing.T) {
	cache := dedupe.New(time.Minute, 100)
	defer cache.Close()

	boom := errors.New("locked")
	s := &failingStore{MockStore: store.NewMockStore(), err: boom}
	p := NewProcessor(s, operation.NewService(s, nil), Options{AckDedupe: cache})

	err := p.ProcessOperationAck(context.Background(), ack("op-1", "FULLY_APPLIED"))
	assert.ErrorIs(t, err, ErrStore)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, OutcomeServerError, Classify(err))
	assert.False(t, cache.Seen(dedupe.AckKey("op-1", "", string(store.OperationCompleted))), "failed ack must be retryable")
}

func TestClassify(t *testing.T) {
	assert.Equal(t, OutcomeOK, Classify(nil))
	assert.Equal(t, OutcomeServerError, Classify(&ProtocolError{Op: OpHeartbeat, Err: errors.New("bad")}))
	assert.Equal(t, OutcomeIncomplete, Classify(ErrIncomplete))
	assert.Equal(t, OutcomeServerError, Classify(fmt.Errorf("%w: touching agent: %w", ErrStore, errors.New("locked"))))
	assert.Equal(t, OutcomeServerError, Classify(errors.New("anything else")))

	assert.Equal(t, OutcomeIncomplete, ClassifyHeartbeat(nil, nil))
	assert.Equal(t, OutcomeOK, ClassifyHeartbeat([]byte("{}"), nil))
}

func TestNewHeartbeatContext(t *testing.T) {
	hb := NewHeartbeatContext("coap://edge:5683", 120)
	assert.Equal(t, "coap://edge:5683", hb.BaseURI())
	assert.Equal(t, int64(120), hb.ContentLength())

	assert.Equal(t, int64(-1), NewHeartbeatContext("", -7).ContentLength())
}
