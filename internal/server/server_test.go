// ABOUTME: Tests for the server orchestrator: routes, health, metrics and the full run lifecycle
// ABOUTME: Drives an operation from enqueue over HTTP heartbeat to a gRPC acknowledgement

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/2389/edge-c2/internal/config"
	"github.com/2389/edge-c2/internal/store"
	"github.com/2389/edge-c2/internal/transport/grpcc2"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			HTTPAddr: "127.0.0.1:0",
			CoAPAddr: "127.0.0.1:0",
			GRPCAddr: "127.0.0.1:0",
		},
		Database: config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"},
		C2: config.C2Config{
			MaxBatchSize:  10,
			AckDedupeTTL:  time.Minute,
			AckDedupeSize: 100,
			AgentTimeout:  time.Minute,
		},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *store.MockStore) {
	t.Helper()
	s := store.NewMockStore()
	srv, err := NewWithStore(cfg, s, nil)
	require.NoError(t, err)
	return srv, s
}

func serveHTTP(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv, s := newTestServer(t, testConfig())

	rec := serveHTTP(srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = serveHTTP(srv, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	s.PingErr = errors.New("database is locked")
	rec = serveHTTP(srv, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	serveHTTP(srv, http.MethodPost, "/c2/api/heartbeat", `{"identifier":"agent-1"}`)

	rec := serveHTTP(srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "c2_heartbeats_total")
}

func TestMetricsDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.Enabled = false
	srv, _ := newTestServer(t, cfg)

	rec := serveHTTP(srv, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOperatorAPIRequiresTokenWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.JWTSecret = "server-test-secret-of-32-bytes!!"
	srv, _ := newTestServer(t, cfg)

	assert.Equal(t, http.StatusUnauthorized, serveHTTP(srv, http.MethodGet, "/api/operations", "").Code)

	// C2 endpoints stay open to agents
	assert.Equal(t, http.StatusOK, serveHTTP(srv, http.MethodPost, "/c2/api/heartbeat", `{"identifier":"agent-1"}`).Code)
}

func TestNewWithStore_WeakSecret(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.JWTSecret = "short"
	_, err := NewWithStore(cfg, store.NewMockStore(), nil)
	assert.Error(t, err)
}

func TestRun_EndToEnd(t *testing.T) {
	srv, s := newTestServer(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	select {
	case <-srv.Ready():
	case err := <-done:
		t.Fatalf("Run returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not become ready")
	}

	require.NotNil(t, srv.Addr("http"))
	require.NotNil(t, srv.Addr("coap"))
	require.NotNil(t, srv.Addr("grpc"))
	assert.Nil(t, srv.Addr("carrier-pigeon"))

	base := "http://" + srv.Addr("http").String()

	// Enqueue through the operator API
	resp, err := http.Post(base+"/api/operations", "application/json",
		strings.NewReader(`{"agent_id":"agent-1","type":"describe","operand":"manifest"}`))
	require.NoError(t, err)
	var op struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&op))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Heartbeat over HTTP picks it up
	resp, err = http.Post(base+"/c2/api/heartbeat", "application/json",
		strings.NewReader(`{"operation":"heartbeat","agentInfo":{"identifier":"agent-1","agentClass":"sensors"}}`))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, string(body), op.ID)

	// Acknowledge over gRPC
	conn, err := grpc.NewClient(srv.Addr("grpc").String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	ack := `{"operation":"acknowledge","operationId":"` + op.ID + `","operationState":{"state":"FULLY_APPLIED"}}`
	require.NoError(t, grpcc2.NewClient(conn).Acknowledge(ctx, []byte(ack)))

	stored, err := s.GetOperation(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OperationCompleted, stored.State)

	agent, err := s.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "sensors", agent.Class)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// Shutdown after Run is a no-op
	assert.NoError(t, srv.Shutdown(context.Background()))

	assert.ErrorIs(t, srv.Run(context.Background()), ErrAlreadyRun)
}

func TestRun_BindFailureIsFatal(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	cfg := testConfig()
	cfg.Server.CoAPAddr = ""
	cfg.Server.GRPCAddr = occupied.Addr().String()
	srv, _ := newTestServer(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = srv.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "binding grpc adapter")

	select {
	case <-srv.Ready():
		t.Fatal("server reported ready after a bind failure")
	default:
	}
}

func TestRun_NoEndpoints(t *testing.T) {
	cfg := testConfig()
	cfg.Server = config.ServerConfig{}
	srv, _ := newTestServer(t, cfg)

	err := srv.Run(context.Background())
	assert.Error(t, err)
}

func TestRun_SecondCallFails(t *testing.T) {
	cfg := testConfig()
	cfg.Server = config.ServerConfig{}
	srv, _ := newTestServer(t, cfg)

	err := srv.Run(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAlreadyRun)

	assert.NotPanics(t, func() {
		err = srv.Run(context.Background())
	})
	assert.ErrorIs(t, err, ErrAlreadyRun)
}
