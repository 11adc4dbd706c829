// ABOUTME: Server orchestrator that wires the store, C2 core and transport adapters
// ABOUTME: Binds every configured adapter, serves until cancelled, then shuts down in order

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"tailscale.com/tsnet"

	"github.com/2389/edge-c2/internal/api"
	"github.com/2389/edge-c2/internal/auth"
	"github.com/2389/edge-c2/internal/c2"
	"github.com/2389/edge-c2/internal/config"
	"github.com/2389/edge-c2/internal/dedupe"
	"github.com/2389/edge-c2/internal/metrics"
	"github.com/2389/edge-c2/internal/operation"
	"github.com/2389/edge-c2/internal/store"
	"github.com/2389/edge-c2/internal/transport"
	"github.com/2389/edge-c2/internal/transport/coap"
	"github.com/2389/edge-c2/internal/transport/grpcc2"
	"github.com/2389/edge-c2/internal/transport/httpc2"
)

// Tailnet ports used by the stream adapters when tailscale is enabled
const (
	tailnetHTTPAddr = ":80"
	tailnetGRPCAddr = ":50051"
)

// ErrAlreadyRun is returned by Run on every call after the first.
var ErrAlreadyRun = errors.New("server: Run may only be called once")

// Server orchestrates the edge-c2 components.
type Server struct {
	config    *config.Config
	store     store.Store
	ops       *operation.Service
	processor *c2.Processor
	metrics   *metrics.Metrics
	dedupe    *dedupe.Cache
	echo      *echo.Echo
	logger    *slog.Logger

	tsnetServer *tsnet.Server

	mu       sync.Mutex
	adapters []transport.Adapter
	ready    chan struct{}
	started  bool
	closed   bool
}

// initStore opens the configured database, creating its directory if needed.
// EDGE_C2_DB_PATH overrides database.path.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("EDGE_C2_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
	}

	s, err := store.Open(cfg.Database.Driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Server with its own store.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}
	srv, err := NewWithStore(cfg, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return srv, nil
}

// NewWithStore creates a Server over an existing store. The server closes s on Shutdown.
func NewWithStore(cfg *config.Config, s store.Store, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var verifier *auth.JWTVerifier
	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating token verifier: %w", err)
		}
		verifier = v
	} else {
		logger.Warn("auth.jwt_secret not set - operator API is unauthenticated")
	}

	m := metrics.New()
	ops := operation.NewService(s, logger)

	var ackDedupe *dedupe.Cache
	if cfg.C2.AckDedupeTTL > 0 {
		ackDedupe = dedupe.New(cfg.C2.AckDedupeTTL, cfg.C2.AckDedupeSize)
	}

	processor := c2.NewProcessor(s, ops, c2.Options{
		MaxBatchSize: cfg.C2.MaxBatchSize,
		AckDedupe:    ackDedupe,
		Metrics:      m,
		Logger:       logger,
	})

	srv := &Server{
		config:    cfg,
		store:     s,
		ops:       ops,
		processor: processor,
		metrics:   m,
		dedupe:    ackDedupe,
		echo:      httpc2.NewEcho(logger),
		logger:    logger.With("component", "server"),
		ready:     make(chan struct{}),
	}

	srv.registerRoutes(verifier)
	return srv, nil
}

// registerRoutes mounts the C2, operator, health and metrics routes on the shared echo.
func (s *Server) registerRoutes(verifier *auth.JWTVerifier) {
	e := s.echo

	e.GET("/health", s.handleHealth)
	e.GET("/health/ready", s.handleReady)

	httpc2.NewHandler(s.processor, httpc2.Config{
		BaseURL: s.config.C2.BaseURL,
		Metrics: s.metrics,
		Logger:  s.logger,
	}).RegisterRoutes(e)

	apiCfg := api.Config{
		AgentTimeout: s.config.C2.AgentTimeout,
		Logger:       s.logger,
	}
	if verifier != nil {
		apiCfg.Verifier = verifier
	}
	api.NewHandler(s.ops, s.store, apiCfg).RegisterRoutes(e)

	if s.config.Metrics.Enabled {
		e.GET(s.config.Metrics.Path, echo.WrapHandler(s.metrics.Handler()))
		s.logger.Info("metrics enabled", "path", s.config.Metrics.Path)
	}
}

// Handler returns the HTTP handler serving every HTTP route.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Protocol returns the C2 processing core shared by the adapters.
func (s *Server) Protocol() c2.Protocol {
	return s.processor
}

// setupAdapters builds one adapter per configured endpoint, bringing up the tailnet
// node first when tailscale is enabled.
func (s *Server) setupAdapters(ctx context.Context) ([]transport.Adapter, error) {
	cfg := s.config
	httpAddr, grpcAddr := cfg.Server.HTTPAddr, cfg.Server.GRPCAddr
	var streamListener transport.Listener

	if cfg.Tailscale.Enabled {
		tsSrv, status, err := transport.StartTailnet(ctx, transport.TailnetConfig{
			Hostname:  cfg.Tailscale.Hostname,
			AuthKey:   cfg.Tailscale.AuthKey,
			StateDir:  cfg.Tailscale.StateDir,
			Ephemeral: cfg.Tailscale.Ephemeral,
		}, s.logger)
		if err != nil {
			return nil, err
		}
		s.tsnetServer = tsSrv
		streamListener = tsSrv

		if httpAddr != "" || grpcAddr != "" {
			s.logger.Warn("server.http_addr and server.grpc_addr are replaced by tailnet ports when tailscale is enabled",
				"http_addr", httpAddr,
				"grpc_addr", grpcAddr,
			)
		}
		httpAddr, grpcAddr = tailnetHTTPAddr, tailnetGRPCAddr
		if base := transport.TailnetBaseURL(status); base != "" {
			s.logger.Info("c2 reachable on tailnet", "base_url", base)
		}
	}

	var adapters []transport.Adapter
	if httpAddr != "" {
		adapters = append(adapters, httpc2.NewAdapter(s.echo, httpc2.ServerConfig{
			Addr:     httpAddr,
			Listener: streamListener,
			Logger:   s.logger,
		}))
	}
	if cfg.Server.CoAPAddr != "" {
		handler := coap.NewHandler(s.processor, coap.Config{
			BaseURL: cfg.C2.BaseURL,
			Metrics: s.metrics,
			Logger:  s.logger,
		})
		adapters = append(adapters, coap.NewAdapter(handler, coap.ServerConfig{
			Addr:   cfg.Server.CoAPAddr,
			Logger: s.logger,
		}))
	}
	if grpcAddr != "" {
		svc := grpcc2.NewService(s.processor, grpcc2.Config{
			BaseURL: cfg.C2.BaseURL,
			Metrics: s.metrics,
			Logger:  s.logger,
		})
		adapters = append(adapters, grpcc2.NewAdapter(svc, grpcc2.ServerConfig{
			Addr:     grpcAddr,
			Listener: streamListener,
			Logger:   s.logger,
		}))
	}

	if len(adapters) == 0 {
		return nil, transport.ErrNoEndpoint
	}
	return adapters, nil
}

// bindAdapters binds every adapter. Any failure is fatal.
func (s *Server) bindAdapters(ctx context.Context, adapters []transport.Adapter) error {
	for _, a := range adapters {
		if err := a.Bind(ctx); err != nil {
			return fmt.Errorf("binding %s adapter: %w", a.Name(), err)
		}
	}
	return nil
}

// startServers starts every adapter in its own goroutine, returning the error channel.
func (s *Server) startServers(adapters []transport.Adapter) chan error {
	errCh := make(chan error, len(adapters))
	for _, a := range adapters {
		go func(a transport.Adapter) {
			if err := a.Serve(); err != nil {
				errCh <- err
			}
		}(a)
	}
	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (s *Server) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		s.logger.Error("server error", "error", err)
		s.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (s *Server) drainErrors(errCh chan error) {
	for {
		select {
		case additionalErr := <-errCh:
			s.logger.Error("additional server error", "error", additionalErr)
		default:
			return
		}
	}
}

// Run binds the adapters and serves until the context is canceled. A Server runs once;
// later calls return ErrAlreadyRun.
// Returns nil on graceful shutdown, or an error if binding or a server fails.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyRun
	}
	s.started = true
	s.mu.Unlock()

	adapters, err := s.setupAdapters(ctx)
	if err != nil {
		return errors.Join(err, s.gracefulShutdown())
	}

	s.mu.Lock()
	s.adapters = adapters
	s.mu.Unlock()

	if err := s.bindAdapters(ctx, adapters); err != nil {
		return errors.Join(err, s.gracefulShutdown())
	}

	for _, a := range adapters {
		s.logger.Info("adapter bound", "transport", a.Name(), "addr", a.Addr().String())
	}
	close(s.ready)

	errCh := s.startServers(adapters)
	serverErr := s.waitForShutdownSignal(ctx, errCh)

	shutdownErr := s.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// Ready is closed once every adapter is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address of the named adapter ("http", "coap" or "grpc").
func (s *Server) Addr(name string) net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.adapters {
		if a.Name() == name {
			return a.Addr()
		}
	}
	return nil
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the run context is already canceled.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops every adapter, then releases the tailnet node and the store.
// Calls after the first are no-ops.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	adapters := s.adapters
	s.mu.Unlock()

	var errs []error
	for _, a := range adapters {
		errs = appendCloseError(errs, a.Name()+" shutdown", a.Shutdown(ctx))
	}

	if s.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", s.tsnetServer.Close())
	}
	if s.dedupe != nil {
		s.dedupe.Close()
	}
	errs = appendCloseError(errs, "store close", s.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

// handleReady returns 200 OK if the store is reachable.
func (s *Server) handleReady(c echo.Context) error {
	if err := s.store.Ping(c.Request().Context()); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		return c.String(http.StatusServiceUnavailable, "store unavailable")
	}
	return c.String(http.StatusOK, "ready")
}
