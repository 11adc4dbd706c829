// ABOUTME: gRPC transport adapter with keepalive and request logging
// ABOUTME: Shutdown drains in-flight calls with GracefulStop and falls back to Stop when the context expires

package grpcc2

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/2389/edge-c2/internal/transport"
)

// ServerConfig configures the gRPC adapter.
type ServerConfig struct {
	Addr string
	// Listener opens the endpoint; nil means the host TCP stack.
	Listener transport.Listener
	Logger   *slog.Logger
}

// Adapter serves the C2Protocol service.
type Adapter struct {
	transport.Lifecycle

	srv      *grpc.Server
	addr     string
	listener transport.Listener
	logger   *slog.Logger

	mu sync.Mutex
	ln net.Listener
}

var _ transport.Adapter = (*Adapter)(nil)

// NewAdapter creates an unbound adapter serving svc.
func NewAdapter(svc C2ProtocolServer, cfg ServerConfig) *Adapter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "grpc")

	srv := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(loggingInterceptor(logger)),
	)
	srv.RegisterService(&ServiceDesc, svc)

	return &Adapter{
		srv:      srv,
		addr:     cfg.Addr,
		listener: cfg.Listener,
		logger:   logger,
	}
}

// Name implements transport.Adapter.
func (a *Adapter) Name() string { return "grpc" }

// Bind opens the configured endpoint.
func (a *Adapter) Bind(ctx context.Context) error {
	ln, err := transport.ListenStream(a.listener, a.addr)
	if err != nil {
		return fmt.Errorf("grpc: %w", err)
	}
	if err := a.MarkBound(); err != nil {
		_ = ln.Close()
		return fmt.Errorf("grpc: %w", err)
	}

	a.mu.Lock()
	a.ln = ln
	a.mu.Unlock()
	return nil
}

// Serve blocks until Shutdown.
func (a *Adapter) Serve() error {
	if err := a.MarkServing(); err != nil {
		return fmt.Errorf("grpc: %w", err)
	}

	a.mu.Lock()
	ln := a.ln
	a.mu.Unlock()

	a.logger.Info("gRPC server listening", "addr", ln.Addr().String())
	if err := a.srv.Serve(ln); err != nil && a.State() != transport.StateStopped {
		return fmt.Errorf("gRPC server: %w", err)
	}
	return nil
}

// Shutdown stops accepting new calls and waits for in-flight ones until ctx expires.
func (a *Adapter) Shutdown(ctx context.Context) error {
	prev, ok := a.MarkStopped()
	if !ok || prev == transport.StateUnbound {
		return nil
	}

	if prev == transport.StateBound {
		a.srv.Stop()
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.ln.Close()
	}

	stopped := make(chan struct{})
	go func() {
		a.srv.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		a.srv.Stop()
	}
	return nil
}

// Addr implements transport.Adapter.
func (a *Adapter) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ln == nil {
		return nil
	}
	return a.ln.Addr()
}

func loggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("rpc",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration", time.Since(start),
		)
		return resp, err
	}
}
