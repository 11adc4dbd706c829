// ABOUTME: CoAP transport adapter over UDP using go-coap
// ABOUTME: Shutdown stops the server before closing the socket; in-flight exchanges are abandoned

package coap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	coapnet "github.com/plgd-dev/go-coap/v3/net"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/udp"
	udpserver "github.com/plgd-dev/go-coap/v3/udp/server"

	"github.com/2389/edge-c2/internal/transport"
)

// ServerConfig configures the CoAP adapter.
type ServerConfig struct {
	Addr   string
	Logger *slog.Logger
}

// Adapter serves the CoAP resources on a UDP socket.
type Adapter struct {
	transport.Lifecycle

	handler *Handler
	addr    string
	logger  *slog.Logger

	mu  sync.Mutex
	ln  *coapnet.UDPConn
	srv *udpserver.Server
}

var _ transport.Adapter = (*Adapter)(nil)

// NewAdapter creates an unbound adapter for h.
func NewAdapter(h *Handler, cfg ServerConfig) *Adapter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Adapter{
		handler: h,
		addr:    cfg.Addr,
		logger:  cfg.Logger.With("component", "coap"),
	}
}

// Name implements transport.Adapter.
func (a *Adapter) Name() string { return "coap" }

// Bind opens the UDP socket and prepares the server.
func (a *Adapter) Bind(ctx context.Context) error {
	addr := strings.TrimSpace(a.addr)
	if addr == "" {
		return fmt.Errorf("coap: %w", transport.ErrNoEndpoint)
	}

	router, err := a.handler.Router()
	if err != nil {
		return fmt.Errorf("coap: %w", err)
	}

	ln, err := coapnet.NewListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("coap: listening on %s: %w", addr, err)
	}
	if err := a.MarkBound(); err != nil {
		_ = ln.Close()
		return fmt.Errorf("coap: %w", err)
	}

	srv := udp.NewServer(
		options.WithMux(router),
		options.WithErrors(func(err error) {
			a.logger.Debug("coap server error", "error", err)
		}),
	)

	a.mu.Lock()
	a.ln = ln
	a.srv = srv
	a.mu.Unlock()

	a.handler.setDefaultBaseURL("coap://" + ln.LocalAddr().String())
	return nil
}

// Serve blocks until Shutdown.
func (a *Adapter) Serve() error {
	if err := a.MarkServing(); err != nil {
		return fmt.Errorf("coap: %w", err)
	}

	a.mu.Lock()
	ln, srv := a.ln, a.srv
	a.mu.Unlock()

	a.logger.Info("CoAP server listening", "addr", ln.LocalAddr().String())
	err := srv.Serve(ln)
	if a.State() == transport.StateStopped {
		return nil
	}
	if err != nil {
		return fmt.Errorf("coap server: %w", err)
	}
	return nil
}

// Shutdown stops the server, then closes the socket.
func (a *Adapter) Shutdown(ctx context.Context) error {
	prev, ok := a.MarkStopped()
	if !ok || prev == transport.StateUnbound {
		return nil
	}

	a.mu.Lock()
	ln, srv := a.ln, a.srv
	a.mu.Unlock()

	srv.Stop()
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("coap: closing socket: %w", err)
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
	return a.ln.LocalAddr()
}
