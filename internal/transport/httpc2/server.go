// ABOUTME: HTTP transport adapter: binds a listener and serves an echo instance
// ABOUTME: Shutdown stops accepting, then drains in-flight requests until the context expires

package httpc2

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/2389/edge-c2/internal/transport"
)

// NewEcho creates the echo instance shared by the C2 routes and the operator API.
func NewEcho(logger *slog.Logger) *echo.Echo {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"remote", v.RemoteIP,
			}
			if v.Error != nil {
				logger.Warn("request", append(attrs, "error", v.Error)...)
				return nil
			}
			logger.Debug("request", attrs...)
			return nil
		},
	}))
	return e
}

// ServerConfig configures the HTTP adapter.
type ServerConfig struct {
	Addr string
	// Listener opens the endpoint; nil means the host TCP stack.
	Listener transport.Listener
	Logger   *slog.Logger
}

// Adapter serves an echo instance on a bound listener.
type Adapter struct {
	transport.Lifecycle

	srv      *http.Server
	addr     string
	listener transport.Listener
	logger   *slog.Logger

	mu sync.Mutex
	ln net.Listener
}

var _ transport.Adapter = (*Adapter)(nil)

// NewAdapter creates an unbound adapter for e.
func NewAdapter(e *echo.Echo, cfg ServerConfig) *Adapter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Adapter{
		srv: &http.Server{
			Handler:           e,
			ReadHeaderTimeout: 10 * time.Second,
		},
		addr:     cfg.Addr,
		listener: cfg.Listener,
		logger:   cfg.Logger.With("component", "http"),
	}
}

// Name implements transport.Adapter.
func (a *Adapter) Name() string { return "http" }

// Bind opens the configured endpoint.
func (a *Adapter) Bind(ctx context.Context) error {
	ln, err := transport.ListenStream(a.listener, a.addr)
	if err != nil {
		return fmt.Errorf("http: %w", err)
	}
	if err := a.MarkBound(); err != nil {
		_ = ln.Close()
		return fmt.Errorf("http: %w", err)
	}

	a.mu.Lock()
	a.ln = ln
	a.mu.Unlock()
	return nil
}

// Serve blocks until Shutdown.
func (a *Adapter) Serve() error {
	if err := a.MarkServing(); err != nil {
		return fmt.Errorf("http: %w", err)
	}

	ln := a.listenerFor()
	a.logger.Info("HTTP server listening", "addr", ln.Addr().String())
	if err := a.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (a *Adapter) Shutdown(ctx context.Context) error {
	prev, ok := a.MarkStopped()
	if !ok {
		return nil
	}

	switch prev {
	case transport.StateUnbound:
		return nil
	case transport.StateBound:
		return a.listenerFor().Close()
	default:
		return a.srv.Shutdown(ctx)
	}
}

// Addr implements transport.Adapter.
func (a *Adapter) Addr() net.Addr {
	ln := a.listenerFor()
	if ln == nil {
		return nil
	}
	return ln.Addr()
}

func (a *Adapter) listenerFor() net.Listener {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ln
}
