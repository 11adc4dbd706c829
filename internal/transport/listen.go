// ABOUTME: Endpoint resolution for adapters: plain TCP/UDP or a tailnet node
// ABOUTME: Tailnet nodes only carry stream listeners; CoAP stays on the host UDP stack

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"
)

// Listener opens stream listeners. *tsnet.Server satisfies it.
type Listener interface {
	Listen(network, addr string) (net.Listener, error)
}

// TCP listens on the host network stack.
type TCP struct{}

// Listen implements Listener.
func (TCP) Listen(network, addr string) (net.Listener, error) {
	return net.Listen(network, addr)
}

// ListenStream validates addr and opens a stream listener through l.
func ListenStream(l Listener, addr string) (net.Listener, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, ErrNoEndpoint
	}
	if l == nil {
		l = TCP{}
	}
	ln, err := l.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return ln, nil
}

// TailnetConfig configures an embedded tailnet node.
type TailnetConfig struct {
	Hostname  string
	AuthKey   string
	StateDir  string
	Ephemeral bool
}

// StartTailnet brings up a tsnet node. The caller closes the returned server.
func StartTailnet(ctx context.Context, cfg TailnetConfig, logger *slog.Logger) (*tsnet.Server, *ipnstate.Status, error) {
	stateDir, err := resolveTailnetStateDir(cfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailnetAuthKey(cfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	srv := &tsnet.Server{
		Hostname:  cfg.Hostname,
		Dir:       stateDir,
		Ephemeral: cfg.Ephemeral,
		AuthKey:   authKey,
	}

	logger.Info("starting tailscale node", "hostname", cfg.Hostname, "state_dir", stateDir, "ephemeral", cfg.Ephemeral)
	status, err := srv.Up(ctx)
	if err != nil {
		_ = srv.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	logTailnetStatus(logger, cfg.Hostname, status)
	return srv, status, nil
}

// TailnetBaseURL returns http://<dns-name> for the node, or "" when unknown.
func TailnetBaseURL(status *ipnstate.Status) string {
	if status == nil || status.Self == nil || status.Self.DNSName == "" {
		return ""
	}
	return "http://" + strings.TrimSuffix(status.Self.DNSName, ".")
}

func resolveTailnetStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "edge-c2", "tailscale"), nil
}

func resolveTailnetAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

func logTailnetStatus(logger *slog.Logger, hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}
