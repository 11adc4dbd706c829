// ABOUTME: Entry point for the edge-c2 command and control server
// ABOUTME: Serves heartbeats to edge agents and offers operator commands

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/edge-c2/internal/auth"
	"github.com/2389/edge-c2/internal/config"
	"github.com/2389/edge-c2/internal/server"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
          _                            ____
  ___  __| | __ _  ___        ___     |___ \
 / _ \/ _' |/ _' |/ _ \_____ / __|____  __) |
|  __/ (_| | (_| |  __/_____| (_|_____|/ __/
 \___|\__,_|\__, |\___|      \___|    |_____|
            |___/
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: edge-c2 <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                         Start the C2 server")
		fmt.Println("  init                          Create a new config file interactively")
		fmt.Println("  health                        Check server health")
		fmt.Println("  agents                        List agents known from heartbeats")
		fmt.Println("  token -subject NAME [-role R] Issue an operator API token")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	case "token":
		err = runToken(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	endpoint := func(label, addr string) {
		green.Print("    ▶ ")
		if addr == "" {
			fmt.Printf("%-10s", label+":")
			gray.Println(" disabled")
			return
		}
		fmt.Printf("%-10s %s\n", label+":", addr)
	}

	endpoint("Config", configPath)
	endpoint("HTTP", cfg.Server.HTTPAddr)
	endpoint("CoAP", cfg.Server.CoAPAddr)
	endpoint("gRPC", cfg.Server.GRPCAddr)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting edge-c2",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"coap_addr", cfg.Server.CoAPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"max_batch_size", cfg.C2.MaxBatchSize,
	)

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	return srv.Run(ctx)
}

// get issues a GET against the configured HTTP endpoint and returns the body.
func get(ctx context.Context, path string, token string) (int, []byte, error) {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return 0, nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.Server.HTTPAddr == "" {
		return 0, nil, fmt.Errorf("server.http_addr is not configured")
	}

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func runHealth(ctx context.Context) error {
	status, _, err := get(ctx, "/health/ready", "")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", status)
	}

	fmt.Println("healthy")
	return nil
}

func runAgents(ctx context.Context) error {
	status, body, err := get(ctx, "/api/agents", os.Getenv("EDGE_C2_TOKEN"))
	if err != nil {
		return fmt.Errorf("listing agents failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("listing agents failed: status %d: %s", status, body)
	}

	fmt.Println(string(body))
	return nil
}

// runToken signs an operator API token with the configured secret.
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("subject", "", "operator name recorded as created_by")
	role := fs.String("role", string(auth.RoleOperator), "viewer or operator")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return fmt.Errorf("-subject is required")
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}

	token, err := verifier.Generate(*subject, auth.Role(*role), *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}
