// ABOUTME: Minimal fake edge agent for E2E testing: heartbeats over gRPC and acks every operation.
// ABOUTME: Usage: fake-agent [-addr localhost:50051] [-id fake-agent-1] [-class sensors] [-interval 5s]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/2389/edge-c2/internal/c2"
	"github.com/2389/edge-c2/internal/transport/grpcc2"
)

func main() {
	addr := flag.String("addr", "localhost:50051", "gRPC server address")
	agentID := flag.String("id", "fake-agent-1", "Agent identifier")
	class := flag.String("class", "fake", "Agent class")
	interval := flag.Duration("interval", 5*time.Second, "Heartbeat interval")
	state := flag.String("state", c2.AckFullyApplied, "State reported for every operation")
	once := flag.Bool("once", false, "Send one heartbeat and exit")
	flag.Parse()

	if err := run(*addr, *agentID, *class, *state, *interval, *once); err != nil {
		log.Fatal(err)
	}
}

func run(addr, agentID, class, state string, interval time.Duration, once bool) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	client := grpcc2.NewClient(conn)
	info := &c2.AgentInfo{
		Identifier: agentID,
		AgentClass: class,
		AgentManifest: json.RawMessage(
			`{"identifier":"fake-manifest-1","agentType":"fake","version":"0.0.1"}`),
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := beat(ctx, client, info, state); err != nil {
			fmt.Fprintf(os.Stderr, "heartbeat failed: %v\n", err)
		}
		if once {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// beat sends one heartbeat and acknowledges every operation it returns, in order.
func beat(ctx context.Context, client *grpcc2.Client, info *c2.AgentInfo, state string) error {
	req, err := json.Marshal(c2.HeartbeatRequest{
		MajorVersion: c2.MajorVersion,
		MinorVersion: c2.MinorVersion,
		Operation:    c2.OpHeartbeat,
		AgentInfo:    info,
		Created:      time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}

	out, err := client.Heartbeat(ctx, req)
	if err != nil {
		return err
	}

	var resp c2.HeartbeatResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	fmt.Fprintf(os.Stderr, "heartbeat ok: %d operation(s)\n", len(resp.RequestedOperations))

	for _, op := range resp.RequestedOperations {
		fmt.Fprintf(os.Stderr, "  %s %s %s deps=%v\n", op.Identifier, op.Operation, op.Operand, op.Dependencies)

		ack, err := json.Marshal(c2.OperationAck{
			MajorVersion:   c2.MajorVersion,
			MinorVersion:   c2.MinorVersion,
			Operation:      c2.OpAcknowledge,
			OperationID:    op.Identifier,
			OperationState: &c2.OperationStateReport{State: state, Details: "applied by fake-agent"},
			AgentInfo:      &c2.AgentInfo{Identifier: info.Identifier},
		})
		if err != nil {
			return err
		}
		if err := client.Acknowledge(ctx, ack); err != nil {
			return fmt.Errorf("acknowledging %s: %w", op.Identifier, err)
		}
	}
	return nil
}
