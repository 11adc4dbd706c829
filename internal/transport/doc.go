// Package transport holds what the agent-facing adapters share: the Adapter
// interface, the Lifecycle state machine and endpoint resolution.
//
// Every adapter moves through
//
//	UNBOUND --Bind--> BOUND --Serve--> SERVING --Shutdown--> STOPPED
//
// Bind fails when no endpoint is configured or the address cannot be opened; the
// server treats that as fatal at startup. Shutdown stops accepting before it closes
// the listener. Stream adapters (httpc2, grpcc2) can listen on a tailnet node via
// StartTailnet; the CoAP adapter needs a host UDP socket.
package transport
