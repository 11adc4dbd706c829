// Package server wires edge-c2 together.
//
// New opens the store and builds the C2 core: the operation service, the heartbeat
// and acknowledgement processor, the ack dedupe cache and the metrics collectors. One
// echo instance carries the HTTP C2 routes, the operator API, health checks and
// /metrics.
//
// Run creates an adapter for every configured endpoint (HTTP, CoAP, gRPC), binds them
// all and fails if any bind fails, then serves until the context is canceled.
// Shutdown stops the adapters before it closes the tailnet node and the store.
package server
