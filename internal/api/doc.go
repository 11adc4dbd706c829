// Package api serves the operator REST API under /api.
//
// Operators enqueue operations for agents, inspect, cancel and audit them, and browse the
// agents, agent classes and manifests registered by heartbeats. Errors answer with an
// {"error": ...} body: 400 for invalid input, 404 for unknown ids and 409 when
// cancelling an operation that already finished.
package api
