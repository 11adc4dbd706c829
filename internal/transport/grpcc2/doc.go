// Package grpcc2 carries the C2 protocol over gRPC.
//
// The service has two unary methods, Heartbeat and Acknowledge, whose request and
// response are google.protobuf.BytesValue wrapping the same JSON documents the HTTP
// binding uses. Incomplete results map to codes.Unavailable so agents retry; malformed
// requests and server faults map to codes.Internal.
package grpcc2
