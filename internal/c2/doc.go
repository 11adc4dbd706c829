// Package c2 implements the agent-facing command-and-control protocol.
//
// Agents send two kinds of payload, both canonical JSON:
//
//   - heartbeat: agent identity, class, manifest and status. The response lists the
//     operations the agent should run next, in dependency order.
//   - acknowledge: the outcome of one operation. There is no response body.
//
// Processor implements Protocol over a store.Store and an OperationLister. Transport
// adapters decode their framing, call Protocol and translate the result with Classify:
//
//	nil                        -> success
//	*ProtocolError             -> server error
//	ErrStore                   -> server error
//	ErrIncomplete              -> incomplete / partial
//	heartbeat with empty body  -> incomplete / partial
//
// Duplicate acks are suppressed per operation, reporting agent and state. Only acks that
// were applied or hit a finished operation are remembered.
//
// Delivery is at-least-once. Handing an operation to an agent does not change its state;
// it is redelivered on every heartbeat until an acknowledgement moves it on.
package c2
