// Package operation decides which queued operations an agent receives next.
//
// Select is a pure function over an agent's QUEUED operations and the states of
// the dependencies that live outside that set:
//
//   - a COMPLETED dependency is satisfied and pruned from the wire list
//   - a dependency on another eligible queued operation is retained
//   - anything else (failed, cancelled, not applied, executing, unknown, cyclic)
//     excludes the operation and everything that depends on it
//
// Eligible operations are ordered topologically, oldest first among peers, and the
// batch is a prefix of that order so no dependency is ever cut off from its dependent.
//
// Service wraps a Repository and adds enqueue validation, cancel and history.
package operation
