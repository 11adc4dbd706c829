// ABOUTME: Shared adapter lifecycle: UNBOUND -> BOUND -> SERVING -> STOPPED
// ABOUTME: Adapters embed Lifecycle and call its Mark methods at each transition

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
)

// State is an adapter lifecycle state.
type State int

const (
	StateUnbound State = iota
	StateBound
	StateServing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUnbound:
		return "UNBOUND"
	case StateBound:
		return "BOUND"
	case StateServing:
		return "SERVING"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrNoEndpoint is returned by Bind when configuration names no address.
	ErrNoEndpoint = errors.New("no network endpoint configured")

	// ErrInvalidTransition is returned when a lifecycle step is taken out of order.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
)

// Adapter is an agent-facing transport.
type Adapter interface {
	// Name identifies the transport in logs, e.g. "http".
	Name() string

	// Bind resolves and opens the configured endpoint. Failure is fatal at startup.
	Bind(ctx context.Context) error

	// Serve blocks handling requests until Shutdown. It returns nil after a clean shutdown.
	Serve() error

	// Shutdown stops accepting requests, then releases the endpoint.
	Shutdown(ctx context.Context) error

	// Addr is the bound address, nil before Bind.
	Addr() net.Addr

	State() State
}

// Lifecycle is a goroutine-safe adapter state machine.
type Lifecycle struct {
	mu    sync.Mutex
	state State
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// MarkBound moves UNBOUND to BOUND.
func (l *Lifecycle) MarkBound() error {
	return l.move(StateUnbound, StateBound)
}

// MarkServing moves BOUND to SERVING.
func (l *Lifecycle) MarkServing() error {
	return l.move(StateBound, StateServing)
}

// MarkStopped moves any state to STOPPED and returns the previous state.
// ok is false when the adapter was already stopped.
func (l *Lifecycle) MarkStopped() (prev State, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev = l.state
	if prev == StateStopped {
		return prev, false
	}
	l.state = StateStopped
	return prev, true
}

func (l *Lifecycle) move(from, to State) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != from {
		return fmt.Errorf("%w: %s -> %s (currently %s)", ErrInvalidTransition, from, to, l.state)
	}
	l.state = to
	return nil
}
