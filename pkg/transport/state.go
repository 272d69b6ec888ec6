package transport

import (
	"sync"
	"sync/atomic"
)

// State is the lifecycle phase of a Session.
type State int

const (
	StateConnecting State = iota
	StateAwaitingReady
	StateStreaming
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingReady:
		return "awaiting_ready"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// States returns every state in lifecycle order.
func States() []State {
	return []State{StateConnecting, StateAwaitingReady, StateStreaming, StateDraining, StateClosed}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StopSignal is the shared stop flag of a streaming run. It is observed
// by the network loops and by hardware callbacks.
//
// Request is idempotent, lock-free and safe to call from any goroutine,
// including a signal handler's.
type StopSignal struct {
	flag atomic.Bool
	once sync.Once
	done chan struct{}
}

// NewStopSignal creates an unset stop signal.
func NewStopSignal() *StopSignal {
	return &StopSignal{done: make(chan struct{})}
}

// Request sets the stop flag.
func (s *StopSignal) Request() {
	s.flag.Store(true)
	s.once.Do(func() { close(s.done) })
}

// Requested reports whether stop has been requested. It is a single
// atomic load, suitable for hardware callbacks.
func (s *StopSignal) Requested() bool {
	return s.flag.Load()
}

// Done returns a channel closed once stop is requested.
func (s *StopSignal) Done() <-chan struct{} {
	return s.done
}
