// Package transcript delivers conversation transcript lines to display and
// storage sinks.
package transcript

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Event is one transcript line. Events are never queued by the streaming
// pipeline; they go straight to a Sink.
type Event struct {
	Speaker string    `json:"speaker"`
	Text    string    `json:"text"`
	Time    time.Time `json:"time"`
}

// String formats the event as "[speaker]: text".
func (e Event) String() string {
	return fmt.Sprintf("[%s]: %s", e.Speaker, e.Text)
}

// Sink receives transcript events. Deliver is called from the receive
// loop and must return quickly.
type Sink interface {
	Deliver(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

// Deliver calls f.
func (f SinkFunc) Deliver(e Event) {
	f(e)
}

// Console writes events as lines to w.
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsole creates a console sink.
func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

// Deliver prints the event.
func (c *Console) Deliver(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.w, e.String())
}

// Multi fans an event out to several sinks in order.
type Multi []Sink

// Deliver forwards e to every non-nil sink.
func (m Multi) Deliver(e Event) {
	for _, s := range m {
		if s != nil {
			s.Deliver(e)
		}
	}
}

// Recorder keeps every delivered event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Deliver records e.
func (r *Recorder) Deliver(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// ErrStoreClosed indicates a write to a closed store.
var ErrStoreClosed = errors.New("transcript: store closed")
