// Package reactor serializes socket event dispatch onto one goroutine: a
// Reactor polls a set of registered Sockets and invokes their
// readiness/timeout callbacks one at a time, with a "wake" channel standing
// in for a self-pipe so other goroutines (the preprocessor worker, the
// watchdog) can interrupt a sleeping loop.
//
// Go has no raw fd-level select over arbitrary net.Conns, so each Socket
// runs its own blocking I/O goroutines internally and reports what happened
// through a non-blocking Poll. Poll reports a single Event per socket, so
// one dispatch pass invokes at most one callback per socket.
package reactor

import (
	"context"
	"time"
)

// Socket is anything the Reactor can multiplex: a wsconn.Conn is the only
// real implementation, but the interface keeps the Reactor testable
// without a live network connection.
type Socket interface {
	// Poll is called once per reactor tick. It must not block; it returns
	// immediately with whatever happened since the last call (nothing,
	// becoming readable/writable, or a deadline expiring) by consulting
	// its own internal goroutines' results, non-blockingly.
	Poll(now time.Time) Event
}

// Event is what a Socket reports back to the Reactor for one tick.
type Event int

const (
	EventNone Event = iota
	EventReadable
	EventWritable
	EventTimeout
	EventClosed
	EventError
)

// entry pairs a socket with its callbacks.
type entry struct {
	sock       Socket
	onReadable func()
	onWritable func()
	onTimeout  func()
	onClosed   func()
	onError    func()
}

// Reactor drives a set of registered sockets from one goroutine: nothing
// here ever blocks outside the tick-to-tick sleep/wake alternation in Run.
type Reactor struct {
	entries []*entry
	wake    chan struct{}
	tick    time.Duration
}

// New creates a Reactor. tick bounds how long Run can sleep between polls
// when nothing has woken it explicitly; a small tick keeps the loop
// responsive well within any stage timeout (watchdog budgets are seconds).
func New(tick time.Duration) *Reactor {
	if tick <= 0 {
		tick = 10 * time.Millisecond
	}
	return &Reactor{wake: make(chan struct{}, 1), tick: tick}
}

// Wake returns the channel external goroutines (the preprocessor worker,
// the watchdog) send on to force an immediate poll pass.
func (r *Reactor) Wake() chan<- struct{} { return r.wake }

// Register adds a socket with its callbacks. Must be called before Run, or
// from within a callback running on the reactor goroutine (never
// concurrently from another goroutine).
func (r *Reactor) Register(sock Socket, onReadable, onWritable, onTimeout, onClosed, onError func()) {
	r.entries = append(r.entries, &entry{sock, onReadable, onWritable, onTimeout, onClosed, onError})
}

// Unregister removes a socket, e.g. once a WebSocket session concludes.
func (r *Reactor) Unregister(sock Socket) {
	out := r.entries[:0]
	for _, e := range r.entries {
		if e.sock != sock {
			out = append(out, e)
		}
	}
	r.entries = out
}

// Run drives callbacks until ctx is cancelled. Each pass polls every
// registered socket once and invokes the callback matching the one Event
// it reports.
func (r *Reactor) Run(ctx context.Context) {
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		r.pollOnce()

		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		case <-ticker.C:
		}
	}
}

func (r *Reactor) pollOnce() {
	now := time.Now()
	for _, e := range r.entries {
		switch e.sock.Poll(now) {
		case EventReadable:
			if e.onReadable != nil {
				e.onReadable()
			}
		case EventWritable:
			if e.onWritable != nil {
				e.onWritable()
			}
		case EventClosed:
			if e.onClosed != nil {
				e.onClosed()
			}
		case EventError:
			if e.onError != nil {
				e.onError()
			}
		case EventTimeout:
			if e.onTimeout != nil {
				e.onTimeout()
			}
		}
	}
}
