// Package watchdog is the staged deadline supervisor for one remote
// compile: a dedicated goroutine sleeps on a condition variable for the
// current stage's budget and, on expiry, invokes a caller-supplied
// fallback (the driver's local-exec path) exactly once.
package watchdog

import (
	"sync"
	"time"
)

// Stage is one step in a remote compile's monotonic progression.
type Stage int

const (
	Initial Stage = iota
	ConnectedToScheduler
	AcquiredBuilder
	ConnectedToBuilder
	PreprocessFinished
	UploadedJob
	Finished
	stopped // sentinel, never reported to callers
)

func (s Stage) String() string {
	switch s {
	case Initial:
		return "initial"
	case ConnectedToScheduler:
		return "connected-to-scheduler"
	case AcquiredBuilder:
		return "acquired-builder"
	case ConnectedToBuilder:
		return "connected-to-builder"
	case PreprocessFinished:
		return "preprocess-finished"
	case UploadedJob:
		return "uploaded-job"
	case Finished:
		return "finished"
	default:
		return "stopped"
	}
}

// Timeouts gives each stage its own budget. A zero duration disables the
// check for that stage (waits forever).
type Timeouts map[Stage]time.Duration

// DefaultTimeouts gives the connection stages short budgets and the
// compile-side stages long ones: a stalled handshake should fall back to
// local quickly, a large translation unit legitimately preprocesses and
// uploads for a while.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Initial:              5 * time.Second,
		ConnectedToScheduler: 10 * time.Second,
		AcquiredBuilder:      10 * time.Second,
		ConnectedToBuilder:   10 * time.Second,
		PreprocessFinished:   60 * time.Second,
		UploadedJob:          120 * time.Second,
	}
}

// Watchdog runs its own goroutine once Start is called; transition,
// heartbeat and stop are all safe to call from any goroutine.
type Watchdog struct {
	mu       sync.Mutex
	cond     *sync.Cond
	stage    Stage
	deadline time.Time
	timeouts Timeouts
	fired    bool
	stopped  bool

	fallback func(lastStage Stage)
}

// New creates a Watchdog. fallback is invoked at most once, from the
// watchdog's own goroutine, when a stage's timeout expires before the next
// transition arrives.
func New(timeouts Timeouts, fallback func(lastStage Stage)) *Watchdog {
	w := &Watchdog{timeouts: timeouts, fallback: fallback}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Start begins the supervising goroutine at stage Initial.
func (w *Watchdog) Start() {
	w.mu.Lock()
	w.stage = Initial
	w.deadline = w.deadlineFor(Initial)
	w.mu.Unlock()
	go w.run()
}

// deadlineFor returns the absolute deadline for a stage, or the zero Time
// when the stage has no configured budget (wait forever).
func (w *Watchdog) deadlineFor(s Stage) time.Time {
	if d, ok := w.timeouts[s]; ok && d > 0 {
		return time.Now().Add(d)
	}
	return time.Time{}
}

func (w *Watchdog) run() {
	w.mu.Lock()
	for {
		if w.stopped || w.fired {
			w.mu.Unlock()
			return
		}
		if w.deadline.IsZero() {
			w.cond.Wait()
			continue
		}
		remaining := time.Until(w.deadline)
		if remaining <= 0 {
			stage := w.stage
			w.fired = true
			w.mu.Unlock()
			w.fallback(stage)
			return
		}
		w.waitFor(remaining)
	}
}

// waitFor blocks on the condvar for at most d, re-locking before returning,
// by releasing the lock and running a timer on a helper goroutine that
// wakes the condvar — the idiomatic stand-in for pthread_cond_timedwait.
func (w *Watchdog) waitFor(d time.Duration) {
	done := make(chan struct{})
	timer := time.AfterFunc(d, func() {
		w.mu.Lock()
		close(done)
		w.cond.Broadcast()
		w.mu.Unlock()
	})
	defer timer.Stop()
	w.cond.Wait()
	select {
	case <-done:
	default:
	}
}

// Transition moves to a later stage, resetting the deadline to that
// stage's budget. Stages only move forward; a transition to the current or
// an earlier stage is ignored.
func (w *Watchdog) Transition(s Stage) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || w.fired || s <= w.stage {
		return
	}
	w.stage = s
	if s == Finished {
		w.deadline = time.Time{} // no further timeout once the job is done
	} else {
		w.deadline = w.deadlineFor(s)
	}
	w.cond.Broadcast()
}

// Heartbeat resets the current stage's deadline without advancing it, a
// stage re-entry. Used when the builder sends a {type:"heartbeat"} frame.
func (w *Watchdog) Heartbeat() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || w.fired {
		return
	}
	w.deadline = w.deadlineFor(w.stage)
	w.cond.Broadcast()
}

// Stop disarms the watchdog; after Stop returns, fallback will never fire.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.cond.Broadcast()
	w.mu.Unlock()
}

// Stage reports the current stage, mostly for tests and diagnostics.
func (w *Watchdog) Stage() Stage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stage
}
