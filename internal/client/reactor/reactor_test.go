package reactor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedSocket replays a fixed sequence of events, one per poll.
type scriptedSocket struct {
	mu     sync.Mutex
	events []Event
}

func (s *scriptedSocket) Poll(time.Time) Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return EventNone
	}
	e := s.events[0]
	s.events = s.events[1:]
	return e
}

func (s *scriptedSocket) push(e Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func TestReactor_DispatchesCallbacks(t *testing.T) {
	sock := &scriptedSocket{}
	sock.push(EventReadable)
	sock.push(EventClosed)

	var mu sync.Mutex
	var got []string
	record := func(name string) func() {
		return func() {
			mu.Lock()
			got = append(got, name)
			mu.Unlock()
		}
	}

	r := New(time.Millisecond)
	r.Register(sock, record("read"), record("write"), record("timeout"), record("closed"), record("error"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 2
	}, 2*time.Second, time.Millisecond)

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"read", "closed"}, got[:2])
}

func TestReactor_WakeForcesPass(t *testing.T) {
	sock := &scriptedSocket{}
	fired := make(chan struct{}, 1)

	r := New(time.Hour) // tick effectively disabled; only wake can drive it
	r.Register(sock, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	}, nil, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	// The first pass runs unconditionally; give it a moment, then push an
	// event and wake.
	time.Sleep(20 * time.Millisecond)
	sock.push(EventReadable)
	r.Wake() <- struct{}{}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("wake did not force a poll pass")
	}
}

func TestReactor_Unregister(t *testing.T) {
	sock := &scriptedSocket{}
	sock.push(EventReadable)

	calls := 0
	r := New(time.Millisecond)
	r.Register(sock, func() { calls++ }, nil, nil, nil, nil)
	r.Unregister(sock)
	r.pollOnce()
	assert.Zero(t, calls)
}

func TestReactor_NilCallbacksAreSafe(t *testing.T) {
	sock := &scriptedSocket{}
	sock.push(EventReadable)
	sock.push(EventTimeout)
	sock.push(EventError)

	r := New(time.Millisecond)
	r.Register(sock, nil, nil, nil, nil, nil)
	r.pollOnce()
	r.pollOnce()
	r.pollOnce()
}
