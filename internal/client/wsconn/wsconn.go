// Package wsconn is the client's WebSocket transport: a non-blocking TCP
// connect, an HTTP upgrade handshake with caller-supplied headers, and RFC
// 6455 text/binary frame send/recv, all driven through an
// internal/client/reactor.Reactor so the reactor goroutine never blocks.
//
// The handshake and frame codec themselves are gorilla/websocket's job
// (Sec-WebSocket-Key/Accept verification, masking, fragmentation). The
// library folds connect+handshake into one blocking Dial call, which this
// package runs on its own goroutine and surfaces through Poll. A Conn
// therefore moves from ConnectingTCP straight to ConnectedWebSocket (or
// Error), then to Closed; the ConnectedTCP and WaitingForUpgrade states are
// defined but never entered.
package wsconn

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hgcc-dist/hgcc/internal/client/reactor"
)

// State is where a connection currently is in its lifecycle.
type State int

const (
	None State = iota
	ConnectingTCP
	ConnectedTCP
	WaitingForUpgrade
	ConnectedWebSocket
	Closed
	Error
)

func (s State) String() string {
	switch s {
	case None:
		return "none"
	case ConnectingTCP:
		return "connecting-tcp"
	case ConnectedTCP:
		return "connected-tcp"
	case WaitingForUpgrade:
		return "waiting-for-upgrade"
	case ConnectedWebSocket:
		return "connected-websocket"
	case Closed:
		return "closed"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Message is one received frame, text or binary.
type Message struct {
	Binary bool
	Data   []byte
}

// Conn is one client-to-server WebSocket connection. The zero value is not
// usable; create with Dial.
type Conn struct {
	url     string
	headers http.Header

	mu           sync.Mutex
	state        State
	err          error
	respHeaders  http.Header
	ws           *websocket.Conn
	incoming     chan Message
	connectedCh  chan struct{}
	writeQueue   chan writeReq
	quit         chan struct{}
	closed       bool
	wasConnected bool

	onConnected func()
	onMessage   func(Message)
	onError     func(error)
	onClosed    func()
}

type writeReq struct {
	binary bool
	data   []byte
	result chan error
}

// Dial starts connecting to url (scheme must be ws or wss) asynchronously and
// returns immediately in state ConnectingTCP; Poll/the reactor callbacks
// observe the rest of the state machine. headers are sent verbatim on the
// upgrade request (the x-fisk-* session headers).
func Dial(url string, headers http.Header) (*Conn, error) {
	if len(url) < 5 || url[:5] != "ws://" {
		if len(url) < 6 || url[:6] != "wss://" {
			return nil, fmt.Errorf("wsconn: unsupported scheme in %q, want ws:// or wss://", url)
		}
	}
	c := &Conn{
		url:         url,
		headers:     headers,
		state:       ConnectingTCP,
		incoming:    make(chan Message, 16),
		connectedCh: make(chan struct{}, 1),
		writeQueue:  make(chan writeReq, 16),
		quit:        make(chan struct{}),
	}
	go c.dial()
	return c, nil
}

// OnConnected/OnMessage/OnError/OnClosed register the session callbacks;
// all fire from the reactor goroutine via Poll's dispatch.
func (c *Conn) OnConnected(fn func())      { c.onConnected = fn }
func (c *Conn) OnMessage(fn func(Message)) { c.onMessage = fn }
func (c *Conn) OnError(fn func(error))     { c.onError = fn }
func (c *Conn) OnClosed(fn func())         { c.onClosed = fn }

func (c *Conn) dial() {
	c.setState(ConnectingTCP)
	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	ws, resp, err := dialer.DialContext(context.Background(), c.url, c.headers)
	if err != nil {
		msg := err.Error()
		if resp != nil {
			msg = fmt.Sprintf("%s (status %s)", msg, resp.Status)
		}
		c.fail(fmt.Errorf("wsconn: dial %s: %s", c.url, msg))
		return
	}

	c.mu.Lock()
	c.ws = ws
	c.respHeaders = resp.Header
	c.state = ConnectedWebSocket
	c.mu.Unlock()

	select {
	case c.connectedCh <- struct{}{}:
	default:
	}

	go c.readLoop(ws)
	go c.writeLoop(ws)
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			c.fail(fmt.Errorf("wsconn: read: %w", err))
			return
		}
		c.incoming <- Message{Binary: mt == websocket.BinaryMessage, Data: data}
	}
}

func (c *Conn) writeLoop(ws *websocket.Conn) {
	for {
		select {
		case <-c.quit:
			return
		case req := <-c.writeQueue:
			mt := websocket.TextMessage
			if req.binary {
				mt = websocket.BinaryMessage
			}
			err := ws.WriteMessage(mt, req.data)
			if req.result != nil {
				req.result <- err
			}
			if err != nil {
				c.fail(fmt.Errorf("wsconn: write: %w", err))
				return
			}
		}
	}
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.state == Error || c.state == Closed {
		c.mu.Unlock()
		return
	}
	c.state = Error
	c.err = err
	c.mu.Unlock()
	select {
	case c.connectedCh <- struct{}{}:
	default:
	}
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that moved the connection into State Error, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// ResponseHeader returns one header from the upgrade response, e.g.
// x-fisk-wait.
func (c *Conn) ResponseHeader(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.respHeaders == nil {
		return ""
	}
	return c.respHeaders.Get(key)
}

// SendText enqueues a text frame (JSON control messages).
func (c *Conn) SendText(data []byte) error {
	return c.send(false, data)
}

// SendBinary enqueues a binary frame (bulk data).
func (c *Conn) SendBinary(data []byte) error {
	return c.send(true, data)
}

func (c *Conn) send(binary bool, data []byte) error {
	c.mu.Lock()
	if c.state != ConnectedWebSocket {
		c.mu.Unlock()
		return fmt.Errorf("wsconn: send on connection in state %s", c.state)
	}
	c.mu.Unlock()

	result := make(chan error, 1)
	select {
	case c.writeQueue <- writeReq{binary: binary, data: data, result: result}:
	case <-c.quit:
		return fmt.Errorf("wsconn: send on closed connection")
	}
	select {
	case err := <-result:
		return err
	case <-c.quit:
		return fmt.Errorf("wsconn: connection closed during send")
	}
}

// Recv blocks for the next incoming frame without going through a reactor,
// for simple synchronous dialogues like the --verify handshake.
func (c *Conn) Recv(timeout time.Duration) (Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-c.incoming:
		return msg, nil
	case <-c.connectedCh:
		if c.State() == Error {
			return Message{}, c.Err()
		}
		// Connected notification, not a frame; keep waiting.
		select {
		case msg := <-c.incoming:
			return msg, nil
		case <-timer.C:
			return Message{}, fmt.Errorf("wsconn: recv timed out after %s", timeout)
		}
	case <-timer.C:
		return Message{}, fmt.Errorf("wsconn: recv timed out after %s", timeout)
	}
}

// Close closes the underlying connection and marks the state Closed.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = Closed
	ws := c.ws
	c.mu.Unlock()

	close(c.quit)
	if ws != nil {
		return ws.Close()
	}
	return nil
}

// Poll implements reactor.Socket. It runs on the reactor goroutine, so
// invoking the registered callbacks directly from here is safe (they are
// never called concurrently) and keeps connected/message/error/closed
// dispatch in one place instead of splitting it between the Reactor and
// this type.
func (c *Conn) Poll(now time.Time) reactor.Event {
	select {
	case <-c.connectedCh:
		if c.State() == Error {
			if c.onError != nil {
				c.onError(c.Err())
			}
			return reactor.EventError
		}
		if !c.wasConnected {
			c.wasConnected = true
			if c.onConnected != nil {
				c.onConnected()
			}
		}
		return reactor.EventReadable
	default:
	}

	select {
	case msg := <-c.incoming:
		if c.onMessage != nil {
			c.onMessage(msg)
		}
		return reactor.EventReadable
	default:
	}

	if c.State() == Error {
		if c.onError != nil {
			c.onError(c.Err())
		}
		return reactor.EventError
	}
	if c.State() == Closed {
		if c.onClosed != nil {
			c.onClosed()
		}
		return reactor.EventClosed
	}
	return reactor.EventNone
}
