package wsconn

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// echoServer upgrades, records request headers, and echoes every frame.
func echoServer(t *testing.T, gotHeaders chan<- http.Header) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gotHeaders != nil {
			gotHeaders <- r.Header.Clone()
		}
		respHeader := http.Header{}
		respHeader.Set("x-fisk-wait", "true")
		conn, err := testUpgrader.Upgrade(w, r, respHeader)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitState(t *testing.T, c *Conn, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want }, 5*time.Second, 5*time.Millisecond,
		"state is %s, want %s", c.State(), want)
}

func TestConn_RejectsBadScheme(t *testing.T) {
	_, err := Dial("http://example.com/compile", nil)
	assert.Error(t, err)
}

func TestConn_ConnectAndEcho(t *testing.T) {
	srv := echoServer(t, nil)
	defer srv.Close()

	c, err := Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer c.Close()

	waitState(t, c, ConnectedWebSocket)

	require.NoError(t, c.SendText([]byte(`{"hello":true}`)))
	msg, err := c.Recv(5 * time.Second)
	require.NoError(t, err)
	assert.False(t, msg.Binary)
	assert.JSONEq(t, `{"hello":true}`, string(msg.Data))

	payload := make([]byte, 1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, c.SendBinary(payload))
	msg, err = c.Recv(5 * time.Second)
	require.NoError(t, err)
	assert.True(t, msg.Binary)
	assert.Equal(t, payload, msg.Data)
}

func TestConn_CustomHeadersSent(t *testing.T) {
	headers := make(chan http.Header, 1)
	srv := echoServer(t, headers)
	defer srv.Close()

	h := http.Header{}
	h.Set("x-fisk-environments", "abc123")
	h.Set("x-fisk-sourcefile", "foo.cpp")

	c, err := Dial(wsURL(srv), h)
	require.NoError(t, err)
	defer c.Close()
	waitState(t, c, ConnectedWebSocket)

	got := <-headers
	assert.Equal(t, "abc123", got.Get("x-fisk-environments"))
	assert.Equal(t, "foo.cpp", got.Get("x-fisk-sourcefile"))
}

func TestConn_ResponseHeaderCaptured(t *testing.T) {
	srv := echoServer(t, nil)
	defer srv.Close()

	c, err := Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer c.Close()
	waitState(t, c, ConnectedWebSocket)

	assert.Equal(t, "true", c.ResponseHeader("x-fisk-wait"))
}

func TestConn_DialFailureSetsError(t *testing.T) {
	c, err := Dial("ws://127.0.0.1:1/compile", nil)
	require.NoError(t, err)
	defer c.Close()

	waitState(t, c, Error)
	assert.Error(t, c.Err())
}

func TestConn_NonUpgradeResponseIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusForbidden)
	}))
	defer srv.Close()

	c, err := Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer c.Close()

	waitState(t, c, Error)
	assert.Contains(t, c.Err().Error(), "403")
}

func TestConn_SendBeforeConnectedFails(t *testing.T) {
	srv := echoServer(t, nil)
	defer srv.Close()

	c, err := Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer c.Close()

	// Either the dial has finished (send works) or it hasn't (send is
	// rejected with a state error); never a panic or a hang.
	err = c.SendText([]byte("x"))
	if err != nil {
		assert.Contains(t, err.Error(), "state")
	}
}

func TestConn_CallbacksViaPoll(t *testing.T) {
	srv := echoServer(t, nil)
	defer srv.Close()

	c, err := Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer c.Close()

	var connected bool
	var messages []Message
	c.OnConnected(func() { connected = true })
	c.OnMessage(func(m Message) { messages = append(messages, m) })

	waitState(t, c, ConnectedWebSocket)
	for !connected {
		c.Poll(time.Now())
	}
	require.NoError(t, c.SendText([]byte("ping")))

	require.Eventually(t, func() bool {
		c.Poll(time.Now())
		return len(messages) == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, "ping", string(messages[0].Data))
}

func TestState_Strings(t *testing.T) {
	assert.Equal(t, "none", None.String())
	assert.Equal(t, "connected-websocket", ConnectedWebSocket.String())
	assert.Equal(t, "error", Error.String())
}
