package schedulersvc

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	s := New(cfg)
	t.Cleanup(s.Shutdown)

	mux := http.NewServeMux()
	mux.HandleFunc("/compile", s.ServeCompile)
	mux.HandleFunc("/builders", s.ServeBuilders)
	mux.HandleFunc("/api/builders", s.ServeBuilderList)
	mux.HandleFunc("/api/report", s.ServeReport)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return s, ts
}

func dialCompile(t *testing.T, ts *httptest.Server, headers http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/compile"
	conn, _, err := websocket.DefaultDialer.Dial(url, headers)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWire(t *testing.T, conn *websocket.Conn) wireMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg wireMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestServeCompile_NoBuildersMeansNeedsEnvironment(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	conn := dialCompile(t, ts, nil)

	msg := readWire(t, conn)
	assert.Equal(t, "needsEnvironment", msg.Type)
}

func TestServeCompile_AssignsBuilder(t *testing.T) {
	s, ts := newTestServer(t, Config{})
	s.Registry().Add(&BuilderInfo{ID: "b1", Addr: "10.0.0.5:8091", Environment: "env1", MaxParallel: 2})

	h := http.Header{}
	h.Set("x-fisk-environments", "env1")
	conn := dialCompile(t, ts, h)

	msg := readWire(t, conn)
	require.Equal(t, "builder", msg.Type)
	assert.Equal(t, "10.0.0.5", msg.Hostname)
	assert.EqualValues(t, 8091, msg.Port)
	assert.Equal(t, "b1", msg.ID)

	b, ok := s.Registry().Get("b1")
	require.True(t, ok)
	assert.Equal(t, 1, b.ActiveTasks)
}

func TestServeCompile_VersionMismatch(t *testing.T) {
	_, ts := newTestServer(t, Config{MinVersion: "2.0.0"})

	h := http.Header{}
	h.Set("x-fisk-npm-version", "1.0.0")
	conn := dialCompile(t, ts, h)

	msg := readWire(t, conn)
	assert.Equal(t, "version_mismatch", msg.Type)
	assert.Equal(t, "2.0.0", msg.MinimumVersion)
}

func TestServeCompile_VerifyHandshake(t *testing.T) {
	_, ts := newTestServer(t, Config{MinVersion: "1.0.0"})

	h := http.Header{}
	h.Set("x-fisk-npm-version", "1.0.0")
	h.Set("x-fisk-verify", "true")
	conn := dialCompile(t, ts, h)

	msg := readWire(t, conn)
	assert.Equal(t, "version_verified", msg.Type)
}

func TestServeBuilders_RegistersAndUnregisters(t *testing.T) {
	s, ts := newTestServer(t, Config{})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/builders"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	hello := map[string]interface{}{"id": "b1", "addr": "h:8091", "environment": "e", "maxParallel": 2}
	require.NoError(t, conn.WriteJSON(hello))

	require.Eventually(t, func() bool { return s.Registry().Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return s.Registry().Count() == 0 }, 2*time.Second, 10*time.Millisecond,
		"closing the registration connection removes the builder")
}

func TestServeBuilderList(t *testing.T) {
	s, ts := newTestServer(t, Config{})
	s.Registry().Add(&BuilderInfo{ID: "b1", Addr: "h:8091", Environment: "e"})

	resp, err := http.Get(ts.URL + "/api/builders")
	require.NoError(t, err)
	defer resp.Body.Close()

	var got []BuilderSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, "b1", got[0].ID)
	assert.Equal(t, "idle", got[0].State)
}

func TestServeReport_UpdatesAccounting(t *testing.T) {
	s, ts := newTestServer(t, Config{})
	s.Registry().Add(&BuilderInfo{ID: "b1", Addr: "h:8091"})
	require.NoError(t, s.Registry().IncrementTasks("b1"))

	resp, err := http.Post(ts.URL+"/api/report", "application/json",
		strings.NewReader(`{"id":"b1","success":true,"durationMs":1500}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	b, ok := s.Registry().Get("b1")
	require.True(t, ok)
	assert.Zero(t, b.ActiveTasks)
	assert.EqualValues(t, 1, b.SuccessfulTasks)
}

func TestServeReport_RejectsGarbage(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	resp, err := http.Post(ts.URL+"/api/report", "application/json", strings.NewReader("{{{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSplitBuilderAddr(t *testing.T) {
	host, port := splitBuilderAddr("10.0.0.5:8091")
	assert.Equal(t, "10.0.0.5", host)
	assert.EqualValues(t, 8091, port)

	host, port = splitBuilderAddr("plainhost")
	assert.Equal(t, "plainhost", host)
	assert.Zero(t, port)
}

func TestListenAddrPort(t *testing.T) {
	assert.Equal(t, 8090, ListenAddrPort(":8090"))
	assert.Equal(t, 8090, ListenAddrPort("0.0.0.0:8090"))
	assert.Equal(t, 0, ListenAddrPort("nope"))
}
