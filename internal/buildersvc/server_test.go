package buildersvc

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCompileServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	s, err := New(cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(http.HandlerFunc(s.ServeCompile))
	t.Cleanup(ts.Close)
	return ts
}

func dialBuilder(t *testing.T, ts *httptest.Server, headers http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, headers)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	return conn
}

// readResponse skips heartbeat frames until the response arrives.
func readResponse(t *testing.T, conn *websocket.Conn) response {
	t.Helper()
	for {
		var resp response
		require.NoError(t, conn.ReadJSON(&resp))
		if resp.Type == "response" {
			return resp
		}
	}
}

func testCompiler(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cc")
	script := `#!/bin/sh
out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-o" ]; then out=$2; shift; fi
  shift
done
printf 'objectcode' > "$out"
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func TestServeCompile_FullSession(t *testing.T) {
	ts := newCompileServer(t, Config{MaxParallel: 2})
	conn := dialBuilder(t, ts, nil)
	cc := testCompiler(t)

	hdr := header{CommandLine: []string{cc, "-c", "foo.c", "-o", "foo.o"}, Argv0: "/usr/bin/gcc", Bytes: 7}
	require.NoError(t, conn.WriteJSON(hdr))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("int x;\n")))

	resp := readResponse(t, conn)
	require.True(t, resp.Success)
	assert.Zero(t, resp.ExitCode)
	require.Len(t, resp.Index, 1)
	assert.Equal(t, "foo.o", resp.Index[0].Path)
	assert.Equal(t, len("objectcode"), resp.Index[0].Bytes)

	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, "objectcode", string(data))
}

func TestServeCompile_EmptyCommandLine(t *testing.T) {
	ts := newCompileServer(t, Config{MaxParallel: 1})
	conn := dialBuilder(t, ts, nil)

	require.NoError(t, conn.WriteJSON(header{}))
	resp := readResponse(t, conn)
	assert.False(t, resp.Success)
}

func TestServeCompile_CacheHitBeforeBody(t *testing.T) {
	cfg := Config{MaxParallel: 2, ObjectCache: true, CacheDir: t.TempDir(), CacheMaxSizeMB: 16}
	s, err := New(cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(http.HandlerFunc(s.ServeCompile))
	t.Cleanup(ts.Close)
	cc := testCompiler(t)

	h := http.Header{}
	h.Set("x-fisk-md5", "deadbeefcafe")

	// First session populates the cache.
	conn := dialBuilder(t, ts, h)
	hdr := header{CommandLine: []string{cc, "-c", "foo.c", "-o", "foo.o"}, Bytes: 7}
	require.NoError(t, conn.WriteJSON(hdr))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("int x;\n")))
	first := readResponse(t, conn)
	require.True(t, first.Success)
	assert.False(t, first.ObjectCache)
	_, _, err = conn.ReadMessage() // drain the file frame
	require.NoError(t, err)

	// Second session with the same fingerprint is answered without a body.
	conn2 := dialBuilder(t, ts, h)
	require.NoError(t, conn2.WriteJSON(hdr))
	second := readResponse(t, conn2)
	require.True(t, second.Success)
	assert.True(t, second.ObjectCache)
	require.Len(t, second.Index, 1)

	_, data, err := conn2.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "objectcode", string(data))
}

func TestFingerprintOf_DerivedFromBody(t *testing.T) {
	a := fingerprintOf([]byte("int x;"))
	b := fingerprintOf([]byte("int x;"))
	c := fingerprintOf([]byte("int y;"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
