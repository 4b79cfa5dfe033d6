package buildersvc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/hgcc-dist/hgcc/internal/buildersvc/objcache"
	"github.com/hgcc-dist/hgcc/internal/metrics"
)

// header mirrors internal/client/buildsession.Header, the first JSON frame
// the client sends once connected.
type header struct {
	CommandLine []string `json:"commandLine"`
	Argv0       string   `json:"argv0"`
	Wait        bool     `json:"wait"`
	Bytes       int      `json:"bytes"`
}

type fileEntry struct {
	Path  string `json:"path"`
	Bytes int    `json:"bytes"`
}

type response struct {
	Type        string      `json:"type"`
	Success     bool        `json:"success"`
	ExitCode    int         `json:"exitCode"`
	Stdout      string      `json:"stdout"`
	Stderr      string      `json:"stderr"`
	Index       []fileEntry `json:"index"`
	ObjectCache bool        `json:"objectCache,omitempty"`
}

// Config configures Server.
type Config struct {
	MaxParallel    int
	ObjectCache    bool
	CacheDir       string
	CacheMaxSizeMB int64
	CompileTimeout time.Duration

	// ReportURL, when set, receives a POST with this builder's ID and the
	// outcome of every compile, feeding the scheduler's load/latency/
	// circuit accounting.
	ReportURL string
	BuilderID string
}

// Server is the builder daemon's WebSocket endpoint. Concurrency is
// bounded by a semaphore channel sized to MaxParallel; a full semaphore at
// upgrade time puts the session into wait-mode.
type Server struct {
	cfg      Config
	cache    *objcache.Store
	upgrader websocket.Upgrader
	sem      chan struct{}
	writeMu  sync.Mutex
}

// New creates a Server, opening its object cache when cfg.ObjectCache is
// set.
func New(cfg Config) (*Server, error) {
	s := &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  256 * 1024,
			WriteBufferSize: 256 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	s.sem = make(chan struct{}, cfg.MaxParallel)
	if cfg.ObjectCache {
		store, err := objcache.Open(cfg.CacheDir, cfg.CacheMaxSizeMB)
		if err != nil {
			return nil, err
		}
		s.cache = store
	}
	return s, nil
}

// ServeCompile handles one compile session: read the JSON header, read the
// preprocessed source as a binary frame, compile, and stream back the
// response plus every output file.
func (s *Server) ServeCompile(w http.ResponseWriter, r *http.Request) {
	waitMode := len(s.sem) >= cap(s.sem)
	respHeader := http.Header{}
	if waitMode {
		respHeader.Set("x-fisk-wait", "true")
	}

	conn, err := s.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		log.Warn().Err(err).Msg("buildersvc: upgrade failed")
		return
	}
	defer conn.Close()

	var h header
	if err := conn.ReadJSON(&h); err != nil {
		log.Warn().Err(err).Msg("buildersvc: reading header")
		return
	}
	if len(h.CommandLine) == 0 {
		s.writeJSON(conn, response{Type: "response", Success: false, ExitCode: 1, Stderr: "empty command line"})
		return
	}

	// A client-advertised fingerprint lets us answer from the object
	// cache before the preprocessed body is ever uploaded; that is the
	// whole point of wait-mode.
	clientFingerprint := r.Header.Get("x-fisk-md5")
	if s.cache != nil && clientFingerprint != "" {
		key := objcache.Key{Compiler: h.CommandLine[0], CommandLine: h.CommandLine, Fingerprint: clientFingerprint}
		if entry, ok := s.cache.Get(key.Hash()); ok {
			metrics.Default().RecordCacheHit()
			s.sendResult(conn, &CompileResult{
				Success:  true,
				ExitCode: entry.ExitCode,
				Stdout:   entry.Stdout,
				Stderr:   entry.Stderr,
				Files:    entry.Files,
			}, true)
			return
		}
	}

	select {
	case s.sem <- struct{}{}:
	case <-r.Context().Done():
		return
	}
	defer func() { <-s.sem }()

	// In wait mode the client defers its body until it sees a resume
	// message: now that a slot is free, ask for it.
	if waitMode {
		if err := s.writeJSON(conn, struct {
			Type string `json:"type"`
		}{Type: "resume"}); err != nil {
			return
		}
	}

	_, body, err := conn.ReadMessage()
	if err != nil {
		log.Warn().Err(err).Msg("buildersvc: reading source body")
		return
	}
	metrics.Default().RecordTransfer("upload", float64(len(body)))

	heartbeat := time.NewTicker(5 * time.Second)
	defer heartbeat.Stop()
	done := make(chan struct{})
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		for {
			select {
			case <-heartbeat.C:
				s.writeJSON(conn, struct {
					Type string `json:"type"`
				}{Type: "heartbeat"})
			case <-done:
				return
			}
		}
	}()

	fingerprint := clientFingerprint
	if fingerprint == "" {
		fingerprint = fingerprintOf(body)
	}
	key := objcache.Key{Compiler: h.CommandLine[0], CommandLine: h.CommandLine, Fingerprint: fingerprint}
	cacheKey := key.Hash()

	var result *CompileResult
	fromCache := false
	if s.cache != nil {
		if entry, ok := s.cache.Get(cacheKey); ok {
			metrics.Default().RecordCacheHit()
			result = &CompileResult{Success: true, ExitCode: entry.ExitCode, Stdout: entry.Stdout, Stderr: entry.Stderr, Files: entry.Files}
			fromCache = true
		} else {
			metrics.Default().RecordCacheMiss()
		}
	}

	if result == nil {
		timeout := s.cfg.CompileTimeout
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		result, err = Compile(ctx, CompileRequest{CommandLine: h.CommandLine, Argv0: h.Argv0, Source: body})
		cancel()
		if err != nil {
			close(done)
			hbWG.Wait()
			log.Warn().Err(err).Msg("buildersvc: compile failed")
			s.writeJSON(conn, response{Type: "response", Success: false, ExitCode: 1, Stderr: err.Error()})
			return
		}
		if s.cache != nil && result.Success {
			s.cache.Put(cacheKey, objcache.Entry{ExitCode: result.ExitCode, Stdout: result.Stdout, Stderr: result.Stderr, Files: result.Files})
		}
	}

	close(done)
	hbWG.Wait()
	metrics.Default().RecordTaskComplete(statusFor(result), "compile", h.CommandLine[0], result.Duration.Seconds())
	s.report(result)
	s.sendResult(conn, result, fromCache)
}

// report posts the compile outcome back to the scheduler, fire-and-forget.
func (s *Server) report(result *CompileResult) {
	if s.cfg.ReportURL == "" {
		return
	}
	payload, err := json.Marshal(struct {
		ID         string  `json:"id"`
		Success    bool    `json:"success"`
		DurationMs float64 `json:"durationMs"`
	}{s.cfg.BuilderID, result.Success, float64(result.Duration.Milliseconds())})
	if err != nil {
		return
	}
	go func() {
		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Post(s.cfg.ReportURL, "application/json", bytes.NewReader(payload))
		if err != nil {
			log.Debug().Err(err).Msg("buildersvc: outcome report failed")
			return
		}
		resp.Body.Close()
	}()
}

// sendResult streams the response message and every non-empty output file.
func (s *Server) sendResult(conn *websocket.Conn, result *CompileResult, fromCache bool) {
	idx := make([]fileEntry, 0, len(result.Files))
	for _, f := range result.Files {
		idx = append(idx, fileEntry{Path: f.Path, Bytes: len(f.Data)})
	}

	if err := s.writeJSON(conn, response{
		Type:        "response",
		Success:     result.Success,
		ExitCode:    result.ExitCode,
		Stdout:      result.Stdout,
		Stderr:      result.Stderr,
		Index:       idx,
		ObjectCache: fromCache,
	}); err != nil {
		return
	}

	for _, f := range result.Files {
		if len(f.Data) == 0 {
			continue
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, f.Data); err != nil {
			return
		}
		metrics.Default().RecordTransfer("download", float64(len(f.Data)))
	}
}

// writeJSON serializes concurrent writers (the heartbeat ticker and the
// main session goroutine) onto one gorilla conn, which is not itself safe
// for concurrent WriteJSON calls.
func (s *Server) writeJSON(conn *websocket.Conn, v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func statusFor(r *CompileResult) metrics.TaskStatus {
	if r.ExitCode == -1 {
		return metrics.TaskStatusTimeout
	}
	if r.Success {
		return metrics.TaskStatusSuccess
	}
	return metrics.TaskStatusError
}

// fingerprintOf derives a cache identity from the uploaded body itself,
// for clients that did not advertise an x-fisk-md5 fingerprint.
func fingerprintOf(body []byte) string {
	return objcache.HashBytes(body)
}
