package schedulersvc

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog/log"

	"github.com/hgcc-dist/hgcc/internal/metrics"
)

// Config configures Server.
type Config struct {
	MinVersion string
	MDNSEnable bool
	ListenPort int
}

// Server answers client handshakes on /compile and accepts builder
// registrations on /builders.
type Server struct {
	cfg      Config
	registry *Registry
	selector *Selector
	circuits *CircuitManager
	upgrader websocket.Upgrader

	mu       sync.Mutex
	mdnsSrv  *zeroconf.Server
}

// New creates a Server.
func New(cfg Config) *Server {
	reg := NewRegistry(90 * time.Second)
	circuits := NewCircuitManager(DefaultCircuitConfig())
	return &Server{
		cfg:      cfg,
		registry: reg,
		selector: NewSelector(reg, circuits),
		circuits: circuits,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Registry exposes the builder registry for hgctl/metrics reporting.
func (s *Server) Registry() *Registry { return s.registry }

// Announce registers this scheduler under discovery.ServiceName via mDNS,
// the server-side counterpart to internal/client/discovery's browse.
func (s *Server) Announce(instance string, port int) error {
	if !s.cfg.MDNSEnable {
		return nil
	}
	srv, err := zeroconf.Register(instance, "_hgcc-scheduler._tcp", "local.", port, nil, nil)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.mdnsSrv = srv
	s.mu.Unlock()
	return nil
}

// Shutdown tears down mDNS advertisement and the builder registry's
// cleanup loop.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.mdnsSrv != nil {
		s.mdnsSrv.Shutdown()
	}
	s.mu.Unlock()
	s.registry.Stop()
}

// wireMessage mirrors internal/client/schedsession's wire shape.
type wireMessage struct {
	Type           string   `json:"type"`
	IP             string   `json:"ip,omitempty"`
	Hostname       string   `json:"hostname,omitempty"`
	Port           uint16   `json:"port,omitempty"`
	ID             string   `json:"id,omitempty"`
	Environment    string   `json:"environment,omitempty"`
	ExtraArgs      []string `json:"extraArgs,omitempty"`
	MinimumVersion string   `json:"minimum_version,omitempty"`
}

// ServeCompile answers one client handshake: upgrade, inspect the
// client's x-fisk-* headers, and respond with exactly one outcome message
// before closing (the client re-dials for each new compile).
func (s *Server) ServeCompile(w http.ResponseWriter, r *http.Request) {
	npmVersion := r.Header.Get("x-fisk-npm-version")
	verify := r.Header.Get("x-fisk-verify") == "true"

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("schedulersvc: upgrade failed")
		return
	}
	defer conn.Close()

	if s.cfg.MinVersion != "" && npmVersion != "" && npmVersion < s.cfg.MinVersion {
		s.sendJSON(conn, wireMessage{Type: "version_mismatch", MinimumVersion: s.cfg.MinVersion})
		return
	}
	if verify {
		s.sendJSON(conn, wireMessage{Type: "version_verified", MinimumVersion: s.cfg.MinVersion})
		return
	}

	environment := r.Header.Get("x-fisk-environments")
	builder, err := s.selector.Select(environment)
	if err != nil {
		s.sendJSON(conn, wireMessage{Type: "needsEnvironment"})
		return
	}

	s.registry.IncrementTasks(builder.ID)
	metrics.Default().SetActiveTasks(builder.ID, float64(activeTasksOf(s.registry, builder.ID)))

	host, port := splitBuilderAddr(builder.Addr)
	s.sendJSON(conn, wireMessage{
		Type:        "builder",
		IP:          host,
		Hostname:    host,
		Port:        port,
		ID:          builder.ID,
		Environment: builder.Environment,
	})
}

// splitBuilderAddr breaks a registered "host:port" into the separate
// hostname and port fields the assignment message carries.
func splitBuilderAddr(addr string) (string, uint16) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	p, err := strconv.Atoi(portStr)
	if err != nil || p < 0 || p > 65535 {
		return host, 0
	}
	return host, uint16(p)
}

func activeTasksOf(reg *Registry, id string) int {
	if b, ok := reg.Get(id); ok {
		return b.ActiveTasks
	}
	return 0
}

func (s *Server) sendJSON(conn *websocket.Conn, msg wireMessage) {
	if err := conn.WriteJSON(msg); err != nil {
		log.Warn().Err(err).Msg("schedulersvc: writing response")
	}
}

// builderHello is what a builder daemon sends once on connecting to
// ServeBuilders to register itself.
type builderHello struct {
	ID          string `json:"id"`
	Addr        string `json:"addr"`
	Environment string `json:"environment"`
	MaxParallel int    `json:"maxParallel"`
}

// ServeBuilders accepts long-lived connections from builder daemons: one
// hello message registers the builder, any further message refreshes the
// heartbeat, and the connection closing removes the builder.
func (s *Server) ServeBuilders(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var hello builderHello
	if err := conn.ReadJSON(&hello); err != nil {
		return
	}
	if hello.MaxParallel <= 0 {
		hello.MaxParallel = 1
	}
	s.registry.Add(&BuilderInfo{
		ID:              hello.ID,
		Addr:            hello.Addr,
		Environment:     hello.Environment,
		DiscoverySource: "manual",
		MaxParallel:     hello.MaxParallel,
	})
	defer s.registry.Remove(hello.ID)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		s.registry.UpdateHeartbeat(hello.ID)
	}
}

// outcomeReport is what a builder daemon posts after finishing a compile.
type outcomeReport struct {
	ID         string  `json:"id"`
	Success    bool    `json:"success"`
	DurationMs float64 `json:"durationMs"`
}

// ServeReport records a builder-reported compile outcome: load accounting,
// latency scoring and the builder's circuit breaker all feed off it.
func (s *Server) ServeReport(w http.ResponseWriter, r *http.Request) {
	var rep outcomeReport
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil || rep.ID == "" {
		http.Error(w, "bad report", http.StatusBadRequest)
		return
	}
	dur := time.Duration(rep.DurationMs * float64(time.Millisecond))
	if err := s.registry.DecrementTasks(rep.ID, rep.Success, dur); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.selector.ReportLatency(rep.ID, rep.DurationMs)
	s.circuits.Execute(rep.ID, func() (interface{}, error) {
		if rep.Success {
			return nil, nil
		}
		return nil, ErrCompileFailed
	})
	metrics.Default().SetActiveTasks(rep.ID, float64(activeTasksOf(s.registry, rep.ID)))
	w.WriteHeader(http.StatusNoContent)
}

// BuilderSummary is one entry in the /api/builders JSON listing hgctl
// renders.
type BuilderSummary struct {
	ID            string    `json:"id"`
	Addr          string    `json:"addr"`
	State         string    `json:"state"`
	Environment   string    `json:"environment"`
	ActiveTasks   int       `json:"activeTasks"`
	TotalTasks    int64     `json:"totalTasks"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// ServeBuilderList reports every registered builder as JSON, for hgctl
// workers and anything else that wants a machine-readable roster.
func (s *Server) ServeBuilderList(w http.ResponseWriter, r *http.Request) {
	builders := s.registry.List()
	out := make([]BuilderSummary, 0, len(builders))
	for _, b := range builders {
		out = append(out, BuilderSummary{
			ID:            b.ID,
			Addr:          b.Addr,
			State:         b.State.String(),
			Environment:   b.Environment,
			ActiveTasks:   b.ActiveTasks,
			TotalTasks:    b.TotalTasks,
			LastHeartbeat: b.LastHeartbeat,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// ListenAddrPort splits "host:port" config into a bare port for Announce.
func ListenAddrPort(listenAddr string) int {
	for i := len(listenAddr) - 1; i >= 0; i-- {
		if listenAddr[i] == ':' {
			p, err := strconv.Atoi(listenAddr[i+1:])
			if err == nil {
				return p
			}
		}
	}
	return 0
}
