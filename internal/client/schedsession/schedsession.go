// Package schedsession is the JSON dialogue with the scheduler over an
// already-open wsconn.Conn: it ends in either a builder assignment, an
// environment-upload request, or a fatal version mismatch.
package schedsession

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hgcc-dist/hgcc/internal/client/wsconn"
)

// Outcome is what the scheduler told us to do next.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeBuilder
	OutcomeNeedsEnvironment
	OutcomeVersionMismatch
	OutcomeVersionVerified
)

// Builder is the assignment from a {type:"builder"} message.
type Builder struct {
	IP          string   `json:"ip"`
	Hostname    string   `json:"hostname,omitempty"`
	Port        uint16   `json:"port"`
	ID          string   `json:"id"`
	Environment string   `json:"environment,omitempty"`
	ExtraArgs   []string `json:"extraArgs,omitempty"`
}

// Addr returns the host to dial: hostname takes precedence over ip when
// present.
func (b Builder) Addr() string {
	host := b.IP
	if b.Hostname != "" {
		host = b.Hostname
	}
	return fmt.Sprintf("%s:%d", host, b.Port)
}

// Result is the terminal outcome of a scheduler session.
type Result struct {
	Outcome Outcome
	Builder Builder
	// MinimumVersion is the scheduler's minimum client version, set for
	// OutcomeVersionMismatch and OutcomeVersionVerified.
	MinimumVersion string
	Err            error
}

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

// HeaderParams is everything that travels as x-fisk-* headers on the
// scheduler upgrade handshake.
type HeaderParams struct {
	EnvironmentHash string
	SourceFile      string
	ClientName      string
	User            string
	NPMVersion      string
	ConfigVersion   string
	Fingerprint     string // empty unless object-cache is enabled
}

func Headers(p HeaderParams) http.Header {
	h := http.Header{}
	h.Set("x-fisk-environments", p.EnvironmentHash)
	h.Set("x-fisk-sourcefile", p.SourceFile)
	h.Set("x-fisk-client-name", p.ClientName)
	h.Set("x-fisk-user", p.User)
	h.Set("x-fisk-npm-version", p.NPMVersion)
	h.Set("x-fisk-config-version", p.ConfigVersion)
	if p.Fingerprint != "" {
		h.Set("x-fisk-md5", p.Fingerprint)
	}
	return h
}

// HandleMessage parses one scheduler text frame into a Result. Older
// schedulers send the assignment with type "slave"; it is accepted as a
// synonym for "builder".
func HandleMessage(data []byte) Result {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Result{Err: fmt.Errorf("schedsession: parsing scheduler message: %w", err)}
	}
	switch msg.Type {
	case "builder", "slave":
		return Result{
			Outcome: OutcomeBuilder,
			Builder: Builder{
				IP:          msg.IP,
				Hostname:    msg.Hostname,
				Port:        msg.Port,
				ID:          msg.ID,
				Environment: msg.Environment,
				ExtraArgs:   msg.ExtraArgs,
			},
		}
	case "needsEnvironment":
		return Result{Outcome: OutcomeNeedsEnvironment}
	case "version_mismatch":
		return Result{Outcome: OutcomeVersionMismatch, MinimumVersion: msg.MinimumVersion}
	case "version_verified":
		return Result{Outcome: OutcomeVersionVerified, MinimumVersion: msg.MinimumVersion}
	default:
		return Result{Err: fmt.Errorf("schedsession: unknown message type %q", msg.Type)}
	}
}

// UploadEnvironment sends the {type:"uploadEnvironment"} header followed
// by the tarball bytes as one or more binary frames summing to the
// advertised size.
func UploadEnvironment(conn *wsconn.Conn, hash string, tarball []byte) error {
	header, err := json.Marshal(struct {
		Type  string `json:"type"`
		Hash  string `json:"hash"`
		Bytes int    `json:"bytes"`
	}{Type: "uploadEnvironment", Hash: hash, Bytes: len(tarball)})
	if err != nil {
		return fmt.Errorf("schedsession: marshaling uploadEnvironment header: %w", err)
	}
	if err := conn.SendText(header); err != nil {
		return fmt.Errorf("schedsession: sending uploadEnvironment header: %w", err)
	}

	const chunkSize = 256 * 1024
	for off := 0; off < len(tarball); off += chunkSize {
		end := off + chunkSize
		if end > len(tarball) {
			end = len(tarball)
		}
		if err := conn.SendBinary(tarball[off:end]); err != nil {
			return fmt.Errorf("schedsession: sending environment chunk: %w", err)
		}
	}
	return nil
}
