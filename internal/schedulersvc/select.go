package schedulersvc

import (
	"crypto/rand"
	"errors"
	"math/big"
)

// ErrNoBuilders is returned when no builder is registered at all.
var ErrNoBuilders = errors.New("schedulersvc: no builders registered")

// ErrNoMatchingBuilders is returned when builders exist but none can take
// the job right now.
var ErrNoMatchingBuilders = errors.New("schedulersvc: no builders available")

// ErrCompileFailed feeds a builder's circuit breaker when it reports a
// failed compile.
var ErrCompileFailed = errors.New("schedulersvc: builder reported failure")

// Scoring weights for builder selection. Load dominates, environment
// match is worth more than LAN locality, latency is a tiebreaker.
const (
	scorePerActiveTask = -15.0
	scorePerMsLatency  = -0.5
	scoreEnvMatch      = 50.0
	scoreLANSource     = 20.0
	maxActiveTasks     = 8
)

// Selector picks a builder for an incoming client session using Power of
// Two Choices: sample two healthy, closed-circuit candidates and keep the
// higher-scoring one.
type Selector struct {
	registry *Registry
	latency  *latencyTracker
	circuits *CircuitManager
}

// NewSelector creates a Selector backed by reg.
func NewSelector(reg *Registry, circuits *CircuitManager) *Selector {
	return &Selector{
		registry: reg,
		latency:  newLatencyTracker(),
		circuits: circuits,
	}
}

// Select returns the chosen builder for the given environment hash
// (empty string matches any builder).
func (s *Selector) Select(environment string) (*BuilderInfo, error) {
	candidates := s.registry.ListByEnvironment(environment)
	if len(candidates) == 0 {
		if s.registry.Count() == 0 {
			return nil, ErrNoBuilders
		}
		return nil, ErrNoMatchingBuilders
	}

	filtered := make([]*BuilderInfo, 0, len(candidates))
	for _, b := range candidates {
		if b.State == BuilderUnhealthy {
			continue
		}
		if s.circuits != nil && s.circuits.IsOpen(b.ID) {
			continue
		}
		if b.ActiveTasks >= maxActiveTasks {
			continue
		}
		filtered = append(filtered, b)
	}
	if len(filtered) == 0 {
		for _, b := range candidates {
			if b.State != BuilderUnhealthy {
				filtered = append(filtered, b)
			}
		}
	}
	if len(filtered) == 0 {
		return nil, ErrNoMatchingBuilders
	}
	if len(filtered) == 1 {
		return filtered[0], nil
	}

	i, j := pickTwo(len(filtered))
	a, b := filtered[i], filtered[j]
	if s.score(a, environment) >= s.score(b, environment) {
		return a, nil
	}
	return b, nil
}

func (s *Selector) score(b *BuilderInfo, environment string) float64 {
	score := 0.0
	if environment != "" && b.Environment == environment {
		score += scoreEnvMatch
	}
	score += float64(b.ActiveTasks) * scorePerActiveTask
	score += s.latency.Get(b.ID) * scorePerMsLatency
	if b.DiscoverySource == "mdns" {
		score += scoreLANSource
	}
	return score
}

// ReportLatency records a completed dispatch's round-trip latency for
// future scoring.
func (s *Selector) ReportLatency(builderID string, latencyMs float64) {
	s.latency.Record(builderID, latencyMs)
}

func pickTwo(n int) (int, int) {
	if n < 2 {
		return 0, 0
	}
	i := cryptoRandInt(n)
	j := cryptoRandInt(n - 1)
	if j >= i {
		j++
	}
	return i, j
}

func cryptoRandInt(n int) int {
	if n <= 0 {
		return 0
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}
