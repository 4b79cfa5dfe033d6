package schedulersvc

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// CircuitState mirrors internal/coordinator/resilience/circuit.go's
// CircuitState, renamed from per-worker to per-builder terms.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
	CircuitOpen     CircuitState = "OPEN"
)

// CircuitConfig configures CircuitManager's gobreaker.Settings.
type CircuitConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
}

// DefaultCircuitConfig trips a builder's breaker after 60% failures over
// at least 3 requests, re-probing after a minute.
func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{
		MaxRequests:  3,
		Interval:     10 * time.Second,
		Timeout:      60 * time.Second,
		FailureRatio: 0.6,
		MinRequests:  3,
	}
}

// CircuitManager maintains one gobreaker.CircuitBreaker per builder ID, so
// select.go can skip a builder whose recent compiles keep failing without
// the scheduler needing its own failure-counting logic. Every outcome a
// builder posts to ServeReport goes through its breaker, and each reported
// failure counts against it.
type CircuitManager struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
	config   CircuitConfig
}

// NewCircuitManager creates a CircuitManager.
func NewCircuitManager(cfg CircuitConfig) *CircuitManager {
	return &CircuitManager{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		config:   cfg,
	}
}

func (m *CircuitManager) getOrCreate(builderID string) *gobreaker.CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[builderID]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok = m.breakers[builderID]; ok {
		return cb
	}

	settings := gobreaker.Settings{
		Name:        builderID,
		MaxRequests: m.config.MaxRequests,
		Interval:    m.config.Interval,
		Timeout:     m.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < m.config.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= m.config.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info().
				Str("builder_id", name).
				Str("from", gobreakerStateToCircuitState(from).String()).
				Str("to", gobreakerStateToCircuitState(to).String()).
				Msg("builder circuit breaker state change")
		},
	}
	cb = gobreaker.NewCircuitBreaker(settings)
	m.breakers[builderID] = cb
	return cb
}

// Execute runs fn through builderID's circuit breaker.
func (m *CircuitManager) Execute(builderID string, fn func() (interface{}, error)) (interface{}, error) {
	return m.getOrCreate(builderID).Execute(fn)
}

// IsOpen reports whether builderID's circuit is currently open.
func (m *CircuitManager) IsOpen(builderID string) bool {
	m.mu.RLock()
	cb, ok := m.breakers[builderID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return cb.State() == gobreaker.StateOpen
}

func (s CircuitState) String() string { return string(s) }

func gobreakerStateToCircuitState(s gobreaker.State) CircuitState {
	switch s {
	case gobreaker.StateClosed:
		return CircuitClosed
	case gobreaker.StateHalfOpen:
		return CircuitHalfOpen
	case gobreaker.StateOpen:
		return CircuitOpen
	default:
		return CircuitClosed
	}
}
