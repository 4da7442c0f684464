package gateway

import (
	"sync"
	"time"

	"github.com/nulpointcorp/gemini-gateway/internal/config"
)

// cbState represents the operational state of a per-API-version circuit breaker.
//
//	cbClosed   — normal operation; all requests pass through.
//	cbOpen     — upstream is failing; requests are rejected immediately.
//	cbHalfOpen — recovery probe; one request is allowed to test the upstream.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

const (
	defaultCBErrorThreshold  = 5
	defaultCBTimeWindow      = 60 * time.Second
	defaultCBHalfOpenTimeout = 30 * time.Second
)

func errorThreshold(cfg config.BreakerConfig) int {
	if cfg.ErrorThreshold > 0 {
		return cfg.ErrorThreshold
	}
	return defaultCBErrorThreshold
}

func timeWindow(cfg config.BreakerConfig) time.Duration {
	if cfg.TimeWindow > 0 {
		return cfg.TimeWindow
	}
	return defaultCBTimeWindow
}

func halfOpenTimeout(cfg config.BreakerConfig) time.Duration {
	if cfg.HalfOpenTimeout > 0 {
		return cfg.HalfOpenTimeout
	}
	return defaultCBHalfOpenTimeout
}

// versionCB holds per-API-version circuit breaker state.
type versionCB struct {
	mu sync.Mutex

	state         cbState
	errorCount    int
	windowStart   time.Time // start of the current error-counting window
	openedAt      time.Time // when the breaker was tripped (for half-open timer)
	probeInflight bool      // true while a half-open probe is in flight
}

// CircuitBreaker manages independent circuit breakers for each upstream API
// version. The v1 and v1beta surfaces of the provider can degrade
// independently, so they are tracked separately. It is safe for concurrent
// use from multiple goroutines.
type CircuitBreaker struct {
	mu       sync.RWMutex
	breakers map[string]*versionCB
	cfg      config.BreakerConfig
}

// NewCircuitBreaker creates a CircuitBreaker for the given API versions.
// Zero values in cfg fall back to the package defaults.
func NewCircuitBreaker(cfg config.BreakerConfig, versions ...string) *CircuitBreaker {
	cb := &CircuitBreaker{
		breakers: make(map[string]*versionCB),
		cfg:      cfg,
	}
	for _, v := range versions {
		cb.breakers[v] = &versionCB{
			state:       cbClosed,
			windowStart: time.Now(),
		}
	}
	return cb
}

// Allow reports whether the named API version should receive the next request.
//
//   - Closed  → always true.
//   - Open    → false, unless the half-open timeout has elapsed, in which case
//     the breaker transitions to HalfOpen and allows one probe.
//   - HalfOpen → true only if no probe is currently in flight.
//
// Returns true for untracked versions.
func (cb *CircuitBreaker) Allow(version string) bool {
	vcb := cb.get(version)
	if vcb == nil {
		return true
	}

	vcb.mu.Lock()
	defer vcb.mu.Unlock()

	switch vcb.state {
	case cbClosed:
		return true

	case cbOpen:
		if time.Since(vcb.openedAt) >= halfOpenTimeout(cb.cfg) {
			// Transition to half-open: allow exactly one probe request.
			vcb.state = cbHalfOpen
			vcb.probeInflight = true
			return true
		}
		return false

	case cbHalfOpen:
		if vcb.probeInflight {
			// A probe is already in flight — reject other requests.
			return false
		}
		vcb.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess marks a successful upstream response and resets the breaker
// to Closed regardless of its previous state.
func (cb *CircuitBreaker) RecordSuccess(version string) {
	vcb := cb.get(version)
	if vcb == nil {
		return
	}

	vcb.mu.Lock()
	defer vcb.mu.Unlock()

	vcb.state = cbClosed
	vcb.errorCount = 0
	vcb.probeInflight = false
	vcb.windowStart = time.Now()
}

// RecordFailure increments the error counter for version. When the counter
// reaches ErrorThreshold within TimeWindow the breaker opens.
func (cb *CircuitBreaker) RecordFailure(version string) {
	vcb := cb.get(version)
	if vcb == nil {
		return
	}

	vcb.mu.Lock()
	defer vcb.mu.Unlock()

	now := time.Now()

	// Reset counter when the rolling window has expired.
	if now.Sub(vcb.windowStart) > timeWindow(cb.cfg) {
		vcb.errorCount = 0
		vcb.windowStart = now
	}

	vcb.errorCount++
	vcb.probeInflight = false

	if vcb.errorCount >= errorThreshold(cb.cfg) {
		vcb.state = cbOpen
		vcb.openedAt = now
	}
}

// State returns the current cbState for version (useful for metrics export).
func (cb *CircuitBreaker) State(version string) cbState {
	vcb := cb.get(version)
	if vcb == nil {
		return cbClosed
	}
	vcb.mu.Lock()
	defer vcb.mu.Unlock()
	return vcb.state
}

// StateLabel returns a human-readable state name: "closed", "open", or "half_open".
func (cb *CircuitBreaker) StateLabel(version string) string {
	switch cb.State(version) {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (cb *CircuitBreaker) get(version string) *versionCB {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.breakers[version]
}
