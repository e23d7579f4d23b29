package execution

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/omnibot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CIRCUIT BREAKER - Per-venue guard against repeated submission failures
// ═══════════════════════════════════════════════════════════════════════════════
//
// closed    → normal operation
// open      → all submissions rejected with "circuit_open" for the cooldown
// half-open → a single probe submission is allowed through
//
// ═══════════════════════════════════════════════════════════════════════════════

// BreakerState of a venue breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// CircuitBreaker counts consecutive transient failures (including latency
// violations) per venue.
type CircuitBreaker struct {
	mu sync.Mutex

	platform  types.Platform
	threshold int
	cooldown  time.Duration

	state         BreakerState
	failures      int
	openedAt      time.Time
	probeInFlight bool

	now func() time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(platform types.Platform, threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		platform:  platform,
		threshold: threshold,
		cooldown:  cooldown,
		state:     BreakerClosed,
		now:       time.Now,
	}
}

// Allow reports whether a submission may proceed. In half-open it admits
// exactly one probe at a time.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if cb.now().Sub(cb.openedAt) < cb.cooldown {
			return false
		}
		cb.state = BreakerHalfOpen
		cb.probeInFlight = true
		log.Info().Str("platform", string(cb.platform)).Msg("Circuit breaker half-open, probing")
		return true
	case BreakerHalfOpen:
		if cb.probeInFlight {
			return false
		}
		cb.probeInFlight = true
		return true
	}
	return false
}

// RecordSuccess closes the breaker and resets the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != BreakerClosed {
		log.Info().Str("platform", string(cb.platform)).Msg("✅ Circuit breaker closed")
	}
	cb.state = BreakerClosed
	cb.failures = 0
	cb.probeInFlight = false
}

// RecordFailure counts a transient failure or latency violation. Opens the
// breaker at the threshold; a failed half-open probe reopens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerHalfOpen {
		cb.trip()
		return
	}

	cb.failures++
	if cb.failures >= cb.threshold {
		cb.trip()
	}
}

func (cb *CircuitBreaker) trip() {
	cb.state = BreakerOpen
	cb.openedAt = cb.now()
	cb.failures = 0
	cb.probeInFlight = false
	log.Warn().
		Str("platform", string(cb.platform)).
		Dur("cooldown", cb.cooldown).
		Msg("🚨 CIRCUIT BREAKER OPEN")
}

// State returns the current state, promoting open → half-open when the
// cooldown has elapsed.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		return BreakerHalfOpen
	}
	return cb.state
}
