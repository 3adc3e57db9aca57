package risk

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CIRCUIT BREAKER - Stops order placement while the venue keeps failing
// ═══════════════════════════════════════════════════════════════════════════════
//
// Counts submissions that ended on exhausted transient exchange errors. After
// maxFailures in a row the breaker trips and placement is refused until the
// cooldown passes; the first attempt after that is a probe, one more failure
// trips it again. A nil breaker never trips.

// ErrCircuitOpen is returned while the breaker is tripped
var ErrCircuitOpen = errors.New("exchange circuit open")

type CircuitBreaker struct {
	mu sync.Mutex

	// Configuration
	maxFailures int
	cooldown    time.Duration

	// State
	failures  int
	tripped   bool
	trippedAt time.Time
	reason    string

	now func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker. maxFailures < 1 disables it.
func NewCircuitBreaker(maxFailures int, cooldown time.Duration) *CircuitBreaker {
	if maxFailures < 1 {
		return nil
	}
	return &CircuitBreaker{
		maxFailures: maxFailures,
		cooldown:    cooldown,
		now:         time.Now,
	}
}

// Allow returns ErrCircuitOpen while placement must be held back
func (cb *CircuitBreaker) Allow() error {
	if cb == nil {
		return nil
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.tripped {
		return nil
	}
	if cb.now().Sub(cb.trippedAt) >= cb.cooldown {
		cb.tripped = false
		cb.failures = cb.maxFailures - 1
		log.Info().Msg("✅ Circuit breaker half-open after cooldown")
		return nil
	}
	return ErrCircuitOpen
}

// RecordFailure counts one exhausted venue failure
func (cb *CircuitBreaker) RecordFailure(err error) {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	if cb.failures >= cb.maxFailures && !cb.tripped {
		cb.trip(err.Error())
	}
}

// RecordSuccess clears the failure streak
func (cb *CircuitBreaker) RecordSuccess() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	cb.failures = 0
	cb.mu.Unlock()
}

// trip activates the circuit breaker
func (cb *CircuitBreaker) trip(reason string) {
	cb.tripped = true
	cb.trippedAt = cb.now()
	cb.reason = reason
	log.Warn().
		Str("reason", reason).
		Int("consecutive_failures", cb.failures).
		Dur("cooldown", cb.cooldown).
		Msg("🚨 CIRCUIT BREAKER TRIPPED")
}

// IsTripped returns current trip state
func (cb *CircuitBreaker) IsTripped() bool {
	if cb == nil {
		return false
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.tripped
}

// GetStats returns circuit breaker statistics
func (cb *CircuitBreaker) GetStats() (failures int, tripped bool, reason string) {
	if cb == nil {
		return 0, false, ""
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures, cb.tripped, cb.reason
}

// ForceReset manually resets the circuit breaker
func (cb *CircuitBreaker) ForceReset() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	cb.failures = 0
	cb.tripped = false
	cb.reason = ""
	cb.mu.Unlock()
	log.Info().Msg("Circuit breaker manually reset")
}
