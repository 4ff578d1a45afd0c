package ledger

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Breaker states.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

// BreakerConfig tunes when the breaker opens and how it recovers.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker. Values below one fall back to DefaultFailureThreshold.
	FailureThreshold int

	// Window bounds how old a failure may be and still count toward the
	// threshold. Zero means failures never age out.
	Window time.Duration

	// Cooldown is how long the breaker stays open before admitting a
	// half-open probe.
	Cooldown time.Duration
}

const (
	// DefaultFailureThreshold opens the breaker after five straight failures.
	DefaultFailureThreshold = 5

	// DefaultCooldown keeps the breaker open for thirty seconds.
	DefaultCooldown = 30 * time.Second
)

// CircuitBreaker fails calls fast while the ledger is unhealthy. Closed
// passes everything through; after FailureThreshold consecutive failures
// inside Window it opens and Allow returns false without any I/O; after
// Cooldown it half-opens and admits exactly one probe, whose outcome either
// closes or reopens it. State is owned per instance, never shared globally.
type CircuitBreaker struct {
	name string
	cfg  BreakerConfig
	log  zerolog.Logger

	mu       sync.Mutex
	state    string
	failures []time.Time
	openedAt time.Time
	probing  bool
	onChange func(state string)
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, cfg BreakerConfig, log zerolog.Logger) *CircuitBreaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}

	return &CircuitBreaker{
		name:  name,
		cfg:   cfg,
		log:   log.With().Str("component", "circuit_breaker").Str("breaker", name).Logger(),
		state: StateClosed,
	}
}

// OnStateChange registers a callback fired on every transition. Used to
// export the state gauge.
func (cb *CircuitBreaker) OnStateChange(fn func(state string)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onChange = fn
}

// State returns the current state string.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow reports whether a call may proceed. While open it returns false
// until the cooldown elapses, then transitions to half-open and admits a
// single probe; further calls are refused until that probe resolves.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.openedAt) < cb.cfg.Cooldown {
			return false
		}
		cb.setState(StateHalfOpen)
		cb.probing = true
		return true
	case StateHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	default:
		return true
	}
}

// RecordSuccess clears the failure run and closes the breaker if a probe
// just succeeded.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = cb.failures[:0]
	cb.probing = false
	if cb.state != StateClosed {
		cb.setState(StateClosed)
	}
}

// RecordFailure notes one failed call. A failed half-open probe reopens the
// breaker immediately; in the closed state the breaker opens once the
// windowed failure count reaches the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	now := time.Now()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.probing = false
		cb.openedAt = now
		cb.setState(StateOpen)
	case StateClosed:
		cb.failures = append(cb.failures, now)
		cb.trim(now)
		if len(cb.failures) >= cb.cfg.FailureThreshold {
			cb.failures = cb.failures[:0]
			cb.openedAt = now
			cb.setState(StateOpen)
		}
	}
	// Failures reported while open carry no new information.
}

// trim drops failures older than the rolling window. Caller holds the lock.
func (cb *CircuitBreaker) trim(now time.Time) {
	if cb.cfg.Window <= 0 {
		return
	}
	cutoff := now.Add(-cb.cfg.Window)
	kept := cb.failures[:0]
	for _, t := range cb.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	cb.failures = kept
}

// setState transitions and notifies. Caller holds the lock.
func (cb *CircuitBreaker) setState(next string) {
	prev := cb.state
	cb.state = next

	evt := cb.log.Info()
	if next == StateOpen {
		evt = cb.log.Warn()
	}
	evt.Str("from", prev).Str("to", next).Msg("Circuit breaker state changed")

	if cb.onChange != nil {
		cb.onChange(next)
	}
}
