// Package adjudicator implements the third validation stage: an external LLM
// consulted when the lexical and ML stages disagree or are low-confidence.
// The HTTP client carries retries with exponential backoff and a circuit
// breaker so a degraded endpoint cannot stall the pipeline.
package adjudicator

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State represents the circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned when the breaker rejects a call outright.
var ErrCircuitOpen = errors.New("adjudicator circuit breaker is open")

// BreakerConfig configures the circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker.
	FailureThreshold int
	// Cooldown is how long the breaker stays open before allowing a probe.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// Breaker is a closed/open/half-open circuit breaker. A single successful
// probe in half-open closes it again. State transitions are logged once.
type Breaker struct {
	mu                  sync.Mutex
	config              BreakerConfig
	state               State
	consecutiveFailures int
	lastFailure         time.Time
	lastStateChange     time.Time
	probeInFlight       bool
	totalRequests       int64
	totalFailures       int64
	logger              *logrus.Logger
}

// NewBreaker creates a circuit breaker.
func NewBreaker(config BreakerConfig, logger *logrus.Logger) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultBreakerConfig().Cooldown
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Breaker{
		config:          config,
		state:           StateClosed,
		lastStateChange: time.Now(),
		logger:          logger,
	}
}

// Allow reports whether a call may proceed. In half-open only one probe is
// admitted at a time.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++

	switch b.state {
	case StateOpen:
		if time.Since(b.lastFailure) >= b.config.Cooldown {
			b.transitionTo(StateHalfOpen)
			b.probeInFlight = true
			return nil
		}
		return ErrCircuitOpen

	case StateHalfOpen:
		if b.probeInFlight {
			return ErrCircuitOpen
		}
		b.probeInFlight = true
		return nil
	}

	return nil
}

// RecordSuccess reports a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.probeInFlight = false
	if b.state != StateClosed {
		b.transitionTo(StateClosed)
	}
}

// RecordFailure reports a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.totalFailures++
	b.lastFailure = time.Now()
	b.probeInFlight = false

	switch b.state {
	case StateClosed:
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		b.transitionTo(StateOpen)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns breaker counters for health reporting.
func (b *Breaker) Stats() (state State, totalRequests, totalFailures int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.totalRequests, b.totalFailures
}

func (b *Breaker) transitionTo(next State) {
	prev := b.state
	b.state = next
	b.lastStateChange = time.Now()
	b.logger.WithFields(logrus.Fields{
		"from": prev,
		"to":   next,
	}).Info("Adjudicator circuit breaker state change")
}
