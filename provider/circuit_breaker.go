package provider

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker wraps a Driver, tripping open once its failure count
// reaches the threshold and probing for recovery after a cooldown. Any
// non-Ok outcome or error adds one to the count; while closed, each
// success takes one off it rather than resetting it to zero. This
// supplements spec §4.5's per-attempt classification with a
// provider-wide short-circuit, so a provider outage doesn't burn every
// worker's dispatch timeout on doomed attempts.
type CircuitBreaker struct {
	driver Driver
	name   string

	failureThreshold  int
	recoveryThreshold int
	cooldown          time.Duration

	mu              sync.Mutex
	state           breakerState
	failureCount    int
	successCount    int
	lastFailureTime time.Time
}

// CircuitBreakerOption configures a CircuitBreaker.
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets the failure count at which the breaker
// trips open. Default 5.
func WithFailureThreshold(n int) CircuitBreakerOption {
	return func(b *CircuitBreaker) { b.failureThreshold = n }
}

// WithRecoveryThreshold sets how many consecutive successes in
// half-open state close the breaker. Default 3.
func WithRecoveryThreshold(n int) CircuitBreakerOption {
	return func(b *CircuitBreaker) { b.recoveryThreshold = n }
}

// WithCooldown sets how long the breaker stays open before allowing a
// probe. Default 60s.
func WithCooldown(d time.Duration) CircuitBreakerOption {
	return func(b *CircuitBreaker) { b.cooldown = d }
}

// NewCircuitBreaker wraps driver, named for logging/metrics.
func NewCircuitBreaker(name string, driver Driver, opts ...CircuitBreakerOption) *CircuitBreaker {
	b := &CircuitBreaker{
		driver:            driver,
		name:              name,
		failureThreshold:  5,
		recoveryThreshold: 3,
		cooldown:          60 * time.Second,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *CircuitBreaker) canExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(b.lastFailureTime) > b.cooldown {
			b.state = stateHalfOpen
			b.successCount = 0
			return true
		}
		return false
	default: // half-open
		return true
	}
}

func (b *CircuitBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateHalfOpen:
		b.successCount++
		if b.successCount >= b.recoveryThreshold {
			b.state = stateClosed
			b.failureCount = 0
		}
	case stateClosed:
		if b.failureCount > 0 {
			b.failureCount--
		}
	}
}

func (b *CircuitBreaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureTime = time.Now()
	if b.failureCount >= b.failureThreshold {
		b.state = stateOpen
	}
}

// Send implements Driver, refusing to call the wrapped driver while the
// breaker is open.
func (b *CircuitBreaker) Send(ctx context.Context, from string, recipients []string, msg Rendered) (Outcome, string, error) {
	if !b.canExecute() {
		return Transient, fmt.Sprintf("circuit breaker open for provider %s", b.name), nil
	}

	outcome, reason, err := b.driver.Send(ctx, from, recipients, msg)
	if err != nil || outcome != Ok {
		b.recordFailure()
	} else {
		b.recordSuccess()
	}
	return outcome, reason, err
}
