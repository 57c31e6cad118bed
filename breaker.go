package showrunner

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// CircuitState is the per-provider breaker state.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// circuit tracks one provider. State is process-local and re-derivable: a
// restarted process starts every provider closed, which is safe because the
// breaker is a protective optimization, not a correctness dependency.
type circuit struct {
	state         CircuitState
	failures      int
	lastFailure   time.Time
	openedAt      time.Time
	trialInFlight bool
}

// CircuitBreaker tracks consecutive failures per provider and fails calls
// fast while a provider is cooling down.
type CircuitBreaker struct {
	threshold int
	cooldown  time.Duration
	clock     func() time.Time
	mutex     sync.Mutex
	circuits  map[string]*circuit
}

// BreakerOption customizes a circuit breaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerClock overrides the breaker's time source.
func WithBreakerClock(clock func() time.Time) BreakerOption {
	return func(b *CircuitBreaker) { b.clock = clock }
}

// NewCircuitBreaker creates a breaker that opens after threshold consecutive
// failures and allows a half-open trial after the cooldown elapses.
func NewCircuitBreaker(threshold int, cooldown time.Duration, opts ...BreakerOption) *CircuitBreaker {
	b := &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
		circuits:  map[string]*circuit{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Execute runs fn under the provider's circuit. An open circuit returns
// ErrCircuitOpen without invoking fn.
func (b *CircuitBreaker) Execute(ctx context.Context, provider string, fn func(ctx context.Context) error) error {
	if err := b.allow(provider); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(provider, err == nil)
	return err
}

// State returns the provider's current circuit state.
func (b *CircuitBreaker) State(provider string) CircuitState {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	c, ok := b.circuits[provider]
	if !ok {
		return CircuitClosed
	}
	// Report half-open once the cooldown has elapsed, even before a trial
	// call arrives.
	if c.state == CircuitOpen && b.clock().Sub(c.openedAt) >= b.cooldown {
		return CircuitHalfOpen
	}
	return c.state
}

func (b *CircuitBreaker) allow(provider string) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	c := b.circuit(provider)
	switch c.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if b.clock().Sub(c.openedAt) < b.cooldown {
			return fmt.Errorf("provider %q: %w", provider, ErrCircuitOpen)
		}
		c.state = CircuitHalfOpen
		c.trialInFlight = true
		return nil
	case CircuitHalfOpen:
		// One trial call at a time.
		if c.trialInFlight {
			return fmt.Errorf("provider %q: %w", provider, ErrCircuitOpen)
		}
		c.trialInFlight = true
		return nil
	}
	return nil
}

func (b *CircuitBreaker) record(provider string, success bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	c := b.circuit(provider)
	if success {
		c.state = CircuitClosed
		c.failures = 0
		c.trialInFlight = false
		return
	}

	now := b.clock()
	c.lastFailure = now
	if c.state == CircuitHalfOpen {
		// Failed trial: back to open with a fresh cooldown.
		c.state = CircuitOpen
		c.openedAt = now
		c.trialInFlight = false
		return
	}
	c.failures++
	if c.failures >= b.threshold {
		c.state = CircuitOpen
		c.openedAt = now
	}
}

func (b *CircuitBreaker) circuit(provider string) *circuit {
	c, ok := b.circuits[provider]
	if !ok {
		c = &circuit{state: CircuitClosed}
		b.circuits[provider] = c
	}
	return c
}
