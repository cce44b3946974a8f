package orchestrator

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// RetryStrategy defines the interface for retry strategies
type RetryStrategy interface {
	// NextRetry returns the delay before the given retry attempt (1-based)
	NextRetry(attempt int) time.Duration
}

// Backoff strategy names accepted by BackoffConfig
const (
	BackoffExponential = "exponential"
	BackoffLinear      = "linear"
	BackoffFixed       = "fixed"
	BackoffFibonacci   = "fibonacci"
)

// BackoffConfig selects and parameterises the retry strategy
type BackoffConfig struct {
	Strategy     string        `mapstructure:"strategy"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	// Multiplier only applies to exponential backoff
	Multiplier float64 `mapstructure:"multiplier"`
	// Jitter scales every delay by a random factor in [0.5, 1.5)
	Jitter bool `mapstructure:"jitter"`
}

// Build returns the configured strategy. An empty strategy is exponential and
// unset delays fall back to DefaultBackoff
func (c BackoffConfig) Build() (RetryStrategy, error) {
	initial := c.InitialDelay
	if initial <= 0 {
		initial = time.Second
	}

	var s RetryStrategy
	switch c.Strategy {
	case "", BackoffExponential:
		multiplier := c.Multiplier
		if multiplier <= 0 {
			multiplier = 2
		}
		s = &ExponentialBackoff{InitialDelay: initial, MaxDelay: c.MaxDelay, Multiplier: multiplier}
	case BackoffLinear:
		s = &LinearBackoff{Step: initial, MaxDelay: c.MaxDelay}
	case BackoffFixed:
		s = FixedBackoff{Delay: initial}
	case BackoffFibonacci:
		s = &FibonacciBackoff{InitialDelay: initial, MaxDelay: c.MaxDelay}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackoff, c.Strategy)
	}

	if c.Jitter {
		s = &Jittered{Strategy: s}
	}
	return s, nil
}

// ExponentialBackoff implements exponential backoff retry strategy
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultBackoff waits 2^attempt seconds
func DefaultBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: time.Second,
		Multiplier:   2,
	}
}

// NextRetry calculates InitialDelay * Multiplier^attempt, capped at MaxDelay
// when MaxDelay is positive
func (s *ExponentialBackoff) NextRetry(attempt int) time.Duration {
	delay := float64(s.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= s.Multiplier
	}

	if s.MaxDelay > 0 && delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// LinearBackoff waits Step * attempt
type LinearBackoff struct {
	Step     time.Duration
	MaxDelay time.Duration
}

func (s *LinearBackoff) NextRetry(attempt int) time.Duration {
	return capDelay(s.Step*time.Duration(max(attempt, 1)), s.MaxDelay)
}

// FixedBackoff waits the same delay before every retry
type FixedBackoff struct {
	Delay time.Duration
}

func (s FixedBackoff) NextRetry(int) time.Duration {
	return s.Delay
}

// FibonacciBackoff waits InitialDelay times the Fibonacci sequence 1, 2, 3, 5, 8...
type FibonacciBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func (s *FibonacciBackoff) NextRetry(attempt int) time.Duration {
	a, b := s.InitialDelay, s.InitialDelay
	for i := 2; i <= attempt; i++ {
		a, b = b, a+b
		if s.MaxDelay > 0 && b >= s.MaxDelay {
			return s.MaxDelay
		}
	}
	return capDelay(b, s.MaxDelay)
}

// Jittered spreads the delays of Strategy so that tasks failing together do
// not retry together
type Jittered struct {
	Strategy RetryStrategy
	// Rand returns a value in [0, 1); nil uses math/rand/v2
	Rand func() float64
}

func (s *Jittered) NextRetry(attempt int) time.Duration {
	r := rand.Float64
	if s.Rand != nil {
		r = s.Rand
	}
	return time.Duration(float64(s.Strategy.NextRetry(attempt)) * (0.5 + r()))
}

func capDelay(d, limit time.Duration) time.Duration {
	if limit > 0 && d > limit {
		return limit
	}
	return d
}
