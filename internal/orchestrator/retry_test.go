package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("Default Is Power Of Two Seconds", func(t *testing.T) {
		b := DefaultBackoff()
		assert.Equal(t, 2*time.Second, b.NextRetry(1))
		assert.Equal(t, 4*time.Second, b.NextRetry(2))
		assert.Equal(t, 8*time.Second, b.NextRetry(3))
	})

	t.Run("Capped", func(t *testing.T) {
		b := &ExponentialBackoff{InitialDelay: time.Second, Multiplier: 3, MaxDelay: 5 * time.Second}
		assert.Equal(t, 3*time.Second, b.NextRetry(1))
		assert.Equal(t, 5*time.Second, b.NextRetry(2))
	})
}

func TestBackoffStrategies(t *testing.T) {
	t.Run("Linear", func(t *testing.T) {
		b := &LinearBackoff{Step: 2 * time.Second, MaxDelay: 5 * time.Second}
		assert.Equal(t, 2*time.Second, b.NextRetry(1))
		assert.Equal(t, 4*time.Second, b.NextRetry(2))
		assert.Equal(t, 5*time.Second, b.NextRetry(3))
	})

	t.Run("Fixed", func(t *testing.T) {
		b := FixedBackoff{Delay: 3 * time.Second}
		assert.Equal(t, 3*time.Second, b.NextRetry(1))
		assert.Equal(t, 3*time.Second, b.NextRetry(7))
	})

	t.Run("Fibonacci", func(t *testing.T) {
		b := &FibonacciBackoff{InitialDelay: time.Second}
		var got []time.Duration
		for attempt := 1; attempt <= 5; attempt++ {
			got = append(got, b.NextRetry(attempt))
		}
		assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second, 3 * time.Second, 5 * time.Second, 8 * time.Second}, got)

		capped := &FibonacciBackoff{InitialDelay: time.Second, MaxDelay: 4 * time.Second}
		assert.Equal(t, 4*time.Second, capped.NextRetry(10))
	})

	t.Run("Jitter Stays Within Half To One And A Half", func(t *testing.T) {
		low := &Jittered{Strategy: FixedBackoff{Delay: 10 * time.Second}, Rand: func() float64 { return 0 }}
		high := &Jittered{Strategy: FixedBackoff{Delay: 10 * time.Second}, Rand: func() float64 { return 0.999 }}
		assert.Equal(t, 5*time.Second, low.NextRetry(1))
		assert.InDelta(t, float64(15*time.Second), float64(high.NextRetry(1)), float64(20*time.Millisecond))

		real := &Jittered{Strategy: FixedBackoff{Delay: 10 * time.Second}}
		for i := 0; i < 50; i++ {
			d := real.NextRetry(1)
			assert.GreaterOrEqual(t, d, 5*time.Second)
			assert.Less(t, d, 15*time.Second)
		}
	})
}

func TestBackoffConfigBuild(t *testing.T) {
	t.Run("Empty Is Default Exponential", func(t *testing.T) {
		s, err := BackoffConfig{}.Build()
		require.NoError(t, err)
		assert.Equal(t, DefaultBackoff(), s)
	})

	t.Run("Named Strategies", func(t *testing.T) {
		s, err := BackoffConfig{Strategy: BackoffLinear, InitialDelay: time.Second}.Build()
		require.NoError(t, err)
		assert.IsType(t, &LinearBackoff{}, s)

		s, err = BackoffConfig{Strategy: BackoffFibonacci, Jitter: true}.Build()
		require.NoError(t, err)
		jittered, ok := s.(*Jittered)
		require.True(t, ok)
		assert.IsType(t, &FibonacciBackoff{}, jittered.Strategy)
	})

	t.Run("Unknown", func(t *testing.T) {
		_, err := BackoffConfig{Strategy: "random-walk"}.Build()
		assert.ErrorIs(t, err, ErrUnknownBackoff)
	})
}
