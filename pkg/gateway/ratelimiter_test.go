package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRateLimiter_Acquire(t *testing.T) {
	t.Run("should allow requests under limit", func(t *testing.T) {
		limiter := NewClientRateLimiter(10, 5)

		for i := 0; i < 5; i++ {
			release, reason := limiter.Acquire()
			require.NotNil(t, release)
			assert.Empty(t, reason)
		}
		count, inFlight := limiter.GetStats()
		assert.Equal(t, 5, count)
		assert.Equal(t, 5, inFlight)
	})

	t.Run("should reject when concurrent limit exceeded", func(t *testing.T) {
		limiter := NewClientRateLimiter(100, 3)

		for i := 0; i < 3; i++ {
			release, _ := limiter.Acquire()
			require.NotNil(t, release)
		}

		release, reason := limiter.Acquire()
		assert.Nil(t, release)
		assert.Equal(t, "too many concurrent requests", reason)
	})

	t.Run("should reject when rate limit exceeded", func(t *testing.T) {
		limiter := NewClientRateLimiter(5, 10)

		for i := 0; i < 5; i++ {
			release, _ := limiter.Acquire()
			require.NotNil(t, release)
			release()
		}

		release, reason := limiter.Acquire()
		assert.Nil(t, release)
		assert.Equal(t, "rate limit exceeded", reason)
	})

	t.Run("release is idempotent", func(t *testing.T) {
		limiter := NewClientRateLimiter(10, 2)

		first, _ := limiter.Acquire()
		second, _ := limiter.Acquire()
		require.NotNil(t, first)
		require.NotNil(t, second)

		first()
		first()
		_, inFlight := limiter.GetStats()
		assert.Equal(t, 1, inFlight)

		third, _ := limiter.Acquire()
		assert.NotNil(t, third)
	})

	t.Run("defaults apply to non-positive limits", func(t *testing.T) {
		limiter := NewClientRateLimiter(0, -1)
		assert.Equal(t, DefaultRequestsPerMinute, limiter.requestsPerMinute)
		assert.Equal(t, DefaultMaxConcurrent, limiter.maxConcurrent)
	})
}

func TestLimiterSet(t *testing.T) {
	set := newLimiterSet(10, 2)

	a := set.get("10.0.0.1")
	assert.Same(t, a, set.get("10.0.0.1"))
	assert.NotSame(t, a, set.get("10.0.0.2"))

	release, _ := a.Acquire()
	require.NotNil(t, release)

	// 10.0.0.2 has no history; 10.0.0.1 still has a request in the window.
	assert.Equal(t, 1, set.sweep())
	release()
	assert.Equal(t, 0, set.sweep())
}
