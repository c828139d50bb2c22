package karmachat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReconnectorBudget(t *testing.T) {
	r := newReconnector(&Config{MaxReconnectAttempts: 2, ReconnectBaseDelay: time.Second, ReconnectMaxDelay: time.Minute})

	assert.True(t, r.canFallback())
	assert.True(t, r.failed())
	assert.True(t, r.canFallback())
	assert.True(t, r.failed())
	assert.False(t, r.canFallback())
	assert.False(t, r.failed())

	r.reset()
	assert.Zero(t, r.attempt)
	assert.True(t, r.failed())
}

func TestReconnectorDelay(t *testing.T) {
	r := newReconnector(&Config{MaxReconnectAttempts: 10, ReconnectBaseDelay: 100 * time.Millisecond, ReconnectMaxDelay: time.Second})

	t.Run("exponential with bounded jitter", func(t *testing.T) {
		for attempt := 1; attempt <= 3; attempt++ {
			r.attempt = attempt
			base := 100 * time.Millisecond << (attempt - 1)
			for i := 0; i < 20; i++ {
				d := r.nextDelay()
				assert.GreaterOrEqual(t, d, base)
				assert.LessOrEqual(t, d, base+50*time.Millisecond)
			}
		}
	})

	t.Run("capped", func(t *testing.T) {
		r.attempt = 9
		assert.Equal(t, time.Second, r.nextDelay())
	})
}
