package karmachat

import (
	"math"
	"math/rand"
	"time"
)

// ============================================================================
// Reconnector
// ============================================================================

// reconnector counts consecutive connection failures against the budget and
// computes the backoff before the next attempt. It is guarded by the
// session mutex.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(cfg *Config) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

// failed records one failure and reports whether another attempt is allowed.
func (r *reconnector) failed() bool {
	r.attempt++
	return r.attempt <= r.maxAttempts
}

// canFallback reports whether the budget still has room before any failure
// is recorded for the current attempt.
func (r *reconnector) canFallback() bool {
	return r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay is exponential in the current attempt, with up to 50% jitter of
// the base delay, capped at maxDelay.
func (r *reconnector) nextDelay() time.Duration {
	exp := r.attempt - 1
	if exp < 0 {
		exp = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	return time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(exp))+float64(jitter),
		float64(r.maxDelay),
	))
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}
