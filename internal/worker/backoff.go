package worker

import (
	"math/rand/v2"
	"time"
)

// RetryPolicy controls per-channel retries.
//
//	attempt 1 -> BaseDelay
//	attempt 2 -> BaseDelay*2
//	attempt n -> min(BaseDelay*2^(n-1), MaxDelay)
//
// Each delay is spread by ±Jitter (a fraction, 0.2 = 20%).
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64

	// ReleaseDelay is how long a job that aborted before dispatch
	// (panic, repository error) waits before it is claimable again.
	ReleaseDelay time.Duration

	// SendTimeout bounds one provider call. Zero means no deadline beyond
	// the worker context.
	SendTimeout time.Duration
}

// DefaultRetryPolicy returns 3 attempts starting at 5s, capped at 5m.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		BaseDelay:    5 * time.Second,
		MaxDelay:     5 * time.Minute,
		Jitter:       0.2,
		ReleaseDelay: 10 * time.Second,
	}
}

// Delay returns the wait before the next try after the given failed attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		spread := float64(d) * p.Jitter
		d += time.Duration(spread * (2*rand.Float64() - 1))
	}
	return d
}
