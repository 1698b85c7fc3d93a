package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/notifyhub/notification-pipeline/internal/domain"
)

// ChannelLimiters holds one token bucket limiter per channel type.
// They smooth outbound provider calls from this process; the shared Limiter
// handles cross-process abuse prevention.
// Burst is set equal to the rate so no extra burst capacity is allowed
// beyond the configured per-second maximum.
type ChannelLimiters struct {
	limiters map[domain.Channel]*rate.Limiter
}

// NewChannelLimiters creates a ChannelLimiters with ratePerSec tokens per
// second per channel.
func NewChannelLimiters(ratePerSec int) *ChannelLimiters {
	r := rate.Limit(ratePerSec)
	limiters := make(map[domain.Channel]*rate.Limiter, len(domain.AllChannels))
	for _, ch := range domain.AllChannels {
		limiters[ch] = rate.NewLimiter(r, ratePerSec)
	}
	return &ChannelLimiters{limiters: limiters}
}

// Wait blocks until the channel's limiter grants a token.
// Called by the worker immediately before each provider call.
// Returns a non-nil error only if ctx is cancelled while waiting.
func (cl *ChannelLimiters) Wait(ctx context.Context, ch domain.Channel) error {
	l, ok := cl.limiters[ch]
	if !ok {
		return nil
	}
	return l.Wait(ctx)
}
