package ratelimiter

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/notification-pipeline/internal/kvstore"
)

// State reports which backing store the Limiter is currently counting in.
type State string

const (
	StateAvailable State = "AVAILABLE"
	StateDegraded  State = "DEGRADED"
)

// Result describes one rate limit decision.
type Result struct {
	Allowed  bool
	Count    int64
	Limit    int
	ResetAt  time.Time
	Degraded bool
}

// Remaining returns how many more hits fit in the current window.
func (r Result) Remaining() int {
	if rem := int64(r.Limit) - r.Count; rem > 0 {
		return int(rem)
	}
	return 0
}

// Limiter is a fixed-window limiter shared across processes through a
// kvstore.Store. When the store fails it degrades to a LocalLimiter and
// recovers as soon as the store answers again. If both fail the request is
// denied.
type Limiter struct {
	store  kvstore.Store
	local  *LocalLimiter
	prefix string
	logger *zap.Logger
	now    func() time.Time

	mu            sync.Mutex
	state         State
	onStateChange func(State)
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithKeyPrefix namespaces counter keys in the shared store.
func WithKeyPrefix(prefix string) Option {
	return func(l *Limiter) { l.prefix = prefix }
}

// WithStateHook registers fn to be called on every state transition.
func WithStateHook(fn func(State)) Option {
	return func(l *Limiter) { l.onStateChange = fn }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter. store may be nil, in which case every decision is
// made by local and the limiter stays DEGRADED.
func New(store kvstore.Store, local *LocalLimiter, logger *zap.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		store:         store,
		local:         local,
		prefix:        "ratelimit:",
		logger:        logger,
		now:           time.Now,
		state:         StateAvailable,
		onStateChange: func(State) {},
	}
	for _, opt := range opts {
		opt(l)
	}
	if store == nil {
		l.state = StateDegraded
	}
	return l
}

// Allow counts one hit against key and reports whether the caller is within
// limit hits per window.
func (l *Limiter) Allow(ctx context.Context, key string, limit int, window time.Duration) Result {
	if l.store != nil {
		count, ttl, err := l.store.Incr(ctx, l.prefix+key, window)
		if err == nil {
			l.setState(StateAvailable, nil)
			return Result{
				Allowed: count <= int64(limit),
				Count:   count,
				Limit:   limit,
				ResetAt: l.now().Add(ttl),
			}
		}
		// A caller that gave up says nothing about the store's health.
		if ctx.Err() == nil {
			l.setState(StateDegraded, err)
		}
	}

	if l.local == nil {
		return Result{Allowed: false, Limit: limit, Degraded: true}
	}
	res, err := l.local.Allow(key, limit, window)
	if err != nil {
		l.logger.Error("rate limiter fallback failed, denying request",
			zap.String("key", key), zap.Error(err))
		return Result{Allowed: false, Limit: limit, Degraded: true}
	}
	return res
}

// State returns the current state.
func (l *Limiter) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Limiter) setState(next State, cause error) {
	l.mu.Lock()
	prev := l.state
	l.state = next
	l.mu.Unlock()

	if prev == next {
		return
	}
	if next == StateDegraded {
		l.logger.Warn("shared rate limit store unavailable, using local fallback", zap.Error(cause))
	} else {
		l.logger.Info("shared rate limit store recovered")
	}
	l.onStateChange(next)
}
