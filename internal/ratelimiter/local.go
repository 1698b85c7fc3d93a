package ratelimiter

import (
	"container/list"
	"errors"
	"sync"
	"time"
)

// ErrFallbackClosed is returned by a LocalLimiter after Close.
var ErrFallbackClosed = errors.New("local fallback limiter closed")

type localWindow struct {
	key       string
	count     int64
	expiresAt time.Time
}

// LocalLimiter is the in-process fixed-window counter used only while the
// shared store is unreachable. Memory is bounded twice: a periodic sweep
// drops expired windows, and maxEntries evicts the oldest window first.
type LocalLimiter struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front = oldest window
	maxEntries int
	closed     bool
	now        func() time.Time

	stopSweep chan struct{}
	closeOnce sync.Once
}

// LocalOption configures a LocalLimiter.
type LocalOption func(*LocalLimiter)

// WithLocalClock replaces the time source.
func WithLocalClock(now func() time.Time) LocalOption {
	return func(l *LocalLimiter) { l.now = now }
}

// NewLocalLimiter creates a fallback limiter. A sweepInterval of 0 disables
// the background sweep; callers may still call Sweep directly.
func NewLocalLimiter(maxEntries int, sweepInterval time.Duration, opts ...LocalOption) *LocalLimiter {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	l := &LocalLimiter{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		now:        time.Now,
		stopSweep:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if sweepInterval > 0 {
		go l.sweepLoop(sweepInterval)
	}
	return l
}

// Allow counts one hit against key and reports whether count ≤ limit.
func (l *LocalLimiter) Allow(key string, limit int, window time.Duration) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return Result{}, ErrFallbackClosed
	}

	now := l.now()
	var w *localWindow
	if el, ok := l.entries[key]; ok {
		w = el.Value.(*localWindow)
		if !now.Before(w.expiresAt) {
			l.order.Remove(el)
			delete(l.entries, key)
			w = nil
		}
	}
	if w == nil {
		for l.order.Len() >= l.maxEntries {
			l.evictOldest()
		}
		w = &localWindow{key: key, expiresAt: now.Add(window)}
		l.entries[key] = l.order.PushBack(w)
	}
	w.count++

	return Result{
		Allowed:  w.count <= int64(limit),
		Count:    w.count,
		Limit:    limit,
		ResetAt:  w.expiresAt,
		Degraded: true,
	}, nil
}

func (l *LocalLimiter) evictOldest() {
	front := l.order.Front()
	if front == nil {
		return
	}
	l.order.Remove(front)
	delete(l.entries, front.Value.(*localWindow).key)
}

// Sweep removes every expired window and returns how many were dropped.
func (l *LocalLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for el := l.order.Front(); el != nil; {
		next := el.Next()
		w := el.Value.(*localWindow)
		if !now.Before(w.expiresAt) {
			l.order.Remove(el)
			delete(l.entries, w.key)
			removed++
		}
		el = next
	}
	return removed
}

// Len returns the number of tracked windows.
func (l *LocalLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}

func (l *LocalLimiter) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-l.stopSweep:
			return
		}
	}
}

// Close stops the sweep goroutine. Subsequent Allow calls fail. Safe to call
// multiple times.
func (l *LocalLimiter) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.stopSweep)
	})
}
