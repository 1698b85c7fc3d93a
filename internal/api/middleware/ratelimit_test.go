package middleware_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/notification-pipeline/internal/api/middleware"
	"github.com/notifyhub/notification-pipeline/internal/ratelimiter"
)

type countingLimiter struct {
	mu   sync.Mutex
	hits map[string]int64
}

func (c *countingLimiter) Allow(_ context.Context, key string, limit int, _ time.Duration) ratelimiter.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hits == nil {
		c.hits = map[string]int64{}
	}
	c.hits[key]++
	n := c.hits[key]
	return ratelimiter.Result{Allowed: n <= int64(limit), Count: n, Limit: limit}
}

func TestRateLimit_SharesBudgetAcrossPortsOfOneAddress(t *testing.T) {
	l := &countingLimiter{}
	h := middleware.RateLimit(l, 1, time.Minute, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(remote string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send("203.0.113.7:40001"); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if code := send("203.0.113.7:40002"); code != http.StatusTooManyRequests {
		t.Fatalf("a new port must not reset the budget, got %d", code)
	}
	if code := send("198.51.100.2"); code != http.StatusOK {
		t.Fatalf("a bare address is keyed as is, got %d", code)
	}
	if l.hits["api:ip:203.0.113.7"] != 2 {
		t.Fatalf("unexpected keys %v", l.hits)
	}
}
