package metrics_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/notifyhub/notification-pipeline/internal/domain"
	"github.com/notifyhub/notification-pipeline/internal/metrics"
	"github.com/notifyhub/notification-pipeline/internal/queue"
	"github.com/notifyhub/notification-pipeline/internal/ratelimiter"
	"github.com/notifyhub/notification-pipeline/internal/repository"
)

var now = time.Date(2026, 6, 1, 12, 30, 0, 0, time.UTC)

type fixedQueue struct{ stats queue.Stats }

func (f fixedQueue) Stats(context.Context) (queue.Stats, error) { return f.stats, nil }

type fixedLimiter ratelimiter.State

func (f fixedLimiter) State() ratelimiter.State { return ratelimiter.State(f) }

type fixture struct {
	repo *repository.MockNotificationRepository
	logs *repository.MockDeliveryLogRepository
	seq  int
}

func newFixture() *fixture {
	return &fixture{
		repo: repository.NewMockNotificationRepository(),
		logs: repository.NewMockDeliveryLogRepository(),
	}
}

func (f *fixture) collector(stats queue.Stats, maxDepth int) *metrics.Collector {
	mr := repository.NewMockMetricsRepository(f.repo, f.logs)
	return metrics.NewCollector(mr, fixedQueue{stats}, fixedLimiter(ratelimiter.StateAvailable), maxDepth, zap.NewNop()).
		WithClock(func() time.Time { return now })
}

func (f *fixture) notifications(status domain.Status, count int, latency time.Duration) {
	for i := 0; i < count; i++ {
		f.seq++
		created := now.Add(-time.Hour)
		n := &domain.Notification{
			ID: fmt.Sprintf("n-%d", f.seq), UserID: "u1", Type: "T", Title: "t", Body: "b",
			Channels: []domain.Channel{domain.ChannelEmail}, Priority: domain.PriorityNormal,
			Status: status, CreatedAt: created,
		}
		if status == domain.StatusDelivered {
			at := created.Add(latency)
			n.DeliveredAt = &at
		}
		f.repo.Put(n)
	}
}

func (f *fixture) log(id string, ch domain.Channel, attempt int, ok bool, errType domain.ErrorType, at time.Time) *domain.DeliveryLog {
	ms := int64(100 * attempt)
	l := &domain.DeliveryLog{
		ID: fmt.Sprintf("%s-%s-%d", id, ch, attempt), NotificationID: id, Channel: ch,
		Attempt: attempt, Status: domain.DeliverySuccess, AttemptedAt: at, LatencyMs: &ms,
	}
	if !ok {
		l.Status = domain.DeliveryFailed
		l.ErrorType = &errType
	}
	_, _ = f.logs.Insert(context.Background(), l)
	return l
}

func TestDeliveryRate(t *testing.T) {
	tests := []struct {
		delivered, failed int
		want              float64
	}{
		{0, 0, 100},
		{1, 0, 100},
		{0, 5, 0},
		{2, 1, 66.67},
		{96, 4, 96},
	}
	for _, tc := range tests {
		if got := metrics.DeliveryRate(tc.delivered, tc.failed); got != tc.want {
			t.Errorf("DeliveryRate(%d, %d): expected %v, got %v", tc.delivered, tc.failed, tc.want, got)
		}
	}
}

func TestCollectMetrics(t *testing.T) {
	f := newFixture()
	f.notifications(domain.StatusDelivered, 2, 3*time.Second)
	f.notifications(domain.StatusFailed, 1, 0)
	f.notifications(domain.StatusSent, 1, 0)

	f.log("n-1", domain.ChannelEmail, 1, true, "", now.Add(-90*time.Minute))
	f.log("n-3", domain.ChannelPush, 1, false, domain.ErrorTimeout, now.Add(-30*time.Minute))
	f.log("n-3", domain.ChannelPush, 2, false, domain.ErrorTimeout, now.Add(-20*time.Minute))
	f.log("n-3", domain.ChannelPush, 3, false, domain.ErrorNetwork, now.Add(-10*time.Minute))

	snap, err := f.collector(queue.Stats{Waiting: 3, Active: 1}, 1000).CollectMetrics(context.Background(), 3)
	if err != nil {
		t.Fatal(err)
	}

	if snap.Sent != 1 || snap.Delivered != 2 || snap.Failed != 1 {
		t.Fatalf("unexpected counts %+v", snap)
	}
	if snap.DeliveryRate != 66.67 {
		t.Fatalf("expected 66.67, got %v", snap.DeliveryRate)
	}
	if snap.AvgLatencyMs != 3000 || snap.LatencySamples != 2 {
		t.Fatalf("expected 3000ms over 2 samples, got %v over %d", snap.AvgLatencyMs, snap.LatencySamples)
	}

	if len(snap.Channels) != len(domain.AllChannels) {
		t.Fatalf("expected every channel reported, got %d", len(snap.Channels))
	}
	for _, c := range snap.Channels {
		switch c.Channel {
		case domain.ChannelPush:
			if c.Attempts != 3 || c.Failed != 3 || c.SuccessRate != 0 {
				t.Fatalf("unexpected push breakdown %+v", c)
			}
		case domain.ChannelEmail:
			if c.Attempts != 1 || c.SuccessRate != 100 || c.AvgLatencyMs != 100 {
				t.Fatalf("unexpected email breakdown %+v", c)
			}
		default:
			if c.Attempts != 0 {
				t.Fatalf("expected empty bucket for %s, got %+v", c.Channel, c)
			}
		}
	}

	if len(snap.Errors) != 2 || snap.Errors[0].Type != domain.ErrorTimeout || snap.Errors[0].Percent != 66.67 {
		t.Fatalf("unexpected error breakdown %+v", snap.Errors)
	}

	// 09:00 through 12:00, empty hours included
	if len(snap.Timeline) != 4 {
		t.Fatalf("expected 4 hourly buckets, got %d", len(snap.Timeline))
	}
	if snap.Timeline[0].Delivered+snap.Timeline[0].Failed != 0 {
		t.Fatalf("expected empty first bucket, got %+v", snap.Timeline[0])
	}
	if snap.Timeline[2].Delivered != 1 || snap.Timeline[3].Failed != 3 {
		t.Fatalf("unexpected timeline %+v", snap.Timeline)
	}
	if snap.Queue.Depth() != 4 {
		t.Fatalf("expected queue depth 4, got %d", snap.Queue.Depth())
	}
}

func TestCollectMetrics_ReplayedLogsDoNotDoubleCount(t *testing.T) {
	f := newFixture()
	f.notifications(domain.StatusDelivered, 1, time.Second)
	l := f.log("n-1", domain.ChannelPush, 1, false, domain.ErrorAuth, now.Add(-time.Minute))
	f.log("n-1", domain.ChannelPush, 2, true, "", now.Add(-time.Minute))

	c := f.collector(queue.Stats{}, 1000)
	before, err := c.CollectMetrics(context.Background(), 24)
	if err != nil {
		t.Fatal(err)
	}

	replay := *l
	replay.ID = "replayed"
	if inserted, _ := f.logs.Insert(context.Background(), &replay); inserted {
		t.Fatal("replay must be ignored")
	}

	after, _ := c.CollectMetrics(context.Background(), 24)
	if fmt.Sprint(before.Channels) != fmt.Sprint(after.Channels) || fmt.Sprint(before.Errors) != fmt.Sprint(after.Errors) {
		t.Fatalf("replay changed metrics:\n%+v\n%+v", before, after)
	}
}

func TestCollectMetrics_RejectsNonPositivePeriod(t *testing.T) {
	f := newFixture()
	if _, err := f.collector(queue.Stats{}, 10).CollectMetrics(context.Background(), 0); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestCheckHealth(t *testing.T) {
	t.Run("96 percent and depth 500 is healthy", func(t *testing.T) {
		f := newFixture()
		f.notifications(domain.StatusDelivered, 96, time.Second)
		f.notifications(domain.StatusFailed, 4, 0)

		h, err := f.collector(queue.Stats{Waiting: 450, Active: 50, Delayed: 9000}, 1000).CheckHealth(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if !h.Healthy || h.DeliveryRate != 96 || h.QueueDepth != 500 {
			t.Fatalf("expected healthy, got %+v", h)
		}
		if h.RateLimiter != string(ratelimiter.StateAvailable) {
			t.Fatalf("expected limiter state reported, got %q", h.RateLimiter)
		}
	})

	t.Run("90 percent is unhealthy at any depth", func(t *testing.T) {
		f := newFixture()
		f.notifications(domain.StatusDelivered, 9, time.Second)
		f.notifications(domain.StatusFailed, 1, 0)

		h, err := f.collector(queue.Stats{}, 1000).CheckHealth(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if h.Healthy {
			t.Fatalf("expected unhealthy, got %+v", h)
		}
	})

	t.Run("backlog at the ceiling is unhealthy", func(t *testing.T) {
		if metrics.Healthy(99, 1000, 1000) {
			t.Fatal("depth equal to the ceiling must be unhealthy")
		}
		if !metrics.Healthy(100, 0, 1000) {
			t.Fatal("no traffic and no backlog must be healthy")
		}
	})
}

func TestMetrics_Hooks(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())

	hooks := m.WorkerHooks()
	hooks.OnSent(domain.ChannelEmail, 20*time.Millisecond)
	hooks.OnFailed(domain.ChannelPush, domain.ErrorTimeout, time.Second)
	hooks.OnJobPanic()

	if got := testutil.ToFloat64(m.DispatchTotal.WithLabelValues("EMAIL", "success")); got != 1 {
		t.Fatalf("expected 1 email success, got %v", got)
	}
	if got := testutil.ToFloat64(m.DispatchErrors.WithLabelValues("PUSH", "TIMEOUT")); got != 1 {
		t.Fatalf("expected 1 push timeout, got %v", got)
	}
	if got := testutil.ToFloat64(m.JobPanics); got != 1 {
		t.Fatalf("expected 1 panic, got %v", got)
	}

	m.ObserveQueue(queue.Stats{Waiting: 7, Failed: 2})
	if got := testutil.ToFloat64(m.QueueJobs.WithLabelValues("waiting")); got != 7 {
		t.Fatalf("expected 7 waiting, got %v", got)
	}

	m.LimiterStateHook()(ratelimiter.StateDegraded)
	if got := testutil.ToFloat64(m.LimiterDegraded); got != 1 {
		t.Fatalf("expected degraded gauge 1, got %v", got)
	}
	m.LimiterStateHook()(ratelimiter.StateAvailable)
	if got := testutil.ToFloat64(m.LimiterDegraded); got != 0 {
		t.Fatalf("expected degraded gauge 0, got %v", got)
	}

	m.BudgetHook()(42)
	if got := testutil.ToFloat64(m.WhatsAppBudget); got != 42 {
		t.Fatalf("expected budget 42, got %v", got)
	}
}
