package metrics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/notification-pipeline/internal/domain"
	"github.com/notifyhub/notification-pipeline/internal/queue"
	"github.com/notifyhub/notification-pipeline/internal/ratelimiter"
	"github.com/notifyhub/notification-pipeline/internal/repository"
)

const (
	// LatencySampleLimit caps the rows averaged for delivery latency.
	LatencySampleLimit = 1000
	healthWindowHours  = 24
	healthyRate        = 95.0
)

// QueueStats is the part of the queue the collector reads.
type QueueStats interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// LimiterState is reported informationally by CheckHealth.
type LimiterState interface {
	State() ratelimiter.State
}

// ChannelBreakdown is one channel's share of the window.
type ChannelBreakdown struct {
	Channel      domain.Channel `json:"channel"`
	Attempts     int            `json:"attempts"`
	Success      int            `json:"success"`
	Failed       int            `json:"failed"`
	SuccessRate  float64        `json:"successRate"`
	AvgLatencyMs float64        `json:"avgLatencyMs"`
}

// ErrorBreakdown is one bucket of the error taxonomy.
type ErrorBreakdown struct {
	Type    domain.ErrorType `json:"type"`
	Count   int              `json:"count"`
	Percent float64          `json:"percent"`
}

// Snapshot is the answer of CollectMetrics.
type Snapshot struct {
	PeriodHours    int                  `json:"periodHours"`
	From           time.Time            `json:"from"`
	To             time.Time            `json:"to"`
	Sent           int                  `json:"sent"`
	Delivered      int                  `json:"delivered"`
	Failed         int                  `json:"failed"`
	DeliveryRate   float64              `json:"deliveryRate"`
	AvgLatencyMs   float64              `json:"avgLatencyMs"`
	LatencySamples int                  `json:"latencySamples"`
	Channels       []ChannelBreakdown   `json:"channels"`
	Errors         []ErrorBreakdown     `json:"errors"`
	Timeline       []domain.HourlyCount `json:"timeline"`
	Queue          queue.Stats          `json:"queue"`
}

// Health is the answer of CheckHealth.
type Health struct {
	Healthy       bool      `json:"healthy"`
	DeliveryRate  float64   `json:"deliveryRate"`
	QueueDepth    int       `json:"queueDepth"`
	MaxQueueDepth int       `json:"maxQueueDepth"`
	RateLimiter   string    `json:"rateLimiter,omitempty"`
	CheckedAt     time.Time `json:"checkedAt"`
}

// Collector aggregates persisted records and queue stats. It only reads.
type Collector struct {
	repo     repository.MetricsRepository
	q        QueueStats
	limiter  LimiterState
	maxDepth int
	logger   *zap.Logger
	now      func() time.Time
}

// NewCollector wires the read-only aggregator. limiter may be nil.
func NewCollector(repo repository.MetricsRepository, q QueueStats, limiter LimiterState, maxDepth int, logger *zap.Logger) *Collector {
	return &Collector{
		repo: repo, q: q, limiter: limiter, maxDepth: maxDepth, logger: logger,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. Test helper.
func (c *Collector) WithClock(now func() time.Time) *Collector {
	c.now = now
	return c
}

// CollectMetrics aggregates the trailing periodHours.
func (c *Collector) CollectMetrics(ctx context.Context, periodHours int) (*Snapshot, error) {
	if periodHours <= 0 {
		return nil, domain.Validationf("hours must be positive")
	}
	to := c.now()
	from := to.Add(-time.Duration(periodHours) * time.Hour)

	counts, err := c.repo.CountByStatusSince(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	avg, samples, err := c.repo.AvgDeliveryLatency(ctx, from, LatencySampleLimit)
	if err != nil {
		return nil, fmt.Errorf("delivery latency: %w", err)
	}
	channels, err := c.repo.ChannelStats(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("channel stats: %w", err)
	}
	errs, err := c.repo.ErrorCounts(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("error counts: %w", err)
	}
	hourly, err := c.repo.HourlyOutcomes(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("hourly outcomes: %w", err)
	}
	qs, err := c.q.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}

	return &Snapshot{
		PeriodHours:    periodHours,
		From:           from,
		To:             to,
		Sent:           counts.Sent,
		Delivered:      counts.Delivered,
		Failed:         counts.Failed,
		DeliveryRate:   DeliveryRate(counts.Delivered, counts.Failed),
		AvgLatencyMs:   round2(avg),
		LatencySamples: samples,
		Channels:       channelBreakdown(channels),
		Errors:         errorBreakdown(errs),
		Timeline:       timeline(hourly, from, to),
		Queue:          qs,
	}, nil
}

// CheckHealth is healthy iff the trailing 24h delivery rate is above 95 and
// the backlog is below the configured ceiling. The limiter state is
// reported but does not affect the verdict.
func (c *Collector) CheckHealth(ctx context.Context) (*Health, error) {
	now := c.now()
	counts, err := c.repo.CountByStatusSince(ctx, now.Add(-healthWindowHours*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	qs, err := c.q.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}

	h := &Health{
		DeliveryRate:  DeliveryRate(counts.Delivered, counts.Failed),
		QueueDepth:    qs.Depth(),
		MaxQueueDepth: c.maxDepth,
		CheckedAt:     now,
	}
	h.Healthy = Healthy(h.DeliveryRate, h.QueueDepth, c.maxDepth)
	if c.limiter != nil {
		h.RateLimiter = string(c.limiter.State())
	}
	if !h.Healthy {
		c.logger.Warn("health check failed",
			zap.Float64("delivery_rate", h.DeliveryRate),
			zap.Int("queue_depth", h.QueueDepth),
			zap.Int("max_queue_depth", c.maxDepth))
	}
	return h, nil
}

// Healthy applies the health rule to precomputed figures.
func Healthy(deliveryRate float64, depth, maxDepth int) bool {
	return deliveryRate > healthyRate && depth < maxDepth
}

// DeliveryRate is delivered/(delivered+failed)*100 rounded to 2 decimals,
// and 100 when nothing finished.
func DeliveryRate(delivered, failed int) float64 {
	if delivered+failed == 0 {
		return 100
	}
	return percent(delivered, delivered+failed)
}

func channelBreakdown(stats []domain.ChannelStat) []ChannelBreakdown {
	by := make(map[domain.Channel]domain.ChannelStat, len(stats))
	for _, s := range stats {
		by[s.Channel] = s
	}
	out := make([]ChannelBreakdown, 0, len(domain.AllChannels))
	for _, ch := range domain.AllChannels {
		s := by[ch]
		attempts := s.Success + s.Failed
		out = append(out, ChannelBreakdown{
			Channel:      ch,
			Attempts:     attempts,
			Success:      s.Success,
			Failed:       s.Failed,
			SuccessRate:  percent(s.Success, attempts),
			AvgLatencyMs: round2(s.AvgLatencyMs),
		})
	}
	return out
}

func errorBreakdown(counts map[domain.ErrorType]int) []ErrorBreakdown {
	total := 0
	for _, n := range counts {
		total += n
	}
	out := make([]ErrorBreakdown, 0, len(counts))
	for t, n := range counts {
		if n == 0 {
			continue
		}
		out = append(out, ErrorBreakdown{Type: t, Count: n, Percent: percent(n, total)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// timeline returns one bucket per hour in [from, to], empty hours included.
func timeline(hourly []domain.HourlyCount, from, to time.Time) []domain.HourlyCount {
	by := make(map[time.Time]domain.HourlyCount, len(hourly))
	for _, h := range hourly {
		by[h.Hour.UTC().Truncate(time.Hour)] = h
	}
	var out []domain.HourlyCount
	for h := from.UTC().Truncate(time.Hour); !h.After(to); h = h.Add(time.Hour) {
		b := by[h]
		b.Hour = h
		out = append(out, b)
	}
	return out
}

func percent(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return round2(float64(num) / float64(den) * 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
