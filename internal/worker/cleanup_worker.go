package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/notifyhub/notification-pipeline/internal/queue"
)

// CleanupWorker purges finished queue jobs on a cron schedule and refreshes
// queue depth gauges after every run. Notifications are never deleted.
type CleanupWorker struct {
	q              *queue.Queue
	retentionHours int
	onStats        func(queue.Stats)
	timeout        time.Duration
	logger         *zap.Logger
	c              *cron.Cron
}

// NewCleanupWorker parses schedule (standard five fields or a descriptor such
// as "@every 1h"). onStats may be nil.
func NewCleanupWorker(q *queue.Queue, schedule string, retentionHours int, onStats func(queue.Stats), logger *zap.Logger) (*CleanupWorker, error) {
	if onStats == nil {
		onStats = func(queue.Stats) {}
	}
	cw := &CleanupWorker{
		q:              q,
		retentionHours: retentionHours,
		onStats:        onStats,
		timeout:        time.Minute,
		logger:         logger,
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cw.c = cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC))
	if _, err := cw.c.AddFunc(schedule, cw.tick); err != nil {
		return nil, fmt.Errorf("cleanup schedule %q: %w", schedule, err)
	}
	return cw, nil
}

// Start runs the schedule in its own goroutine.
func (cw *CleanupWorker) Start() {
	cw.logger.Info("cleanup worker started", zap.Int("retention_hours", cw.retentionHours))
	cw.c.Start()
}

// Stop halts the schedule. The returned context is done once a running
// cleanup has finished.
func (cw *CleanupWorker) Stop() context.Context {
	cw.logger.Info("cleanup worker stopping")
	return cw.c.Stop()
}

func (cw *CleanupWorker) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), cw.timeout)
	defer cancel()
	if _, err := cw.RunOnce(ctx); err != nil {
		cw.logger.Error("queue cleanup failed", zap.Error(err))
	}
}

// RunOnce cleans once and publishes fresh queue stats.
func (cw *CleanupWorker) RunOnce(ctx context.Context) (int64, error) {
	removed, err := cw.q.Clean(ctx, cw.retentionHours)
	if err != nil {
		return 0, err
	}
	stats, err := cw.q.Stats(ctx)
	if err != nil {
		return removed, fmt.Errorf("queue stats: %w", err)
	}
	cw.onStats(stats)
	return removed, nil
}
