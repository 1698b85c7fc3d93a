package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/notification-pipeline/internal/queue"
	"github.com/notifyhub/notification-pipeline/internal/repository"
)

const reconcileBatch = 100

// ReconcileWorker re-enqueues PENDING notifications that never got a queue
// job, for example because the enqueue after persisting failed.
//
// The notification row is the record of truth, so this loop is what turns
// an enqueue failure into a delay instead of a lost message.
type ReconcileWorker struct {
	repo     repository.NotificationRepository
	q        *queue.Queue
	interval time.Duration
	grace    time.Duration
	logger   *zap.Logger
}

func NewReconcileWorker(
	repo repository.NotificationRepository,
	q *queue.Queue,
	interval, grace time.Duration,
	logger *zap.Logger,
) *ReconcileWorker {
	return &ReconcileWorker{repo: repo, q: q, interval: interval, grace: grace, logger: logger}
}

// Run ticks every interval and reconciles. Stops cleanly when ctx is cancelled.
func (rw *ReconcileWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(rw.interval)
	defer ticker.Stop()

	rw.logger.Info("reconcile worker started",
		zap.Duration("interval", rw.interval), zap.Duration("grace", rw.grace))

	for {
		select {
		case <-ctx.Done():
			rw.logger.Info("reconcile worker stopping")
			return
		case <-ticker.C:
			if _, err := rw.Reconcile(ctx); err != nil {
				rw.logger.Error("reconcile poll error", zap.Error(err))
			}
		}
	}
}

// Reconcile performs one pass and returns how many notifications were
// enqueued.
func (rw *ReconcileWorker) Reconcile(ctx context.Context) (int, error) {
	stale, err := rw.repo.FindStalePending(ctx, rw.q.Now().Add(-rw.grace), reconcileBatch)
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	ids := make([]string, len(stale))
	for i, n := range stale {
		ids[i] = n.ID
	}
	untracked, err := rw.q.Untracked(ctx, ids)
	if err != nil {
		return 0, err
	}
	missing := make(map[string]bool, len(untracked))
	for _, id := range untracked {
		missing[id] = true
	}

	enqueued := 0
	for _, n := range stale {
		if !missing[n.ID] {
			continue
		}
		if _, err := rw.q.Enqueue(ctx, n.ID, n.Priority, n.Channels, time.Time{}); err != nil {
			rw.logger.Warn("could not re-enqueue pending notification",
				zap.String("notification_id", n.ID), zap.Error(err))
			continue
		}
		enqueued++
	}

	if enqueued > 0 {
		rw.logger.Info("re-enqueued untracked notifications", zap.Int("count", enqueued))
	}
	return enqueued, nil
}
