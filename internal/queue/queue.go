package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/notification-pipeline/internal/domain"
)

// Queue is the durable, priority-laned job queue consumed by the worker pool.
type Queue struct {
	store  Store
	lanes  *LaneScheduler
	lease  time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a Queue. weights holds one lane weight per priority, CRITICAL first.
func New(store Store, weights []int, lease time.Duration, logger *zap.Logger, opts ...Option) (*Queue, error) {
	lanes, err := NewLaneScheduler(weights)
	if err != nil {
		return nil, err
	}
	q := &Queue{store: store, lanes: lanes, lease: lease, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Now returns the queue's current time.
func (q *Queue) Now() time.Time { return q.now().UTC() }

// Enqueue stores a job that becomes runnable at runAt (immediately when zero).
func (q *Queue) Enqueue(ctx context.Context, notificationID string, priority domain.Priority, channels []domain.Channel, runAt time.Time) (*Job, error) {
	if len(channels) == 0 {
		return nil, domain.Validationf("job for %s has no channels", notificationID)
	}
	now := q.Now()
	if runAt.IsZero() || runAt.Before(now) {
		runAt = now
	}
	job := NewJob(notificationID, priority, channels, runAt.UTC(), now)
	if err := q.store.Insert(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Dequeue claims the next job for workerID. It returns (nil, nil) when the
// queue is paused or nothing is runnable.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*Job, error) {
	paused, err := q.store.Paused(ctx)
	if err != nil {
		return nil, fmt.Errorf("read pause flag: %w", err)
	}
	if paused {
		return nil, nil
	}
	job, err := q.store.Claim(ctx, q.lanes.Next(), workerID, q.lease, q.Now())
	if errors.Is(err, ErrNoJob) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Ack settles and writes back a processed job, releasing its lease.
func (q *Queue) Ack(ctx context.Context, job *Job) error {
	job.Settle(q.Now())
	return q.store.Save(ctx, job)
}

// Release puts a job back without recording channel outcomes, runnable again
// after delay. Used when processing aborted before any channel ran.
func (q *Queue) Release(ctx context.Context, job *Job, delay time.Duration, reason string) error {
	now := q.Now()
	job.State = StateDelayed
	job.RunAt = now.Add(delay)
	job.LastError = reason
	job.UpdatedAt = now
	return q.store.Save(ctx, job)
}

// Pause stops new claims in every process sharing the store. In-flight jobs
// finish normally.
func (q *Queue) Pause(ctx context.Context) error {
	if err := q.store.SetPaused(ctx, true); err != nil {
		return fmt.Errorf("pause queue: %w", err)
	}
	q.logger.Info("queue paused")
	return nil
}

// Resume re-enables claims.
func (q *Queue) Resume(ctx context.Context) error {
	if err := q.store.SetPaused(ctx, false); err != nil {
		return fmt.Errorf("resume queue: %w", err)
	}
	q.logger.Info("queue resumed")
	return nil
}

// IsPaused reports whether claims are stopped.
func (q *Queue) IsPaused(ctx context.Context) (bool, error) {
	return q.store.Paused(ctx)
}

// Clean removes completed and failed jobs finished more than hours ago.
// Notifications are never touched.
func (q *Queue) Clean(ctx context.Context, hours int) (int64, error) {
	if hours < 0 {
		return 0, domain.Validationf("hours must not be negative")
	}
	n, err := q.store.DeleteFinished(ctx, q.Now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		return 0, fmt.Errorf("clean queue: %w", err)
	}
	q.logger.Info("queue cleaned", zap.Int64("removed", n), zap.Int("older_than_hours", hours))
	return n, nil
}

// Stats returns job counts by state.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	return q.store.Stats(ctx, q.Now())
}

// Untracked returns the notification IDs that have no job at all.
func (q *Queue) Untracked(ctx context.Context, notificationIDs []string) ([]string, error) {
	have, err := q.store.WithJobs(ctx, notificationIDs)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, id := range notificationIDs {
		if !have[id] {
			out = append(out, id)
		}
	}
	return out, nil
}
