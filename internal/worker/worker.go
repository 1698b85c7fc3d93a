package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/notifyhub/notification-pipeline/internal/domain"
	"github.com/notifyhub/notification-pipeline/internal/provider"
	"github.com/notifyhub/notification-pipeline/internal/queue"
	"github.com/notifyhub/notification-pipeline/internal/ratelimiter"
	"github.com/notifyhub/notification-pipeline/internal/repository"
)

// Deps are the collaborators shared by every worker in a pool.
type Deps struct {
	Queue         *queue.Queue
	Notifications repository.NotificationRepository
	Logs          repository.DeliveryLogRepository
	Users         repository.UserRepository
	Prefs         repository.PreferenceRepository
	Providers     *provider.Registry
	// Throttle is optional; nil disables outbound smoothing.
	Throttle *ratelimiter.ChannelLimiters
}

// Worker is a single goroutine that claims jobs from the durable queue,
// dispatches every due channel concurrently, records one delivery log per
// attempt and writes the outcome back to the job and the notification.
type Worker struct {
	id     string
	deps   Deps
	policy RetryPolicy
	poll   time.Duration
	logger *zap.Logger
	hooks  MetricHooks
}

// NewWorker constructs a worker. Missing hooks are no-ops.
func NewWorker(id string, deps Deps, policy RetryPolicy, poll time.Duration, logger *zap.Logger, hooks MetricHooks) *Worker {
	hooks.defaults()
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &Worker{id: id, deps: deps, policy: policy, poll: poll, logger: logger, hooks: hooks}
}

// ID returns the lease owner name used when claiming jobs.
func (w *Worker) ID() string { return w.id }

// Run drains the queue, then sleeps one poll interval whenever nothing is
// runnable. It blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started", zap.Duration("poll_interval", w.poll))
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			w.logger.Info("worker stopping")
			return
		}
		processed, err := w.ProcessNext(ctx)
		if err != nil {
			w.logger.Error("claim failed", zap.Error(err))
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return
		case <-ticker.C:
		}
	}
}

// ProcessNext claims and processes at most one job. It reports whether a job
// was claimed.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.deps.Queue.Dequeue(ctx, w.id)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.process(ctx, job)
	return true, nil
}

// process never lets a job escape unsettled: errors and panics release the
// lease with a delay so the queue keeps moving.
func (w *Worker) process(ctx context.Context, job *queue.Job) {
	log := w.logger.With(
		zap.String("job_id", job.ID),
		zap.String("notification_id", job.NotificationID),
		zap.String("priority", string(job.Priority)),
	)

	defer func() {
		if r := recover(); r != nil {
			w.hooks.OnJobPanic()
			log.Error("job panicked", zap.Any("panic", r), zap.Stack("stack"))
			w.release(ctx, job, fmt.Sprintf("panic: %v", r), log)
		}
	}()

	if err := w.handle(ctx, job, log); err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			log.Warn("lease lost before ack; another worker owns the job")
			return
		}
		log.Error("job processing failed", zap.Error(err))
		w.release(ctx, job, err.Error(), log)
	}
}

func (w *Worker) release(ctx context.Context, job *queue.Job, reason string, log *zap.Logger) {
	// The lease must be released even when shutdown cancelled ctx.
	ctx = context.WithoutCancel(ctx)
	if err := w.deps.Queue.Release(ctx, job, w.policy.ReleaseDelay, reason); err != nil {
		log.Error("failed to release job", zap.Error(err))
	}
}

func (w *Worker) handle(ctx context.Context, job *queue.Job, log *zap.Logger) error {
	q := w.deps.Queue
	now := q.Now()

	n, err := w.deps.Notifications.GetByID(ctx, job.NotificationID)
	if errors.Is(err, domain.ErrNotFound) {
		log.Info("notification deleted before dispatch")
		return w.abandon(ctx, job, "notification deleted")
	}
	if err != nil {
		return fmt.Errorf("load notification: %w", err)
	}

	switch {
	case n.Status == domain.StatusFailed:
		return w.abandon(ctx, job, "notification already failed")
	case n.IsExpired(now):
		log.Info("notification expired before dispatch")
		if err := w.abandon(ctx, job, "notification expired"); err != nil {
			return err
		}
		if n.Status == domain.StatusSent && !job.AnySucceeded() {
			_, err := w.deps.Notifications.MarkFailed(ctx, n.ID)
			return err
		}
		return nil
	}

	msg, err := w.message(ctx, n)
	if errors.Is(err, domain.ErrNotFound) {
		log.Warn("recipient no longer exists")
		if err := w.abandon(ctx, job, err.Error()); err != nil {
			return err
		}
		return w.fail(ctx, n, now)
	}
	if err != nil {
		return err
	}

	if n.Status.CanTransition(domain.StatusSent) {
		if _, err := w.deps.Notifications.MarkSent(ctx, n.ID, now); err != nil {
			return fmt.Errorf("mark sent: %w", err)
		}
		n.Status = domain.StatusSent
	}

	due := job.Due(now)
	// Each goroutine owns one channel state; one channel failing never
	// cancels the others.
	var g errgroup.Group
	for _, i := range due {
		cs := &job.Channels[i]
		g.Go(func() error {
			w.attempt(ctx, msg, cs, now, log)
			return nil
		})
	}
	_ = g.Wait()

	if job.AnySucceeded() && n.Status == domain.StatusSent {
		if _, err := w.deps.Notifications.MarkDelivered(ctx, n.ID, q.Now()); err != nil {
			return fmt.Errorf("mark delivered: %w", err)
		}
	}
	if job.AllDone() && !job.AnySucceeded() {
		if _, err := w.deps.Notifications.MarkFailed(ctx, n.ID); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		log.Warn("notification failed on every channel")
	}

	return q.Ack(context.WithoutCancel(ctx), job)
}

// attempt performs one provider call for cs and records it. A panic
// anywhere in the attempt is recovered here, on the channel goroutine, and
// counts as a failed attempt unless the outcome was already recorded.
func (w *Worker) attempt(ctx context.Context, msg provider.Message, cs *queue.ChannelState, now time.Time, log *zap.Logger) {
	ch := cs.Channel
	log = log.With(zap.String("channel", string(ch)))

	counted, settled := false, false
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		w.hooks.OnJobPanic()
		log.Error("channel attempt panicked", zap.Any("panic", r), zap.Stack("stack"))
		if settled {
			return
		}
		if !counted {
			cs.Attempts++
		}
		cs.Fail(fmt.Sprintf("panic: %v", r), false, w.policy.MaxAttempts, now.Add(w.policy.Delay(cs.Attempts)))
	}()

	p, err := w.deps.Providers.Get(ch)
	if err != nil {
		cs.Attempts++
		counted = true
		cs.Fail(err.Error(), true, w.policy.MaxAttempts, now)
		settled = true
		log.Error("no provider for channel", zap.Error(err))
		w.record(ctx, w.failedLog(msg.NotificationID, cs, now, nil, err), log)
		w.hooks.OnFailed(ch, provider.Classify(err), 0)
		return
	}

	if w.deps.Throttle != nil {
		if err := w.deps.Throttle.Wait(ctx, ch); err != nil {
			// Shutdown while waiting; the channel stays due and is retried
			// by whoever claims the job next.
			return
		}
	}

	cs.Attempts++
	counted = true
	start := time.Now()
	resp, err := w.send(ctx, p, msg)
	latency := time.Since(start)
	latencyMs := latency.Milliseconds()

	if err == nil {
		cs.Succeed()
		settled = true
		entry := &domain.DeliveryLog{
			ID:             uuid.New().String(),
			NotificationID: msg.NotificationID,
			Channel:        ch,
			Attempt:        cs.Attempts,
			Status:         domain.DeliverySuccess,
			AttemptedAt:    now,
			LatencyMs:      &latencyMs,
		}
		if resp != nil && resp.MessageID != "" {
			entry.ProviderMessageID = &resp.MessageID
		}
		w.record(ctx, entry, log)
		w.hooks.OnSent(ch, latency)
		log.Info("channel delivered", zap.Int("attempt", cs.Attempts), zap.Duration("latency", latency))
		return
	}

	terminal := errors.Is(err, domain.ErrResourceExhausted)
	cs.Fail(err.Error(), terminal, w.policy.MaxAttempts, now.Add(w.policy.Delay(cs.Attempts)))
	settled = true

	entry := w.failedLog(msg.NotificationID, cs, now, &latencyMs, err)
	w.record(ctx, entry, log)
	w.hooks.OnFailed(ch, *entry.ErrorType, latency)
	log.Warn("channel delivery failed",
		zap.Int("attempt", cs.Attempts),
		zap.String("error_type", string(*entry.ErrorType)),
		zap.Bool("final", cs.Done),
		zap.Error(err),
	)
}

func (w *Worker) failedLog(notificationID string, cs *queue.ChannelState, now time.Time, latencyMs *int64, err error) *domain.DeliveryLog {
	errType := provider.Classify(err)
	reason := err.Error()
	return &domain.DeliveryLog{
		ID:             uuid.New().String(),
		NotificationID: notificationID,
		Channel:        cs.Channel,
		Attempt:        cs.Attempts,
		Status:         domain.DeliveryFailed,
		ProviderError:  &reason,
		ErrorType:      &errType,
		AttemptedAt:    now,
		LatencyMs:      latencyMs,
	}
}

// record writes one delivery log. Replays of the same attempt are ignored
// by the repository.
func (w *Worker) record(ctx context.Context, entry *domain.DeliveryLog, log *zap.Logger) {
	inserted, err := w.deps.Logs.Insert(context.WithoutCancel(ctx), entry)
	if err != nil {
		log.Error("failed to write delivery log", zap.Error(err))
	} else if !inserted {
		log.Debug("delivery log replay ignored", zap.Int("attempt", entry.Attempt))
	}
}

// send bounds the provider call by SendTimeout and turns a provider panic
// into a failed attempt so it is retried and counted like any other failure.
func (w *Worker) send(ctx context.Context, p provider.Provider, msg provider.Message) (resp *provider.SendResponse, err error) {
	if w.policy.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.policy.SendTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			w.hooks.OnJobPanic()
			err = fmt.Errorf("provider panicked: %v", r)
		}
	}()
	return p.Send(ctx, msg)
}

// message resolves the recipient addresses. A phone number saved in the
// preferences wins over the directory one.
func (w *Worker) message(ctx context.Context, n *domain.Notification) (provider.Message, error) {
	user, err := w.deps.Users.GetByID(ctx, n.UserID)
	if err != nil {
		return provider.Message{}, fmt.Errorf("load recipient: %w", err)
	}
	pref, err := w.deps.Prefs.Get(ctx, n.UserID)
	if err != nil {
		return provider.Message{}, fmt.Errorf("load preferences: %w", err)
	}

	to := provider.Recipient{UserID: user.ID, Email: user.Email}
	if user.Phone != nil {
		to.Phone = *user.Phone
	}
	if pref.PhoneNumber != nil && *pref.PhoneNumber != "" {
		to.Phone = *pref.PhoneNumber
	}
	if user.PushToken != nil {
		to.PushToken = *user.PushToken
	}

	return provider.Message{
		NotificationID: n.ID,
		Type:           n.Type,
		Title:          n.Title,
		Body:           n.Body,
		Data:           n.Data,
		Priority:       n.Priority,
		To:             to,
	}, nil
}

// fail moves n to FAILED through SENT so the transition stays monotonic and
// the reconciler never picks it up again.
func (w *Worker) fail(ctx context.Context, n *domain.Notification, now time.Time) error {
	ctx = context.WithoutCancel(ctx)
	if n.Status.CanTransition(domain.StatusSent) {
		if _, err := w.deps.Notifications.MarkSent(ctx, n.ID, now); err != nil {
			return fmt.Errorf("mark sent: %w", err)
		}
	}
	if _, err := w.deps.Notifications.MarkFailed(ctx, n.ID); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// abandon closes every unfinished channel without dispatching and acks.
func (w *Worker) abandon(ctx context.Context, job *queue.Job, reason string) error {
	for i := range job.Channels {
		if !job.Channels[i].Done {
			job.Channels[i].Fail(reason, true, w.policy.MaxAttempts, time.Time{})
		}
	}
	return w.deps.Queue.Ack(context.WithoutCancel(ctx), job)
}
