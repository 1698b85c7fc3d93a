package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/notifyhub/notification-pipeline/internal/domain"
	"github.com/notifyhub/notification-pipeline/internal/queue"
	"github.com/notifyhub/notification-pipeline/internal/ratelimiter"
	"github.com/notifyhub/notification-pipeline/internal/repository"
)

// AnnouncementType is the notification type used by system-wide broadcasts.
const AnnouncementType = "SYSTEM_ANNOUNCEMENT"

// Enqueuer schedules delivery of a persisted notification.
type Enqueuer interface {
	Enqueue(ctx context.Context, notificationID string, priority domain.Priority, channels []domain.Channel, runAt time.Time) (*queue.Job, error)
}

// RateLimiter decides whether a caller may proceed.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) ratelimiter.Result
}

// Options tunes the orchestrator. Zero values fall back to defaults.
type Options struct {
	UserSendLimit  int
	UserSendWindow time.Duration

	// FanOutConcurrency bounds parallel sends in SendToUsers and broadcasts.
	FanOutConcurrency int
	// BroadcastPageSize is how many active user ids are loaded per page.
	BroadcastPageSize int
}

func (o *Options) defaults() {
	if o.FanOutConcurrency <= 0 {
		o.FanOutConcurrency = 10
	}
	if o.BroadcastPageSize <= 0 {
		o.BroadcastPageSize = 500
	}
	if o.UserSendWindow <= 0 {
		o.UserSendWindow = time.Minute
	}
}

// NotificationService coordinates users, preferences, persistence and the queue.
// All business rules (validation, channel resolution, ownership, quiet hours)
// live here. HTTP handlers and workers depend on this service, not on each other.
type NotificationService struct {
	repo    repository.NotificationRepository
	logs    repository.DeliveryLogRepository
	users   repository.UserRepository
	prefs   repository.PreferenceRepository
	q       Enqueuer
	limiter RateLimiter
	opts    Options
	logger  *zap.Logger
	now     func() time.Time

	background sync.WaitGroup
}

// NewNotificationService wires the orchestrator. limiter may be nil to
// disable per-user send limits.
func NewNotificationService(
	repo repository.NotificationRepository,
	logs repository.DeliveryLogRepository,
	users repository.UserRepository,
	prefs repository.PreferenceRepository,
	q Enqueuer,
	limiter RateLimiter,
	opts Options,
	logger *zap.Logger,
) *NotificationService {
	opts.defaults()
	return &NotificationService{
		repo: repo, logs: logs, users: users, prefs: prefs,
		q: q, limiter: limiter, opts: opts, logger: logger,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. Test helper.
func (s *NotificationService) WithClock(now func() time.Time) *NotificationService {
	s.now = now
	return s
}

// SendNotification validates, resolves channels, persists and enqueues a
// single notification. Provider failures never surface here; delivery is
// at-least-once and happens after this call returns.
func (s *NotificationService) SendNotification(ctx context.Context, in domain.SendInput) (*domain.Notification, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	if s.limiter != nil && s.opts.UserSendLimit > 0 {
		res := s.limiter.Allow(ctx, "send:user:"+in.UserID, s.opts.UserSendLimit, s.opts.UserSendWindow)
		if !res.Allowed {
			return nil, fmt.Errorf("%w: user %s exceeded %d sends per %s",
				domain.ErrRateLimited, in.UserID, s.opts.UserSendLimit, s.opts.UserSendWindow)
		}
	}

	user, err := s.users.GetByID(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, domain.ErrInactiveAccount
	}

	pref, err := s.prefs.Get(ctx, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}
	channels := pref.EffectiveChannels(in.Channels)
	if len(channels) == 0 {
		return nil, domain.ErrNoChannelsAvailable
	}

	now := s.now()
	n := &domain.Notification{
		ID:        uuid.New().String(),
		UserID:    in.UserID,
		Type:      in.Type,
		Title:     in.Title,
		Body:      in.Body,
		Data:      in.Data,
		Channels:  channels,
		Priority:  in.Priority,
		Status:    domain.StatusPending,
		CreatedAt: now,
		ExpiresAt: in.ExpiresAt,
	}
	if err := s.repo.Create(ctx, n); err != nil {
		return nil, fmt.Errorf("persist notification: %w", err)
	}

	var runAt time.Time
	if n.Priority != domain.PriorityCritical {
		runAt = pref.QuietUntil(now)
	}
	s.enqueue(ctx, n, runAt)
	return n, nil
}

// enqueue failures are logged only: the notification is already persisted
// and the reconcile worker will enqueue it later.
func (s *NotificationService) enqueue(ctx context.Context, n *domain.Notification, runAt time.Time) {
	job, err := s.q.Enqueue(ctx, n.ID, n.Priority, n.Channels, runAt)
	if err != nil {
		s.logger.Error("failed to enqueue notification",
			zap.String("notification_id", n.ID),
			zap.String("priority", string(n.Priority)),
			zap.Error(err),
		)
		return
	}
	if !runAt.IsZero() {
		s.logger.Info("notification deferred by quiet hours",
			zap.String("notification_id", n.ID),
			zap.String("job_id", job.ID),
			zap.Time("run_at", runAt))
	}
}

// BulkResult is the aggregate outcome of a fan-out.
type BulkResult struct {
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// SendToUsers sends in to every user independently. One user's failure never
// affects another's.
func (s *NotificationService) SendToUsers(ctx context.Context, userIDs []string, in domain.SendInput) BulkResult {
	res := BulkResult{Errors: make(map[string]string)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.FanOutConcurrency)
	for _, id := range userIDs {
		g.Go(func() error {
			req := in
			req.UserID = id
			_, err := s.SendNotification(gctx, req)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed++
				res.Errors[id] = err.Error()
			} else {
				res.Succeeded++
			}
			return nil
		})
	}
	_ = g.Wait()
	return res
}

// SendSystemAnnouncement validates synchronously, then pages through every
// active user in the background. It is O(active users) and returns at once;
// Wait blocks until every running broadcast finishes.
func (s *NotificationService) SendSystemAnnouncement(ctx context.Context, title, body string) error {
	template := domain.SendInput{
		UserID:   "*",
		Type:     AnnouncementType,
		Title:    title,
		Body:     body,
		Channels: []domain.Channel{domain.ChannelInApp, domain.ChannelPush},
		Priority: domain.PriorityNormal,
	}
	if err := template.Validate(); err != nil {
		return err
	}

	bg := context.WithoutCancel(ctx)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		s.broadcast(bg, template)
	}()
	return nil
}

func (s *NotificationService) broadcast(ctx context.Context, in domain.SendInput) {
	start := s.now()
	var total BulkResult
	after := ""
	for {
		ids, err := s.users.ListActiveIDs(ctx, after, s.opts.BroadcastPageSize)
		if err != nil {
			s.logger.Error("broadcast aborted: list active users", zap.Error(err))
			break
		}
		if len(ids) == 0 {
			break
		}
		res := s.SendToUsers(ctx, ids, in)
		total.Succeeded += res.Succeeded
		total.Failed += res.Failed
		after = ids[len(ids)-1]
		if len(ids) < s.opts.BroadcastPageSize {
			break
		}
	}
	s.logger.Info("system announcement finished",
		zap.Int("succeeded", total.Succeeded),
		zap.Int("failed", total.Failed),
		zap.Duration("took", s.now().Sub(start)))
}

// Wait blocks until all background announcements have finished.
func (s *NotificationService) Wait() {
	s.background.Wait()
}

// ---- read surface ----

// Pagination describes one page of a listing.
type Pagination struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	Total   int  `json:"total"`
	HasMore bool `json:"hasMore"`
}

// NotificationPage is the response of GetUserNotifications.
type NotificationPage struct {
	Notifications []*domain.Notification `json:"notifications"`
	UnreadCount   int                    `json:"unreadCount"`
	Pagination    Pagination             `json:"pagination"`
}

func (s *NotificationService) GetUserNotifications(ctx context.Context, userID string, f domain.ListFilter) (*NotificationPage, error) {
	f.Normalize()
	if f.Status != nil && !f.Status.IsValid() {
		return nil, domain.Validationf("unknown status %q", *f.Status)
	}

	items, total, err := s.repo.ListByUser(ctx, userID, f)
	if err != nil {
		return nil, err
	}
	unread, err := s.repo.CountUnread(ctx, userID)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*domain.Notification{}
	}
	return &NotificationPage{
		Notifications: items,
		UnreadCount:   unread,
		Pagination: Pagination{
			Limit:   f.Limit,
			Offset:  f.Offset,
			Total:   total,
			HasMore: f.Offset+len(items) < total,
		},
	}, nil
}

func (s *NotificationService) GetUnreadCount(ctx context.Context, userID string) (int, error) {
	return s.repo.CountUnread(ctx, userID)
}

// GetNotification returns id if it belongs to userID.
func (s *NotificationService) GetNotification(ctx context.Context, userID, id string) (*domain.Notification, error) {
	return s.owned(ctx, userID, id)
}

func (s *NotificationService) MarkAsRead(ctx context.Context, userID, id string) error {
	if _, err := s.owned(ctx, userID, id); err != nil {
		return err
	}
	return s.repo.MarkRead(ctx, id, s.now())
}

func (s *NotificationService) MarkAllAsRead(ctx context.Context, userID string) (int, error) {
	return s.repo.MarkAllRead(ctx, userID, s.now())
}

// MarkAsClicked records a click, which also counts as a read. A notification
// that was never dispatched cannot be clicked.
func (s *NotificationService) MarkAsClicked(ctx context.Context, userID, id string) error {
	n, err := s.owned(ctx, userID, id)
	if err != nil {
		return err
	}
	if n.Status == domain.StatusPending {
		return domain.ErrNotClickable
	}
	return s.repo.MarkClicked(ctx, id, s.now())
}

func (s *NotificationService) Delete(ctx context.Context, userID, id string) error {
	if _, err := s.owned(ctx, userID, id); err != nil {
		return err
	}
	return s.repo.Delete(ctx, id)
}

// GetStats returns counts and rates for one user, or for everyone when
// userID is nil. A read row counts as reached once: DELIVERED rows are
// already in the numerator, so only read rows in other states are added.
// ReadRate is the share of DELIVERED rows that were read.
func (s *NotificationService) GetStats(ctx context.Context, userID *string) (*domain.UserStats, error) {
	c, err := s.repo.CountByStatus(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &domain.UserStats{
		StatusCounts: c,
		DeliveryRate: percent(c.Delivered+c.ReadUndelivered, c.Total),
		ReadRate:     percent(c.Read-c.ReadUndelivered, c.Delivered),
	}, nil
}

// GetDeliveryLogs returns the attempt history of a notification.
func (s *NotificationService) GetDeliveryLogs(ctx context.Context, id string) ([]*domain.DeliveryLog, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrNotFound
	}
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	logs, err := s.logs.ListByNotification(ctx, id)
	if err != nil {
		return nil, err
	}
	if logs == nil {
		logs = []*domain.DeliveryLog{}
	}
	return logs, nil
}

func (s *NotificationService) owned(ctx context.Context, userID, id string) (*domain.Notification, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrNotFound
	}
	n, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.UserID != userID {
		return nil, domain.ErrForbidden
	}
	return n, nil
}

// percent returns num/den*100 rounded to two decimals, or 0 when den is 0.
func percent(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return math.Round(float64(num)/float64(den)*10000) / 100
}

// IsClientError reports whether err is caused by the request rather than the
// system. Workers and handlers use it to decide log levels.
func IsClientError(err error) bool {
	for _, target := range []error{
		domain.ErrValidation, domain.ErrNotFound, domain.ErrForbidden,
		domain.ErrInactiveAccount, domain.ErrNoChannelsAvailable,
		domain.ErrResourceExhausted, domain.ErrNotClickable,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
