package service_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/notification-pipeline/internal/domain"
	"github.com/notifyhub/notification-pipeline/internal/queue"
	"github.com/notifyhub/notification-pipeline/internal/ratelimiter"
	"github.com/notifyhub/notification-pipeline/internal/repository"
	"github.com/notifyhub/notification-pipeline/internal/service"
)

var fixedNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

// failingEnqueuer simulates a queue outage.
type failingEnqueuer struct{}

func (failingEnqueuer) Enqueue(context.Context, string, domain.Priority, []domain.Channel, time.Time) (*queue.Job, error) {
	return nil, errors.New("queue unavailable")
}

// countingLimiter allows the first limit calls per key.
type countingLimiter struct {
	mu    sync.Mutex
	calls map[string]int
}

func (l *countingLimiter) Allow(_ context.Context, key string, limit int, _ time.Duration) ratelimiter.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.calls == nil {
		l.calls = map[string]int{}
	}
	l.calls[key]++
	return ratelimiter.Result{Allowed: l.calls[key] <= limit, Count: int64(l.calls[key]), Limit: limit}
}

func (l *countingLimiter) total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		n += c
	}
	return n
}

type fixture struct {
	svc     *service.NotificationService
	repo    *repository.MockNotificationRepository
	logs    *repository.MockDeliveryLogRepository
	users   *repository.MockUserRepository
	jobs    *queue.MemoryStore
	limiter *countingLimiter
}

func newFixture(t *testing.T, opts service.Options) *fixture {
	t.Helper()
	f := &fixture{
		repo:    repository.NewMockNotificationRepository(),
		logs:    repository.NewMockDeliveryLogRepository(),
		users:   repository.NewMockUserRepository(),
		jobs:    queue.NewMemoryStore(),
		limiter: &countingLimiter{},
	}
	q, err := queue.New(f.jobs, []int{8, 4, 2, 1}, time.Minute, zap.NewNop(),
		queue.WithClock(func() time.Time { return fixedNow }))
	if err != nil {
		t.Fatal(err)
	}
	if opts.UserSendLimit == 0 {
		opts.UserSendLimit = 100
	}
	f.svc = service.NewNotificationService(f.repo, f.logs, f.users, f.users, q, f.limiter, opts, zap.NewNop()).
		WithClock(func() time.Time { return fixedNow })

	f.users.Add(&domain.User{ID: "u1", Email: "u1@example.com", IsActive: true}, nil)
	return f
}

func validInput() domain.SendInput {
	return domain.SendInput{
		UserID:   "u1",
		Type:     "ORDER_SHIPPED",
		Title:    "Your order shipped",
		Body:     "Order #42 is on its way",
		Channels: []domain.Channel{domain.ChannelPush, domain.ChannelEmail},
		Priority: domain.PriorityNormal,
	}
}

func TestSendNotification_IntersectsChannels(t *testing.T) {
	f := newFixture(t, service.Options{})
	pref := domain.DefaultPreference("u2")
	pref.PushEnabled = false
	pref.EmailEnabled = true
	f.users.Add(&domain.User{ID: "u2", IsActive: true}, pref)

	in := validInput()
	in.UserID = "u2"
	n, err := f.svc.SendNotification(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Status != domain.StatusPending {
		t.Fatalf("expected PENDING, got %s", n.Status)
	}
	if len(n.Channels) != 1 || n.Channels[0] != domain.ChannelEmail {
		t.Fatalf("expected [EMAIL], got %v", n.Channels)
	}

	all := f.repo.All()
	if len(all) != 1 || all[0].ID != n.ID {
		t.Fatalf("expected exactly one persisted notification, got %d", len(all))
	}
	jobs := f.jobs.Jobs()
	if len(jobs) != 1 || jobs[0].NotificationID != n.ID || len(jobs[0].Channels) != 1 {
		t.Fatalf("expected one job for the email channel, got %+v", jobs)
	}
}

func TestSendNotification_NoChannelsAvailable(t *testing.T) {
	f := newFixture(t, service.Options{})

	in := validInput()
	in.Channels = []domain.Channel{domain.ChannelSMS, domain.ChannelWhatsApp}
	_, err := f.svc.SendNotification(context.Background(), in)
	if !errors.Is(err, domain.ErrNoChannelsAvailable) {
		t.Fatalf("expected ErrNoChannelsAvailable, got %v", err)
	}
	if len(f.repo.All()) != 0 || len(f.jobs.Jobs()) != 0 {
		t.Fatal("nothing may be created when no channel is available")
	}
}

func TestSendNotification_TitleTooLongHasNoSideEffects(t *testing.T) {
	f := newFixture(t, service.Options{})
	f.users.GetErr = errors.New("user directory must not be called")

	in := validInput()
	in.Title = strings.Repeat("a", 256)
	_, err := f.svc.SendNotification(context.Background(), in)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if len(f.repo.All()) != 0 || len(f.jobs.Jobs()) != 0 || f.limiter.total() != 0 {
		t.Fatal("validation failure must not touch any resource")
	}
}

func TestSendNotification_UserChecks(t *testing.T) {
	f := newFixture(t, service.Options{})
	f.users.Add(&domain.User{ID: "gone", IsActive: false}, nil)
	ctx := context.Background()

	in := validInput()
	in.UserID = "missing"
	if _, err := f.svc.SendNotification(ctx, in); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	in.UserID = "gone"
	if _, err := f.svc.SendNotification(ctx, in); !errors.Is(err, domain.ErrInactiveAccount) {
		t.Fatalf("expected ErrInactiveAccount, got %v", err)
	}
	if len(f.repo.All()) != 0 {
		t.Fatal("no notification expected")
	}
}

func TestSendNotification_RateLimited(t *testing.T) {
	f := newFixture(t, service.Options{UserSendLimit: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := f.svc.SendNotification(ctx, validInput()); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	_, err := f.svc.SendNotification(ctx, validInput())
	if !errors.Is(err, domain.ErrRateLimited) || !errors.Is(err, domain.ErrResourceExhausted) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if len(f.repo.All()) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(f.repo.All()))
	}
}

func TestSendNotification_EnqueueFailureKeepsNotification(t *testing.T) {
	repo := repository.NewMockNotificationRepository()
	users := repository.NewMockUserRepository()
	users.Add(&domain.User{ID: "u1", IsActive: true}, nil)
	svc := service.NewNotificationService(repo, repository.NewMockDeliveryLogRepository(),
		users, users, failingEnqueuer{}, nil, service.Options{}, zap.NewNop())

	n, err := svc.SendNotification(context.Background(), validInput())
	if err != nil {
		t.Fatalf("enqueue failure must not fail the call, got %v", err)
	}
	stored, err := repo.GetByID(context.Background(), n.ID)
	if err != nil || stored.Status != domain.StatusPending {
		t.Fatalf("expected persisted PENDING notification, got %v (%v)", stored, err)
	}
}

func TestSendNotification_QuietHoursDeferJob(t *testing.T) {
	f := newFixture(t, service.Options{})
	pref := domain.DefaultPreference("night")
	pref.QuietHoursStart, pref.QuietHoursEnd = "11:00", "13:30"
	f.users.Add(&domain.User{ID: "night", IsActive: true}, pref)
	ctx := context.Background()

	in := validInput()
	in.UserID = "night"
	n, err := f.svc.SendNotification(ctx, in)
	if err != nil {
		t.Fatal(err)
	}

	in.Priority = domain.PriorityCritical
	crit, err := f.svc.SendNotification(ctx, in)
	if err != nil {
		t.Fatal(err)
	}

	wantRunAt := time.Date(2026, 6, 1, 13, 30, 0, 0, time.UTC)
	for _, j := range f.jobs.Jobs() {
		switch j.NotificationID {
		case n.ID:
			if j.State != queue.StateDelayed || !j.RunAt.Equal(wantRunAt) {
				t.Fatalf("expected NORMAL job delayed to %v, got %s at %v", wantRunAt, j.State, j.RunAt)
			}
		case crit.ID:
			if j.State != queue.StateWaiting {
				t.Fatalf("CRITICAL must bypass quiet hours, got %s", j.State)
			}
		}
	}
}

func TestSendToUsers_IndependentOutcomes(t *testing.T) {
	f := newFixture(t, service.Options{FanOutConcurrency: 2})
	f.users.Add(&domain.User{ID: "u2", IsActive: true}, nil)
	f.users.Add(&domain.User{ID: "u3", IsActive: false}, nil)

	res := f.svc.SendToUsers(context.Background(), []string{"u1", "u2", "u3", "missing"}, validInput())
	if res.Succeeded != 2 || res.Failed != 2 {
		t.Fatalf("expected 2 succeeded / 2 failed, got %+v", res)
	}
	if _, ok := res.Errors["u3"]; !ok {
		t.Fatalf("expected an error entry for u3, got %v", res.Errors)
	}
}

func TestSendSystemAnnouncement(t *testing.T) {
	f := newFixture(t, service.Options{BroadcastPageSize: 2})
	for _, id := range []string{"u2", "u3", "u4"} {
		f.users.Add(&domain.User{ID: id, IsActive: true}, nil)
	}
	f.users.Add(&domain.User{ID: "u5", IsActive: false}, nil)

	if err := f.svc.SendSystemAnnouncement(context.Background(), "", "body"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected synchronous validation error, got %v", err)
	}

	if err := f.svc.SendSystemAnnouncement(context.Background(), "Maintenance", "Tonight at 2am"); err != nil {
		t.Fatal(err)
	}
	f.svc.Wait()

	all := f.repo.All()
	if len(all) != 4 {
		t.Fatalf("expected one notification per active user, got %d", len(all))
	}
	for _, n := range all {
		if n.Type != service.AnnouncementType {
			t.Fatalf("unexpected type %s", n.Type)
		}
	}
}

func seed(f *fixture, userID string, status domain.Status, read, clicked bool) *domain.Notification {
	n := &domain.Notification{
		ID:        newID(),
		UserID:    userID,
		Type:      "T",
		Title:     "t",
		Body:      "b",
		Channels:  []domain.Channel{domain.ChannelInApp},
		Priority:  domain.PriorityNormal,
		Status:    status,
		CreatedAt: fixedNow,
	}
	if read {
		n.ReadAt = &fixedNow
	}
	if clicked {
		n.ClickedAt = &fixedNow
	}
	f.repo.Put(n)
	return n
}

var idSeq = 0

func newID() string {
	idSeq++
	return fmt.Sprintf("00000000-0000-4000-8000-%012d", idSeq)
}

func TestGetStats_Rates(t *testing.T) {
	f := newFixture(t, service.Options{})
	ctx := context.Background()

	empty, err := f.svc.GetStats(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if empty.DeliveryRate != 0 || empty.ReadRate != 0 {
		t.Fatalf("expected zero rates without data, got %+v", empty)
	}

	seed(f, "u1", domain.StatusDelivered, true, true)
	seed(f, "u1", domain.StatusDelivered, false, false)
	seed(f, "u1", domain.StatusFailed, false, false)
	seed(f, "u2", domain.StatusDelivered, false, false)

	uid := "u1"
	st, err := f.svc.GetStats(ctx, &uid)
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 3 || st.Delivered != 2 || st.Read != 1 || st.Clicked != 1 {
		t.Fatalf("unexpected counts %+v", st.StatusCounts)
	}
	// the read row is DELIVERED, so it is counted once: 2/3 and 1/2
	if st.DeliveryRate != 66.67 || st.ReadRate != 50 {
		t.Fatalf("unexpected rates %+v", st)
	}

	all, _ := f.svc.GetStats(ctx, nil)
	// 3/4 = 75, 1/3 = 33.33
	if all.Total != 4 || all.DeliveryRate != 75 || all.ReadRate != 33.33 {
		t.Fatalf("unexpected global stats %+v", all)
	}
}

func TestGetStats_DeliveryRateNeverExceedsHundred(t *testing.T) {
	f := newFixture(t, service.Options{})
	ctx := context.Background()

	seed(f, "u1", domain.StatusDelivered, true, false)
	seed(f, "u1", domain.StatusDelivered, true, false)
	seed(f, "u1", domain.StatusSent, true, false)
	seed(f, "u1", domain.StatusFailed, false, false)

	uid := "u1"
	st, err := f.svc.GetStats(ctx, &uid)
	if err != nil {
		t.Fatal(err)
	}
	// two DELIVERED plus the read SENT row out of four
	if st.DeliveryRate != 75 {
		t.Fatalf("expected 75, got %v", st.DeliveryRate)
	}
	if st.ReadRate != 100 {
		t.Fatalf("expected 100, got %v", st.ReadRate)
	}
}

func TestOwnershipChecks(t *testing.T) {
	f := newFixture(t, service.Options{})
	ctx := context.Background()
	n := seed(f, "u1", domain.StatusSent, false, false)

	if err := f.svc.MarkAsRead(ctx, "intruder", n.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := f.svc.Delete(ctx, "intruder", n.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := f.svc.MarkAsRead(ctx, "u1", newID()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := f.svc.MarkAsRead(ctx, "u1", "not-a-uuid"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for malformed id, got %v", err)
	}
	if err := f.svc.Delete(ctx, "u1", n.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.GetNotification(ctx, "u1", n.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected deleted notification to be gone, got %v", err)
	}
}

func TestMarkAsClicked(t *testing.T) {
	f := newFixture(t, service.Options{})
	ctx := context.Background()

	pending := seed(f, "u1", domain.StatusPending, false, false)
	if err := f.svc.MarkAsClicked(ctx, "u1", pending.ID); !errors.Is(err, domain.ErrNotClickable) {
		t.Fatalf("expected ErrNotClickable, got %v", err)
	}

	sent := seed(f, "u1", domain.StatusSent, false, false)
	if err := f.svc.MarkAsClicked(ctx, "u1", sent.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := f.svc.GetNotification(ctx, "u1", sent.ID)
	if got.ClickedAt == nil || got.ReadAt == nil {
		t.Fatal("click must set clickedAt and readAt")
	}
	if got.Status != domain.StatusSent {
		t.Fatalf("click must not change status, got %s", got.Status)
	}
}

func TestGetUserNotifications(t *testing.T) {
	f := newFixture(t, service.Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		seed(f, "u1", domain.StatusDelivered, false, false)
	}
	seed(f, "u1", domain.StatusDelivered, true, false)
	expired := seed(f, "u1", domain.StatusDelivered, false, false)
	past := fixedNow.Add(-time.Hour)
	expired.ExpiresAt = &past
	f.repo.Put(expired)

	page, err := f.svc.GetUserNotifications(ctx, "u1", domain.ListFilter{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Notifications) != 2 || page.Pagination.Total != 4 || !page.Pagination.HasMore {
		t.Fatalf("unexpected page %+v", page.Pagination)
	}
	if page.UnreadCount != 3 {
		t.Fatalf("expected 3 unread, got %d", page.UnreadCount)
	}

	page, _ = f.svc.GetUserNotifications(ctx, "u1", domain.ListFilter{UnreadOnly: true, Limit: 500})
	if page.Pagination.Limit != domain.MaxPageSize || len(page.Notifications) != 3 {
		t.Fatalf("expected clamped limit and 3 unread, got %+v", page.Pagination)
	}

	n, err := f.svc.MarkAllAsRead(ctx, "u1")
	if err != nil || n != 4 {
		t.Fatalf("expected 4 marked, got %d (%v)", n, err)
	}
	if c, _ := f.svc.GetUnreadCount(ctx, "u1"); c != 0 {
		t.Fatalf("expected 0 unread, got %d", c)
	}
}

func TestGetDeliveryLogs(t *testing.T) {
	f := newFixture(t, service.Options{})
	ctx := context.Background()
	n := seed(f, "u1", domain.StatusSent, false, false)

	f.logs.Insert(ctx, &domain.DeliveryLog{ID: "l1", NotificationID: n.ID, Channel: domain.ChannelInApp, Attempt: 1, Status: domain.DeliverySuccess})

	logs, err := f.svc.GetDeliveryLogs(ctx, n.ID)
	if err != nil || len(logs) != 1 {
		t.Fatalf("expected 1 log, got %d (%v)", len(logs), err)
	}
	if _, err := f.svc.GetDeliveryLogs(ctx, newID()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
