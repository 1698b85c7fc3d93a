package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/notifyhub/notification-pipeline/internal/domain"
)

// MockNotificationRepository is a hand-written, in-memory implementation of
// NotificationRepository used in unit tests. No mock-generation library needed.
type MockNotificationRepository struct {
	mu            sync.RWMutex
	notifications map[string]*domain.Notification
	now           func() time.Time

	// Optional error overrides, set in tests to simulate failure paths.
	CreateErr  error
	GetByIDErr error
}

func NewMockNotificationRepository() *MockNotificationRepository {
	return &MockNotificationRepository{
		notifications: make(map[string]*domain.Notification),
		now:           time.Now,
	}
}

func cloneNotification(n *domain.Notification) *domain.Notification {
	c := *n
	c.Channels = append([]domain.Channel(nil), n.Channels...)
	return &c
}

func (m *MockNotificationRepository) Create(_ context.Context, n *domain.Notification) error {
	if m.CreateErr != nil {
		return m.CreateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications[n.ID] = cloneNotification(n)
	return nil
}

func (m *MockNotificationRepository) GetByID(_ context.Context, id string) (*domain.Notification, error) {
	if m.GetByIDErr != nil {
		return nil, m.GetByIDErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notifications[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneNotification(n), nil
}

func (m *MockNotificationRepository) visible(n *domain.Notification, userID string) bool {
	return n.UserID == userID && !n.IsExpired(m.now())
}

func (m *MockNotificationRepository) ListByUser(_ context.Context, userID string, f domain.ListFilter) ([]*domain.Notification, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*domain.Notification
	for _, n := range m.notifications {
		if !m.visible(n, userID) {
			continue
		}
		if f.UnreadOnly && n.ReadAt != nil {
			continue
		}
		if f.Type != nil && n.Type != *f.Type {
			continue
		}
		if f.Status != nil && n.Status != *f.Status {
			continue
		}
		matched = append(matched, cloneNotification(n))
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := len(matched)
	start := min(f.Offset, total)
	end := min(start+f.Limit, total)
	return matched[start:end], total, nil
}

func (m *MockNotificationRepository) CountUnread(_ context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, n := range m.notifications {
		if m.visible(n, userID) && n.ReadAt == nil {
			count++
		}
	}
	return count, nil
}

func (m *MockNotificationRepository) transition(id string, from, to domain.Status, apply func(*domain.Notification)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok || n.Status != from {
		return false
	}
	n.Status = to
	apply(n)
	return true
}

func (m *MockNotificationRepository) MarkSent(_ context.Context, id string, at time.Time) (bool, error) {
	return m.transition(id, domain.StatusPending, domain.StatusSent, func(n *domain.Notification) { n.SentAt = &at }), nil
}

func (m *MockNotificationRepository) MarkDelivered(_ context.Context, id string, at time.Time) (bool, error) {
	return m.transition(id, domain.StatusSent, domain.StatusDelivered, func(n *domain.Notification) { n.DeliveredAt = &at }), nil
}

func (m *MockNotificationRepository) MarkFailed(_ context.Context, id string) (bool, error) {
	return m.transition(id, domain.StatusSent, domain.StatusFailed, func(*domain.Notification) {}), nil
}

func (m *MockNotificationRepository) MarkRead(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.notifications[id]; ok && n.ReadAt == nil {
		n.ReadAt = &at
	}
	return nil
}

func (m *MockNotificationRepository) MarkAllRead(_ context.Context, userID string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, n := range m.notifications {
		if n.UserID == userID && n.ReadAt == nil {
			n.ReadAt = &at
			count++
		}
	}
	return count, nil
}

func (m *MockNotificationRepository) MarkClicked(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok || n.Status == domain.StatusPending {
		return domain.ErrNotClickable
	}
	if n.ClickedAt == nil {
		n.ClickedAt = &at
	}
	if n.ReadAt == nil {
		n.ReadAt = &at
	}
	return nil
}

func (m *MockNotificationRepository) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.notifications[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.notifications, id)
	return nil
}

func (m *MockNotificationRepository) CountByStatus(_ context.Context, userID *string) (domain.StatusCounts, error) {
	return m.count(func(n *domain.Notification) bool { return userID == nil || n.UserID == *userID }), nil
}

func (m *MockNotificationRepository) count(match func(*domain.Notification) bool) domain.StatusCounts {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var c domain.StatusCounts
	for _, n := range m.notifications {
		if !match(n) {
			continue
		}
		c.Total++
		switch n.Status {
		case domain.StatusPending:
			c.Pending++
		case domain.StatusSent:
			c.Sent++
		case domain.StatusDelivered:
			c.Delivered++
		case domain.StatusFailed:
			c.Failed++
		}
		if n.ReadAt != nil {
			c.Read++
			if n.Status != domain.StatusDelivered {
				c.ReadUndelivered++
			}
		}
		if n.ClickedAt != nil {
			c.Clicked++
		}
	}
	return c
}

func (m *MockNotificationRepository) FindStalePending(_ context.Context, cutoff time.Time, limit int) ([]*domain.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Notification
	for _, n := range m.notifications {
		if n.Status == domain.StatusPending && n.CreatedAt.Before(cutoff) && !n.IsExpired(m.now()) {
			out = append(out, cloneNotification(n))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// All returns every stored notification. Test helper.
func (m *MockNotificationRepository) All() []*domain.Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Notification, 0, len(m.notifications))
	for _, n := range m.notifications {
		out = append(out, cloneNotification(n))
	}
	return out
}

// Put stores n as-is, bypassing Create. Test helper.
func (m *MockNotificationRepository) Put(n *domain.Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications[n.ID] = cloneNotification(n)
}

// MockDeliveryLogRepository keeps delivery logs in memory with the same
// replay semantics as the unique key in PostgreSQL.
type MockDeliveryLogRepository struct {
	mu   sync.RWMutex
	logs []*domain.DeliveryLog
	keys map[string]bool

	InsertErr error
}

func NewMockDeliveryLogRepository() *MockDeliveryLogRepository {
	return &MockDeliveryLogRepository{keys: make(map[string]bool)}
}

func (m *MockDeliveryLogRepository) Insert(_ context.Context, l *domain.DeliveryLog) (bool, error) {
	if m.InsertErr != nil {
		return false, m.InsertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys[l.Key()] {
		return false, nil
	}
	m.keys[l.Key()] = true
	c := *l
	m.logs = append(m.logs, &c)
	return true, nil
}

func (m *MockDeliveryLogRepository) ListByNotification(_ context.Context, notificationID string) ([]*domain.DeliveryLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.DeliveryLog
	for _, l := range m.logs {
		if l.NotificationID == notificationID {
			c := *l
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *MockDeliveryLogRepository) since(t time.Time) []*domain.DeliveryLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.DeliveryLog
	for _, l := range m.logs {
		if !l.AttemptedAt.Before(t) {
			out = append(out, l)
		}
	}
	return out
}

// MockMetricsRepository computes the metrics aggregates from the other mocks.
type MockMetricsRepository struct {
	Notifications *MockNotificationRepository
	Logs          *MockDeliveryLogRepository
}

func NewMockMetricsRepository(n *MockNotificationRepository, l *MockDeliveryLogRepository) *MockMetricsRepository {
	return &MockMetricsRepository{Notifications: n, Logs: l}
}

func (m *MockMetricsRepository) CountByStatusSince(_ context.Context, since time.Time) (domain.StatusCounts, error) {
	return m.Notifications.count(func(n *domain.Notification) bool { return !n.CreatedAt.Before(since) }), nil
}

func (m *MockMetricsRepository) AvgDeliveryLatency(_ context.Context, since time.Time, limit int) (float64, int, error) {
	m.Notifications.mu.RLock()
	var delivered []*domain.Notification
	for _, n := range m.Notifications.notifications {
		if n.Status == domain.StatusDelivered && n.DeliveredAt != nil && !n.CreatedAt.Before(since) {
			delivered = append(delivered, n)
		}
	}
	m.Notifications.mu.RUnlock()

	sort.Slice(delivered, func(i, j int) bool { return delivered[i].DeliveredAt.After(*delivered[j].DeliveredAt) })
	if len(delivered) > limit {
		delivered = delivered[:limit]
	}
	if len(delivered) == 0 {
		return 0, 0, nil
	}
	var sum float64
	for _, n := range delivered {
		sum += float64(n.DeliveredAt.Sub(n.CreatedAt).Milliseconds())
	}
	return sum / float64(len(delivered)), len(delivered), nil
}

func (m *MockMetricsRepository) ChannelStats(_ context.Context, since time.Time) ([]domain.ChannelStat, error) {
	type acc struct {
		stat       domain.ChannelStat
		latencySum float64
		latencyN   int
	}
	by := map[domain.Channel]*acc{}
	for _, l := range m.Logs.since(since) {
		a, ok := by[l.Channel]
		if !ok {
			a = &acc{stat: domain.ChannelStat{Channel: l.Channel}}
			by[l.Channel] = a
		}
		if l.Status == domain.DeliverySuccess {
			a.stat.Success++
			if l.LatencyMs != nil {
				a.latencySum += float64(*l.LatencyMs)
				a.latencyN++
			}
		} else {
			a.stat.Failed++
		}
	}
	var out []domain.ChannelStat
	for _, a := range by {
		if a.latencyN > 0 {
			a.stat.AvgLatencyMs = a.latencySum / float64(a.latencyN)
		}
		out = append(out, a.stat)
	}
	return out, nil
}

func (m *MockMetricsRepository) ErrorCounts(_ context.Context, since time.Time) (map[domain.ErrorType]int, error) {
	out := make(map[domain.ErrorType]int)
	for _, l := range m.Logs.since(since) {
		if l.Status != domain.DeliveryFailed {
			continue
		}
		t := domain.ErrorUnknown
		if l.ErrorType != nil {
			t = *l.ErrorType
		}
		out[t]++
	}
	return out, nil
}

func (m *MockMetricsRepository) HourlyOutcomes(_ context.Context, since time.Time) ([]domain.HourlyCount, error) {
	by := map[time.Time]*domain.HourlyCount{}
	for _, l := range m.Logs.since(since) {
		h := l.AttemptedAt.UTC().Truncate(time.Hour)
		c, ok := by[h]
		if !ok {
			c = &domain.HourlyCount{Hour: h}
			by[h] = c
		}
		if l.Status == domain.DeliverySuccess {
			c.Delivered++
		} else {
			c.Failed++
		}
	}
	out := make([]domain.HourlyCount, 0, len(by))
	for _, c := range by {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hour.Before(out[j].Hour) })
	return out, nil
}

// MockUserRepository serves users and preferences from memory.
type MockUserRepository struct {
	mu    sync.RWMutex
	users map[string]*domain.User
	prefs map[string]*domain.Preference

	GetErr error
}

func NewMockUserRepository() *MockUserRepository {
	return &MockUserRepository{
		users: make(map[string]*domain.User),
		prefs: make(map[string]*domain.Preference),
	}
}

// Add stores a user and, when p is non-nil, its preferences.
func (m *MockUserRepository) Add(u *domain.User, p *domain.Preference) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *u
	m.users[u.ID] = &c
	if p != nil {
		pc := *p
		m.prefs[u.ID] = &pc
	}
}

func (m *MockUserRepository) GetByID(_ context.Context, id string) (*domain.User, error) {
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	c := *u
	return &c, nil
}

func (m *MockUserRepository) ListActiveIDs(_ context.Context, afterID string, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, u := range m.users {
		if u.IsActive && id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// Get implements PreferenceRepository.
func (m *MockUserRepository) Get(_ context.Context, userID string) (*domain.Preference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.prefs[userID]; ok {
		c := *p
		return &c, nil
	}
	return domain.DefaultPreference(userID), nil
}

var (
	_ NotificationRepository = (*MockNotificationRepository)(nil)
	_ DeliveryLogRepository  = (*MockDeliveryLogRepository)(nil)
	_ MetricsRepository      = (*MockMetricsRepository)(nil)
	_ UserRepository         = (*MockUserRepository)(nil)
	_ PreferenceRepository   = (*MockUserRepository)(nil)
)
