package repository

import (
	"context"
	"time"

	"github.com/notifyhub/notification-pipeline/internal/domain"
)

// NotificationRepository defines all persistence operations for notifications.
// Status writes are conditional so the lifecycle stays monotonic even when
// several workers race on the same row; the Mark* methods report whether
// the transition actually happened.
// The pgx implementation is in pg_notification_repo.go.
// Tests use a hand-written mock (mock_repos.go).
type NotificationRepository interface {
	Create(ctx context.Context, n *domain.Notification) error
	GetByID(ctx context.Context, id string) (*domain.Notification, error)

	// ListByUser hides expired notifications.
	ListByUser(ctx context.Context, userID string, filter domain.ListFilter) ([]*domain.Notification, int, error)
	CountUnread(ctx context.Context, userID string) (int, error)

	MarkSent(ctx context.Context, id string, at time.Time) (bool, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id string) (bool, error)

	MarkRead(ctx context.Context, id string, at time.Time) error
	MarkAllRead(ctx context.Context, userID string, at time.Time) (int, error)
	// MarkClicked fails with ErrNotClickable while the notification is PENDING.
	MarkClicked(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error

	// CountByStatus aggregates all notifications, or one user's when userID is set.
	CountByStatus(ctx context.Context, userID *string) (domain.StatusCounts, error)

	// FindStalePending returns unexpired PENDING notifications created before cutoff.
	FindStalePending(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Notification, error)
}

// DeliveryLogRepository stores the append-only audit trail of channel attempts.
type DeliveryLogRepository interface {
	// Insert ignores a replay of an existing (notification, channel, attempt)
	// and reports whether a row was written.
	Insert(ctx context.Context, log *domain.DeliveryLog) (bool, error)
	ListByNotification(ctx context.Context, notificationID string) ([]*domain.DeliveryLog, error)
}

// MetricsRepository serves the windowed aggregates behind the metrics
// snapshot. Every query covers records created or attempted since the cut-off.
type MetricsRepository interface {
	CountByStatusSince(ctx context.Context, since time.Time) (domain.StatusCounts, error)
	// AvgDeliveryLatency averages deliveredAt-createdAt in milliseconds over at
	// most limit of the most recent delivered notifications.
	AvgDeliveryLatency(ctx context.Context, since time.Time, limit int) (avgMs float64, samples int, err error)
	ChannelStats(ctx context.Context, since time.Time) ([]domain.ChannelStat, error)
	ErrorCounts(ctx context.Context, since time.Time) (map[domain.ErrorType]int, error)
	HourlyOutcomes(ctx context.Context, since time.Time) ([]domain.HourlyCount, error)
}

// UserRepository reads the external user directory.
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
	// ListActiveIDs pages through active users ordered by id, starting after afterID.
	ListActiveIDs(ctx context.Context, afterID string, limit int) ([]string, error)
}

// PreferenceRepository returns DefaultPreference for users without a row.
type PreferenceRepository interface {
	Get(ctx context.Context, userID string) (*domain.Preference, error)
}
