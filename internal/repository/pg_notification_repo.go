package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/notification-pipeline/internal/domain"
)

const notificationColumns = `id, user_id, type, title, body, data, channels, priority, status,
	created_at, sent_at, delivered_at, read_at, clicked_at, expires_at`

type pgNotificationRepository struct {
	pool *pgxpool.Pool
}

// NewPgNotificationRepository returns a NotificationRepository backed by PostgreSQL.
func NewPgNotificationRepository(pool *pgxpool.Pool) NotificationRepository {
	return &pgNotificationRepository{pool: pool}
}

func (r *pgNotificationRepository) Create(ctx context.Context, n *domain.Notification) error {
	var data any
	if len(n.Data) > 0 {
		data = string(n.Data)
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO notifications
			(id, user_id, type, title, body, data, channels, priority, status, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		n.ID, n.UserID, n.Type, n.Title, n.Body, data, channelStrings(n.Channels),
		n.Priority, n.Status, n.CreatedAt, n.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (r *pgNotificationRepository) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id)
	n, err := scanNotification(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return n, err
}

func (r *pgNotificationRepository) ListByUser(ctx context.Context, userID string, f domain.ListFilter) ([]*domain.Notification, int, error) {
	where, args := buildListWhere(userID, f)

	// Count total matching rows for pagination metadata.
	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM notifications"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}

	args = append(args, f.Limit, f.Offset)
	query := fmt.Sprintf(`SELECT %s FROM notifications%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, notificationColumns, where, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	notifications, err := scanNotifications(rows)
	return notifications, total, err
}

func (r *pgNotificationRepository) CountUnread(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM notifications
		WHERE user_id = $1 AND read_at IS NULL
		  AND (expires_at IS NULL OR expires_at > NOW())`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

func (r *pgNotificationRepository) transition(ctx context.Context, query string, args ...any) (bool, error) {
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *pgNotificationRepository) MarkSent(ctx context.Context, id string, at time.Time) (bool, error) {
	return r.transition(ctx, `
		UPDATE notifications SET status = 'SENT', sent_at = $2
		WHERE id = $1 AND status = 'PENDING'`, id, at)
}

func (r *pgNotificationRepository) MarkDelivered(ctx context.Context, id string, at time.Time) (bool, error) {
	return r.transition(ctx, `
		UPDATE notifications SET status = 'DELIVERED', delivered_at = $2
		WHERE id = $1 AND status = 'SENT'`, id, at)
}

func (r *pgNotificationRepository) MarkFailed(ctx context.Context, id string) (bool, error) {
	return r.transition(ctx, `
		UPDATE notifications SET status = 'FAILED'
		WHERE id = $1 AND status = 'SENT'`, id)
}

func (r *pgNotificationRepository) MarkRead(ctx context.Context, id string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE notifications SET read_at = COALESCE(read_at, $2) WHERE id = $1`, id, at)
	return err
}

func (r *pgNotificationRepository) MarkAllRead(ctx context.Context, userID string, at time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE notifications SET read_at = $2
		WHERE user_id = $1 AND read_at IS NULL`, userID, at)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *pgNotificationRepository) MarkClicked(ctx context.Context, id string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE notifications
		SET clicked_at = COALESCE(clicked_at, $2), read_at = COALESCE(read_at, $2)
		WHERE id = $1 AND status <> 'PENDING'`, id, at)
	if err != nil {
		return fmt.Errorf("mark clicked: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotClickable
	}
	return nil
}

func (r *pgNotificationRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM notifications WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *pgNotificationRepository) CountByStatus(ctx context.Context, userID *string) (domain.StatusCounts, error) {
	return countByStatus(ctx, r.pool, `WHERE ($1::text IS NULL OR user_id = $1)`, userID)
}

func (r *pgNotificationRepository) FindStalePending(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Notification, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE status = 'PENDING' AND created_at < $1
		  AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY created_at
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("find stale pending: %w", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

// ---- helpers ----

// countByStatus runs the shared status aggregate with a caller-supplied filter.
func countByStatus(ctx context.Context, pool *pgxpool.Pool, where string, arg any) (domain.StatusCounts, error) {
	var c domain.StatusCounts
	err := pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'PENDING'),
		       COUNT(*) FILTER (WHERE status = 'SENT'),
		       COUNT(*) FILTER (WHERE status = 'DELIVERED'),
		       COUNT(*) FILTER (WHERE status = 'FAILED'),
		       COUNT(*) FILTER (WHERE read_at IS NOT NULL),
		       COUNT(*) FILTER (WHERE clicked_at IS NOT NULL),
		       COUNT(*) FILTER (WHERE read_at IS NOT NULL AND status <> 'DELIVERED')
		FROM notifications `+where, arg).
		Scan(&c.Total, &c.Pending, &c.Sent, &c.Delivered, &c.Failed, &c.Read, &c.Clicked, &c.ReadUndelivered)
	if err != nil {
		return c, fmt.Errorf("count by status: %w", err)
	}
	return c, nil
}

// scanNotification reads a single notification row from any pgx row type.
func scanNotification(row pgx.Row) (*domain.Notification, error) {
	var (
		n        domain.Notification
		data     []byte
		channels []string
	)
	err := row.Scan(
		&n.ID, &n.UserID, &n.Type, &n.Title, &n.Body, &data, &channels,
		&n.Priority, &n.Status, &n.CreatedAt, &n.SentAt, &n.DeliveredAt,
		&n.ReadAt, &n.ClickedAt, &n.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		n.Data = data
	}
	n.Channels = make([]domain.Channel, len(channels))
	for i, ch := range channels {
		n.Channels[i] = domain.Channel(ch)
	}
	return &n, nil
}

func scanNotifications(rows pgx.Rows) ([]*domain.Notification, error) {
	var result []*domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

func channelStrings(chs []domain.Channel) []string {
	out := make([]string, len(chs))
	for i, ch := range chs {
		out[i] = string(ch)
	}
	return out
}

// buildListWhere builds a parameterised WHERE clause for a user's listing.
func buildListWhere(userID string, f domain.ListFilter) (string, []any) {
	conditions := []string{"user_id = $1", "(expires_at IS NULL OR expires_at > NOW())"}
	args := []any{userID}

	add := func(condition string, val any) {
		args = append(args, val)
		conditions = append(conditions, fmt.Sprintf(condition, len(args)))
	}

	if f.UnreadOnly {
		conditions = append(conditions, "read_at IS NULL")
	}
	if f.Type != nil {
		add("type = $%d", *f.Type)
	}
	if f.Status != nil {
		add("status = $%d", *f.Status)
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}
