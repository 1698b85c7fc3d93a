package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/notification-pipeline/internal/domain"
)

type pgDeliveryLogRepository struct {
	pool *pgxpool.Pool
}

// NewPgDeliveryLogRepository returns a DeliveryLogRepository backed by PostgreSQL.
func NewPgDeliveryLogRepository(pool *pgxpool.Pool) DeliveryLogRepository {
	return &pgDeliveryLogRepository{pool: pool}
}

func (r *pgDeliveryLogRepository) Insert(ctx context.Context, l *domain.DeliveryLog) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO delivery_logs
			(id, notification_id, channel, attempt, status, provider_message_id,
			 provider_error, error_type, attempted_at, latency_ms)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (notification_id, channel, attempt) DO NOTHING`,
		l.ID, l.NotificationID, l.Channel, l.Attempt, l.Status, l.ProviderMessageID,
		l.ProviderError, l.ErrorType, l.AttemptedAt, l.LatencyMs,
	)
	if err != nil {
		return false, fmt.Errorf("insert delivery log: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *pgDeliveryLogRepository) ListByNotification(ctx context.Context, notificationID string) ([]*domain.DeliveryLog, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, notification_id, channel, attempt, status, provider_message_id,
		       provider_error, error_type, attempted_at, latency_ms
		FROM delivery_logs
		WHERE notification_id = $1
		ORDER BY attempted_at, channel, attempt`, notificationID)
	if err != nil {
		return nil, fmt.Errorf("list delivery logs: %w", err)
	}
	defer rows.Close()

	var out []*domain.DeliveryLog
	for rows.Next() {
		l, err := scanDeliveryLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanDeliveryLog(row pgx.Row) (*domain.DeliveryLog, error) {
	var l domain.DeliveryLog
	err := row.Scan(
		&l.ID, &l.NotificationID, &l.Channel, &l.Attempt, &l.Status, &l.ProviderMessageID,
		&l.ProviderError, &l.ErrorType, &l.AttemptedAt, &l.LatencyMs,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

type pgMetricsRepository struct {
	pool *pgxpool.Pool
}

// NewPgMetricsRepository returns a MetricsRepository reading notifications
// and delivery_logs.
func NewPgMetricsRepository(pool *pgxpool.Pool) MetricsRepository {
	return &pgMetricsRepository{pool: pool}
}

func (r *pgMetricsRepository) CountByStatusSince(ctx context.Context, since time.Time) (domain.StatusCounts, error) {
	return countByStatus(ctx, r.pool, `WHERE created_at >= $1`, since)
}

func (r *pgMetricsRepository) AvgDeliveryLatency(ctx context.Context, since time.Time, limit int) (float64, int, error) {
	var (
		avg     *float64
		samples int
	)
	err := r.pool.QueryRow(ctx, `
		SELECT AVG(ms), COUNT(*) FROM (
			SELECT EXTRACT(EPOCH FROM (delivered_at - created_at)) * 1000 AS ms
			FROM notifications
			WHERE created_at >= $1 AND status = 'DELIVERED' AND delivered_at IS NOT NULL
			ORDER BY delivered_at DESC
			LIMIT $2
		) s`, since, limit).Scan(&avg, &samples)
	if err != nil {
		return 0, 0, fmt.Errorf("average latency: %w", err)
	}
	if avg == nil {
		return 0, 0, nil
	}
	return *avg, samples, nil
}

func (r *pgMetricsRepository) ChannelStats(ctx context.Context, since time.Time) ([]domain.ChannelStat, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT channel,
		       COUNT(*) FILTER (WHERE status = 'SUCCESS'),
		       COUNT(*) FILTER (WHERE status = 'FAILED'),
		       COALESCE(AVG(latency_ms) FILTER (WHERE status = 'SUCCESS'), 0)::float8
		FROM delivery_logs
		WHERE attempted_at >= $1
		GROUP BY channel`, since)
	if err != nil {
		return nil, fmt.Errorf("channel stats: %w", err)
	}
	defer rows.Close()

	var out []domain.ChannelStat
	for rows.Next() {
		var s domain.ChannelStat
		if err := rows.Scan(&s.Channel, &s.Success, &s.Failed, &s.AvgLatencyMs); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *pgMetricsRepository) ErrorCounts(ctx context.Context, since time.Time) (map[domain.ErrorType]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT COALESCE(error_type, 'UNKNOWN'), COUNT(*)
		FROM delivery_logs
		WHERE attempted_at >= $1 AND status = 'FAILED'
		GROUP BY 1`, since)
	if err != nil {
		return nil, fmt.Errorf("error counts: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.ErrorType]int)
	for rows.Next() {
		var t domain.ErrorType
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		out[t] = n
	}
	return out, rows.Err()
}

func (r *pgMetricsRepository) HourlyOutcomes(ctx context.Context, since time.Time) ([]domain.HourlyCount, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT date_trunc('hour', attempted_at) AS hour,
		       COUNT(*) FILTER (WHERE status = 'SUCCESS'),
		       COUNT(*) FILTER (WHERE status = 'FAILED')
		FROM delivery_logs
		WHERE attempted_at >= $1
		GROUP BY hour
		ORDER BY hour`, since)
	if err != nil {
		return nil, fmt.Errorf("hourly outcomes: %w", err)
	}
	defer rows.Close()

	var out []domain.HourlyCount
	for rows.Next() {
		var h domain.HourlyCount
		if err := rows.Scan(&h.Hour, &h.Delivered, &h.Failed); err != nil {
			return nil, err
		}
		h.Hour = h.Hour.UTC()
		out = append(out, h)
	}
	return out, rows.Err()
}
