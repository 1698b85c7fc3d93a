package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/notification-pipeline/internal/domain"
)

type pgUserRepository struct {
	pool *pgxpool.Pool
}

// NewPgUserRepository returns a UserRepository backed by PostgreSQL.
func NewPgUserRepository(pool *pgxpool.Pool) UserRepository {
	return &pgUserRepository{pool: pool}
}

func (r *pgUserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	var u domain.User
	err := r.pool.QueryRow(ctx, `
		SELECT id, email, phone, push_token, is_active FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &u.Phone, &u.PushToken, &u.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (r *pgUserRepository) ListActiveIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM users
		WHERE is_active AND id > $1
		ORDER BY id
		LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list active users: %w", err)
	}
	defer rows.Close()
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

type pgPreferenceRepository struct {
	pool *pgxpool.Pool
}

// NewPgPreferenceRepository returns a PreferenceRepository backed by PostgreSQL.
func NewPgPreferenceRepository(pool *pgxpool.Pool) PreferenceRepository {
	return &pgPreferenceRepository{pool: pool}
}

func (r *pgPreferenceRepository) Get(ctx context.Context, userID string) (*domain.Preference, error) {
	var (
		p          domain.Preference
		start, end *string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, push_enabled, email_enabled, sms_enabled, whatsapp_enabled,
		       in_app_enabled, quiet_hours_start, quiet_hours_end, phone_number,
		       timezone, updated_at
		FROM notification_preferences WHERE user_id = $1`, userID).
		Scan(&p.UserID, &p.PushEnabled, &p.EmailEnabled, &p.SMSEnabled, &p.WhatsAppEnabled,
			&p.InAppEnabled, &start, &end, &p.PhoneNumber, &p.Timezone, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.DefaultPreference(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get preferences: %w", err)
	}
	if start != nil {
		p.QuietHoursStart = *start
	}
	if end != nil {
		p.QuietHoursEnd = *end
	}
	return &p, nil
}
