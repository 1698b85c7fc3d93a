package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/notification-pipeline/internal/domain"
)

const jobColumns = `id, notification_id, priority, channels, state, run_at,
	locked_until, locked_by, last_error, created_at, updated_at, finished_at`

type pgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore returns a Store backed by the queue_jobs table.
func NewPgStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

func (s *pgStore) Insert(ctx context.Context, job *Job) error {
	channels, err := json.Marshal(job.Channels)
	if err != nil {
		return fmt.Errorf("marshal channels: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO queue_jobs
			(id, notification_id, priority, priority_rank, channels, state, run_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		job.ID, job.NotificationID, job.Priority, job.Priority.Rank(), channels,
		job.State, job.RunAt, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Claim selects and leases in one statement. SKIP LOCKED lets concurrent
// workers pass over rows another transaction is claiming.
func (s *pgStore) Claim(ctx context.Context, lane domain.Priority, workerID string, lease time.Duration, now time.Time) (*Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE queue_jobs
		SET state = 'active', locked_until = $3, locked_by = $2, updated_at = $4
		WHERE id = (
			SELECT id FROM queue_jobs
			WHERE (state IN ('waiting', 'delayed') AND run_at <= $4)
			   OR (state = 'active' AND locked_until < $4)
			ORDER BY CASE WHEN priority = $1 THEN 0 ELSE 1 END, priority_rank, run_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		lane, workerID, now.Add(lease), now)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

func (s *pgStore) Save(ctx context.Context, job *Job) error {
	channels, err := json.Marshal(job.Channels)
	if err != nil {
		return fmt.Errorf("marshal channels: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_jobs
		SET channels = $2, state = $3, run_at = $4, last_error = NULLIF($5, ''),
		    finished_at = $6, updated_at = $7, locked_until = NULL, locked_by = NULL
		WHERE id = $1 AND state = 'active' AND locked_by = $8`,
		job.ID, channels, job.State, job.RunAt, job.LastError,
		job.FinishedAt, job.UpdatedAt, job.LockedBy,
	)
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (s *pgStore) Stats(ctx context.Context, now time.Time) (Stats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT CASE WHEN state = 'delayed' AND run_at <= $1 THEN 'waiting' ELSE state END AS s,
		       COUNT(*)
		FROM queue_jobs
		GROUP BY s`, now)
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var state State
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return Stats{}, err
		}
		switch state {
		case StateWaiting:
			st.Waiting += n
		case StateActive:
			st.Active = n
		case StateDelayed:
			st.Delayed = n
		case StateCompleted:
			st.Completed = n
		case StateFailed:
			st.Failed = n
		}
	}
	return st, rows.Err()
}

func (s *pgStore) DeleteFinished(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM queue_jobs
		WHERE state IN ('completed', 'failed') AND finished_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("clean jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *pgStore) WithJobs(ctx context.Context, notificationIDs []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(notificationIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT notification_id::text FROM queue_jobs
		WHERE notification_id::text = ANY($1)`, notificationIDs)
	if err != nil {
		return nil, fmt.Errorf("find jobs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (s *pgStore) SetPaused(ctx context.Context, paused bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO queue_control (name, paused, updated_at)
		VALUES ('default', $1, NOW())
		ON CONFLICT (name) DO UPDATE SET paused = EXCLUDED.paused, updated_at = NOW()`, paused)
	if err != nil {
		return fmt.Errorf("set pause flag: %w", err)
	}
	return nil
}

func (s *pgStore) Paused(ctx context.Context) (bool, error) {
	var paused bool
	err := s.pool.QueryRow(ctx, `SELECT paused FROM queue_control WHERE name = 'default'`).Scan(&paused)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read pause flag: %w", err)
	}
	return paused, nil
}

func scanJob(row pgx.Row) (*Job, error) {
	var (
		j        Job
		channels []byte
		lockedBy *string
		lastErr  *string
	)
	err := row.Scan(
		&j.ID, &j.NotificationID, &j.Priority, &channels, &j.State, &j.RunAt,
		&j.LockedUntil, &lockedBy, &lastErr, &j.CreatedAt, &j.UpdatedAt, &j.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(channels, &j.Channels); err != nil {
		return nil, fmt.Errorf("decode channels of job %s: %w", j.ID, err)
	}
	if lockedBy != nil {
		j.LockedBy = *lockedBy
	}
	if lastErr != nil {
		j.LastError = *lastErr
	}
	return &j, nil
}
