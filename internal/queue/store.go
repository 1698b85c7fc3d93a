package queue

import (
	"context"
	"errors"
	"time"

	"github.com/notifyhub/notification-pipeline/internal/domain"
)

var (
	// ErrNoJob is returned by Claim when nothing is runnable.
	ErrNoJob = errors.New("no job available")
	// ErrLeaseLost is returned by Save when another worker took the job over
	// after the lease expired.
	ErrLeaseLost = errors.New("job lease lost")
)

// Store persists jobs. Implementations must make Claim atomic across every
// process sharing the store.
type Store interface {
	Insert(ctx context.Context, job *Job) error

	// Claim leases the best runnable job for workerID until now+lease.
	// Runnable means waiting or delayed with run_at reached, or active with an
	// expired lease. Jobs in lane come first, then by priority rank, then run_at.
	Claim(ctx context.Context, lane domain.Priority, workerID string, lease time.Duration, now time.Time) (*Job, error)

	// Save writes the job back and releases its lease. The write only applies
	// while job.LockedBy still holds the lease.
	Save(ctx context.Context, job *Job) error

	Stats(ctx context.Context, now time.Time) (Stats, error)

	// DeleteFinished removes completed and failed jobs finished before cutoff.
	DeleteFinished(ctx context.Context, before time.Time) (int64, error)

	// WithJobs returns the subset of notificationIDs that have any job.
	WithJobs(ctx context.Context, notificationIDs []string) (map[string]bool, error)

	// SetPaused and Paused share the pause flag between every process
	// consuming the store.
	SetPaused(ctx context.Context, paused bool) error
	Paused(ctx context.Context) (bool, error)
}
