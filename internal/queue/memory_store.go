package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/notifyhub/notification-pipeline/internal/domain"
)

// MemoryStore implements Store for tests and local development.
type MemoryStore struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	paused bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (s *MemoryStore) Insert(_ context.Context, job *Job) error {
	if job == nil {
		return errors.New("job cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job with ID %s already exists", job.ID)
	}
	s.jobs[job.ID] = job.clone()
	return nil
}

func runnable(j *Job, now time.Time) bool {
	switch j.State {
	case StateWaiting, StateDelayed:
		return !j.RunAt.After(now)
	case StateActive:
		return j.LockedUntil != nil && j.LockedUntil.Before(now)
	}
	return false
}

// better reports whether a should be claimed before b for lane.
func better(a, b *Job, lane domain.Priority) bool {
	aLane, bLane := a.Priority == lane, b.Priority == lane
	if aLane != bLane {
		return aLane
	}
	if ar, br := a.Priority.Rank(), b.Priority.Rank(); ar != br {
		return ar < br
	}
	return a.RunAt.Before(b.RunAt)
}

func (s *MemoryStore) Claim(_ context.Context, lane domain.Priority, workerID string, lease time.Duration, now time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Job
	for _, j := range s.jobs {
		if !runnable(j, now) {
			continue
		}
		if best == nil || better(j, best, lane) {
			best = j
		}
	}
	if best == nil {
		return nil, ErrNoJob
	}

	until := now.Add(lease)
	best.State = StateActive
	best.LockedUntil = &until
	best.LockedBy = workerID
	best.UpdatedAt = now
	return best.clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.jobs[job.ID]
	if !ok {
		return fmt.Errorf("job %s: %w", job.ID, domain.ErrNotFound)
	}
	if cur.State != StateActive || cur.LockedBy != job.LockedBy {
		return ErrLeaseLost
	}
	cp := job.clone()
	cp.LockedBy = ""
	cp.LockedUntil = nil
	s.jobs[job.ID] = cp
	return nil
}

func (s *MemoryStore) Stats(_ context.Context, now time.Time) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Stats
	for _, j := range s.jobs {
		switch j.State {
		case StateWaiting:
			st.Waiting++
		case StateDelayed:
			if j.RunAt.After(now) {
				st.Delayed++
			} else {
				st.Waiting++
			}
		case StateActive:
			st.Active++
		case StateCompleted:
			st.Completed++
		case StateFailed:
			st.Failed++
		}
	}
	return st, nil
}

func (s *MemoryStore) DeleteFinished(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, j := range s.jobs {
		if (j.State == StateCompleted || j.State == StateFailed) && j.FinishedAt != nil && j.FinishedAt.Before(before) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) WithJobs(_ context.Context, notificationIDs []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[string]bool, len(notificationIDs))
	for _, id := range notificationIDs {
		want[id] = true
	}
	out := make(map[string]bool)
	for _, j := range s.jobs {
		if want[j.NotificationID] {
			out[j.NotificationID] = true
		}
	}
	return out, nil
}

// Get returns a copy of the job, for tests.
func (s *MemoryStore) Get(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	return j.clone(), true
}

// Jobs returns copies of every job, for tests.
func (s *MemoryStore) Jobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.clone())
	}
	return out
}

func (s *MemoryStore) SetPaused(_ context.Context, paused bool) error {
	s.mu.Lock()
	s.paused = paused
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Paused(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused, nil
}
