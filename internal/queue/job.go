package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/notifyhub/notification-pipeline/internal/domain"
)

// State is the lifecycle of a queue job. It is bookkeeping only; the
// Notification row remains the record of truth.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// ChannelState tracks retries of one channel inside a job.
type ChannelState struct {
	Channel       domain.Channel `json:"channel"`
	Attempts      int            `json:"attempts"`
	Done          bool           `json:"done"`
	Succeeded     bool           `json:"succeeded"`
	NextAttemptAt time.Time      `json:"nextAttemptAt"`
	LastError     string         `json:"lastError,omitempty"`
}

// Succeed marks the channel delivered.
func (c *ChannelState) Succeed() {
	c.Done = true
	c.Succeeded = true
	c.LastError = ""
}

// Fail records a failed attempt. The channel becomes terminal when terminal
// is set or the attempt budget is spent; otherwise it is retried at next.
func (c *ChannelState) Fail(reason string, terminal bool, maxAttempts int, next time.Time) {
	c.LastError = reason
	if terminal || c.Attempts >= maxAttempts {
		c.Done = true
		return
	}
	c.NextAttemptAt = next
}

// Job is one queued delivery of a notification to its channels.
type Job struct {
	ID             string          `json:"id"`
	NotificationID string          `json:"notificationId"`
	Priority       domain.Priority `json:"priority"`
	Channels       []ChannelState  `json:"channels"`
	State          State           `json:"state"`
	RunAt          time.Time       `json:"runAt"`
	LockedUntil    *time.Time      `json:"lockedUntil,omitempty"`
	LockedBy       string          `json:"lockedBy,omitempty"`
	LastError      string          `json:"lastError,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	FinishedAt     *time.Time      `json:"finishedAt,omitempty"`
}

// NewJob builds a job for the given channels, runnable at runAt.
func NewJob(notificationID string, priority domain.Priority, channels []domain.Channel, runAt, now time.Time) *Job {
	states := make([]ChannelState, 0, len(channels))
	for _, ch := range channels {
		states = append(states, ChannelState{Channel: ch})
	}
	state := StateWaiting
	if runAt.After(now) {
		state = StateDelayed
	}
	return &Job{
		ID:             uuid.New().String(),
		NotificationID: notificationID,
		Priority:       priority,
		Channels:       states,
		State:          state,
		RunAt:          runAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Due returns the indexes of channels that are unfinished and whose retry
// time has come.
func (j *Job) Due(now time.Time) []int {
	var idx []int
	for i := range j.Channels {
		c := &j.Channels[i]
		if !c.Done && !c.NextAttemptAt.After(now) {
			idx = append(idx, i)
		}
	}
	return idx
}

// AnySucceeded reports whether at least one channel was delivered.
func (j *Job) AnySucceeded() bool {
	for _, c := range j.Channels {
		if c.Succeeded {
			return true
		}
	}
	return false
}

// AllDone reports whether every channel reached a terminal outcome.
func (j *Job) AllDone() bool {
	for _, c := range j.Channels {
		if !c.Done {
			return false
		}
	}
	return true
}

// Settle derives the job state from its channels after a processing round:
// completed or failed once every channel is done, otherwise delayed until
// the earliest pending retry.
func (j *Job) Settle(now time.Time) {
	j.UpdatedAt = now
	if j.AllDone() {
		j.State = StateFailed
		if j.AnySucceeded() {
			j.State = StateCompleted
		}
		j.FinishedAt = &now
		return
	}

	var next time.Time
	for _, c := range j.Channels {
		if c.Done {
			continue
		}
		if next.IsZero() || c.NextAttemptAt.Before(next) {
			next = c.NextAttemptAt
		}
	}
	if next.Before(now) {
		next = now
	}
	j.State = StateDelayed
	j.RunAt = next
}

func (j *Job) clone() *Job {
	cp := *j
	cp.Channels = append([]ChannelState(nil), j.Channels...)
	if j.LockedUntil != nil {
		t := *j.LockedUntil
		cp.LockedUntil = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

// Stats are the job counts returned to the admin surface.
type Stats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
}

// Depth is the backlog the health check compares against its ceiling.
func (s Stats) Depth() int { return s.Waiting + s.Active }
