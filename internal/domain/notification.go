package domain

import (
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MaxTitleLength = 255
	MaxBodyLength  = 5000
	MaxPageSize    = 100
)

// Channel is a delivery medium.
type Channel string

const (
	ChannelPush     Channel = "PUSH"
	ChannelEmail    Channel = "EMAIL"
	ChannelSMS      Channel = "SMS"
	ChannelWhatsApp Channel = "WHATSAPP"
	ChannelInApp    Channel = "IN_APP"
)

// AllChannels lists every channel in a stable order. Dispatch, preference
// filtering and metrics all iterate over this list.
var AllChannels = []Channel{ChannelPush, ChannelEmail, ChannelSMS, ChannelWhatsApp, ChannelInApp}

func (c Channel) IsValid() bool {
	switch c {
	case ChannelPush, ChannelEmail, ChannelSMS, ChannelWhatsApp, ChannelInApp:
		return true
	}
	return false
}

// Priority controls queue lane selection. CRITICAL is served most often.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityNormal   Priority = "NORMAL"
	PriorityLow      Priority = "LOW"
)

// Priorities is ordered from most to least important.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) IsValid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Rank returns 0 for CRITICAL up to 3 for LOW.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	}
	return 2
}

// Status tracks the lifecycle of a notification.
//
//	PENDING -> SENT -> DELIVERED | FAILED
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSent      Status = "SENT"
	StatusDelivered Status = "DELIVERED"
	StatusFailed    Status = "FAILED"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusSent, StatusDelivered, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next respects the
// monotonic lifecycle.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusSent
	case StatusSent:
		return next == StatusDelivered || next == StatusFailed
	}
	return false
}

// Notification is the record of truth for one message to one user.
type Notification struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	Type        string          `json:"type"`
	Title       string          `json:"title"`
	Body        string          `json:"body"`
	Data        json.RawMessage `json:"data,omitempty"`
	Channels    []Channel       `json:"channels"`
	Priority    Priority        `json:"priority"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
	SentAt      *time.Time      `json:"sentAt,omitempty"`
	DeliveredAt *time.Time      `json:"deliveredAt,omitempty"`
	ReadAt      *time.Time      `json:"readAt,omitempty"`
	ClickedAt   *time.Time      `json:"clickedAt,omitempty"`
	ExpiresAt   *time.Time      `json:"expiresAt,omitempty"`
}

// IsExpired returns true if the notification has an expiry in the past.
func (n *Notification) IsExpired(now time.Time) bool {
	return n.ExpiresAt != nil && now.After(*n.ExpiresAt)
}


// SendInput is the inbound payload for a single notification.
type SendInput struct {
	UserID    string          `json:"userId"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Body      string          `json:"body"`
	Data      json.RawMessage `json:"data,omitempty"`
	Channels  []Channel       `json:"channels"`
	Priority  Priority        `json:"priority,omitempty"`
	ExpiresAt *time.Time      `json:"expiresAt,omitempty"`
}

// Validate performs all input checks without touching any external resource.
// An empty priority is normalised to NORMAL.
func (in *SendInput) Validate() error {
	if strings.TrimSpace(in.UserID) == "" {
		return Validationf("userId is required")
	}
	if strings.TrimSpace(in.Type) == "" {
		return Validationf("type is required")
	}
	if strings.TrimSpace(in.Title) == "" {
		return Validationf("title is required")
	}
	if strings.TrimSpace(in.Body) == "" {
		return Validationf("body is required")
	}
	if utf8.RuneCountInString(in.Title) > MaxTitleLength {
		return Validationf("title must be at most %d characters", MaxTitleLength)
	}
	if utf8.RuneCountInString(in.Body) > MaxBodyLength {
		return Validationf("body must be at most %d characters", MaxBodyLength)
	}
	if len(in.Channels) == 0 {
		return Validationf("at least one channel is required")
	}
	for _, ch := range in.Channels {
		if !ch.IsValid() {
			return Validationf("unknown channel %q", ch)
		}
	}
	if in.Priority == "" {
		in.Priority = PriorityNormal
	}
	if !in.Priority.IsValid() {
		return Validationf("unknown priority %q", in.Priority)
	}
	if len(in.Data) > 0 && !json.Valid(in.Data) {
		return Validationf("data must be valid JSON")
	}
	return nil
}

// ListFilter holds query parameters for a user's notification listing.
type ListFilter struct {
	Limit      int
	Offset     int
	UnreadOnly bool
	Type       *string
	Status     *Status
}

// Normalize clamps limit to [1, MaxPageSize] and offset to >= 0.
func (f *ListFilter) Normalize() {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// StatusCounts aggregates a set of notifications for the stats endpoint.
type StatusCounts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Read      int `json:"read"`
	Clicked   int `json:"clicked"`
	// ReadUndelivered counts read rows whose status is not DELIVERED, so
	// rates can add read rows without counting a row twice.
	ReadUndelivered int `json:"-"`
}

// UserStats are the counts plus derived rates returned by GetStats.
type UserStats struct {
	StatusCounts
	DeliveryRate float64 `json:"deliveryRate"`
	ReadRate     float64 `json:"readRate"`
}
