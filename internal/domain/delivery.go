package domain

import (
	"strconv"
	"time"
)

// DeliveryStatus is the outcome of a single channel attempt.
type DeliveryStatus string

const (
	DeliverySuccess DeliveryStatus = "SUCCESS"
	DeliveryFailed  DeliveryStatus = "FAILED"
)

// ErrorType is the coarse provider failure taxonomy used by dashboards.
type ErrorType string

const (
	ErrorInvalidToken       ErrorType = "INVALID_TOKEN"
	ErrorUnregisteredDevice ErrorType = "UNREGISTERED_DEVICE"
	ErrorTimeout            ErrorType = "TIMEOUT"
	ErrorRateLimit          ErrorType = "RATE_LIMIT"
	ErrorNetwork            ErrorType = "NETWORK_ERROR"
	ErrorAuth               ErrorType = "AUTH_ERROR"
	ErrorNotFound           ErrorType = "NOT_FOUND"
	ErrorOther              ErrorType = "OTHER"
	ErrorUnknown            ErrorType = "UNKNOWN"
)

// DeliveryLog is the immutable audit record of one channel attempt.
// (NotificationID, Channel, Attempt) identifies it; replays are ignored.
type DeliveryLog struct {
	ID                string         `json:"id"`
	NotificationID    string         `json:"notificationId"`
	Channel           Channel        `json:"channel"`
	Attempt           int            `json:"attempt"`
	Status            DeliveryStatus `json:"status"`
	ProviderMessageID *string        `json:"providerMessageId,omitempty"`
	ProviderError     *string        `json:"providerError,omitempty"`
	ErrorType         *ErrorType     `json:"errorType,omitempty"`
	AttemptedAt       time.Time      `json:"attemptedAt"`
	LatencyMs         *int64         `json:"latencyMs,omitempty"`
}

// Key returns the idempotency key of the attempt.
func (l *DeliveryLog) Key() string {
	return l.NotificationID + "|" + string(l.Channel) + "|" + strconv.Itoa(l.Attempt)
}

// ChannelStat is the raw per-channel aggregate read from delivery logs.
type ChannelStat struct {
	Channel      Channel
	Success      int
	Failed       int
	AvgLatencyMs float64
}

// HourlyCount is the number of terminal outcomes in one hour bucket.
type HourlyCount struct {
	Hour      time.Time
	Delivered int
	Failed    int
}
