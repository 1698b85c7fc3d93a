package provider

import (
	"context"
	"errors"
	"strings"

	"github.com/notifyhub/notification-pipeline/internal/domain"
)

// Classify maps a provider failure to the coarse dashboard taxonomy by
// matching its text. It is a best-effort heuristic: errors with no text are
// UNKNOWN and anything unrecognised is OTHER.
func Classify(err error) domain.ErrorType {
	if err == nil {
		return domain.ErrorUnknown
	}
	var pe *domain.ProviderError
	if errors.As(err, &pe) && pe.Type != "" {
		return pe.Type
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrorTimeout
	}
	if errors.Is(err, domain.ErrResourceExhausted) {
		return domain.ErrorRateLimit
	}

	text := err.Error()
	if strings.TrimSpace(text) == "" {
		return domain.ErrorUnknown
	}

	switch {
	case containsAny(text, "unregistered", "notregistered", "not registered", "device token expired"):
		return domain.ErrorUnregisteredDevice
	case containsAny(text, "invalid token", "invalid_token", "invalid registration", "bad device token", "missing push token", "invalidregistration"):
		return domain.ErrorInvalidToken
	case containsAny(text, "timeout", "timed out", "deadline exceeded"):
		return domain.ErrorTimeout
	case containsAny(text, "rate limit", "ratelimit", "too many requests", "429", "quota", "throttl"):
		return domain.ErrorRateLimit
	case containsAny(text, "unauthorized", "unauthorised", "forbidden", "authenticat", "401", "403", "permission denied", "invalid api key", "credentials"):
		return domain.ErrorAuth
	case containsAny(text, "not found", "404", "no such"):
		return domain.ErrorNotFound
	case containsAny(text, "network", "connection", "dial", "lookup", "eof", "no route to host", "broken pipe"):
		return domain.ErrorNetwork
	default:
		return domain.ErrorOther
	}
}

// containsAny reports whether s contains any of substrs, case-insensitively.
func containsAny(s string, substrs ...string) bool {
	s = strings.ToLower(s)
	for _, sub := range substrs {
		if sub != "" && strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
