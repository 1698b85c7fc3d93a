package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors used throughout the application.
// Handlers translate these to HTTP status codes via a single mapError function.
// Callers wrap them with fmt.Errorf("%w: ...") to add detail.
var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
	ErrUserNotFound        = fmt.Errorf("user %w", ErrNotFound)
	ErrForbidden           = errors.New("forbidden: resource belongs to another user")
	ErrInactiveAccount     = errors.New("account is inactive")
	ErrNoChannelsAvailable = errors.New("no delivery channels available for user")
	ErrNotClickable        = errors.New("notification has not been sent yet")

	// ErrResourceExhausted covers internal rate limits and third-party quotas.
	// These are surfaced immediately and never retried automatically.
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrRateLimited       = fmt.Errorf("%w: rate limit exceeded", ErrResourceExhausted)
	ErrBudgetExhausted   = fmt.Errorf("%w: daily message budget exhausted", ErrResourceExhausted)

	// ErrStoreUnavailable marks infrastructure degradation of the shared store.
	// It is logged and triggers fallbacks; it is never fatal on its own.
	ErrStoreUnavailable = errors.New("shared store unavailable")
)

// ProviderError wraps a failure returned by a channel provider together with
// its coarse classification.
type ProviderError struct {
	Channel Channel
	Type    ErrorType
	Err     error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider: %s: %v", e.Channel, e.Type, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Validationf returns an ErrValidation wrapped with a formatted reason.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
