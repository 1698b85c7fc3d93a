package provider_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/notifyhub/notification-pipeline/internal/domain"
	"github.com/notifyhub/notification-pipeline/internal/provider"
)

type blankError struct{}

func (blankError) Error() string { return "  " }

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want domain.ErrorType
	}{
		{nil, domain.ErrorUnknown},
		{blankError{}, domain.ErrorUnknown},
		{errors.New("registration token is not registered"), domain.ErrorUnregisteredDevice},
		{errors.New("Unregistered device"), domain.ErrorUnregisteredDevice},
		{errors.New("InvalidRegistration"), domain.ErrorInvalidToken},
		{errors.New("invalid token supplied"), domain.ErrorInvalidToken},
		{fmt.Errorf("send: %w", context.DeadlineExceeded), domain.ErrorTimeout},
		{errors.New("dial tcp 10.0.0.1:443: i/o timeout"), domain.ErrorTimeout},
		{errors.New("status 429: Too Many Requests"), domain.ErrorRateLimit},
		{domain.ErrBudgetExhausted, domain.ErrorRateLimit},
		{errors.New("401 Unauthorized"), domain.ErrorAuth},
		{errors.New("recipient not found"), domain.ErrorNotFound},
		{errors.New("dial tcp: connection refused"), domain.ErrorNetwork},
		{errors.New("unexpected EOF"), domain.ErrorNetwork},
		{errors.New("mailbox full"), domain.ErrorOther},
	}
	for _, tc := range tests {
		name := "<nil>"
		if tc.err != nil {
			name = tc.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			if got := provider.Classify(tc.err); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestClassify_ProviderErrorKeepsType(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &domain.ProviderError{
		Channel: domain.ChannelPush,
		Type:    domain.ErrorAuth,
		Err:     errors.New("mailbox full"),
	})
	if got := provider.Classify(err); got != domain.ErrorAuth {
		t.Fatalf("expected AUTH_ERROR, got %s", got)
	}
}
