package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/notifyhub/notification-pipeline/internal/domain"
)

// Recipient carries the per-channel addresses resolved from the user
// directory and preferences.
type Recipient struct {
	UserID    string
	Email     string
	Phone     string
	PushToken string
}

// Message is what a dispatcher delivers: one notification to one recipient.
type Message struct {
	NotificationID string
	Type           string
	Title          string
	Body           string
	Data           json.RawMessage
	Priority       domain.Priority
	To             Recipient
}

// SendResponse is the provider acknowledgement of an accepted message.
type SendResponse struct {
	MessageID string `json:"messageId"`
}

// Provider abstracts delivery over a single channel.
// Mocking this interface in tests gives full control over provider behaviour
// without making real network calls.
type Provider interface {
	Send(ctx context.Context, msg Message) (*SendResponse, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, msg Message) (*SendResponse, error)

func (f ProviderFunc) Send(ctx context.Context, msg Message) (*SendResponse, error) {
	return f(ctx, msg)
}

// Registry maps every channel to the dispatcher serving it.
type Registry struct {
	providers map[domain.Channel]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[domain.Channel]Provider, len(domain.AllChannels))}
}

// Register installs p for ch, replacing any earlier dispatcher.
func (r *Registry) Register(ch domain.Channel, p Provider) *Registry {
	r.providers[ch] = p
	return r
}

// Get returns the dispatcher for ch.
func (r *Registry) Get(ch domain.Channel) (Provider, error) {
	p, ok := r.providers[ch]
	if !ok {
		return nil, fmt.Errorf("no provider registered for channel %s", ch)
	}
	return p, nil
}

// Missing lists the channels that have no dispatcher yet.
func (r *Registry) Missing() []domain.Channel {
	var out []domain.Channel
	for _, ch := range domain.AllChannels {
		if _, ok := r.providers[ch]; !ok {
			out = append(out, ch)
		}
	}
	return out
}

// fail wraps err as a classified provider error for ch.
func fail(ch domain.Channel, err error) error {
	return &domain.ProviderError{Channel: ch, Type: Classify(err), Err: err}
}
