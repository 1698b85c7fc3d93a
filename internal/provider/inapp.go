package provider

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
)

// Publisher pushes a payload to live subscribers of a channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// InAppProvider treats the persisted notification as the delivery and
// additionally announces it to connected clients. Publishing is best effort.
type InAppProvider struct {
	pub    Publisher
	logger *zap.Logger
}

// NewInAppProvider creates the dispatcher. pub may be nil.
func NewInAppProvider(pub Publisher, logger *zap.Logger) *InAppProvider {
	return &InAppProvider{pub: pub, logger: logger}
}

type inAppEvent struct {
	NotificationID string          `json:"notificationId"`
	Type           string          `json:"type"`
	Title          string          `json:"title"`
	Body           string          `json:"body"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// UserChannel is the pub/sub channel live clients of userID subscribe to.
func UserChannel(userID string) string {
	return "notifications:user:" + userID
}

func (p *InAppProvider) Send(ctx context.Context, msg Message) (*SendResponse, error) {
	if p.pub != nil {
		payload, err := json.Marshal(inAppEvent{
			NotificationID: msg.NotificationID,
			Type:           msg.Type,
			Title:          msg.Title,
			Body:           msg.Body,
			Data:           msg.Data,
		})
		if err == nil {
			err = p.pub.Publish(ctx, UserChannel(msg.To.UserID), payload)
		}
		if err != nil {
			p.logger.Warn("in-app publish failed",
				zap.String("notification_id", msg.NotificationID), zap.Error(err))
		}
	}
	return &SendResponse{MessageID: msg.NotificationID}, nil
}

var _ Provider = (*InAppProvider)(nil)
