package provider

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/mrz1836/postmark"

	"github.com/notifyhub/notification-pipeline/internal/domain"
)

// postmarkSender is the part of *postmark.Client the email dispatcher uses.
type postmarkSender interface {
	SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error)
}

// EmailProvider delivers notifications through Postmark's transactional API.
type EmailProvider struct {
	client postmarkSender
	from   string
}

// NewPostmarkClient creates a Postmark client whose requests give up after
// timeout. Zero leaves the client without a deadline.
func NewPostmarkClient(serverToken, accountToken string, timeout time.Duration) *postmark.Client {
	client := postmark.NewClient(serverToken, accountToken)
	client.HTTPClient.Timeout = timeout
	return client
}

// NewEmailProvider creates a Postmark-backed dispatcher.
func NewEmailProvider(serverToken, accountToken, from string, timeout time.Duration) (*EmailProvider, error) {
	if serverToken == "" {
		return nil, errors.New("postmark server token is required")
	}
	if from == "" {
		return nil, errors.New("email sender address is required")
	}
	return &EmailProvider{client: NewPostmarkClient(serverToken, accountToken, timeout), from: from}, nil
}

// NewEmailProviderWithClient is used by tests to inject a fake Postmark client.
func NewEmailProviderWithClient(client postmarkSender, from string) *EmailProvider {
	return &EmailProvider{client: client, from: from}
}

func (p *EmailProvider) Send(ctx context.Context, msg Message) (*SendResponse, error) {
	if msg.To.Email == "" {
		return nil, fail(domain.ChannelEmail, errors.New("recipient email not found"))
	}

	resp, err := p.client.SendEmail(ctx, postmark.Email{
		From:       p.from,
		To:         msg.To.Email,
		Subject:    msg.Title,
		Tag:        msg.Type,
		TextBody:   msg.Body,
		HTMLBody:   "<p>" + strings.ReplaceAll(html.EscapeString(msg.Body), "\n", "<br>") + "</p>",
		TrackOpens: true,
		TrackLinks: "HtmlOnly",
		Metadata:   map[string]string{"notification_id": msg.NotificationID},
	})
	if err != nil {
		return nil, fail(domain.ChannelEmail, fmt.Errorf("postmark send: %w", err))
	}
	if resp.ErrorCode > 0 {
		return nil, fail(domain.ChannelEmail,
			fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message))
	}
	return &SendResponse{MessageID: resp.MessageID}, nil
}

var _ Provider = (*EmailProvider)(nil)
