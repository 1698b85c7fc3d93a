package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/notifyhub/notification-pipeline/internal/domain"
)

// messageCreator is the part of the Twilio REST API used by the SMS and
// WhatsApp dispatchers.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// NewTwilioClient creates the REST client shared by SMS and WhatsApp. The
// Twilio API calls take no context, so timeout bounds every request.
func NewTwilioClient(accountSID, authToken string, timeout time.Duration) *twilio.RestClient {
	c := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	if timeout > 0 {
		c.SetTimeout(timeout)
	}
	return c
}

// SMSProvider delivers text messages through Twilio.
type SMSProvider struct {
	api            messageCreator
	from           string
	defaultCountry string
}

func NewSMSProvider(client *twilio.RestClient, from, defaultCountry string) *SMSProvider {
	return NewSMSProviderWithClient(client.Api, from, defaultCountry)
}

// NewSMSProviderWithClient is used by tests to inject a fake Twilio API.
func NewSMSProviderWithClient(api messageCreator, from, defaultCountry string) *SMSProvider {
	return &SMSProvider{api: api, from: from, defaultCountry: defaultCountry}
}

func (p *SMSProvider) Send(ctx context.Context, msg Message) (*SendResponse, error) {
	if msg.To.Phone == "" {
		return nil, fail(domain.ChannelSMS, errors.New("recipient phone number not found"))
	}
	to, err := NormalizePhone(msg.To.Phone, p.defaultCountry)
	if err != nil {
		return nil, fail(domain.ChannelSMS, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fail(domain.ChannelSMS, err)
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(p.from)
	params.SetBody(smsText(msg))

	resp, err := p.api.CreateMessage(params)
	if err != nil {
		return nil, fail(domain.ChannelSMS, fmt.Errorf("twilio create message: %w", err))
	}
	return &SendResponse{MessageID: sid(resp)}, nil
}

func smsText(msg Message) string {
	if msg.Title == "" {
		return msg.Body
	}
	return msg.Title + ": " + msg.Body
}

func sid(m *twilioApi.ApiV2010Message) string {
	if m == nil || m.Sid == nil {
		return ""
	}
	return *m.Sid
}

var _ Provider = (*SMSProvider)(nil)
