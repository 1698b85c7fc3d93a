package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/notifyhub/notification-pipeline/internal/domain"
)

// pushRequest is the JSON body posted to the push gateway.
type pushRequest struct {
	Token    string          `json:"token"`
	Title    string          `json:"title"`
	Body     string          `json:"body"`
	Data     json.RawMessage `json:"data,omitempty"`
	Priority string          `json:"priority"`
}

type pushError struct {
	Error string `json:"error"`
}

// PushProvider delivers push notifications through an HTTP push gateway
// (FCM/APNs relay). The base URL is injected from config so tests can point
// to a local mock.
type PushProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewPushProvider(baseURL, apiKey string, timeout time.Duration) *PushProvider {
	return &PushProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Send posts the message to the gateway and expects a 2xx response with a
// JSON body containing messageId.
func (p *PushProvider) Send(ctx context.Context, msg Message) (*SendResponse, error) {
	if msg.To.PushToken == "" {
		return nil, fail(domain.ChannelPush, errors.New("missing push token"))
	}

	priority := "normal"
	if msg.Priority == domain.PriorityCritical || msg.Priority == domain.PriorityHigh {
		priority = "high"
	}
	body, err := json.Marshal(pushRequest{
		Token:    msg.To.PushToken,
		Title:    msg.Title,
		Body:     msg.Body,
		Data:     msg.Data,
		Priority: priority,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fail(domain.ChannelPush, fmt.Errorf("send request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var pe pushError
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &pe) != nil || pe.Error == "" {
			pe.Error = string(bytes.TrimSpace(raw))
		}
		return nil, fail(domain.ChannelPush,
			fmt.Errorf("push gateway status %d: %s", resp.StatusCode, pe.Error))
	}

	var sendResp SendResponse
	if err := json.NewDecoder(resp.Body).Decode(&sendResp); err != nil {
		return nil, fail(domain.ChannelPush, fmt.Errorf("decode response: %w", err))
	}
	return &sendResp, nil
}

// compile-time check that PushProvider implements Provider
var _ Provider = (*PushProvider)(nil)
