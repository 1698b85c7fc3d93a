package provider_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mrz1836/postmark"
	twilioClient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"

	"github.com/notifyhub/notification-pipeline/internal/domain"
	"github.com/notifyhub/notification-pipeline/internal/kvstore"
	"github.com/notifyhub/notification-pipeline/internal/provider"
)

type fakeTwilio struct {
	mu    sync.Mutex
	calls []*twilioApi.CreateMessageParams
	err   error
}

func (f *fakeTwilio) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, params)
	if f.err != nil {
		return nil, f.err
	}
	sid := "SM123"
	return &twilioApi.ApiV2010Message{Sid: &sid}, nil
}

func (f *fakeTwilio) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakePostmark struct {
	sent []postmark.Email
	resp postmark.EmailResponse
	err  error
}

func (f *fakePostmark) SendEmail(_ context.Context, e postmark.Email) (postmark.EmailResponse, error) {
	f.sent = append(f.sent, e)
	return f.resp, f.err
}

func TestPushProvider_Send(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"messageId":"push-1"}`))
	}))
	defer srv.Close()

	p := provider.NewPushProvider(srv.URL, "key", time.Second)
	resp, err := p.Send(context.Background(), provider.Message{
		Title:    "Hi",
		Body:     "there",
		Priority: domain.PriorityCritical,
		To:       provider.Recipient{PushToken: "tok"},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if resp.MessageID != "push-1" {
		t.Fatalf("expected push-1, got %s", resp.MessageID)
	}
	if got["token"] != "tok" || got["priority"] != "high" {
		t.Fatalf("unexpected request body %v", got)
	}
}

func TestPushProvider_ClassifiesGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"NotRegistered"}`))
	}))
	defer srv.Close()

	p := provider.NewPushProvider(srv.URL, "", time.Second)
	_, err := p.Send(context.Background(), provider.Message{To: provider.Recipient{PushToken: "tok"}})

	var pe *domain.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if pe.Type != domain.ErrorUnregisteredDevice {
		t.Fatalf("expected UNREGISTERED_DEVICE, got %s", pe.Type)
	}
}

func TestPushProvider_MissingToken(t *testing.T) {
	p := provider.NewPushProvider("http://127.0.0.1:1", "", time.Second)
	_, err := p.Send(context.Background(), provider.Message{})
	if provider.Classify(err) != domain.ErrorInvalidToken {
		t.Fatalf("expected INVALID_TOKEN, got %v", err)
	}
}

func TestEmailProvider_Send(t *testing.T) {
	fake := &fakePostmark{resp: postmark.EmailResponse{MessageID: "pm-1"}}
	p := provider.NewEmailProviderWithClient(fake, "noreply@example.com")

	resp, err := p.Send(context.Background(), provider.Message{
		NotificationID: "n1",
		Title:          "Subject",
		Body:           "a < b",
		To:             provider.Recipient{Email: "user@example.com"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.MessageID != "pm-1" {
		t.Fatalf("expected pm-1, got %s", resp.MessageID)
	}
	if len(fake.sent) != 1 || fake.sent[0].HTMLBody != "<p>a &lt; b</p>" {
		t.Fatalf("unexpected email %+v", fake.sent)
	}
}

func TestEmailProvider_ErrorCode(t *testing.T) {
	fake := &fakePostmark{resp: postmark.EmailResponse{ErrorCode: 406, Message: "Inactive recipient"}}
	p := provider.NewEmailProviderWithClient(fake, "noreply@example.com")

	_, err := p.Send(context.Background(), provider.Message{To: provider.Recipient{Email: "u@example.com"}})
	var pe *domain.ProviderError
	if !errors.As(err, &pe) || pe.Channel != domain.ChannelEmail {
		t.Fatalf("expected email ProviderError, got %v", err)
	}
}

func TestEmailProvider_StalledServerTimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client := provider.NewPostmarkClient("server-token", "", 50*time.Millisecond)
	client.BaseURL = srv.URL
	p := provider.NewEmailProviderWithClient(client, "noreply@example.com")

	start := time.Now()
	_, err := p.Send(context.Background(), provider.Message{To: provider.Recipient{Email: "u@example.com"}})
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("send blocked for %s", elapsed)
	}
	if got := provider.Classify(err); got != domain.ErrorTimeout {
		t.Fatalf("expected TIMEOUT, got %s (%v)", got, err)
	}
}

func TestNewTwilioClient_SetsRequestTimeout(t *testing.T) {
	c := provider.NewTwilioClient("AC123", "token", 3*time.Second)
	base, ok := c.RequestHandler.Client.(*twilioClient.Client)
	if !ok {
		t.Fatalf("unexpected twilio client %T", c.RequestHandler.Client)
	}
	if base.HTTPClient == nil || base.HTTPClient.Timeout != 3*time.Second {
		t.Fatalf("expected a 3s request timeout, got %+v", base.HTTPClient)
	}
}

func TestSMSProvider_NormalizesTarget(t *testing.T) {
	fake := &fakeTwilio{}
	p := provider.NewSMSProviderWithClient(fake, "+15550000000", "1")

	resp, err := p.Send(context.Background(), provider.Message{
		Body: "code 1234",
		To:   provider.Recipient{Phone: "(415) 555-2671"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.MessageID != "SM123" {
		t.Fatalf("expected SM123, got %s", resp.MessageID)
	}
	if to := *fake.calls[0].To; to != "+14155552671" {
		t.Fatalf("expected E.164 target, got %s", to)
	}
}

func TestWhatsAppProvider_BudgetExhaustedMakesNoCall(t *testing.T) {
	fake := &fakeTwilio{}
	budget := provider.NewDailyBudget(2, nil)
	p := provider.NewWhatsAppProviderWithClient(fake, "+15550000000", "1", budget)

	var remaining []int
	p.OnBudgetChange(func(r int) { remaining = append(remaining, r) })

	msg := provider.Message{Body: "hi", To: provider.Recipient{Phone: "+447911123456"}}
	for i := 0; i < 2; i++ {
		if _, err := p.Send(context.Background(), msg); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	_, err := p.Send(context.Background(), msg)
	if !errors.Is(err, domain.ErrBudgetExhausted) {
		t.Fatalf("expected ErrBudgetExhausted, got %v", err)
	}
	if !errors.Is(err, domain.ErrResourceExhausted) {
		t.Fatal("budget exhaustion must be a ResourceExhausted error")
	}
	if fake.count() != 2 {
		t.Fatalf("expected exactly 2 outbound calls, got %d", fake.count())
	}
	if len(remaining) != 2 || remaining[1] != 0 {
		t.Fatalf("unexpected budget hook values %v", remaining)
	}
}

func TestDailyBudget_ResetsAtUTCMidnight(t *testing.T) {
	now := time.Date(2026, 5, 1, 23, 59, 0, 0, time.UTC)
	b := provider.NewDailyBudget(1, func() time.Time { return now })

	ctx := context.Background()

	if !b.Reserve(ctx) {
		t.Fatal("first reserve should succeed")
	}
	if b.Reserve(ctx) {
		t.Fatal("second reserve should fail")
	}
	now = now.Add(2 * time.Minute)
	if b.Remaining(ctx) != 1 || !b.Reserve(ctx) {
		t.Fatal("budget should reset after midnight")
	}
}

func TestDailyBudget_SharedAcrossProcesses(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := kvstore.NewMemoryStore().WithClock(clock)

	fake := &fakeTwilio{}
	a := provider.NewWhatsAppProviderWithClient(fake, "+15550000000", "1",
		provider.NewDailyBudget(1, clock).WithSharedStore(store, zap.NewNop()))
	b := provider.NewWhatsAppProviderWithClient(fake, "+15550000000", "1",
		provider.NewDailyBudget(1, clock).WithSharedStore(store, zap.NewNop()))

	msg := provider.Message{Body: "hi", To: provider.Recipient{Phone: "+447911123456"}}
	if _, err := a.Send(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Send(context.Background(), msg); !errors.Is(err, domain.ErrBudgetExhausted) {
		t.Fatalf("second process must see the shared cap, got %v", err)
	}
	if fake.count() != 1 {
		t.Fatalf("expected one outbound call across both processes, got %d", fake.count())
	}
	if b.Remaining(context.Background()) != 0 {
		t.Fatal("expected no budget left")
	}

	// the shared counter expires at UTC midnight
	now = time.Date(2026, 5, 2, 0, 0, 1, 0, time.UTC)
	if _, err := b.Send(context.Background(), msg); err != nil {
		t.Fatalf("budget should reset the next day, got %v", err)
	}
}

type downStore struct{ kvstore.Store }

func (downStore) Incr(context.Context, string, time.Duration) (int64, time.Duration, error) {
	return 0, 0, errors.New("connection refused")
}

func (downStore) Get(context.Context, string) (string, error) {
	return "", errors.New("connection refused")
}

func TestDailyBudget_FallsBackToLocalCount(t *testing.T) {
	b := provider.NewDailyBudget(1, nil).WithSharedStore(downStore{}, zap.NewNop())
	ctx := context.Background()
	if !b.Reserve(ctx) || b.Reserve(ctx) {
		t.Fatal("local fallback must still enforce the cap")
	}
	if b.Remaining(ctx) != 0 {
		t.Fatal("expected no budget left")
	}
}

func TestWhatsAppProvider_Variants(t *testing.T) {
	fake := &fakeTwilio{}
	p := provider.NewWhatsAppProviderWithClient(fake, "+15550000000", "44", provider.NewDailyBudget(10, nil))
	ctx := context.Background()

	tpl := provider.Message{
		Data: json.RawMessage(`{"whatsapp":{"template":{"contentSid":"HX1","variables":{"1":"Ana"}}}}`),
		To:   provider.Recipient{Phone: "07911 123456"},
	}
	if _, err := p.Send(ctx, tpl); err != nil {
		t.Fatal(err)
	}
	call := fake.calls[0]
	if *call.ContentSid != "HX1" || *call.To != "whatsapp:+447911123456" || call.Body != nil {
		t.Fatalf("unexpected template params to=%s", *call.To)
	}

	_, err := p.SendInteractive(ctx, "+447911123456", provider.WhatsAppInteractive{
		ContentSID: "HX2", Body: "Confirm?", Buttons: []string{"Yes", "No"},
	})
	if err != nil {
		t.Fatal(err)
	}
	var vars map[string]string
	if err := json.Unmarshal([]byte(*fake.calls[1].ContentVariables), &vars); err != nil {
		t.Fatal(err)
	}
	if vars["1"] != "Confirm?" || vars["2"] != "Yes" || vars["3"] != "No" {
		t.Fatalf("unexpected variables %v", vars)
	}

	_, err = p.SendInteractive(ctx, "+447911123456", provider.WhatsAppInteractive{ContentSID: "HX2"})
	if err == nil {
		t.Fatal("expected error for interactive message without buttons")
	}
	if fake.count() != 2 {
		t.Fatalf("invalid message must not reach Twilio, got %d calls", fake.count())
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		raw, country, want string
		ok                 bool
	}{
		{"+44 20 7946 0958", "1", "+442079460958", true},
		{"(415) 555-2671", "1", "+14155552671", true},
		{"0044 7911 123456", "1", "+447911123456", true},
		{"07911 123456", "44", "+447911123456", true},
		{"whatsapp:+14155552671", "1", "+14155552671", true},
		{"12345", "1", "", false},
		{"not a phone", "1", "", false},
	}
	for _, tc := range tests {
		got, err := provider.NormalizePhone(tc.raw, tc.country)
		if tc.ok && (err != nil || got != tc.want) {
			t.Errorf("%q: expected %s, got %s (%v)", tc.raw, tc.want, got, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%q: expected error, got %s", tc.raw, got)
		}
	}
}

type recordingPublisher struct {
	channel string
	payload []byte
	err     error
}

func (p *recordingPublisher) Publish(_ context.Context, channel string, payload []byte) error {
	p.channel, p.payload = channel, payload
	return p.err
}

func TestInAppProvider_PublishIsBestEffort(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("redis down")}
	p := provider.NewInAppProvider(pub, zap.NewNop())

	resp, err := p.Send(context.Background(), provider.Message{
		NotificationID: "n1",
		To:             provider.Recipient{UserID: "u1"},
	})
	if err != nil {
		t.Fatalf("in-app must succeed when publish fails, got %v", err)
	}
	if resp.MessageID != "n1" || pub.channel != "notifications:user:u1" {
		t.Fatalf("unexpected result %+v on %s", resp, pub.channel)
	}
}

func TestRegistry(t *testing.T) {
	r := provider.NewRegistry().Register(domain.ChannelInApp, provider.NewInAppProvider(nil, zap.NewNop()))
	if _, err := r.Get(domain.ChannelInApp); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Get(domain.ChannelSMS); err == nil {
		t.Fatal("expected error for unregistered channel")
	}
	if missing := r.Missing(); len(missing) != 4 {
		t.Fatalf("expected 4 missing channels, got %v", missing)
	}
}
