package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"

	"github.com/notifyhub/notification-pipeline/internal/domain"
	"github.com/notifyhub/notification-pipeline/internal/kvstore"
)

// DailyBudget is the WhatsApp message cap that resets at UTC midnight. It
// models the account-wide third-party quota and is independent of the
// shared limiter. With a shared store the count spans every process; the
// in-memory count is used alone, or when the store is unreachable.
type DailyBudget struct {
	mu     sync.Mutex
	limit  int
	used   int
	day    string
	now    func() time.Time
	store  kvstore.Store
	logger *zap.Logger
}

func NewDailyBudget(limit int, now func() time.Time) *DailyBudget {
	if now == nil {
		now = time.Now
	}
	return &DailyBudget{limit: limit, now: now, logger: zap.NewNop()}
}

// WithSharedStore counts the budget in store under whatsapp:budget:<UTC date>.
func (b *DailyBudget) WithSharedStore(store kvstore.Store, logger *zap.Logger) *DailyBudget {
	b.store = store
	if logger != nil {
		b.logger = logger
	}
	return b
}

func budgetKey(now time.Time) string {
	return "whatsapp:budget:" + now.Format(time.DateOnly)
}

// untilMidnight is the time left in now's UTC day.
func untilMidnight(now time.Time) time.Duration {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC).Sub(now)
}

func (b *DailyBudget) roll() {
	if today := b.now().UTC().Format(time.DateOnly); today != b.day {
		b.day = today
		b.used = 0
	}
}

// Reserve consumes one message from today's budget. It returns false when the
// budget is exhausted.
func (b *DailyBudget) Reserve(ctx context.Context) bool {
	if b.store != nil {
		now := b.now().UTC()
		n, _, err := b.store.Incr(ctx, budgetKey(now), untilMidnight(now))
		if err == nil {
			return n <= int64(b.limit)
		}
		b.logger.Warn("shared whatsapp budget unavailable, counting locally", zap.Error(err))
	}
	return b.reserveLocal()
}

func (b *DailyBudget) reserveLocal() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roll()
	if b.used >= b.limit {
		return false
	}
	b.used++
	return true
}

// Remaining returns the messages left today.
func (b *DailyBudget) Remaining(ctx context.Context) int {
	if b.store != nil {
		used, err := b.sharedUsed(ctx)
		if err == nil {
			return max(b.limit-used, 0)
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roll()
	return max(b.limit-b.used, 0)
}

func (b *DailyBudget) sharedUsed(ctx context.Context) (int, error) {
	v, err := b.store.Get(ctx, budgetKey(b.now().UTC()))
	if errors.Is(err, kvstore.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(v)
}

// WhatsAppTemplate references a pre-approved content template.
type WhatsAppTemplate struct {
	ContentSID string            `json:"contentSid"`
	Variables  map[string]string `json:"variables,omitempty"`
}

// WhatsAppInteractive is a quick-reply message. The template behind
// ContentSID takes the body as variable "1" and the buttons as "2", "3", ...
type WhatsAppInteractive struct {
	ContentSID string   `json:"contentSid"`
	Body       string   `json:"body"`
	Buttons    []string `json:"buttons"`
}

// whatsAppData is the optional shape of Notification.Data selecting a
// template or interactive message instead of plain text.
type whatsAppData struct {
	WhatsApp *struct {
		Template    *WhatsAppTemplate    `json:"template,omitempty"`
		Interactive *WhatsAppInteractive `json:"interactive,omitempty"`
	} `json:"whatsapp,omitempty"`
}

// WhatsAppProvider delivers WhatsApp messages through Twilio. Every variant
// passes the daily budget check before any outbound call.
type WhatsAppProvider struct {
	api            messageCreator
	from           string
	defaultCountry string
	budget         *DailyBudget
	onBudget       func(remaining int)
}

func NewWhatsAppProvider(client *twilio.RestClient, from, defaultCountry string, budget *DailyBudget) *WhatsAppProvider {
	return NewWhatsAppProviderWithClient(client.Api, from, defaultCountry, budget)
}

// NewWhatsAppProviderWithClient is used by tests to inject a fake Twilio API.
func NewWhatsAppProviderWithClient(api messageCreator, from, defaultCountry string, budget *DailyBudget) *WhatsAppProvider {
	return &WhatsAppProvider{
		api:            api,
		from:           from,
		defaultCountry: defaultCountry,
		budget:         budget,
		onBudget:       func(int) {},
	}
}

// OnBudgetChange registers a hook receiving the remaining budget after each send.
func (p *WhatsAppProvider) OnBudgetChange(fn func(remaining int)) {
	if fn != nil {
		p.onBudget = fn
	}
}

// Remaining returns today's unused budget.
func (p *WhatsAppProvider) Remaining(ctx context.Context) int { return p.budget.Remaining(ctx) }

// Send picks the message variant from msg.Data and falls back to plain text.
func (p *WhatsAppProvider) Send(ctx context.Context, msg Message) (*SendResponse, error) {
	if len(msg.Data) > 0 {
		var d whatsAppData
		if err := json.Unmarshal(msg.Data, &d); err == nil && d.WhatsApp != nil {
			switch {
			case d.WhatsApp.Template != nil:
				return p.SendTemplate(ctx, msg.To.Phone, *d.WhatsApp.Template)
			case d.WhatsApp.Interactive != nil:
				return p.SendInteractive(ctx, msg.To.Phone, *d.WhatsApp.Interactive)
			}
		}
	}
	return p.SendText(ctx, msg.To.Phone, smsText(msg))
}

func (p *WhatsAppProvider) SendText(ctx context.Context, phone, body string) (*SendResponse, error) {
	params := &twilioApi.CreateMessageParams{}
	params.SetBody(body)
	return p.deliver(ctx, phone, params)
}

func (p *WhatsAppProvider) SendTemplate(ctx context.Context, phone string, tpl WhatsAppTemplate) (*SendResponse, error) {
	if tpl.ContentSID == "" {
		return nil, fail(domain.ChannelWhatsApp, errors.New("template content sid is required"))
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetContentSid(tpl.ContentSID)
	if len(tpl.Variables) > 0 {
		vars, err := json.Marshal(tpl.Variables)
		if err != nil {
			return nil, fmt.Errorf("marshal template variables: %w", err)
		}
		params.SetContentVariables(string(vars))
	}
	return p.deliver(ctx, phone, params)
}

func (p *WhatsAppProvider) SendInteractive(ctx context.Context, phone string, im WhatsAppInteractive) (*SendResponse, error) {
	if len(im.Buttons) == 0 || len(im.Buttons) > 3 {
		return nil, fail(domain.ChannelWhatsApp, fmt.Errorf("interactive message needs 1 to 3 buttons, got %d", len(im.Buttons)))
	}
	vars := map[string]string{"1": im.Body}
	for i, b := range im.Buttons {
		vars[strconv.Itoa(i+2)] = b
	}
	return p.SendTemplate(ctx, phone, WhatsAppTemplate{ContentSID: im.ContentSID, Variables: vars})
}

func (p *WhatsAppProvider) deliver(ctx context.Context, phone string, params *twilioApi.CreateMessageParams) (*SendResponse, error) {
	if phone == "" {
		return nil, fail(domain.ChannelWhatsApp, errors.New("recipient phone number not found"))
	}
	to, err := NormalizePhone(phone, p.defaultCountry)
	if err != nil {
		return nil, fail(domain.ChannelWhatsApp, err)
	}
	if !p.budget.Reserve(ctx) {
		return nil, fail(domain.ChannelWhatsApp, domain.ErrBudgetExhausted)
	}
	defer func() { p.onBudget(p.budget.Remaining(context.WithoutCancel(ctx))) }()

	if err := ctx.Err(); err != nil {
		return nil, fail(domain.ChannelWhatsApp, err)
	}
	params.SetTo("whatsapp:" + to)
	params.SetFrom("whatsapp:" + p.from)

	resp, err := p.api.CreateMessage(params)
	if err != nil {
		return nil, fail(domain.ChannelWhatsApp, fmt.Errorf("twilio create message: %w", err))
	}
	return &SendResponse{MessageID: sid(resp)}, nil
}

var _ Provider = (*WhatsAppProvider)(nil)
