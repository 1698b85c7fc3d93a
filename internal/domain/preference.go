package domain

import "time"

// User is the subset of the external user directory the pipeline reads.
type User struct {
	ID        string  `json:"id"`
	Email     string  `json:"email"`
	Phone     *string `json:"phone,omitempty"`
	PushToken *string `json:"pushToken,omitempty"`
	IsActive  bool    `json:"isActive"`
}

// Preference holds a user's per-channel opt-ins and quiet hours.
type Preference struct {
	UserID          string    `json:"userId"`
	PushEnabled     bool      `json:"pushEnabled"`
	EmailEnabled    bool      `json:"emailEnabled"`
	SMSEnabled      bool      `json:"smsEnabled"`
	WhatsAppEnabled bool      `json:"whatsappEnabled"`
	InAppEnabled    bool      `json:"inAppEnabled"`
	QuietHoursStart string    `json:"quietHoursStart,omitempty"` // "15:04"
	QuietHoursEnd   string    `json:"quietHoursEnd,omitempty"`
	PhoneNumber     *string   `json:"phoneNumber,omitempty"`
	Timezone        string    `json:"timezone,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// DefaultPreference is used when a user never saved preferences.
func DefaultPreference(userID string) *Preference {
	return &Preference{
		UserID:       userID,
		PushEnabled:  true,
		EmailEnabled: true,
		InAppEnabled: true,
		Timezone:     "UTC",
	}
}

// Allows reports whether the user accepts deliveries on ch.
// IN_APP is always allowed regardless of the stored flag.
func (p *Preference) Allows(ch Channel) bool {
	switch ch {
	case ChannelInApp:
		return true
	case ChannelPush:
		return p.PushEnabled
	case ChannelEmail:
		return p.EmailEnabled
	case ChannelSMS:
		return p.SMSEnabled
	case ChannelWhatsApp:
		return p.WhatsAppEnabled
	}
	return false
}

// EffectiveChannels returns requested ∩ allowed, keeping request order and
// dropping duplicates.
func (p *Preference) EffectiveChannels(requested []Channel) []Channel {
	seen := make(map[Channel]bool, len(requested))
	out := make([]Channel, 0, len(requested))
	for _, ch := range requested {
		if seen[ch] || !p.Allows(ch) {
			continue
		}
		seen[ch] = true
		out = append(out, ch)
	}
	return out
}

// QuietUntil returns the end of the current quiet-hours window, or the zero
// time when now is outside it (or no window is configured). Windows may span
// midnight.
func (p *Preference) QuietUntil(now time.Time) time.Time {
	if p.QuietHoursStart == "" || p.QuietHoursEnd == "" {
		return time.Time{}
	}
	start, err := time.Parse("15:04", p.QuietHoursStart)
	if err != nil {
		return time.Time{}
	}
	end, err := time.Parse("15:04", p.QuietHoursEnd)
	if err != nil {
		return time.Time{}
	}

	loc := time.UTC
	if p.Timezone != "" {
		if l, err := time.LoadLocation(p.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)
	y, m, d := local.Date()
	startAt := time.Date(y, m, d, start.Hour(), start.Minute(), 0, 0, loc)
	endAt := time.Date(y, m, d, end.Hour(), end.Minute(), 0, 0, loc)

	switch {
	case startAt.Equal(endAt):
		return time.Time{}
	case startAt.Before(endAt):
		if !local.Before(startAt) && local.Before(endAt) {
			return endAt.UTC()
		}
	default:
		// window spans midnight
		if !local.Before(startAt) {
			return endAt.AddDate(0, 0, 1).UTC()
		}
		if local.Before(endAt) {
			return endAt.UTC()
		}
	}
	return time.Time{}
}
