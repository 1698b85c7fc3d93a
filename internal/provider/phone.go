package provider

import (
	"fmt"
	"strings"
)

// NormalizePhone converts a user-entered number to E.164 (+<country><number>).
// Numbers without an international prefix are assumed to belong to
// defaultCountry. A single leading trunk zero is dropped.
func NormalizePhone(raw, defaultCountry string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "whatsapp:")

	international := strings.HasPrefix(s, "+")
	var digits strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()

	switch {
	case international:
	case strings.HasPrefix(d, "00"):
		d = d[2:]
	case strings.HasPrefix(d, "0"):
		d = strings.TrimLeft(defaultCountry, "+") + d[1:]
	case len(d) <= 10:
		d = strings.TrimLeft(defaultCountry, "+") + d
	}

	if len(d) < 8 || len(d) > 15 || d[0] == '0' {
		return "", fmt.Errorf("invalid phone number %q", raw)
	}
	return "+" + d, nil
}
