package whatsapp

import (
	"fmt"
	"strings"
)

const (
	countryCode   = "55"
	addressSuffix = "@c.us"

	// DefaultDDD is the area code assumed when a number arrives
	// without one.
	DefaultDDD = "11"
)

// NormalizeNumber converts a free-form Brazilian phone number into a
// canonical WhatsApp address. Values that already carry an address
// marker or an opaque identifier prefix pass through unchanged.
//
// Accepted digit shapes after stripping non-digits:
//   - 55 + DDD + local (12 or 13 digits total)
//   - DDD + local (10 or 11 digits): country code prepended
//   - bare local (8 or 9 digits): country code and DefaultDDD prepended
func NormalizeNumber(raw string) (string, error) {
	return NormalizeNumberWithDDD(raw, DefaultDDD)
}

// NormalizeNumberWithDDD is NormalizeNumber with a configurable
// fallback area code.
func NormalizeNumberWithDDD(raw, defaultDDD string) (string, error) {
	if strings.Contains(raw, "@") || strings.HasPrefix(raw, "lid_") {
		return raw, nil
	}

	clean := onlyDigits(raw)

	if strings.HasPrefix(clean, countryCode) {
		if len(clean) == 12 || len(clean) == 13 {
			return clean + addressSuffix, nil
		}
		return "", fmt.Errorf("%w: number with country code has length %d", ErrInvalidNumberFormat, len(clean))
	}

	switch {
	case len(clean) >= 10 && len(clean) <= 11:
		return countryCode + clean + addressSuffix, nil
	case len(clean) >= 8 && len(clean) <= 9:
		return countryCode + defaultDDD + clean + addressSuffix, nil
	}

	return "", fmt.Errorf("%w: %d digits", ErrInvalidNumberFormat, len(clean))
}

// DisplayNumber renders a canonical address as a human-readable phone
// number. Unexpected shapes are returned unchanged rather than failing.
func DisplayNumber(addr string) string {
	digits := onlyDigits(strings.TrimSuffix(addr, addressSuffix))
	if len(digits) < 4 {
		return addr
	}
	country := digits[:2]
	if len(digits) < 10 || country != countryCode {
		return addr
	}
	ddd := digits[2:4]
	rest := digits[4:]
	switch len(rest) {
	case 9:
		return fmt.Sprintf("+%s (%s) %s-%s", country, ddd, rest[:5], rest[5:])
	case 8:
		return fmt.Sprintf("+%s (%s) %s-%s", country, ddd, rest[:4], rest[4:])
	default:
		return addr
	}
}

// NormalizeForLookup reduces a sender identifier to the bare local
// digits used for appointment matching: address suffix and non-digits
// stripped, one leading country code removed. Returns "" when no
// usable digits remain.
func NormalizeForLookup(raw string) string {
	digits := onlyDigits(strings.TrimSuffix(raw, addressSuffix))
	digits = strings.TrimPrefix(digits, countryCode)
	return digits
}

func onlyDigits(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
