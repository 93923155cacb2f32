package expiry

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Layouts the collector has been observed to deliver, tried in order. The
// exchange's own contract notation is ddMONyyyy; broker feeds tend to send
// ISO dates or dd-Mon-yyyy.
var expiryLayouts = []string{
	"2006-01-02",
	"02-Jan-2006",
	"2-Jan-2006",
	"02Jan2006",
	time.RFC3339,
}

// ParseExpiryDate parses a raw expiry string into a midnight timestamp in
// the given location. Month names are matched case-insensitively.
func ParseExpiryDate(raw string, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty expiry date")
	}
	if loc == nil {
		loc = time.UTC
	}

	candidates := []string{s}
	if normalized := canonicalMonthCase(s); normalized != s {
		candidates = append(candidates, normalized)
	}
	for _, layout := range expiryLayouts {
		for _, candidate := range candidates {
			t, err := time.ParseInLocation(layout, candidate, loc)
			if err != nil {
				continue
			}
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized expiry date %q", raw)
}

// canonicalMonthCase rewrites each letter run to leading-upper trailing-lower
// so 10APR2025 and 10-apr-2025 match the Jan-style layouts.
func canonicalMonthCase(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevLetter := false
	for _, r := range s {
		isLetter := unicode.IsLetter(r)
		switch {
		case isLetter && !prevLetter:
			b.WriteRune(unicode.ToUpper(r))
		case isLetter:
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(r)
		}
		prevLetter = isLetter
	}
	return b.String()
}

// IsMonthlyAnchor reports whether d is the last occurrence of its weekday in
// its calendar month, which is exactly when d plus seven days lands in the
// following month.
func IsMonthlyAnchor(d time.Time) bool {
	return d.AddDate(0, 0, 7).Month() != d.Month()
}
