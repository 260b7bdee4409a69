package wire

import (
	"strings"
	"time"
)

// Canonical textual date forms used across the protocol. Branch software only
// understands day-first dates; storage sometimes hands back year-first ones.
const (
	DateLayout     = "02.01.2006"
	DateTimeLayout = "02.01.2006 15:04:05"
)

var dateInputLayouts = []string{
	"02.01.2006 15:04:05",
	"2006.01.02 15:04:05",
	"02.01.2006",
	"2006.01.02",
}

// NormalizeDate reformats a date-valued field to the canonical DD.MM.YYYY
// form, accepting either DD.MM.YYYY or YYYY.MM.DD input (with an optional
// time component, which is dropped). Unparseable input is returned unchanged
// so a bad field never corrupts its siblings.
func NormalizeDate(s string) string {
	t, ok := parseDate(s)
	if !ok {
		return s
	}
	return t.Format(DateLayout)
}

// NormalizeDateTime mirrors NormalizeDate but keeps the time component,
// emitting DD.MM.YYYY HH:mm:ss.
func NormalizeDateTime(s string) string {
	t, ok := parseDate(s)
	if !ok {
		return s
	}
	return t.Format(DateTimeLayout)
}

func parseDate(s string) (time.Time, bool) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return time.Time{}, false
	}
	for _, layout := range dateInputLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
