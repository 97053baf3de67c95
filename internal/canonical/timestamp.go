package canonical

import (
	"strings"
	"time"
)

// TimeLayout is the only timestamp form that enters a hash.
const TimeLayout = "2006-01-02T15:04:05.000000+00:00"

// FormatTime renders t in TimeLayout. t must already be UTC.
func FormatTime(t time.Time) (string, error) {
	if t.Location() != time.UTC {
		return "", ErrNotUTC
	}
	return t.Truncate(time.Microsecond).Format(TimeLayout), nil
}

// NormalizeTimestamp parses an ISO-8601 timestamp with a "Z" or numeric
// offset and re-renders it in TimeLayout.
func NormalizeTimestamp(s string) (string, error) {
	t, err := ParseTimestamp(s)
	if err != nil {
		return "", err
	}
	return t.Format(TimeLayout), nil
}

// ParseTimestamp parses s and converts it to UTC with microsecond precision.
// A timestamp without an offset is rejected.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, ErrBadTimestamp
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, ErrBadTimestamp
	}
	return t.UTC().Truncate(time.Microsecond), nil
}
