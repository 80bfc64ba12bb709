package timeline

import (
	"fmt"
	"strings"
	"time"
)

// Layouts accepted for clip timestamps and command line ranges. Layouts
// without a zone parse as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04Z0700",
	"2006-01-02T15:04 Z07:00",
	"2006-01-02T15:04 -0700",
	"2006-01-02T15:04 MST",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04Z07:00",
	"2006-01-02 15:04 Z07:00",
	"2006-01-02 15:04 -0700",
	"2006-01-02 15:04 MST",
	"2006-01-02 15:04",
}

// ParseTimestamp parses s with the accepted layouts and normalises to UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// SlotStamp renders a slot start the way clip file names expect it.
func SlotStamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
