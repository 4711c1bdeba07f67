// Package clock parses and formats spreadsheet date/time cells in one fixed
// zone. Every instant comparison in the system goes through this package;
// nothing does implicit local-zone math.
package clock

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	longStampLayout  = "2006-01-02 15:04:05"
	shortStampLayout = "01/02 15:04"
)

// Clock binds all parsing and now() calls to a single zone.
type Clock struct {
	loc *time.Location

	// NowFn overrides time.Now for tests.
	NowFn func() time.Time
}

// New creates a Clock for the given IANA zone name.
func New(zone string) (*Clock, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("clock: load zone %q: %w", zone, err)
	}
	return &Clock{loc: loc}, nil
}

// NewFixed creates a Clock on an already-resolved location. Used by tests.
func NewFixed(loc *time.Location) *Clock {
	return &Clock{loc: loc}
}

// Location returns the configured zone.
func (c *Clock) Location() *time.Location {
	return c.loc
}

// Now returns the current instant in the configured zone.
func (c *Clock) Now() time.Time {
	if c.NowFn != nil {
		return c.NowFn().In(c.loc)
	}
	return time.Now().In(c.loc)
}

// ParseDate parses a date cell. Accepted shapes:
//
//	"2025. 12. 25"  (dotted, optional trailing dot, flexible spacing)
//	"2025-12-25"    (ISO)
//
// Returns false for anything else; callers must treat false as "row not
// eligible", never as a zero date.
func (c *Clock) ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}

	var y, m, d int
	switch {
	case strings.Contains(s, "."):
		parts := strings.Split(strings.TrimSuffix(s, "."), ".")
		if len(parts) != 3 {
			return time.Time{}, false
		}
		var ok bool
		if y, m, d, ok = atoiTriple(parts); !ok {
			return time.Time{}, false
		}
	case strings.Contains(s, "-"):
		parts := strings.Split(s, "-")
		if len(parts) != 3 {
			return time.Time{}, false
		}
		var ok bool
		if y, m, d, ok = atoiTriple(parts); !ok {
			return time.Time{}, false
		}
	default:
		return time.Time{}, false
	}

	if y < 1000 || m < 1 || m > 12 || d < 1 || d > 31 {
		return time.Time{}, false
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, c.loc)
	// Reject normalized overflow like Feb 30.
	if t.Day() != d || t.Month() != time.Month(m) {
		return time.Time{}, false
	}
	return t, true
}

// ParseTimeOfDay parses an "H:MM" 24-hour time cell.
func (c *Clock) ParseTimeOfDay(s string) (hour, minute int, ok bool) {
	s = strings.TrimSpace(s)
	h, m, found := strings.Cut(s, ":")
	if !found {
		return 0, 0, false
	}
	hour, err := strconv.Atoi(strings.TrimSpace(h))
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, false
	}
	minute, err = strconv.Atoi(strings.TrimSpace(m))
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, false
	}
	return hour, minute, true
}

// Combine merges a date cell and a time cell into the row's scheduled
// instant. Either part failing to parse makes the whole combination absent.
func (c *Clock) Combine(dateCell, timeCell string) (time.Time, bool) {
	date, ok := c.ParseDate(dateCell)
	if !ok {
		return time.Time{}, false
	}
	h, m, ok := c.ParseTimeOfDay(timeCell)
	if !ok {
		return time.Time{}, false
	}
	return time.Date(date.Year(), date.Month(), date.Day(), h, m, 0, 0, c.loc), true
}

// ShortStamp formats an instant as "MM/DD HH:MM" for human-readable results.
func (c *Clock) ShortStamp(t time.Time) string {
	return t.In(c.loc).Format(shortStampLayout)
}

// LongStamp formats an instant as "YYYY-MM-DD HH:MM:SS". Lock expiries and
// payment-retry timestamps use this form.
func (c *Clock) LongStamp(t time.Time) string {
	return t.In(c.loc).Format(longStampLayout)
}

// ParseLong parses a long stamp back into an instant.
func (c *Clock) ParseLong(s string) (time.Time, bool) {
	t, err := time.ParseInLocation(longStampLayout, strings.TrimSpace(s), c.loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// FormatDate renders a date in the canonical ISO cell shape.
func (c *Clock) FormatDate(t time.Time) string {
	return t.In(c.loc).Format("2006-01-02")
}

func atoiTriple(parts []string) (a, b, d int, ok bool) {
	var err error
	if a, err = strconv.Atoi(strings.TrimSpace(parts[0])); err != nil {
		return 0, 0, 0, false
	}
	if b, err = strconv.Atoi(strings.TrimSpace(parts[1])); err != nil {
		return 0, 0, 0, false
	}
	if d, err = strconv.Atoi(strings.TrimSpace(parts[2])); err != nil {
		return 0, 0, 0, false
	}
	return a, b, d, true
}
