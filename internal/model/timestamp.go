package model

import (
	"fmt"
	"strings"
	"time"
)

// Layouts with an explicit offset are parsed as-is; the rest are interpreted
// in the caller's location.
var zonedLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"20060102T150405Z",
	time.RFC1123Z,
	time.RFC1123,
}

var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"20060102T150405",
	"20060102",
	"Mon Jan 2, 2006 15:04",
	"Mon Jan 2, 2006",
	"Mon, Jan 2, 2006 15:04",
	"Jan 2, 2006 15:04",
	"Jan 2, 2006 3:04 PM",
	"Jan 2, 2006",
	"January 2, 2006",
}

// ParseTimestamp parses the timestamp shapes seen from calendar providers,
// mail exports and oracle echoes. A nil loc means UTC.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrUnparseableTimestamp)
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.In(loc), nil
		}
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrUnparseableTimestamp, s)
}

// DayOffset is the number of calendar days from now's date to t's date, both
// taken in loc.
func DayOffset(t, now time.Time, loc *time.Location) int {
	if loc == nil {
		loc = time.UTC
	}
	ty, tm, td := t.In(loc).Date()
	ny, nm, nd := now.In(loc).Date()
	a := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	b := time.Date(ny, nm, nd, 0, 0, 0, 0, time.UTC)
	return int(a.Sub(b).Hours() / 24)
}

// ClassifyHorizon maps an instant onto the look-ahead windows: same date as
// now is today, the next 7 days are this week, up to 28 days is this month.
// Anything in the past or further out is HorizonNone.
func ClassifyHorizon(t, now time.Time, loc *time.Location) Horizon {
	days := DayOffset(t, now, loc)
	switch {
	case days < 0:
		return HorizonNone
	case days == 0:
		return HorizonToday
	case days <= 7:
		return HorizonWeek
	case days <= 28:
		return HorizonMonth
	default:
		return HorizonNone
	}
}
