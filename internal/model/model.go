package model

import (
	"strings"
	"time"
)

// SourceType identifies the origin system of an activity item.
type SourceType string

const (
	SourceCalendar SourceType = "calendar"
	SourceEmail    SourceType = "email"
)

// RawItem is the common surface of everything a raw item source can return.
// CalendarItem and EmailItem are the only implementations; the pipeline never
// handles untyped records.
type RawItem interface {
	// Ref returns the origin identity. id may be empty.
	Ref() (SourceType, string)
	TitleText() string
	// Timeline converts the raw item into a TimelineItem without a signature.
	Timeline(loc *time.Location) TimelineItem
}

// CalendarItem is a single concrete calendar occurrence (after recurrence
// expansion and timezone normalization).
type CalendarItem struct {
	FeedID string // calendar source ID (config ICS ID)
	UID    string // iCalendar UID

	// InstanceKey uniquely identifies a single occurrence of a recurring
	// event, typically derived from the local start time.
	InstanceKey string

	Summary     string
	Description string
	Location    string

	AllDay bool

	// Start / End are in the configured display timezone.
	Start time.Time
	End   time.Time
}

func (c CalendarItem) Ref() (SourceType, string) {
	if c.UID == "" {
		return SourceCalendar, ""
	}
	if c.InstanceKey == "" {
		return SourceCalendar, c.UID
	}
	return SourceCalendar, c.UID + "@" + c.InstanceKey
}

func (c CalendarItem) TitleText() string { return c.Summary }

func (c CalendarItem) Timeline(loc *time.Location) TimelineItem {
	_, id := c.Ref()
	it := TimelineItem{
		SourceID:    id,
		SourceType:  SourceCalendar,
		Title:       strings.TrimSpace(c.Summary),
		Description: c.Description,
	}
	if !c.Start.IsZero() {
		start := c.Start
		if loc != nil {
			start = start.In(loc)
		}
		it.RawTimestamp = start.Format(time.RFC3339)
		it.StartTime = start.Format(time.RFC3339)
		it.Deadline = HumanDeadline(start, c.AllDay)
	}
	return it
}

// EmailItem is an unread message that may carry a deadline.
type EmailItem struct {
	MessageID  string
	Subject    string
	Snippet    string
	From       string
	ReceivedAt time.Time
	DueAt      *time.Time
}

func (e EmailItem) Ref() (SourceType, string) { return SourceEmail, e.MessageID }

func (e EmailItem) TitleText() string { return e.Subject }

func (e EmailItem) Timeline(loc *time.Location) TimelineItem {
	it := TimelineItem{
		SourceID:    e.MessageID,
		SourceType:  SourceEmail,
		Title:       strings.TrimSpace(e.Subject),
		Description: e.Snippet,
	}
	if e.DueAt != nil && !e.DueAt.IsZero() {
		due := *e.DueAt
		if loc != nil {
			due = due.In(loc)
		}
		it.RawTimestamp = due.Format(time.RFC3339)
		it.DueTime = due.Format(time.RFC3339)
		it.Deadline = HumanDeadline(due, false)
	}
	return it
}

// TimelineItem is the unit every pipeline stage consumes and produces.
//
// Timestamp fields are strings because they round-trip through the oracle,
// which may drop or mangle them; see Time for the resolution order.
type TimelineItem struct {
	SourceID    string     `json:"source_id,omitempty"`
	SourceType  SourceType `json:"source_type,omitempty"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`

	RawTimestamp string `json:"raw_timestamp,omitempty"`
	StartTime    string `json:"start_time,omitempty"`
	Deadline     string `json:"deadline,omitempty"` // human readable
	DueTime      string `json:"due_time,omitempty"`

	Signature string `json:"signature"`

	IsRecurring   bool               `json:"is_recurring,omitempty"`
	Recurrence    *RecurrencePattern `json:"recurrence,omitempty"`
	Cadence       string             `json:"cadence,omitempty"`
	UpcomingDates []string           `json:"upcoming_dates,omitempty"`

	// Flagged marks a title with a high historical deletion rate that was
	// kept out of the oracle candidate set.
	Flagged bool `json:"flagged,omitempty"`
}

// Time resolves the item's instant from the best available field, in order:
// raw timestamp, alternate start, formatted deadline, due time.
func (it TimelineItem) Time(loc *time.Location) (time.Time, bool) {
	for _, s := range []string{it.RawTimestamp, it.StartTime, it.Deadline, it.DueTime} {
		if s == "" {
			continue
		}
		if t, err := ParseTimestamp(s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// HasTimestamps reports whether any machine timestamp field is set.
func (it TimelineItem) HasTimestamps() bool {
	return it.RawTimestamp != "" || it.StartTime != "" || it.DueTime != ""
}

// HumanDeadline formats t the way the plan shows deadlines.
func HumanDeadline(t time.Time, allDay bool) string {
	if allDay {
		return t.Format("Mon Jan 2, 2006")
	}
	return t.Format("Mon Jan 2, 2006 15:04")
}
