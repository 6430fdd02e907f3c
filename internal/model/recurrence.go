package model

import "time"

type PatternType string

const (
	PatternDaily  PatternType = "daily"
	PatternWeekly PatternType = "weekly"
	PatternCustom PatternType = "custom"
)

// RecurrencePattern describes a schedule fitted to at least two instances
// on distinct dates at a matching time of day.
type RecurrencePattern struct {
	Type       PatternType    `json:"type"`
	TimeOfDay  string         `json:"time_of_day"` // "15:04"
	DaysOfWeek []time.Weekday `json:"days_of_week,omitempty"`

	// Instances are sorted ascending.
	Instances      []time.Time `json:"instances"`
	NextOccurrence *time.Time  `json:"next_occurrence,omitempty"`

	// RRule is the RFC 5545 rule body for daily/weekly cadences.
	RRule string `json:"rrule,omitempty"`
}

// IsWeekdays reports a weekly Monday..Friday cadence.
func (p RecurrencePattern) IsWeekdays() bool {
	if p.Type != PatternWeekly || len(p.DaysOfWeek) != 5 {
		return false
	}
	for i, d := range p.DaysOfWeek {
		if d != time.Monday+time.Weekday(i) {
			return false
		}
	}
	return true
}
