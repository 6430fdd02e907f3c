// Package recurrence detects repeated same-title items and consolidates them
// into one display entry carrying a cadence.
package recurrence

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"canonplan/internal/model"
)

// DefaultTolerance is how far apart instance times of day may be.
const DefaultTolerance = 5 * time.Minute

// Detector fits recurrence patterns. The zero value uses UTC, time.Now and
// DefaultTolerance.
type Detector struct {
	Location  *time.Location
	Now       func() time.Time
	Tolerance time.Duration
}

func (d Detector) loc() *time.Location {
	if d.Location == nil {
		return time.UTC
	}
	return d.Location
}

func (d Detector) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}
	return d.Now()
}

func (d Detector) tolerance() time.Duration {
	if d.Tolerance <= 0 {
		return DefaultTolerance
	}
	return d.Tolerance
}

// InstanceTime returns the instant used for recurrence: the raw timestamp,
// else the alternate start.
func (d Detector) InstanceTime(it model.TimelineItem) (time.Time, bool) {
	for _, s := range []string{it.RawTimestamp, it.StartTime} {
		if s == "" {
			continue
		}
		if t, err := model.ParseTimestamp(s, d.loc()); err == nil {
			return t.In(d.loc()), true
		}
	}
	return time.Time{}, false
}

// DetectPattern returns the pattern shared by items, or nil when there is
// none. Callers pass items that share a normalized title.
func (d Detector) DetectPattern(items []model.TimelineItem) *model.RecurrencePattern {
	p, err := d.Fit(items)
	if err != nil {
		return nil
	}
	return p
}

// Fit is DetectPattern with the reason for a miss. Fewer than two distinct
// dates yields model.ErrInsufficientInstances.
func (d Detector) Fit(items []model.TimelineItem) (*model.RecurrencePattern, error) {
	if len(items) < 2 {
		return nil, fmt.Errorf("%w: %d items", model.ErrInsufficientInstances, len(items))
	}

	times := make([]time.Time, 0, len(items))
	for _, it := range items {
		if t, ok := d.InstanceTime(it); ok {
			times = append(times, t)
		}
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	// One instance per calendar date.
	var dates []time.Time
	for _, t := range times {
		if len(dates) == 0 || !sameDate(dates[len(dates)-1], t) {
			dates = append(dates, t)
		}
	}
	if len(dates) < 2 {
		return nil, fmt.Errorf("%w: %d distinct dates", model.ErrInsufficientInstances, len(dates))
	}

	lo, hi := minuteOfDay(dates[0]), minuteOfDay(dates[0])
	for _, t := range dates[1:] {
		m := minuteOfDay(t)
		lo, hi = min(lo, m), max(hi, m)
	}
	if time.Duration(hi-lo)*time.Minute > d.tolerance() {
		return nil, fmt.Errorf("times of day differ by %d minutes", hi-lo)
	}

	deltas := make([]int, 0, len(dates)-1)
	for i := 1; i < len(dates); i++ {
		deltas = append(deltas, daysBetween(dates[i-1], dates[i]))
	}

	p := &model.RecurrencePattern{
		TimeOfDay: dates[0].Format("15:04"),
		Instances: dates,
	}
	switch {
	case weekdaysOnly(dates, deltas):
		p.Type = model.PatternWeekly
		p.DaysOfWeek = []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}
	case allEqual(deltas, 1):
		p.Type = model.PatternDaily
	default:
		days := distinctWeekdays(dates)
		if len(days) >= 2 && len(days) <= 5 && distinctCount(deltas) <= 3 {
			p.Type = model.PatternWeekly
			p.DaysOfWeek = days
		} else {
			p.Type = model.PatternCustom
		}
	}

	d.attachRule(p, deltas)
	return p, nil
}

// attachRule renders an RRULE for the cadence when one exists and uses it to
// find the next occurrence after now. Irregular custom patterns fall back to
// the next known instance.
func (d Detector) attachRule(p *model.RecurrencePattern, deltas []int) {
	now := d.now()
	opt := rrule.ROption{Dtstart: p.Instances[0]}
	switch {
	case p.Type == model.PatternDaily:
		opt.Freq = rrule.DAILY
	case p.Type == model.PatternWeekly:
		opt.Freq = rrule.WEEKLY
		for _, wd := range p.DaysOfWeek {
			opt.Byweekday = append(opt.Byweekday, rruleWeekday[wd])
		}
	case allEqual(deltas, deltas[0]):
		opt.Freq = rrule.DAILY
		opt.Interval = deltas[0]
	default:
		for _, t := range p.Instances {
			if t.After(now) {
				next := t
				p.NextOccurrence = &next
				break
			}
		}
		return
	}

	r, err := rrule.NewRRule(opt)
	if err != nil {
		return
	}
	p.RRule = opt.RRuleString()
	if next := r.After(now, false); !next.IsZero() {
		next = next.In(d.loc())
		p.NextOccurrence = &next
	}
}

var rruleWeekday = map[time.Weekday]rrule.Weekday{
	time.Monday:    rrule.MO,
	time.Tuesday:   rrule.TU,
	time.Wednesday: rrule.WE,
	time.Thursday:  rrule.TH,
	time.Friday:    rrule.FR,
	time.Saturday:  rrule.SA,
	time.Sunday:    rrule.SU,
}

// Cadence describes the pattern for display, e.g. "Every weekday at 09:00".
func Cadence(p *model.RecurrencePattern) string {
	if p == nil {
		return ""
	}
	switch {
	case p.IsWeekdays():
		return "Every weekday at " + p.TimeOfDay
	case p.Type == model.PatternDaily:
		return "Daily at " + p.TimeOfDay
	case p.Type == model.PatternWeekly:
		names := make([]string, 0, len(p.DaysOfWeek))
		for _, wd := range p.DaysOfWeek {
			names = append(names, wd.String()[:3])
		}
		return "Every " + strings.Join(names, ", ") + " at " + p.TimeOfDay
	default:
		if len(p.Instances) >= 2 {
			var deltas []int
			for i := 1; i < len(p.Instances); i++ {
				deltas = append(deltas, daysBetween(p.Instances[i-1], p.Instances[i]))
			}
			if allEqual(deltas, deltas[0]) {
				return fmt.Sprintf("Every %d days at %s", deltas[0], p.TimeOfDay)
			}
		}
		return fmt.Sprintf("Repeats at %s (%d times)", p.TimeOfDay, len(p.Instances))
	}
}

// weekdaysOnly matches a Monday..Friday cadence: every date is a weekday and
// every gap is one day, or three days across a weekend.
func weekdaysOnly(dates []time.Time, deltas []int) bool {
	for _, t := range dates {
		if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
			return false
		}
	}
	for i, dl := range deltas {
		switch {
		case dl == 1:
		case dl == 3 && dates[i].Weekday() == time.Friday:
		default:
			return false
		}
	}
	return true
}

func distinctWeekdays(dates []time.Time) []time.Weekday {
	seen := map[time.Weekday]bool{}
	for _, t := range dates {
		seen[t.Weekday()] = true
	}
	out := make([]time.Weekday, 0, len(seen))
	// Monday first.
	for _, wd := range []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday, time.Sunday} {
		if seen[wd] {
			out = append(out, wd)
		}
	}
	return out
}

func distinctCount(xs []int) int {
	seen := map[int]bool{}
	for _, x := range xs {
		seen[x] = true
	}
	return len(seen)
}

func allEqual(xs []int, v int) bool {
	for _, x := range xs {
		if x != v {
			return false
		}
	}
	return len(xs) > 0
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func daysBetween(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	da := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	db := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}

func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}
