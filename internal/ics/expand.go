package ics

import (
	"errors"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "canonplan/internal/log"
	"canonplan/internal/model"
)

const defaultMaxOccurrencesPerEvent = 500

// ExpandConfig controls recurrence expansion.
type ExpandConfig struct {
	// Location is the zone every produced item is normalized into.
	Location *time.Location

	// RangeStart / RangeEnd bound the occurrences, inclusive.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent caps runaway rules. Zero means the default.
	MaxOccurrencesPerEvent int
}

// ExpandResult holds the expanded items and the UIDs that hit the cap.
type ExpandResult struct {
	Items     []model.CalendarItem
	Truncated []string
}

// ExpandOccurrences turns parsed events into concrete CalendarItems inside
// the configured range. It applies RRULE, EXDATE and RECURRENCE-ID overrides,
// drops cancelled instances and keeps all-day semantics. Output is sorted by
// start time so recurrence detection sees instances in order.
func ExpandOccurrences(events []Event, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	bases := make(map[string][]Event)
	overrides := make(map[string][]Event)
	var uids []string
	for _, ev := range events {
		if ev.IsOverride() {
			overrides[ev.UID] = append(overrides[ev.UID], ev)
			continue
		}
		if _, seen := bases[ev.UID]; !seen {
			uids = append(uids, ev.UID)
		}
		bases[ev.UID] = append(bases[ev.UID], ev)
	}

	for _, uid := range uids {
		for _, ev := range bases[uid] {
			items, capped := expandEvent(ev, overrides[uid], cfg)
			result.Items = append(result.Items, items...)
			if capped {
				result.Truncated = append(result.Truncated, uid)
				appLog.Warn("expand: occurrences truncated", "uid", uid, "cap", cfg.MaxOccurrencesPerEvent)
			}
		}
	}

	sort.SliceStable(result.Items, func(i, j int) bool {
		return result.Items[i].Start.Before(result.Items[j].Start)
	})
	return result, nil
}

func expandEvent(ev Event, overrides []Event, cfg ExpandConfig) ([]model.CalendarItem, bool) {
	if ev.Cancelled {
		return nil, false
	}
	if ev.RRule == "" {
		if !overlaps(ev.Start, ev.End, cfg.RangeStart, cfg.RangeEnd) {
			return nil, false
		}
		inst := ev
		if o, ok := overrideFor(overrides, ev.Start); ok {
			if o.Cancelled {
				return nil, false
			}
			inst = o
		}
		return []model.CalendarItem{toItem(inst, ev.Start, inst.Start, inst.End, cfg.Location)}, false
	}

	r, err := rrule.StrToRRule(ev.RRule)
	if err != nil {
		appLog.Warn("expand: bad RRULE", "uid", ev.UID, "rrule", ev.RRule, "err", err)
		return nil, false
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	starts := set.Between(cfg.RangeStart.In(ev.Start.Location()), cfg.RangeEnd.In(ev.Start.Location()), true)
	capped := false
	if len(starts) > cfg.MaxOccurrencesPerEvent {
		starts = starts[:cfg.MaxOccurrencesPerEvent]
		capped = true
	}

	dur := ev.End.Sub(ev.Start)
	out := make([]model.CalendarItem, 0, len(starts))
	for _, s := range starts {
		inst, start, end := ev, s, s.Add(dur)
		if ev.AllDay {
			start = time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, s.Location())
			end = start.AddDate(0, 0, 1)
		}
		if o, ok := overrideFor(overrides, s); ok {
			if o.Cancelled {
				continue
			}
			inst, start, end = o, o.Start, o.End
		}
		out = append(out, toItem(inst, s, start, end, cfg.Location))
	}
	return out, capped
}

// overrideFor finds the override whose RECURRENCE-ID equals the original
// instance start.
func overrideFor(overrides []Event, start time.Time) (Event, bool) {
	for _, o := range overrides {
		if o.Recurrence != nil && o.Recurrence.Equal(start) {
			return o, true
		}
	}
	return Event{}, false
}

// toItem builds the CalendarItem. The instance key comes from the original
// series slot so a moved instance keeps its identity.
func toItem(ev Event, slot, start, end time.Time, loc *time.Location) model.CalendarItem {
	return model.CalendarItem{
		FeedID:      ev.FeedID,
		UID:         ev.UID,
		InstanceKey: slot.In(loc).Format(time.RFC3339),
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		AllDay:      ev.AllDay,
		Start:       start.In(loc),
		End:         end.In(loc),
	}
}

func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return !aEnd.Before(bStart) && !bEnd.Before(aStart)
}
