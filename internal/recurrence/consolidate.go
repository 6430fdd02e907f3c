package recurrence

import (
	"sort"
	"time"

	"canonplan/internal/model"
	"canonplan/internal/signature"
)

const upcomingLayout = "Mon Jan 2"

type group struct {
	key     string
	indexes []int
}

func groupByTitle(items []model.TimelineItem) []group {
	pos := map[string]int{}
	var groups []group
	for i, it := range items {
		key := signature.NormalizeTitle(it.Title)
		g, ok := pos[key]
		if !ok {
			g = len(groups)
			pos[key] = g
			groups = append(groups, group{key: key})
		}
		groups[g].indexes = append(groups[g].indexes, i)
	}
	return groups
}

// RecurringSignatures returns the signatures of every dated item that
// belongs to a same-title group with a detected pattern.
func (d Detector) RecurringSignatures(items []model.TimelineItem) map[string]bool {
	out := map[string]bool{}
	for _, g := range groupByTitle(items) {
		if len(g.indexes) < 2 {
			continue
		}
		members := pick(items, g.indexes)
		if d.DetectPattern(members) == nil {
			continue
		}
		for _, it := range members {
			if _, ok := d.InstanceTime(it); ok {
				out[it.Signature] = true
			}
		}
	}
	return out
}

// Consolidate groups items by normalized title. Groups with a detected
// pattern collapse into one entry built from the earliest instance; the
// entry takes the position of the group's first member. Members without a
// parseable timestamp are not part of the pattern and pass through. Groups
// without a pattern and singletons are unchanged.
func (d Detector) Consolidate(items []model.TimelineItem) []model.TimelineItem {
	replace := map[int]model.TimelineItem{}
	drop := map[int]bool{}

	for _, g := range groupByTitle(items) {
		if len(g.indexes) < 2 {
			continue
		}
		members := pick(items, g.indexes)
		p := d.DetectPattern(members)
		if p == nil {
			continue
		}

		first, earliest := -1, -1
		var earliestAt time.Time
		for _, idx := range g.indexes {
			t, ok := d.InstanceTime(items[idx])
			if !ok {
				continue
			}
			if first < 0 {
				first = idx
			}
			if earliest < 0 || t.Before(earliestAt) {
				earliest, earliestAt = idx, t
			}
			drop[idx] = true
		}

		entry := items[earliest]
		entry.Signature = signature.Series(entry.SourceType, entry.Title)
		entry.IsRecurring = true
		entry.Recurrence = p
		entry.Cadence = Cadence(p)
		entry.UpcomingDates = d.upcoming(p.Instances)
		replace[first] = entry
	}

	out := make([]model.TimelineItem, 0, len(items))
	for i, it := range items {
		if e, ok := replace[i]; ok {
			out = append(out, e)
			continue
		}
		if drop[i] {
			continue
		}
		out = append(out, it)
	}
	return out
}

// upcoming formats instances from today on, one per date, in order.
func (d Detector) upcoming(instances []time.Time) []string {
	now := d.now().In(d.loc())
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, d.loc())

	sorted := append([]time.Time(nil), instances...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	seen := map[string]bool{}
	var out []string
	for _, t := range sorted {
		if t.In(d.loc()).Before(today) {
			continue
		}
		s := t.In(d.loc()).Format(upcomingLayout)
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func pick(items []model.TimelineItem, idx []int) []model.TimelineItem {
	out := make([]model.TimelineItem, len(idx))
	for i, j := range idx {
		out[i] = items[j]
	}
	return out
}
