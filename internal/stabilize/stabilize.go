// Package stabilize keeps each horizon between its minimum and maximum size
// and makes sure "today" is never empty when something is due soon.
package stabilize

import (
	"sort"
	"time"

	appLog "canonplan/internal/log"
	"canonplan/internal/model"
)

// Counts holds one number per horizon.
type Counts struct {
	Today int `json:"today"`
	Week  int `json:"week"`
	Month int `json:"month"`
}

func (c Counts) Of(h model.Horizon) int {
	switch h {
	case model.HorizonToday:
		return c.Today
	case model.HorizonWeek:
		return c.Week
	case model.HorizonMonth:
		return c.Month
	}
	return 0
}

func (c *Counts) add(h model.Horizon, n int) {
	switch h {
	case model.HorizonToday:
		c.Today += n
	case model.HorizonWeek:
		c.Week += n
	case model.HorizonMonth:
		c.Month += n
	}
}

var (
	DefaultMin = Counts{Today: 2, Week: 3, Month: 3}
	DefaultMax = Counts{Today: 5, Week: 7, Month: 7}
)

const guardrailWindow = 24 * time.Hour

// Stabilizer applies backfill, capping and the today guardrail.
type Stabilizer struct {
	Min      Counts
	Max      Counts
	Location *time.Location
	Now      func() time.Time
}

// Report counts what the stabilizer changed.
type Report struct {
	Backfilled Counts `json:"backfilled"`
	Capped     Counts `json:"capped"`
	Forced     int    `json:"forced"`
	Relocated  int    `json:"relocated"`
}

type candidate struct {
	item  model.TimelineItem
	at    time.Time
	dated bool
}

// Stabilize returns a stabilized copy of tl. pool is the backfill pool: the
// deduplicated, filtered candidate set regardless of what the oracle chose.
func (s Stabilizer) Stabilize(tl model.Timeline, pool []model.TimelineItem) (model.Timeline, Report) {
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}

	var rep Report
	out := tl.Clone()
	present := out.Signatures()

	cands := make([]candidate, 0, len(pool))
	for _, it := range pool {
		t, ok := it.Time(loc)
		cands = append(cands, candidate{item: it, at: t, dated: ok})
	}
	// Nearest to now first, undated last.
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.dated != b.dated {
			return a.dated
		}
		if !a.dated {
			return false
		}
		return absDur(a.at.Sub(now)) < absDur(b.at.Sub(now))
	})

	s.backfill(&out, cands, present, now, loc, &rep, model.Horizons)

	for _, h := range model.Horizons {
		if n := s.capHorizon(&out, h, loc); n > 0 {
			rep.Capped.add(h, n)
		}
	}

	if out.Count(model.HorizonToday) == 0 {
		// Refill what the guardrail drained. Backfill stops at the minimum.
		drained := s.guardrail(&out, cands, present, now, loc, &rep)
		s.backfill(&out, cands, present, now, loc, &rep, drained)
	}

	if rep.Backfilled != (Counts{}) || rep.Capped != (Counts{}) || rep.Forced > 0 {
		appLog.Debug("stabilizer adjusted timeline",
			"backfilled", rep.Backfilled, "capped", rep.Capped, "forced", rep.Forced, "relocated", rep.Relocated)
	}
	return out, rep
}

// backfill tops each of horizons up to its minimum from the pool, nearest
// first, skipping anything already present.
func (s Stabilizer) backfill(tl *model.Timeline, cands []candidate, present map[string]bool, now time.Time, loc *time.Location, rep *Report, horizons []model.Horizon) {
	for _, h := range horizons {
		need := s.Min.Of(h) - tl.Count(h)
		for i := 0; need > 0 && i < len(cands); i++ {
			c := cands[i]
			if present[c.item.Signature] || !fits(c, h, now, loc) {
				continue
			}
			tl.Append(h, model.TierNormal, c.item)
			present[c.item.Signature] = true
			rep.Backfilled.add(h, 1)
			need--
		}
	}
}

// fits reports whether a pool item may backfill horizon h. Dated items must
// classify into h. Undated items are allowed in the week and month horizons
// only; today is reserved for things actually happening today.
func fits(c candidate, h model.Horizon, now time.Time, loc *time.Location) bool {
	if !c.dated {
		return h != model.HorizonToday
	}
	return model.ClassifyHorizon(c.at, now, loc) == h
}

// capHorizon trims h to its maximum, keeping every urgent item and the
// earliest normal items. Survivors keep their relative order.
func (s Stabilizer) capHorizon(tl *model.Timeline, h model.Horizon, loc *time.Location) int {
	limit := s.Max.Of(h)
	if limit <= 0 || tl.Count(h) <= limit {
		return 0
	}
	normals := tl.Items(h, model.TierNormal)
	room := limit - len(tl.Items(h, model.TierUrgent))
	if room < 0 {
		room = 0
	}
	if room >= len(normals) {
		return 0
	}

	idx := make([]int, len(normals))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ta, okA := normals[idx[a]].Time(loc)
		tb, okB := normals[idx[b]].Time(loc)
		if okA != okB {
			return okA
		}
		return okA && ta.Before(tb)
	})
	keep := make(map[int]bool, room)
	for _, i := range idx[:room] {
		keep[i] = true
	}
	kept := make([]model.TimelineItem, 0, room)
	for i, it := range normals {
		if keep[i] {
			kept = append(kept, it)
		}
	}
	tl.SetItems(h, model.TierNormal, kept)
	return len(normals) - len(kept)
}

// guardrail fills an empty today with items due in the next 24 hours,
// soonest first, up to today's maximum. Items already placed in a later
// horizon are moved with their tier; pool items enter as normal. It returns
// the horizons items were moved out of, in model.Horizons order.
func (s Stabilizer) guardrail(tl *model.Timeline, cands []candidate, present map[string]bool, now time.Time, loc *time.Location, rep *Report) []model.Horizon {
	type due struct {
		item model.TimelineItem
		at   time.Time
	}
	var soon []due
	seen := map[string]bool{}
	consider := func(it model.TimelineItem) {
		if seen[it.Signature] {
			return
		}
		t, ok := it.Time(loc)
		if !ok || t.Before(now) || t.Sub(now) > guardrailWindow {
			return
		}
		seen[it.Signature] = true
		soon = append(soon, due{item: it, at: t})
	}
	tl.Each(func(_ model.Horizon, _ model.Tier, it model.TimelineItem) { consider(it) })
	for _, c := range cands {
		consider(c.item)
	}
	sort.SliceStable(soon, func(i, j int) bool { return soon[i].at.Before(soon[j].at) })

	limit := s.Max.Today
	if limit <= 0 {
		limit = DefaultMax.Today
	}
	moved := map[model.Horizon]bool{}
	for _, d := range soon {
		if tl.Count(model.HorizonToday) >= limit {
			break
		}
		tier := model.TierNormal
		if present[d.item.Signature] {
			from, t, ok := tl.Remove(d.item.Signature)
			if !ok {
				continue
			}
			tier = t
			moved[from] = true
			rep.Relocated++
			appLog.Info("guardrail moved item into today", "title", d.item.Title, "from", from)
		}
		tl.Append(model.HorizonToday, tier, d.item)
		present[d.item.Signature] = true
		rep.Forced++
	}

	var drained []model.Horizon
	for _, h := range model.Horizons {
		if moved[h] {
			drained = append(drained, h)
		}
	}
	return drained
}

func absDur(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
