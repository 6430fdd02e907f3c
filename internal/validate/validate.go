// Package validate re-derives each item's horizon from its own timestamp and
// moves items the oracle put in the wrong place.
package validate

import (
	"time"

	appLog "canonplan/internal/log"
	"canonplan/internal/model"
)

// Correction records one item the validator moved or dropped. To is
// HorizonNone for dropped items.
type Correction struct {
	Signature string        `json:"signature"`
	Title     string        `json:"title"`
	From      model.Horizon `json:"from"`
	To        model.Horizon `json:"to"`
	Tier      model.Tier    `json:"tier"`
}

func (c Correction) Dropped() bool { return c.To == model.HorizonNone }

// Validator classifies against "now" in the user's zone.
type Validator struct {
	Location *time.Location
	Now      func() time.Time
}

// Validate returns a corrected copy of tl. Items whose computed horizon
// differs from the assigned one are moved there with their tier kept; items
// in the past or beyond the month horizon are dropped; items without a
// parseable date stay where the oracle put them.
func (v Validator) Validate(tl model.Timeline) (model.Timeline, []Correction) {
	loc := v.Location
	if loc == nil {
		loc = time.UTC
	}
	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}

	var out model.Timeline
	var corrections []Correction
	tl.Each(func(h model.Horizon, tier model.Tier, it model.TimelineItem) {
		t, ok := it.Time(loc)
		if !ok {
			out.Append(h, tier, it)
			return
		}
		got := model.ClassifyHorizon(t, now, loc)
		if got == h {
			out.Append(h, tier, it)
			return
		}
		c := Correction{Signature: it.Signature, Title: it.Title, From: h, To: got, Tier: tier}
		corrections = append(corrections, c)
		if c.Dropped() {
			appLog.Info("validator dropped out-of-range item", "title", it.Title, "from", h, "at", t.Format(time.RFC3339))
			return
		}
		appLog.Info("validator moved item", "title", it.Title, "from", h, "to", got, "tier", tier)
		out.Append(got, tier, it)
	})
	return out, corrections
}
