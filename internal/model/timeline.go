package model

import (
	"fmt"
	"strings"
)

// Horizon is one of the three fixed look-ahead windows.
type Horizon int

const (
	HorizonNone Horizon = iota
	HorizonToday
	HorizonWeek
	HorizonMonth
)

// Horizons lists the placeable horizons, nearest first.
var Horizons = []Horizon{HorizonToday, HorizonWeek, HorizonMonth}

func (h Horizon) Key() string {
	switch h {
	case HorizonToday:
		return "today"
	case HorizonWeek:
		return "this_week"
	case HorizonMonth:
		return "this_month"
	default:
		return "none"
	}
}

func (h Horizon) String() string { return h.Key() }

func (h Horizon) MarshalText() ([]byte, error) {
	return []byte(h.Key()), nil
}

func (h *Horizon) UnmarshalText(b []byte) error {
	v, ok := ParseHorizon(string(b))
	if !ok {
		return fmt.Errorf("unknown horizon %q", string(b))
	}
	*h = v
	return nil
}

// ParseHorizon accepts the canonical keys plus the short aliases the oracle
// tends to produce ("1d", "7d", "28d", "horizon_1", ...).
func ParseHorizon(s string) (Horizon, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "today", "1d", "1", "horizon_1", "h1", "day":
		return HorizonToday, true
	case "this_week", "week", "7d", "2", "horizon_2", "h2", "thisweek":
		return HorizonWeek, true
	case "this_month", "month", "28d", "30d", "3", "horizon_3", "h3", "thismonth":
		return HorizonMonth, true
	default:
		return HorizonNone, false
	}
}

// Tier is the priority classification within a horizon.
type Tier string

const (
	TierUrgent Tier = "urgent"
	TierNormal Tier = "normal"
)

var Tiers = []Tier{TierUrgent, TierNormal}

func ParseTier(s string) (Tier, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "urgent", "high", "tier_1", "priority":
		return TierUrgent, true
	case "normal", "low", "tier_2", "standard", "regular":
		return TierNormal, true
	default:
		return "", false
	}
}

// Bucket holds one horizon's items split by tier.
type Bucket struct {
	Urgent []TimelineItem `json:"urgent"`
	Normal []TimelineItem `json:"normal"`
}

func (b *Bucket) tier(t Tier) *[]TimelineItem {
	if t == TierUrgent {
		return &b.Urgent
	}
	return &b.Normal
}

func (b Bucket) Len() int { return len(b.Urgent) + len(b.Normal) }

// Timeline is a horizon × tier bucketed list of items.
type Timeline struct {
	Today Bucket `json:"today"`
	Week  Bucket `json:"this_week"`
	Month Bucket `json:"this_month"`
}

// Bucket returns the bucket for h, or nil for HorizonNone.
func (t *Timeline) Bucket(h Horizon) *Bucket {
	switch h {
	case HorizonToday:
		return &t.Today
	case HorizonWeek:
		return &t.Week
	case HorizonMonth:
		return &t.Month
	default:
		return nil
	}
}

func (t *Timeline) Items(h Horizon, tier Tier) []TimelineItem {
	b := t.Bucket(h)
	if b == nil {
		return nil
	}
	return *b.tier(tier)
}

func (t *Timeline) SetItems(h Horizon, tier Tier, items []TimelineItem) {
	if b := t.Bucket(h); b != nil {
		*b.tier(tier) = items
	}
}

func (t *Timeline) Append(h Horizon, tier Tier, item TimelineItem) {
	if b := t.Bucket(h); b != nil {
		p := b.tier(tier)
		*p = append(*p, item)
	}
}

// Count is the number of items in h across both tiers.
func (t *Timeline) Count(h Horizon) int {
	if b := t.Bucket(h); b != nil {
		return b.Len()
	}
	return 0
}

func (t *Timeline) Total() int {
	return t.Today.Len() + t.Week.Len() + t.Month.Len()
}

// Each visits every item in horizon then tier order.
func (t *Timeline) Each(fn func(h Horizon, tier Tier, item TimelineItem)) {
	for _, h := range Horizons {
		for _, tier := range Tiers {
			for _, it := range t.Items(h, tier) {
				fn(h, tier, it)
			}
		}
	}
}

// Signatures returns the set of signatures present anywhere in t.
func (t *Timeline) Signatures() map[string]bool {
	out := make(map[string]bool)
	t.Each(func(_ Horizon, _ Tier, it TimelineItem) {
		if it.Signature != "" {
			out[it.Signature] = true
		}
	})
	return out
}

// Remove deletes the first item with sig, reporting where it was.
func (t *Timeline) Remove(sig string) (Horizon, Tier, bool) {
	for _, h := range Horizons {
		for _, tier := range Tiers {
			items := t.Items(h, tier)
			for i, it := range items {
				if it.Signature == sig {
					out := make([]TimelineItem, 0, len(items)-1)
					out = append(out, items[:i]...)
					out = append(out, items[i+1:]...)
					t.SetItems(h, tier, out)
					return h, tier, true
				}
			}
		}
	}
	return HorizonNone, "", false
}

// Clone deep-copies the bucket slices so callers can mutate freely.
func (t Timeline) Clone() Timeline {
	var out Timeline
	for _, h := range Horizons {
		for _, tier := range Tiers {
			src := t.Items(h, tier)
			if src == nil {
				continue
			}
			cp := make([]TimelineItem, len(src))
			copy(cp, src)
			out.SetItems(h, tier, cp)
		}
	}
	return out
}
