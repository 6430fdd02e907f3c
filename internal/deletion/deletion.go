// Package deletion learns which titles a user keeps deleting and filters
// them out of future candidate sets.
package deletion

import (
	"context"
	"fmt"
	"time"

	appLog "canonplan/internal/log"
	"canonplan/internal/model"
	"canonplan/internal/signature"
)

// History is the completion/deletion log the learner reads.
type History interface {
	Query(ctx context.Context, userID, title string, since time.Time) ([]model.CompletionRecord, error)
}

// Verdict is the filter decision for one title.
type Verdict int

const (
	Pass Verdict = iota
	// Flag withholds the item from the oracle but keeps it for backfill.
	Flag
	Suppress
)

func (v Verdict) String() string {
	switch v {
	case Flag:
		return "flag"
	case Suppress:
		return "suppress"
	default:
		return "pass"
	}
}

// Policy holds the thresholds. Zero fields take the defaults.
type Policy struct {
	Lookback       time.Duration
	MinRecords     int
	MinDeletions   int
	AutoFilterRate float64
	FlagRate       float64

	// Allow always passes, Deny always suppresses. Matched on normalized title.
	Allow []string
	Deny  []string
}

func DefaultPolicy() Policy {
	return Policy{
		Lookback:       30 * 24 * time.Hour,
		MinRecords:     3,
		MinDeletions:   3,
		AutoFilterRate: 0.8,
		FlagRate:       0.6,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.Lookback <= 0 {
		p.Lookback = d.Lookback
	}
	if p.MinRecords <= 0 {
		p.MinRecords = d.MinRecords
	}
	if p.MinDeletions <= 0 {
		p.MinDeletions = d.MinDeletions
	}
	if p.AutoFilterRate <= 0 {
		p.AutoFilterRate = d.AutoFilterRate
	}
	if p.FlagRate <= 0 {
		p.FlagRate = d.FlagRate
	}
	return p
}

// Assessment is what the learner concluded for one title.
type Assessment struct {
	Verdict   Verdict
	Records   int
	Deletions int
	Rate      float64
	Reason    string
}

// Learner evaluates titles against a user's history.
type Learner struct {
	history History
	policy  Policy
	allow   map[string]bool
	deny    map[string]bool
	now     func() time.Time
}

func NewLearner(history History, policy Policy) *Learner {
	policy = policy.withDefaults()
	l := &Learner{
		history: history,
		policy:  policy,
		allow:   titleSet(policy.Allow),
		deny:    titleSet(policy.Deny),
		now:     time.Now,
	}
	return l
}

// WithClock replaces the time source; used by tests.
func (l *Learner) WithClock(now func() time.Time) *Learner {
	l.now = now
	return l
}

func titleSet(titles []string) map[string]bool {
	out := make(map[string]bool, len(titles))
	for _, t := range titles {
		if k := signature.NormalizeTitle(t); k != "" {
			out[k] = true
		}
	}
	return out
}

// Assess decides a single title.
func (l *Learner) Assess(ctx context.Context, userID, title string) (Assessment, error) {
	key := signature.NormalizeTitle(title)
	if l.allow[key] {
		return Assessment{Verdict: Pass, Reason: "allow list"}, nil
	}
	if l.deny[key] {
		return Assessment{Verdict: Suppress, Reason: "deny list"}, nil
	}
	if l.history == nil {
		return Assessment{Verdict: Pass, Reason: "no history"}, nil
	}

	since := l.now().Add(-l.policy.Lookback)
	recs, err := l.history.Query(ctx, userID, title, since)
	if err != nil {
		return Assessment{Verdict: Pass, Reason: "history unavailable"}, fmt.Errorf("query history for %q: %w", title, err)
	}

	a := Assessment{Records: len(recs)}
	for _, r := range recs {
		if r.Action == model.ActionDeleted {
			a.Deletions++
		}
	}
	if a.Records < l.policy.MinRecords {
		a.Reason = "not enough history"
		return a, nil
	}
	a.Rate = float64(a.Deletions) / float64(a.Records)

	switch {
	case a.Deletions < l.policy.MinDeletions:
		a.Reason = "below deletion count"
	case a.Rate >= l.policy.AutoFilterRate:
		a.Verdict = Suppress
		a.Reason = "deletion rate"
	case a.Rate >= l.policy.FlagRate:
		a.Verdict = Flag
		a.Reason = "deletion rate"
	default:
		a.Reason = "below deletion rate"
	}
	return a, nil
}

// Result splits a candidate set by verdict. Kept and Flagged preserve input
// order.
type Result struct {
	Kept       []model.TimelineItem
	Flagged    []model.TimelineItem
	Suppressed []model.TimelineItem
	// Errors holds history failures; affected items were kept.
	Errors []error
}

// Pool is the backfill pool: kept plus flagged items, flagged ones marked.
func (r Result) Pool() []model.TimelineItem {
	out := make([]model.TimelineItem, 0, len(r.Kept)+len(r.Flagged))
	out = append(out, r.Kept...)
	for _, it := range r.Flagged {
		it.Flagged = true
		out = append(out, it)
	}
	return out
}

// Filter assesses every item. Each distinct title is queried once per call.
// A history failure keeps the item.
func (l *Learner) Filter(ctx context.Context, userID string, items []model.TimelineItem) Result {
	var res Result
	cache := make(map[string]Assessment)

	for _, it := range items {
		key := signature.NormalizeTitle(it.Title)
		a, ok := cache[key]
		if !ok {
			var err error
			a, err = l.Assess(ctx, userID, it.Title)
			if err != nil {
				appLog.Warn("deletion history unavailable, keeping item", "user", userID, "title", it.Title, "err", err)
				res.Errors = append(res.Errors, err)
			}
			cache[key] = a
		}

		switch a.Verdict {
		case Suppress:
			appLog.Debug("deletion filter suppressed item", "user", userID, "title", it.Title, "reason", a.Reason, "rate", a.Rate)
			res.Suppressed = append(res.Suppressed, it)
		case Flag:
			res.Flagged = append(res.Flagged, it)
		default:
			res.Kept = append(res.Kept, it)
		}
	}
	return res
}
