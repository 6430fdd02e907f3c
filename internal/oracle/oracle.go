// Package oracle asks an external text-generation service to place candidate
// items on the horizon × tier timeline and treats whatever comes back as
// untrusted input.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	appLog "canonplan/internal/log"
	"canonplan/internal/model"
	"canonplan/internal/signature"
)

const maxAttempts = 3

// Adapter wraps an LLMCaller with prompting, retries, defensive parsing and
// timestamp restoration.
type Adapter struct {
	caller  LLMCaller
	timeout time.Duration
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration)
}

func NewAdapter(caller LLMCaller, timeout time.Duration) *Adapter {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Adapter{caller: caller, timeout: timeout, now: time.Now, sleep: sleepCtx}
}

// WithClock replaces the time source; used by tests.
func (a *Adapter) WithClock(now func() time.Time) *Adapter {
	a.now = now
	return a
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Report describes one categorization call.
type Report struct {
	Attempts  int  `json:"attempts"`
	Returned  int  `json:"returned"`  // items the oracle placed
	Joined    int  `json:"joined"`    // items matched back to a candidate
	Discarded int  `json:"discarded"` // items that matched no candidate, or repeated one
	Malformed bool `json:"malformed"`
}

// Request is the context sent with the candidates.
type Request struct {
	UserID     string
	Location   *time.Location
	Candidates []model.TimelineItem
}

// Categorize sends the candidates and returns the oracle's timeline with
// every item re-joined to its candidate.
//
// An unreachable oracle returns an error wrapping model.ErrOracleUnavailable
// and no timeline. A malformed answer is not an error: the timeline is empty
// (or partial) and Report.Malformed is set.
func (a *Adapter) Categorize(ctx context.Context, req Request) (model.Timeline, Report, error) {
	var rep Report
	loc := req.Location
	if loc == nil {
		loc = time.UTC
	}
	if len(req.Candidates) == 0 {
		return model.Timeline{}, rep, nil
	}

	prompt, err := buildPrompt(a.now().In(loc), req.Candidates)
	if err != nil {
		return model.Timeline{}, rep, err
	}

	raw, attempts, err := a.call(ctx, prompt)
	rep.Attempts = attempts
	if err != nil {
		return model.Timeline{}, rep, fmt.Errorf("%w: %w", model.ErrOracleUnavailable, err)
	}

	parsed, err := Parse(raw)
	if err != nil {
		rep.Malformed = true
		appLog.Warn("oracle response malformed, using empty timeline", "user", req.UserID, "err", err)
	}
	rep.Returned = parsed.Total()

	tl, joined, discarded := Restore(parsed, req.Candidates)
	rep.Joined, rep.Discarded = joined, discarded
	if discarded > 0 {
		appLog.Warn("oracle returned unknown items", "user", req.UserID, "discarded", discarded)
	}
	return tl, rep, nil
}

// call performs the request with a per-attempt timeout, retrying transient
// failures.
func (a *Adapter) call(ctx context.Context, prompt string) (string, int, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		actx, cancel := context.WithTimeout(ctx, a.timeout)
		raw, err := a.caller.GenerateJSON(actx, prompt)
		cancel()
		if err == nil {
			return raw, attempt, nil
		}
		if ctx.Err() != nil {
			return "", attempt, ctx.Err()
		}

		class := classifyTransportError(err)
		lastErr = err
		if class.transient() {
			lastErr = fmt.Errorf("%w: %v", model.ErrTransientExternal, err)
			if attempt < maxAttempts {
				appLog.Warn("oracle call failed, retrying", "attempt", attempt, "err", err)
				a.sleep(ctx, backoffDelay(attempt))
				continue
			}
		}
		return "", attempt, lastErr
	}
	return "", maxAttempts, lastErr
}

type promptItem struct {
	Signature   string   `json:"signature"`
	SourceID    string   `json:"source_id,omitempty"`
	Kind        string   `json:"kind,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	When        string   `json:"when,omitempty"`
	Deadline    string   `json:"deadline,omitempty"`
	Cadence     string   `json:"cadence,omitempty"`
	Upcoming    []string `json:"upcoming,omitempty"`
}

func buildPrompt(now time.Time, candidates []model.TimelineItem) (string, error) {
	items := make([]promptItem, 0, len(candidates))
	for _, c := range candidates {
		when := c.RawTimestamp
		if when == "" {
			when = c.StartTime
		}
		if when == "" {
			when = c.DueTime
		}
		items = append(items, promptItem{
			Signature:   c.Signature,
			SourceID:    c.SourceID,
			Kind:        string(c.SourceType),
			Title:       c.Title,
			Description: truncate(c.Description, 280),
			When:        when,
			Deadline:    c.Deadline,
			Cadence:     c.Cadence,
			Upcoming:    c.UpcomingDates,
		})
	}
	body, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Current time: %s (%s)\n\n", now.Format(time.RFC3339), now.Format("Monday"))
	b.WriteString("Place each candidate below into exactly one horizon and tier.\n")
	b.WriteString("- today: happening or due today\n")
	b.WriteString("- this_week: within the next 7 days\n")
	b.WriteString("- this_month: within the next 28 days\n")
	b.WriteString("Use tier \"urgent\" only for items that need action soon or carry real consequences; everything else is \"normal\".\n")
	b.WriteString("Omit items that do not deserve attention. Echo each item's signature unchanged.\n\n")
	b.WriteString("Respond with JSON of this shape:\n")
	b.WriteString(`{"today":{"urgent":[{"signature":"...","title":"..."}],"normal":[]},"this_week":{"urgent":[],"normal":[]},"this_month":{"urgent":[],"normal":[]}}`)
	b.WriteString("\n\nCandidates:\n")
	b.Write(body)
	return b.String(), nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

// Restore re-joins oracle items to the candidates by signature, then source
// id, then normalized title. The candidate's fields win; the oracle can only
// fill a timestamp the candidate lacked. Items that match nothing, or repeat
// a candidate already placed, are dropped.
func Restore(parsed model.Timeline, candidates []model.TimelineItem) (model.Timeline, int, int) {
	bySig := make(map[string]int, len(candidates))
	byID := make(map[string]int, len(candidates))
	byTitle := make(map[string]int, len(candidates))
	for i, c := range candidates {
		if c.Signature != "" {
			bySig[c.Signature] = i
		}
		if c.SourceID != "" {
			if _, ok := byID[c.SourceID]; !ok {
				byID[c.SourceID] = i
			}
		}
		if k := signature.NormalizeTitle(c.Title); k != "" {
			if _, ok := byTitle[k]; !ok {
				byTitle[k] = i
			}
		}
	}

	var out model.Timeline
	placed := map[int]bool{}
	joined, discarded := 0, 0
	parsed.Each(func(h model.Horizon, tier model.Tier, it model.TimelineItem) {
		idx, ok := bySig[it.Signature]
		if !ok && it.SourceID != "" {
			idx, ok = byID[it.SourceID]
		}
		if !ok {
			idx, ok = byTitle[signature.NormalizeTitle(it.Title)]
		}
		if !ok || placed[idx] {
			discarded++
			return
		}
		placed[idx] = true
		joined++
		out.Append(h, tier, merge(candidates[idx], it))
	})
	return out, joined, discarded
}

func merge(cand, echo model.TimelineItem) model.TimelineItem {
	if cand.HasTimestamps() {
		return cand
	}
	// The oracle may have read a due date out of an undated message.
	if echo.RawTimestamp != "" {
		cand.RawTimestamp = echo.RawTimestamp
	}
	if echo.StartTime != "" {
		cand.StartTime = echo.StartTime
	}
	if echo.DueTime != "" {
		cand.DueTime = echo.DueTime
	}
	if cand.Deadline == "" {
		cand.Deadline = echo.Deadline
	}
	return cand
}

// LocalPlacement is the fallback when the oracle is unreachable: dated
// candidates go to the horizon their timestamp falls in, tier normal.
// Undated and out-of-range candidates are left for backfill.
func LocalPlacement(candidates []model.TimelineItem, now time.Time, loc *time.Location) model.Timeline {
	var tl model.Timeline
	for _, c := range candidates {
		t, ok := c.Time(loc)
		if !ok {
			continue
		}
		if h := model.ClassifyHorizon(t, now, loc); h != model.HorizonNone {
			tl.Append(h, model.TierNormal, c)
		}
	}
	return tl
}
