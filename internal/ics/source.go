package ics

import (
	"context"
	"errors"
	"time"

	appLog "canonplan/internal/log"
	"canonplan/internal/model"
)

// lookAheadDays covers the month horizon plus the day boundary.
const lookAheadDays = 29

// FeedSource is a raw item source over a user's ICS subscriptions.
type FeedSource struct {
	fetcher *Fetcher
	feeds   []Feed
	loc     *time.Location
	now     func() time.Time
}

func NewFeedSource(fetcher *Fetcher, feeds []Feed, loc *time.Location) *FeedSource {
	if loc == nil {
		loc = time.Local
	}
	return &FeedSource{fetcher: fetcher, feeds: feeds, loc: loc, now: time.Now}
}

// WithClock replaces the time source; used by tests.
func (s *FeedSource) WithClock(now func() time.Time) *FeedSource {
	s.now = now
	return s
}

// Fetch downloads, parses and expands every feed into CalendarItems from the
// start of today through the month horizon. It fails only when no feed
// produced a body.
func (s *FeedSource) Fetch(ctx context.Context, userID string) ([]model.RawItem, error) {
	if len(s.feeds) == 0 {
		return nil, nil
	}
	results, errs := s.fetcher.FetchAll(ctx, s.feeds)
	if len(results) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	var events []Event
	for _, res := range results {
		evs, err := ParseICS(res.Feed, res.Body, s.loc)
		if err != nil {
			appLog.Error("ics parse failed", err, "user", userID, "feed", res.Feed.ID)
			continue
		}
		events = append(events, evs...)
	}

	now := s.now().In(s.loc)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	expanded, err := ExpandOccurrences(events, ExpandConfig{
		Location:   s.loc,
		RangeStart: dayStart,
		RangeEnd:   dayStart.AddDate(0, 0, lookAheadDays),
	})
	if err != nil {
		return nil, err
	}

	out := make([]model.RawItem, 0, len(expanded.Items))
	for _, it := range expanded.Items {
		out = append(out, it)
	}
	appLog.Debug("ics items ready", "user", userID, "feeds", len(results), "items", len(out))
	return out, nil
}
