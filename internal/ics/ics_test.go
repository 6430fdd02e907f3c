package ics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canonplan/internal/model"
)

const sampleICS = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//canonplan//test//EN
BEGIN:VEVENT
UID:standup
DTSTART;TZID=Asia/Seoul:20261019T090000
DTEND;TZID=Asia/Seoul:20261019T091500
RRULE:FREQ=WEEKLY;BYDAY=MO,TU,WE,TH,FR;COUNT=5
EXDATE;TZID=Asia/Seoul:20261021T090000
SUMMARY:Standup
END:VEVENT
BEGIN:VEVENT
UID:standup
RECURRENCE-ID;TZID=Asia/Seoul:20261022T090000
DTSTART;TZID=Asia/Seoul:20261022T100000
DTEND;TZID=Asia/Seoul:20261022T101500
SUMMARY:Standup (moved)
END:VEVENT
BEGIN:VEVENT
UID:offsite
DTSTART;VALUE=DATE:20261101
DTEND;VALUE=DATE:20261102
SUMMARY:Offsite
END:VEVENT
BEGIN:VEVENT
UID:lunch
DTSTART:20261020T030000Z
SUMMARY:Lunch
STATUS:CANCELLED
END:VEVENT
END:VCALENDAR
`

func crlf(s string) []byte { return []byte(strings.ReplaceAll(s, "\n", "\r\n")) }

func seoul(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)
	return loc
}

func TestParseICS(t *testing.T) {
	loc := seoul(t)
	events, err := ParseICS(Feed{ID: "work"}, crlf(sampleICS), loc)
	require.NoError(t, err)
	require.Len(t, events, 4)

	byUID := map[string][]Event{}
	for _, ev := range events {
		byUID[ev.UID] = append(byUID[ev.UID], ev)
	}
	require.Len(t, byUID["standup"], 2)
	assert.Equal(t, "work", byUID["standup"][0].FeedID)
	assert.True(t, byUID["offsite"][0].AllDay)
	assert.True(t, byUID["lunch"][0].Cancelled)
}

func TestExpandOccurrences(t *testing.T) {
	loc := seoul(t)
	events, err := ParseICS(Feed{ID: "work"}, crlf(sampleICS), loc)
	require.NoError(t, err)

	start := time.Date(2026, 10, 17, 0, 0, 0, 0, loc)
	res, err := ExpandOccurrences(events, ExpandConfig{
		Location:   loc,
		RangeStart: start,
		RangeEnd:   start.AddDate(0, 0, 29),
	})
	require.NoError(t, err)

	var titles []string
	for _, it := range res.Items {
		titles = append(titles, it.Summary+"@"+it.Start.Format("01-02 15:04"))
	}
	assert.Equal(t, []string{
		"Standup@10-19 09:00",
		"Standup@10-20 09:00",
		"Standup (moved)@10-22 10:00",
		"Standup@10-23 09:00",
		"Offsite@11-01 00:00",
	}, titles)

	moved := res.Items[2]
	_, id := moved.Ref()
	assert.Equal(t, "standup@2026-10-22T09:00:00+09:00", id, "moved instance keeps its slot identity")
	assert.Empty(t, res.Truncated)
}

func TestExpandRejectsInvertedRange(t *testing.T) {
	now := time.Now()
	_, err := ExpandOccurrences(nil, ExpandConfig{RangeStart: now, RangeEnd: now.Add(-time.Hour)})
	assert.Error(t, err)
}

func TestFetcherConditionalAndFallback(t *testing.T) {
	var calls, status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		switch {
		case status.Load() != http.StatusOK:
			w.WriteHeader(int(status.Load()))
		case r.Header.Get("If-None-Match") == `"v1"`:
			w.WriteHeader(http.StatusNotModified)
		default:
			w.Header().Set("ETag", `"v1"`)
			_, _ = w.Write(crlf(sampleICS))
		}
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir(), srv.Client())
	feed := Feed{ID: "work", URL: srv.URL + "/private.ics?token=secret"}

	first, err := f.FetchOne(context.Background(), feed)
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := f.FetchOne(context.Background(), feed)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Body, second.Body)

	status.Store(http.StatusInternalServerError)
	third, err := f.FetchOne(context.Background(), feed)
	require.NoError(t, err)
	assert.True(t, third.FromCache)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetcherErrorWithoutCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir(), srv.Client())
	results, errs := f.FetchAll(context.Background(), []Feed{{ID: "x", URL: srv.URL}})
	assert.Empty(t, results)
	assert.Len(t, errs, 1)
}

func TestFeedSource(t *testing.T) {
	loc := seoul(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(crlf(sampleICS))
	}))
	defer srv.Close()

	now := time.Date(2026, 10, 17, 10, 0, 0, 0, loc)
	src := NewFeedSource(NewFetcher(t.TempDir(), srv.Client()), []Feed{{ID: "work", URL: srv.URL}}, loc).
		WithClock(func() time.Time { return now })

	items, err := src.Fetch(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, items, 5)

	cal, ok := items[0].(model.CalendarItem)
	require.True(t, ok)
	it := cal.Timeline(loc)
	assert.Equal(t, "Standup", it.Title)
	assert.Equal(t, "2026-10-19T09:00:00+09:00", it.RawTimestamp)
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://calendar.example.com/...(redacted)", redactURL("https://calendar.example.com/p/abc.ics?token=1"))
	assert.Equal(t, "ics://...(redacted)", redactURL("not a url"))
}
