package validate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canonplan/internal/model"
)

var kst = time.FixedZone("KST", 9*3600)
var now = time.Date(2026, 10, 17, 8, 0, 0, 0, kst)

func v() Validator {
	return Validator{Location: kst, Now: func() time.Time { return now }}
}

func dated(sig string, ts string) model.TimelineItem {
	return model.TimelineItem{Signature: sig, Title: sig, RawTimestamp: ts}
}

func TestTodayAlwaysLandsInToday(t *testing.T) {
	for _, h := range model.Horizons {
		for _, tier := range model.Tiers {
			var tl model.Timeline
			tl.Append(h, tier, dated("x", "2026-10-17T23:30:00+09:00"))

			out, _ := v().Validate(tl)
			require.Len(t, out.Items(model.HorizonToday, tier), 1, "%s/%s", h, tier)
			assert.Equal(t, 1, out.Total())
		}
	}
}

func TestMovesKeepTierAndDrops(t *testing.T) {
	var tl model.Timeline
	tl.Append(model.HorizonToday, model.TierUrgent, dated("week", "2026-10-20T10:00:00+09:00"))
	tl.Append(model.HorizonWeek, model.TierNormal, dated("month", "2026-11-02T10:00:00+09:00"))
	tl.Append(model.HorizonMonth, model.TierNormal, dated("past", "2026-10-16T10:00:00+09:00"))
	tl.Append(model.HorizonMonth, model.TierNormal, dated("far", "2026-12-30T10:00:00+09:00"))
	tl.Append(model.HorizonWeek, model.TierUrgent, model.TimelineItem{Signature: "vague", Deadline: "sometime soon"})
	tl.Append(model.HorizonWeek, model.TierNormal, dated("ok", "2026-10-18T10:00:00+09:00"))

	out, corr := v().Validate(tl)

	require.Len(t, out.Week.Urgent, 2)
	assert.Equal(t, "week", out.Week.Urgent[0].Signature)
	assert.Equal(t, "vague", out.Week.Urgent[1].Signature, "unparseable stays put")
	require.Len(t, out.Month.Normal, 1)
	assert.Equal(t, "month", out.Month.Normal[0].Signature)
	require.Len(t, out.Week.Normal, 1)
	assert.Equal(t, 4, out.Total())

	require.Len(t, corr, 4)
	dropped := 0
	for _, c := range corr {
		if c.Dropped() {
			dropped++
		}
	}
	assert.Equal(t, 2, dropped)
}

func TestFallsBackThroughTimestampFields(t *testing.T) {
	var tl model.Timeline
	tl.Append(model.HorizonMonth, model.TierNormal, model.TimelineItem{
		Signature: "due",
		Deadline:  "not a date",
		DueTime:   "2026-10-17T18:00:00+09:00",
	})
	out, corr := v().Validate(tl)
	assert.Len(t, out.Today.Normal, 1)
	require.Len(t, corr, 1)
	assert.Equal(t, model.HorizonMonth, corr[0].From)
	assert.Equal(t, model.HorizonToday, corr[0].To)
}
