package plan

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canonplan/internal/model"
)

func item(sig string) model.TimelineItem {
	return model.TimelineItem{Signature: sig, Title: sig}
}

func corrected() model.Timeline {
	var tl model.Timeline
	tl.Append(model.HorizonToday, model.TierUrgent, item("a"))
	tl.Append(model.HorizonWeek, model.TierNormal, item("b"))
	tl.Append(model.HorizonWeek, model.TierNormal, item("dismissed"))
	tl.Append(model.HorizonMonth, model.TierNormal, item("pending"))
	tl.Append(model.HorizonMonth, model.TierUrgent, item("existing"))
	tl.Append(model.HorizonMonth, model.TierNormal, model.TimelineItem{Title: "no signature"})
	return tl
}

func basePlan() *model.CanonicalPlan {
	p := model.NewPlan("alice")
	p.Timeline.Append(model.HorizonWeek, model.TierNormal, item("existing"))
	p.DismissedItems = []string{"dismissed"}
	p.PendingRecommendations = []model.Recommendation{{Item: item("pending"), Horizon: model.HorizonMonth, Tier: model.TierNormal}}
	return p
}

func TestMergeIsAdditive(t *testing.T) {
	p := basePlan()
	out, added := Merge(corrected(), p)

	assert.Equal(t, 2, added)
	assert.Equal(t, []string{"a"}, sigs(out.Timeline.Today.Urgent))
	assert.Equal(t, []string{"existing", "b"}, sigs(out.Timeline.Week.Normal), "existing entries keep their place")
	assert.Empty(t, out.Timeline.Month.Urgent, "present signature is not re-placed")
	assert.Equal(t, 1, p.Timeline.Total(), "input plan untouched")
}

func TestMergeIsIdempotent(t *testing.T) {
	once, n1 := Merge(corrected(), basePlan())
	twice, n2 := Merge(corrected(), once)

	assert.Equal(t, 2, n1)
	assert.Equal(t, 0, n2)
	assert.Equal(t, once.Timeline.Signatures(), twice.Timeline.Signatures())
	assert.Equal(t, once.Timeline, twice.Timeline)
}

func TestMergeDedupesWithinTimeline(t *testing.T) {
	var tl model.Timeline
	tl.Append(model.HorizonToday, model.TierNormal, item("x"))
	tl.Append(model.HorizonWeek, model.TierNormal, item("x"))
	out, added := Merge(tl, model.NewPlan("bob"))
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, out.Timeline.Total())
}

func TestLoadOrCreate(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()

	p, err := LoadOrCreate(ctx, repo, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", p.UserID)
	assert.Equal(t, 0, p.Timeline.Total())

	p.Timeline.Append(model.HorizonToday, model.TierNormal, item("a"))
	require.NoError(t, repo.Save(ctx, p))

	got, err := LoadOrCreate(ctx, repo, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Timeline.Total())

	_, err = LoadOrCreate(ctx, failingRepo{}, "alice")
	assert.Error(t, err)
}

func TestMemorySaveRequiresUser(t *testing.T) {
	assert.Error(t, NewMemory().Save(context.Background(), &model.CanonicalPlan{}))
}

type failingRepo struct{}

func (failingRepo) Get(context.Context, string) (*model.CanonicalPlan, error) {
	return nil, errors.New("disk on fire")
}

func (failingRepo) Save(context.Context, *model.CanonicalPlan) error { return nil }

func sigs(items []model.TimelineItem) []string {
	var out []string
	for _, it := range items {
		out = append(out, it.Signature)
	}
	return out
}
