package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canonplan/internal/model"
	"canonplan/internal/oracle"
	"canonplan/internal/plan"
	"canonplan/internal/source"
)

var kst = time.FixedZone("KST", 9*3600)

// Saturday.
var now = time.Date(2026, 10, 17, 8, 0, 0, 0, kst)

func at(day, hour int) time.Time {
	return time.Date(2026, 10, day, hour, 0, 0, 0, kst)
}

func standup(day int) model.CalendarItem {
	start := at(day, 9)
	return model.CalendarItem{
		FeedID:      "work",
		UID:         "standup",
		InstanceKey: start.Format(time.RFC3339),
		Summary:     "Standup",
		Start:       start,
		End:         start.Add(15 * time.Minute),
	}
}

func scenarioA() source.Static {
	due := now.Add(48 * time.Hour)
	return source.Static{
		standup(19), standup(20), standup(21),
		model.EmailItem{MessageID: "m1", Subject: "Renew cert", Snippet: "TLS cert expires", DueAt: &due},
	}
}

func user(src source.Source) User {
	return User{ID: "alice", Location: kst, Source: src}
}

func newPipeline(deps Deps, opts Options) (*Pipeline, *RunLog) {
	runs := NewRunLog(5, 10)
	return New(deps, opts, runs).WithClock(func() time.Time { return now }), runs
}

type callerFunc func(ctx context.Context, prompt string) (string, error)

func (f callerFunc) GenerateJSON(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

type categorizerFunc func(ctx context.Context, req oracle.Request) (model.Timeline, oracle.Report, error)

func (f categorizerFunc) Categorize(ctx context.Context, req oracle.Request) (model.Timeline, oracle.Report, error) {
	return f(ctx, req)
}

type fakeEmbedder struct {
	calls int
	err   error
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []float64{float64(len(text)), 1}, nil
}

func titles(items []model.TimelineItem) []string {
	var out []string
	for _, it := range items {
		out = append(out, it.Title)
	}
	return out
}

func TestScenarioAWithOracle(t *testing.T) {
	caller := callerFunc(func(_ context.Context, prompt string) (string, error) {
		return `{"this_week": {"urgent": [{"title": "Renew cert"}], "normal": [{"title": "standup"}]}}`, nil
	})
	repo := plan.NewMemory()
	p, _ := newPipeline(Deps{Oracle: oracle.NewAdapter(caller, time.Second), Plans: repo}, Options{})

	res, d, err := p.Run(context.Background(), user(scenarioA()))
	require.NoError(t, err)

	assert.Equal(t, 4, d.Counts.Kept, "before consolidation")
	assert.Equal(t, 2, d.Counts.Candidates, "after consolidation")
	assert.Equal(t, PlacementOracle, d.Placement)

	require.Len(t, res.Timeline.Week.Urgent, 1)
	assert.Equal(t, "Renew cert", res.Timeline.Week.Urgent[0].Title)
	require.Len(t, res.Timeline.Week.Normal, 1)
	stand := res.Timeline.Week.Normal[0]
	assert.Equal(t, "Standup", stand.Title)
	require.NotNil(t, stand.Recurrence)
	assert.True(t, stand.Recurrence.IsWeekdays())
	assert.Equal(t, 2, res.Timeline.Total(), "stabilizer did not re-add standup instances")

	assert.Equal(t, 2, res.Added)
	saved, err := repo.Get(context.Background(), "alice")
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, 2, saved.Timeline.Total())
	require.NotNil(t, saved.LastOracleSync)
}

func TestScenarioALocalPlacement(t *testing.T) {
	p, _ := newPipeline(Deps{Embedder: &fakeEmbedder{}}, Options{})
	res, d, err := p.Run(context.Background(), user(scenarioA()))
	require.NoError(t, err)
	assert.Equal(t, PlacementLocal, d.Placement)
	assert.Nil(t, res.Plan)

	count := 0
	res.Timeline.Each(func(h model.Horizon, _ model.Tier, it model.TimelineItem) {
		if it.Title == "Renew cert" {
			count++
			assert.Equal(t, model.HorizonWeek, h)
		}
	})
	assert.Equal(t, 1, count)
}

func TestScenarioBFuzzyTitles(t *testing.T) {
	start := at(20, 14)
	src := source.Static{
		model.CalendarItem{UID: "a", Summary: "Security Incident Review", Start: start},
		model.CalendarItem{UID: "b", Summary: "Security incident  review", Start: start},
	}
	p, _ := newPipeline(Deps{}, Options{})
	res, d, err := p.Run(context.Background(), user(src))
	require.NoError(t, err)
	assert.Equal(t, 2, d.Counts.Raw)
	assert.Equal(t, 1, d.Counts.Fuzzy)
	assert.Equal(t, []string{"Security Incident Review"}, titles(res.Timeline.Week.Normal))
}

func TestOracleUnreachableSkipsRefresh(t *testing.T) {
	repo := plan.NewMemory()
	down := categorizerFunc(func(context.Context, oracle.Request) (model.Timeline, oracle.Report, error) {
		return model.Timeline{}, oracle.Report{Attempts: 3}, fmt.Errorf("%w: connection refused", model.ErrOracleUnavailable)
	})
	p, runs := newPipeline(Deps{Oracle: down, Plans: repo}, Options{})

	_, d, err := p.Run(context.Background(), user(scenarioA()))
	require.Error(t, err)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageOracle, se.Stage)
	assert.ErrorIs(t, err, model.ErrOracleUnavailable)
	assert.True(t, d.Skipped)

	saved, err := repo.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.Nil(t, saved, "skipped refresh never writes")

	last, ok := runs.Latest("alice")
	require.True(t, ok)
	assert.True(t, last.Skipped)
	assert.Equal(t, 3, last.Oracle.Attempts)
}

func TestOracleLocalFallback(t *testing.T) {
	repo := plan.NewMemory()
	down := categorizerFunc(func(context.Context, oracle.Request) (model.Timeline, oracle.Report, error) {
		return model.Timeline{}, oracle.Report{}, model.ErrOracleUnavailable
	})
	p, _ := newPipeline(Deps{Oracle: down, Plans: repo}, Options{LocalFallback: true})

	res, d, err := p.Run(context.Background(), user(scenarioA()))
	require.NoError(t, err)
	assert.Equal(t, PlacementLocal, d.Placement)
	require.Len(t, d.Events, 1)
	assert.Equal(t, StageOracle, d.Events[0].Stage)
	assert.Equal(t, 2, res.Added)
	assert.Nil(t, res.Plan.LastOracleSync)
}

func TestEmbeddingFailureFailsOpen(t *testing.T) {
	emb := &fakeEmbedder{err: fmt.Errorf("%w: ollama down", model.ErrTransientExternal)}
	src := source.Static{
		model.CalendarItem{UID: "a", Summary: "Dentist", Start: at(22, 10)},
		model.CalendarItem{UID: "b", Summary: "Tax filing", Start: at(23, 10)},
	}
	p, _ := newPipeline(Deps{Embedder: emb}, Options{})
	res, d, err := p.Run(context.Background(), user(src))
	require.NoError(t, err)
	assert.Equal(t, 2, d.Counts.Semantic)
	require.Len(t, d.Events, 1)
	assert.Equal(t, StageSemantic, d.Events[0].Stage)
	assert.Equal(t, 2, res.Timeline.Total())
}

func TestRepeatedRunsAreIdempotent(t *testing.T) {
	repo := plan.NewMemory()
	p, runs := newPipeline(Deps{Plans: repo}, Options{})

	first, _, err := p.Run(context.Background(), user(scenarioA()))
	require.NoError(t, err)
	second, _, err := p.Run(context.Background(), user(scenarioA()))
	require.NoError(t, err)

	assert.Equal(t, 2, first.Added)
	assert.Equal(t, 0, second.Added)
	assert.Equal(t, first.Plan.Timeline.Signatures(), second.Plan.Timeline.Signatures())
	assert.Len(t, runs.Recent("alice"), 2)
}

func TestRecurringSeriesKeepsOneEntryAcrossDays(t *testing.T) {
	repo := plan.NewMemory()
	clock := at(19, 8)
	p := New(Deps{Plans: repo}, Options{}, nil).WithClock(func() time.Time { return clock })

	_, _, err := p.Run(context.Background(), user(source.Static{standup(19), standup(20), standup(21), standup(22)}))
	require.NoError(t, err)

	clock = at(20, 8)
	res, _, err := p.Run(context.Background(), user(source.Static{standup(20), standup(21), standup(22), standup(23)}))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Added)

	saved, err := repo.Get(context.Background(), "alice")
	require.NoError(t, err)
	var standups int
	saved.Timeline.Each(func(_ model.Horizon, _ model.Tier, it model.TimelineItem) {
		if it.Title == "Standup" {
			standups++
		}
	})
	assert.Equal(t, 1, standups)
}

type history map[string][]model.CompletionRecord

func (h history) Query(_ context.Context, _ string, title string, _ time.Time) ([]model.CompletionRecord, error) {
	if title == "broken" {
		return nil, errors.New("db locked")
	}
	return h[title], nil
}

func TestDeletionFilterWithholdsFlaggedItems(t *testing.T) {
	rec := func(a model.Action) model.CompletionRecord {
		return model.CompletionRecord{Title: "Newsletter", Action: a, Timestamp: now.AddDate(0, 0, -3)}
	}
	h := history{"Newsletter": {rec(model.ActionDeleted), rec(model.ActionDeleted), rec(model.ActionDeleted), rec(model.ActionCompleted)}}
	src := source.Static{
		model.EmailItem{MessageID: "n1", Subject: "Newsletter"},
		model.EmailItem{MessageID: "b1", Subject: "broken"},
		model.CalendarItem{UID: "d", Summary: "Dentist", Start: at(22, 10)},
	}
	var seen []string
	orc := categorizerFunc(func(_ context.Context, req oracle.Request) (model.Timeline, oracle.Report, error) {
		seen = titles(req.Candidates)
		return model.Timeline{}, oracle.Report{}, nil
	})
	p, _ := newPipeline(Deps{History: h, Oracle: orc}, Options{})
	_, d, err := p.Run(context.Background(), user(src))
	require.NoError(t, err)

	assert.Equal(t, 1, d.Counts.Flagged)
	assert.NotContains(t, seen, "Newsletter")
	assert.Contains(t, seen, "broken", "history failure keeps the item")
	require.Len(t, d.Events, 1)
	assert.Equal(t, StageDeletion, d.Events[0].Stage)
}

func TestMissingSourceSkips(t *testing.T) {
	p, _ := newPipeline(Deps{}, Options{})
	_, d, err := p.Run(context.Background(), User{ID: "bob"})
	assert.Error(t, err)
	assert.True(t, d.Skipped)
}

func TestRunLogBounds(t *testing.T) {
	l := NewRunLog(2, 2)
	base := time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		l.Add(Diagnostics{RunID: fmt.Sprint("a", i), UserID: "a", StartedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	l.Add(Diagnostics{RunID: "b0", UserID: "b", StartedAt: base.Add(time.Hour)})

	recent := l.Recent("a")
	require.Len(t, recent, 2)
	assert.Equal(t, "a2", recent[0].RunID)
	assert.Equal(t, "a1", recent[1].RunID)

	l.Add(Diagnostics{RunID: "c0", UserID: "c", StartedAt: base.Add(2 * time.Hour)})
	assert.Equal(t, []string{"b", "c"}, l.Users(), "oldest user evicted")
	_, ok := l.Latest("a")
	assert.False(t, ok)
}
