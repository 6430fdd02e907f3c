package dedup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canonplan/internal/model"
	"canonplan/internal/signature"
)

func item(typ model.SourceType, id, title, ts string) model.TimelineItem {
	it := model.TimelineItem{SourceType: typ, SourceID: id, Title: title, RawTimestamp: ts}
	it.Signature = signature.Generate(it)
	return it
}

func sigs(items []model.TimelineItem) map[string]bool {
	out := map[string]bool{}
	for _, it := range items {
		out[it.Signature] = true
	}
	return out
}

func assertMonotone(t *testing.T, in, out []model.TimelineItem) {
	t.Helper()
	assert.LessOrEqual(t, len(out), len(in))
	inSigs := sigs(in)
	for _, it := range out {
		assert.True(t, inSigs[it.Signature], "unknown signature %s", it.Signature)
	}
}

func TestExactFirstWins(t *testing.T) {
	in := []model.TimelineItem{
		item(model.SourceCalendar, "a", "Standup", ""),
		item(model.SourceCalendar, "a", "Standup v2", ""),
		item(model.SourceEmail, "a", "Mail", ""),
		item("", "", "Loose", ""),
		item("", "", "  loose ", ""),
	}
	in[1].Description = "second"

	out := Exact(in)
	require.Len(t, out, 3)
	assert.Equal(t, "Standup", out[0].Title)
	assert.Equal(t, model.SourceEmail, out[1].SourceType)
	assertMonotone(t, in, out)
}

func TestFuzzyNearDuplicateSameHour(t *testing.T) {
	in := []model.TimelineItem{
		item(model.SourceCalendar, "1", "Security Incident Review", "2026-10-18T14:00:00+09:00"),
		item(model.SourceCalendar, "2", "Security incident  review", "2026-10-18T14:30:00+09:00"),
	}
	out := Fuzzy(in, 0.7, time.UTC)
	require.Len(t, out, 1)
	assert.Equal(t, "1", out[0].SourceID)
	assertMonotone(t, in, out)
}

func TestFuzzyDifferentHourOrTitleSurvives(t *testing.T) {
	in := []model.TimelineItem{
		item(model.SourceCalendar, "1", "Security Incident Review", "2026-10-18T14:00:00+09:00"),
		item(model.SourceCalendar, "2", "Security Incident Review", "2026-10-18T16:00:00+09:00"),
		item(model.SourceCalendar, "3", "Budget planning", "2026-10-18T14:00:00+09:00"),
		item(model.SourceEmail, "4", "Security incident review", ""),
	}
	out := Fuzzy(in, 0.7, time.UTC)
	assert.Len(t, out, 4)
}

func TestFuzzyKeepsSimilarUndatedItems(t *testing.T) {
	in := []model.TimelineItem{
		item(model.SourceEmail, "a", "Quarterly report review", ""),
		item(model.SourceEmail, "b", "Quarterly report review draft", ""),
		item(model.SourceEmail, "c", "quarterly  report review", "not a time"),
	}
	out := Fuzzy(in, 0.7, time.UTC)
	assert.Equal(t, in, out)
}

func TestJaccard(t *testing.T) {
	assert.Equal(t, 1.0, Jaccard(Tokens("a b"), Tokens("B  A")))
	assert.InDelta(t, 0.4, Jaccard(Tokens("renew tls cert"), Tokens("renew cert now, please")), 1e-9)
	assert.Equal(t, 0.0, Jaccard(Tokens("x"), Tokens("y")))
	assert.Equal(t, 1.0, Jaccard(Tokens(""), Tokens("!!")))
}

type fakeEmbedder struct {
	vecs map[string][]float64
	err  error
	hits int
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	f.hits++
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vecs[text]; ok {
		return v, nil
	}
	return []float64{0, 0, 1}, nil
}

func TestSemanticDropsLaterNearDuplicate(t *testing.T) {
	emb := &fakeEmbedder{vecs: map[string][]float64{
		"Renew TLS certificate": {1, 0, 0},
		"Certificate renewal":   {0.99, 0.05, 0},
		"Quarterly budget":      {0, 1, 0},
		"Standup":               {1, 0.01, 0},
	}}
	in := []model.TimelineItem{
		item(model.SourceEmail, "1", "Renew TLS certificate", ""),
		item(model.SourceEmail, "2", "Certificate renewal", ""),
		item(model.SourceEmail, "3", "Quarterly budget", ""),
		item(model.SourceCalendar, "4", "Standup", ""),
	}
	exempt := map[string]bool{in[3].Signature: true}

	out, err := Semantic{Embedder: emb, Threshold: 0.9}.Run(context.Background(), in, exempt)
	require.NoError(t, err)
	var titles []string
	for _, it := range out {
		titles = append(titles, it.Title)
	}
	assert.Equal(t, []string{"Renew TLS certificate", "Quarterly budget", "Standup"}, titles)
	assert.Equal(t, 3, emb.hits, "exempt items are not embedded")
	assertMonotone(t, in, out)
}

func TestSemanticFailsOpen(t *testing.T) {
	emb := &fakeEmbedder{err: model.ErrTransientExternal}
	in := []model.TimelineItem{
		item(model.SourceEmail, "1", "a", ""),
		item(model.SourceEmail, "2", "b", ""),
	}
	out, err := Semantic{Embedder: emb}.Run(context.Background(), in, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrTransientExternal))
	assert.Equal(t, in, out)
}

func TestSemanticWithoutEmbedder(t *testing.T) {
	in := []model.TimelineItem{item(model.SourceEmail, "1", "a", ""), item(model.SourceEmail, "2", "a", "")}
	out, err := Semantic{}.Run(context.Background(), in, nil)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
