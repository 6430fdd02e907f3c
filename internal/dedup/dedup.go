// Package dedup removes duplicate timeline items in three passes: exact
// source identity, fuzzy title similarity within a time bucket, and semantic
// similarity of embeddings. Passes must run in that order.
package dedup

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"canonplan/internal/embedding"
	appLog "canonplan/internal/log"
	"canonplan/internal/model"
	"canonplan/internal/signature"
)

const (
	DefaultFuzzyThreshold    = 0.7
	DefaultSemanticThreshold = 0.90
)

// Exact drops items whose (source type, source id) was already seen; the
// first occurrence wins. Items without a source id are keyed by signature.
func Exact(items []model.TimelineItem) []model.TimelineItem {
	seen := make(map[string]bool, len(items))
	out := make([]model.TimelineItem, 0, len(items))
	for _, it := range items {
		key := "sig:" + it.Signature
		if id := strings.TrimSpace(it.SourceID); id != "" && it.SourceType != "" {
			key = string(it.SourceType) + ":" + id
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, it)
	}
	return out
}

// Fuzzy groups items by date and hour in loc and drops an item whose title
// token set has Jaccard similarity >= threshold with an item already kept in
// the same bucket. Undated items have no hour to share, so each is kept.
func Fuzzy(items []model.TimelineItem, threshold float64, loc *time.Location) []model.TimelineItem {
	if threshold <= 0 {
		threshold = DefaultFuzzyThreshold
	}
	type kept struct {
		tokens map[string]struct{}
	}
	buckets := make(map[string][]kept)
	out := make([]model.TimelineItem, 0, len(items))

	for _, it := range items {
		t, ok := it.Time(loc)
		if !ok {
			out = append(out, it)
			continue
		}
		key := t.In(loc).Format("2006-01-02T15")
		toks := Tokens(it.Title)

		dup := false
		for _, k := range buckets[key] {
			if Jaccard(toks, k.tokens) >= threshold {
				dup = true
				break
			}
		}
		if dup {
			appLog.Debug("fuzzy duplicate dropped", "title", it.Title, "bucket", key)
			continue
		}
		buckets[key] = append(buckets[key], kept{tokens: toks})
		out = append(out, it)
	}
	return out
}

// Tokens returns the set of normalized word tokens in s.
func Tokens(s string) map[string]struct{} {
	fields := strings.FieldsFunc(signature.NormalizeTitle(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// Jaccard is |a∩b| / |a∪b|. Two empty sets are identical.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Semantic drops later items whose embedding is within threshold cosine
// similarity of an earlier kept item. Items whose signature is in exempt
// (members of a detected recurring group) are never compared.
type Semantic struct {
	Embedder  embedding.Embedder
	Threshold float64
}

// Run applies the pass. If any embedding fails, the input is returned
// unchanged together with the error; the caller decides how to record it.
func (s Semantic) Run(ctx context.Context, items []model.TimelineItem, exempt map[string]bool) ([]model.TimelineItem, error) {
	if s.Embedder == nil || len(items) < 2 {
		return items, nil
	}
	threshold := s.Threshold
	if threshold <= 0 {
		threshold = DefaultSemanticThreshold
	}

	vecs := make([][]float64, len(items))
	for i, it := range items {
		if exempt[it.Signature] {
			continue
		}
		v, err := s.Embedder.Embed(ctx, embedText(it))
		if err != nil {
			return items, fmt.Errorf("embed %q: %w", it.Title, err)
		}
		vecs[i] = v
	}

	out := make([]model.TimelineItem, 0, len(items))
	var keptVecs [][]float64
	for i, it := range items {
		if vecs[i] == nil {
			out = append(out, it)
			continue
		}
		dup := false
		for _, kv := range keptVecs {
			if embedding.CosineSimilarity(vecs[i], kv) >= threshold {
				dup = true
				break
			}
		}
		if dup {
			appLog.Debug("semantic duplicate dropped", "title", it.Title)
			continue
		}
		keptVecs = append(keptVecs, vecs[i])
		out = append(out, it)
	}
	return out, nil
}

func embedText(it model.TimelineItem) string {
	if d := strings.TrimSpace(it.Description); d != "" {
		return it.Title + "\n" + d
	}
	return it.Title
}
