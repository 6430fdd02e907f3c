// Package signature derives the stable identity every pipeline stage uses to
// recognise the same logical item across refresh cycles.
package signature

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"canonplan/internal/model"
)

// Generate returns the item's signature. Items with both a source type and a
// source id hash those; everything else hashes its normalized title.
func Generate(item model.TimelineItem) string {
	return Of(item.SourceType, item.SourceID, item.Title)
}

// Of is Generate over the raw fields.
func Of(sourceType model.SourceType, sourceID, title string) string {
	sourceID = strings.TrimSpace(sourceID)
	if sourceType != "" && sourceID != "" {
		return digest(string(sourceType) + ":" + sourceID)
	}
	return digest("title:" + NormalizeTitle(title))
}

// Series returns the identity of a consolidated recurring series. It depends
// only on the source type and title, so the same series keeps its signature
// while the window of visible instances moves forward day by day.
func Series(sourceType model.SourceType, title string) string {
	return digest("series:" + string(sourceType) + ":" + NormalizeTitle(title))
}

// NormalizeTitle folds case, applies NFKC and collapses internal whitespace.
func NormalizeTitle(title string) string {
	folded := cases.Fold().String(norm.NFKC.String(title))
	return strings.Join(strings.Fields(folded), " ")
}

// Assign fills in missing signatures in place and returns items.
func Assign(items []model.TimelineItem) []model.TimelineItem {
	for i := range items {
		if items[i].Signature == "" {
			items[i].Signature = Generate(items[i])
		}
	}
	return items
}

func digest(s string) string {
	sum := blake3.Sum256([]byte(s))
	return hex.EncodeToString(sum[:16])
}
