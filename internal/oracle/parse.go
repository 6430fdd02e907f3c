package oracle

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"canonplan/internal/model"
)

var (
	trailingCommaRegex     = regexp.MustCompile(`,(\s*[}\]])`)
	singleLineCommentRegex = regexp.MustCompile(`(?m)^\s*//.*$`)
	objectRegex            = regexp.MustCompile(`(?s)\{.*\}`)
)

// oracleItem accepts the field spellings the model tends to use.
type oracleItem struct {
	Signature    string `json:"signature"`
	SourceID     string `json:"source_id"`
	SourceIDAlt  string `json:"sourceId"`
	Title        string `json:"title"`
	RawTimestamp string `json:"raw_timestamp"`
	StartTime    string `json:"start_time"`
	Deadline     string `json:"deadline"`
	DueTime      string `json:"due_time"`
	When         string `json:"when"`
}

func (o oracleItem) item() model.TimelineItem {
	id := o.SourceID
	if id == "" {
		id = o.SourceIDAlt
	}
	raw := o.RawTimestamp
	if raw == "" {
		raw = o.When
	}
	return model.TimelineItem{
		Signature:    strings.TrimSpace(o.Signature),
		SourceID:     strings.TrimSpace(id),
		Title:        strings.TrimSpace(o.Title),
		RawTimestamp: raw,
		StartTime:    o.StartTime,
		Deadline:     o.Deadline,
		DueTime:      o.DueTime,
	}
}

// Parse reads an oracle answer into a timeline. It tolerates code fences,
// prose around the JSON, trailing commas, a wrapping "timeline" key, horizon
// and tier aliases, bare item arrays (tier normal) and bare title strings.
// Whatever cannot be read becomes an empty bucket; the returned error wraps
// model.ErrMalformedOracleResponse and the partial timeline is still valid.
func Parse(raw string) (model.Timeline, error) {
	var tl model.Timeline

	top, err := decodeObject(raw)
	if err != nil {
		return tl, fmt.Errorf("%w: %v", model.ErrMalformedOracleResponse, err)
	}
	if inner, ok := top["timeline"]; ok {
		var m map[string]json.RawMessage
		if json.Unmarshal(inner, &m) == nil {
			top = m
		}
	}

	var issues []string
	found := 0
	for key, val := range top {
		h, ok := model.ParseHorizon(key)
		if !ok {
			continue
		}
		found++
		if err := parseBucket(&tl, h, val); err != nil {
			issues = append(issues, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if found == 0 {
		issues = append(issues, "no horizon keys")
	}
	if len(issues) > 0 {
		return tl, fmt.Errorf("%w: %s", model.ErrMalformedOracleResponse, strings.Join(issues, "; "))
	}
	return tl, nil
}

func decodeObject(raw string) (map[string]json.RawMessage, error) {
	text := stripCodeFences(raw)
	if text == "" {
		return nil, errors.New("empty response")
	}

	var m map[string]json.RawMessage
	if json.Unmarshal([]byte(text), &m) == nil {
		return m, nil
	}
	if obj := objectRegex.FindString(text); obj != "" {
		text = obj
	}
	text = singleLineCommentRegex.ReplaceAllString(text, "")
	text = trailingCommaRegex.ReplaceAllString(text, "$1")
	if err := json.Unmarshal([]byte(text), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func parseBucket(tl *model.Timeline, h model.Horizon, val json.RawMessage) error {
	if isNull(val) {
		return nil
	}

	var tiers map[string]json.RawMessage
	if err := json.Unmarshal(val, &tiers); err == nil {
		var issues []string
		for key, raw := range tiers {
			tier, ok := model.ParseTier(key)
			if !ok {
				issues = append(issues, "unknown tier "+key)
				continue
			}
			if err := parseItems(tl, h, tier, raw); err != nil {
				issues = append(issues, key+": "+err.Error())
			}
		}
		if len(issues) > 0 {
			return errors.New(strings.Join(issues, ", "))
		}
		return nil
	}

	// A bare list means the model skipped the tier level.
	return parseItems(tl, h, model.TierNormal, val)
}

func parseItems(tl *model.Timeline, h model.Horizon, tier model.Tier, val json.RawMessage) error {
	if isNull(val) {
		return nil
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(val, &elems); err != nil {
		return errors.New("not a list")
	}

	skipped := 0
	for _, e := range elems {
		var o oracleItem
		if err := json.Unmarshal(e, &o); err == nil {
			it := o.item()
			if it.Signature == "" && it.SourceID == "" && it.Title == "" {
				skipped++
				continue
			}
			tl.Append(h, tier, it)
			continue
		}
		var title string
		if err := json.Unmarshal(e, &title); err == nil && strings.TrimSpace(title) != "" {
			tl.Append(h, tier, model.TimelineItem{Title: strings.TrimSpace(title)})
			continue
		}
		skipped++
	}
	if skipped > 0 {
		return fmt.Errorf("%d unreadable items", skipped)
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}
