package web

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"canonplan/internal/model"
)

var horizonHeadings = map[model.Horizon]string{
	model.HorizonToday: "Today",
	model.HorizonWeek:  "This week",
	model.HorizonMonth: "This month",
}

var mdEscaper = strings.NewReplacer(
	`\`, `\\`, "*", `\*`, "_", `\_`, "`", "\\`", "[", `\[`, "]", `\]`,
	"#", `\#`, "<", `\<`, ">", `\>`, "|", `\|`,
)

// Markdown renders the plan as a markdown digest.
func Markdown(p *model.CanonicalPlan, now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# Plan for %s\n\n", mdEscaper.Replace(p.UserID))
	fmt.Fprintf(&b, "_As of %s_\n\n", now.In(loc).Format("Mon Jan 2, 2006 15:04 MST"))

	for _, h := range model.Horizons {
		fmt.Fprintf(&b, "## %s\n\n", horizonHeadings[h])
		if p.Timeline.Count(h) == 0 {
			b.WriteString("Nothing scheduled.\n\n")
			continue
		}
		for _, tier := range model.Tiers {
			for _, it := range p.Timeline.Items(h, tier) {
				b.WriteString(itemLine(it, tier))
			}
		}
		b.WriteString("\n")
	}

	if n := len(p.PendingRecommendations); n > 0 {
		fmt.Fprintf(&b, "## Pending\n\n%d recommendation(s) awaiting review.\n", n)
	}
	return b.String()
}

func itemLine(it model.TimelineItem, tier model.Tier) string {
	var b strings.Builder
	b.WriteString("- ")
	if tier == model.TierUrgent {
		b.WriteString("**" + mdEscaper.Replace(it.Title) + "**")
	} else {
		b.WriteString(mdEscaper.Replace(it.Title))
	}
	switch {
	case it.Cadence != "":
		b.WriteString(" (" + mdEscaper.Replace(it.Cadence) + ")")
	case it.Deadline != "":
		b.WriteString(" (" + mdEscaper.Replace(it.Deadline) + ")")
	}
	if len(it.UpcomingDates) > 0 {
		b.WriteString(", next: " + strings.Join(it.UpcomingDates, ", "))
	}
	b.WriteString("\n")
	return b.String()
}

// RenderHTML converts the markdown digest into a standalone HTML page.
func RenderHTML(p *model.CanonicalPlan, now time.Time, loc *time.Location) ([]byte, error) {
	var content bytes.Buffer
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	if err := md.Convert([]byte(Markdown(p, now, loc)), &content); err != nil {
		return nil, fmt.Errorf("markdown convert: %w", err)
	}
	var page bytes.Buffer
	page.WriteString("<!doctype html><html><head><meta charset='utf-8'><title>canonplan</title>")
	page.WriteString("<style>body{font-family:sans-serif;max-width:720px;margin:2rem auto;padding:0 1rem;}h2{border-bottom:1px solid #ddd;}</style>")
	page.WriteString("</head><body>")
	page.Write(content.Bytes())
	page.WriteString("</body></html>")
	return page.Bytes(), nil
}
