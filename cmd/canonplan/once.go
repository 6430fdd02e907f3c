package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"canonplan/internal/model"
	"canonplan/internal/pipeline"
)

var (
	onceUser   string
	onceDryRun bool
)

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Refresh one user's plan now and print the result",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cfg, !onceDryRun)
		if err != nil {
			return err
		}
		defer a.Close()

		res, d, err := a.runOnce(cmd.Context(), onceUser)
		if d != nil {
			printSummary(os.Stdout, res, d)
		}
		return err
	},
}

func init() {
	onceCmd.Flags().StringVarP(&onceUser, "user", "u", "", "user id (optional with a single user)")
	onceCmd.Flags().BoolVar(&onceDryRun, "dry-run", false, "compute the timeline without saving the plan")
}

var horizonLabels = map[model.Horizon]string{
	model.HorizonToday: "Today",
	model.HorizonWeek:  "This week",
	model.HorizonMonth: "This month",
}

func printSummary(w io.Writer, res pipeline.Result, d *pipeline.Diagnostics) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Fprintf(w, "\n%s\n", cyan(fmt.Sprintf("=== Plan refresh for %s ===", d.UserID)))
	fmt.Fprintf(w, "%s\n\n", gray(fmt.Sprintf("run %s, %s", d.RunID, d.FinishedAt.Sub(d.StartedAt).Round(time.Millisecond))))

	if d.Skipped {
		fmt.Fprintf(w, "%s %s\n\n", red("Skipped:"), d.SkipReason)
		return
	}

	c := d.Counts
	fmt.Fprintf(w, "%s raw %d, exact %d, fuzzy %d, semantic %d, kept %d (flagged %d, suppressed %d), candidates %d\n",
		yellow("Items:"), c.Raw, c.Exact, c.Fuzzy, c.Semantic, c.Kept, c.Flagged, c.Suppressed, c.Candidates)
	fmt.Fprintf(w, "%s %s, placed %d, corrected %d, backfilled %d, forced %d\n",
		yellow("Placement:"), d.Placement, c.Placed, len(d.Corrections),
		d.Stabilizer.Backfilled.Today+d.Stabilizer.Backfilled.Week+d.Stabilizer.Backfilled.Month, d.Stabilizer.Forced)
	for _, ev := range d.Events {
		fmt.Fprintf(w, "  %s %s: %s\n", red("!"), ev.Stage, ev.Error)
	}
	fmt.Fprintln(w)

	tl := res.Timeline
	for _, h := range model.Horizons {
		fmt.Fprintf(w, "%s\n", cyan(horizonLabels[h]))
		if tl.Count(h) == 0 {
			fmt.Fprintf(w, "  %s\n", gray("(empty)"))
			continue
		}
		for _, tier := range model.Tiers {
			for _, it := range tl.Items(h, tier) {
				marker := "○"
				if tier == model.TierUrgent {
					marker = red("●")
				}
				detail := it.Deadline
				if it.Cadence != "" {
					detail = it.Cadence
				}
				fmt.Fprintf(w, "  %s %s %s\n", marker, it.Title, gray(detail))
			}
		}
	}
	fmt.Fprintf(w, "\n%s %d\n", green("Recommendations added:"), res.Added)
}
