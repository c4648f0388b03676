package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AppyAccidents/judgechronos/internal/config"
	"github.com/AppyAccidents/judgechronos/internal/report"
	"github.com/AppyAccidents/judgechronos/internal/ruleset"
	"github.com/AppyAccidents/judgechronos/internal/tracker"
)

func newReportCmd() *cobra.Command {
	var (
		day     string
		week    bool
		compare bool
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize tracked time for a day or week",
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := parseDay(day, time.Now())
			if err != nil {
				return err
			}
			return withTracker(cmd, func(cfg *config.Config, tr *tracker.Tracker) error {
				iv := report.Day(at)
				if week {
					iv = report.Week(at, tr.WeekStart())
				}
				var (
					cur  report.Rollup
					prev *report.Rollup
				)
				if compare {
					c, p, _ := tr.Compare(iv)
					cur, prev = c, &p
				} else {
					cur = tr.Report(iv)
				}
				out := cmd.OutOrStdout()
				if asJSON {
					return writeReportJSON(out, tr, cur, prev)
				}
				writeReportText(out, tr, cur, prev, time.Now())
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&day, "day", "d", "", "Day to report (YYYY-MM-DD, default today)")
	cmd.Flags().BoolVarP(&week, "week", "w", false, "Report the week containing the day")
	cmd.Flags().BoolVarP(&compare, "compare", "c", false, "Compare with the previous period")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

type bucketJSON struct {
	Name    string  `json:"name"`
	Seconds float64 `json:"seconds"`
	Percent float64 `json:"percent"`
}

type rollupJSON struct {
	Start         time.Time    `json:"start"`
	End           time.Time    `json:"end"`
	TotalSeconds  float64      `json:"total_seconds"`
	Uncategorized float64      `json:"uncategorized_seconds"`
	Categories    []bucketJSON `json:"categories"`
	Projects      []bucketJSON `json:"projects"`
	Tags          []bucketJSON `json:"tags"`
	Apps          []bucketJSON `json:"apps"`
}

type reportJSON struct {
	Current      rollupJSON  `json:"current"`
	Previous     *rollupJSON `json:"previous,omitempty"`
	DeltaSeconds *float64    `json:"delta_seconds,omitempty"`
}

func buckets(r report.Rollup, m map[string]time.Duration, label func(string) string) []bucketJSON {
	entries := report.Sorted(m)
	out := make([]bucketJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, bucketJSON{Name: label(e.Key), Seconds: e.Duration.Seconds(), Percent: r.Percent(e.Duration)})
	}
	return out
}

func labeler(tr *tracker.Tracker, kind ruleset.EntityKind) func(string) string {
	return func(id string) string {
		if id == report.None {
			return "(none)"
		}
		if name := tr.Name(kind, id); name != "" {
			return name
		}
		return id
	}
}

func toJSON(tr *tracker.Tracker, r report.Rollup) rollupJSON {
	return rollupJSON{
		Start:         r.Interval.Start,
		End:           r.Interval.End,
		TotalSeconds:  r.Total.Seconds(),
		Uncategorized: r.Uncategorized.Seconds(),
		Categories:    buckets(r, r.ByCategory, labeler(tr, ruleset.KindCategory)),
		Projects:      buckets(r, r.ByProject, labeler(tr, ruleset.KindProject)),
		Tags:          buckets(r, r.ByTag, labeler(tr, ruleset.KindTag)),
		Apps:          buckets(r, r.ByApp, func(app string) string { return app }),
	}
}

func writeReportJSON(out io.Writer, tr *tracker.Tracker, cur report.Rollup, prev *report.Rollup) error {
	doc := reportJSON{Current: toJSON(tr, cur)}
	if prev != nil {
		p := toJSON(tr, *prev)
		delta := report.Compare(cur, *prev).Seconds()
		doc.Previous = &p
		doc.DeltaSeconds = &delta
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

// writeReportText prints cur and, when set, its comparison with prev. A
// period that contains now is marked in progress.
func writeReportText(out io.Writer, tr *tracker.Tracker, cur report.Rollup, prev *report.Rollup, now time.Time) {
	header := fmt.Sprintf("%s to %s", cur.Interval.Start.Format(dateLayout), cur.Interval.End.Add(-time.Nanosecond).Format(dateLayout))
	if cur.Interval.Contains(now) {
		header += " (in progress)"
	}
	fmt.Fprintln(out, header)
	fmt.Fprintf(out, "Total: %s\n", formatDuration(cur.Total))
	if prev != nil {
		delta := report.Compare(cur, *prev)
		sign := "+"
		if delta < 0 {
			sign = "-"
			delta = -delta
		}
		fmt.Fprintf(out, "Previous: %s (%s%s)\n", formatDuration(prev.Total), sign, formatDuration(delta))
	}
	if cur.Total == 0 {
		return
	}
	section := func(title string, bs []bucketJSON) {
		if len(bs) == 0 {
			return
		}
		fmt.Fprintf(out, "\n%s\n", title)
		for _, b := range bs {
			fmt.Fprintf(out, "  %-24s %10s  %5.1f%%\n", b.Name, formatDuration(time.Duration(b.Seconds*float64(time.Second))), b.Percent)
		}
	}
	doc := toJSON(tr, cur)
	section("Categories", doc.Categories)
	section("Projects", doc.Projects)
	section("Tags", doc.Tags)
	section("Apps", doc.Apps)
}

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage classification rules",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List rules in evaluation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTracker(cmd, func(cfg *config.Config, tr *tracker.Tracker) error {
				out := cmd.OutOrStdout()
				rules := tr.Rules()
				if len(rules) == 0 {
					fmt.Fprintln(out, "No rules. Run 'judgechronos rules load'.")
					return nil
				}
				for _, r := range rules {
					state := "on"
					if !r.Enabled {
						state = "off"
					}
					fmt.Fprintf(out, "%4d  %-3s  %s\n", r.Priority, state, r.Name)
				}
				return nil
			})
		},
	}

	load := &cobra.Command{
		Use:   "load [file]",
		Short: "Replace rules with those in a YAML file (default: configured rules path)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTracker(cmd, func(cfg *config.Config, tr *tracker.Tracker) error {
				path := cfg.Rules.Path
				if len(args) == 1 {
					path = args[0]
				}
				f, err := ruleset.LoadFile(path)
				if err != nil {
					return err
				}
				rules, err := tr.LoadRules(f)
				if err != nil {
					return fmt.Errorf("load %s: %w", path, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d rules from %s\n", len(rules), path)
				return nil
			})
		},
	}

	var output string
	export := &cobra.Command{
		Use:   "export",
		Short: "Write rules as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTracker(cmd, func(cfg *config.Config, tr *tracker.Tracker) error {
				data, err := tr.ExportRules()
				if err != nil {
					return err
				}
				if output == "" {
					_, err = cmd.OutOrStdout().Write(data)
					return err
				}
				return os.WriteFile(output, data, 0o644)
			})
		},
	}
	export.Flags().StringVarP(&output, "output", "o", "", "Write to file instead of stdout")

	apply := &cobra.Command{
		Use:   "apply",
		Short: "Run rules over every session that is not manually classified",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTracker(cmd, func(cfg *config.Config, tr *tracker.Tracker) error {
				matches := tr.ReapplyRules()
				fmt.Fprintf(cmd.OutOrStdout(), "Classified %d sessions\n", len(matches))
				return nil
			})
		},
	}

	cmd.AddCommand(list, load, export, apply)
	return cmd
}
