package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AppyAccidents/judgechronos/internal/config"
	"github.com/AppyAccidents/judgechronos/internal/model"
	"github.com/AppyAccidents/judgechronos/internal/report"
	"github.com/AppyAccidents/judgechronos/internal/ruleset"
	"github.com/AppyAccidents/judgechronos/internal/tracker"
)

const dateLayout = "2006-01-02"

// parseDay reads a YYYY-MM-DD date in local time. Empty means today.
func parseDay(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return now, nil
	}
	t, err := time.ParseInLocation(dateLayout, s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD)", s)
	}
	return t, nil
}

func formatDuration(d time.Duration) string {
	return d.Round(time.Second).String()
}

func newSessionsCmd() *cobra.Command {
	var day string
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List the sessions of a day",
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := parseDay(day, time.Now())
			if err != nil {
				return err
			}
			return withTracker(cmd, func(cfg *config.Config, tr *tracker.Tracker) error {
				printSessions(cmd.OutOrStdout(), tr, tr.Sessions(report.Day(at)))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&day, "day", "d", "", "Day to list (YYYY-MM-DD, default today)")
	return cmd
}

func newFactsCmd() *cobra.Command {
	var day string
	cmd := &cobra.Command{
		Use:   "facts",
		Short: "List the imported activity facts of a day",
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := parseDay(day, time.Now())
			if err != nil {
				return err
			}
			return withTracker(cmd, func(cfg *config.Config, tr *tracker.Tracker) error {
				out := cmd.OutOrStdout()
				facts := tr.FactsIn(report.Day(at))
				if len(facts) == 0 {
					fmt.Fprintln(out, "No facts.")
					return nil
				}
				for _, f := range facts {
					fmt.Fprintf(out, "%s  %s  %8s  %-8s  %-20s  %s\n",
						f.ID,
						f.Timestamp.Local().Format("15:04:05"),
						formatDuration(f.Duration),
						f.Kind,
						f.AppName,
						f.WindowTitle)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&day, "day", "d", "", "Day to list (YYYY-MM-DD, default today)")
	return cmd
}

func printSessions(out io.Writer, tr *tracker.Tracker, sessions []model.Session) {
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions.")
		return
	}
	for _, s := range sessions {
		var labels []string
		if s.CategoryID != "" {
			labels = append(labels, tr.Name(ruleset.KindCategory, s.CategoryID))
		}
		if s.ProjectID != "" {
			labels = append(labels, "@"+tr.Name(ruleset.KindProject, s.ProjectID))
		}
		for _, tag := range s.TagIDs {
			labels = append(labels, "#"+tr.Name(ruleset.KindTag, tag))
		}
		if s.IsIdle {
			labels = append(labels, "idle")
		}
		if s.IsPrivate {
			labels = append(labels, "private")
		}
		fmt.Fprintf(out, "%s  %s-%s  %8s  %-20s [%s]  %s\n",
			s.ID,
			s.Start.Local().Format("15:04"),
			s.End.Local().Format("15:04"),
			formatDuration(s.Duration()),
			s.AppName,
			strings.Join(labels, " "),
			s.WindowTitle)
	}
}

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Edit a single session",
	}

	category := &cobra.Command{
		Use:   "category <session-id> <category>",
		Short: "Set a session's category, creating it if needed (empty clears)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTracker(cmd, func(cfg *config.Config, tr *tracker.Tracker) error {
				id := ""
				if strings.TrimSpace(args[1]) != "" {
					c, err := tr.AddCategory(args[1], "")
					if err != nil {
						return err
					}
					id = c.ID
				}
				return tr.SetCategory(args[0], id)
			})
		},
	}

	project := &cobra.Command{
		Use:   "project <session-id> <project>",
		Short: "Set a session's project, creating it if needed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTracker(cmd, func(cfg *config.Config, tr *tracker.Tracker) error {
				p, err := tr.AddProject(args[1], "")
				if err != nil {
					return err
				}
				return tr.SetProject(args[0], p.ID)
			})
		},
	}

	tags := &cobra.Command{
		Use:   "tags <session-id> [tag...]",
		Short: "Replace a session's tags",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTracker(cmd, func(cfg *config.Config, tr *tracker.Tracker) error {
				var ids []string
				for _, name := range args[1:] {
					tag, err := tr.AddTag(name)
					if err != nil {
						return err
					}
					ids = append(ids, tag.ID)
				}
				return tr.SetTags(args[0], ids)
			})
		},
	}

	note := &cobra.Command{
		Use:   "note <session-id> <text>",
		Short: "Attach a note to a session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTracker(cmd, func(cfg *config.Config, tr *tracker.Tracker) error {
				return tr.SetNote(args[0], strings.Join(args[1:], " "))
			})
		},
	}

	private := &cobra.Command{
		Use:   "private <session-id> [true|false]",
		Short: "Hide a session from reports",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value := true
			if len(args) == 2 {
				v, err := strconv.ParseBool(args[1])
				if err != nil {
					return fmt.Errorf("invalid value %q: %w", args[1], err)
				}
				value = v
			}
			return withTracker(cmd, func(cfg *config.Config, tr *tracker.Tracker) error {
				return tr.SetPrivate(args[0], value)
			})
		},
	}

	split := &cobra.Command{
		Use:   "split <session-id> <time>",
		Short: "Split a session at an RFC 3339 instant",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := time.Parse(time.RFC3339, args[1])
			if err != nil {
				return fmt.Errorf("invalid time %q: %w", args[1], err)
			}
			return withTracker(cmd, func(cfg *config.Config, tr *tracker.Tracker) error {
				first, second, err := tr.Split(args[0], at)
				if err != nil {
					return err
				}
				printSessions(cmd.OutOrStdout(), tr, []model.Session{first, second})
				return nil
			})
		},
	}

	cmd.AddCommand(category, project, tags, note, private, split)
	return cmd
}

func newAppCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "app",
		Short: "Per-app settings",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "assign <app> <category>",
		Short: "Always classify an app's sessions into a category (empty removes)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTracker(cmd, func(cfg *config.Config, tr *tracker.Tracker) error {
				id := ""
				if strings.TrimSpace(args[1]) != "" {
					c, err := tr.AddCategory(args[1], "")
					if err != nil {
						return err
					}
					id = c.ID
				}
				_, err := tr.SetAppAssignment(args[0], id)
				return err
			})
		},
	})
	return cmd
}

func newExcludeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exclude [pattern]",
		Short: "Leave apps matching a pattern out of reports, or list exclusions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTracker(cmd, func(cfg *config.Config, tr *tracker.Tracker) error {
				if len(args) == 1 {
					return tr.AddExclusion(args[0])
				}
				for _, p := range tr.Exclusions() {
					fmt.Fprintln(cmd.OutOrStdout(), p)
				}
				return nil
			})
		},
	}
}

func newRebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Re-derive all sessions from imported facts, discarding session edits",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTracker(cmd, func(cfg *config.Config, tr *tracker.Tracker) error {
				matches := tr.Rebuild()
				fmt.Fprintf(cmd.OutOrStdout(), "Rebuilt %d sessions, %d classified\n", tr.Status().Sessions, len(matches))
				return nil
			})
		},
	}
}
