package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/AppyAccidents/judgechronos/internal/classify"
	"github.com/AppyAccidents/judgechronos/internal/config"
	"github.com/AppyAccidents/judgechronos/internal/logging"
	"github.com/AppyAccidents/judgechronos/internal/model"
	"github.com/AppyAccidents/judgechronos/internal/ruleset"
	"github.com/AppyAccidents/judgechronos/internal/source"
	"github.com/AppyAccidents/judgechronos/internal/tracker"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "judgechronos",
		Short:         "judgechronos - local activity tracker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newOnboardCmd(),
		newImportCmd(),
		newFactsCmd(),
		newSessionsCmd(),
		newSessionCmd(),
		newReportCmd(),
		newRulesCmd(),
		newAppCmd(),
		newExcludeCmd(),
		newRebuildCmd(),
		newStatusCmd(),
		newRunCmd(),
	)
	return root
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		printError(os.Stderr, err)
		os.Exit(1)
	}
}

// printError writes err with the source hint and a retry note when the
// failure is transient.
func printError(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %v\n", err)
	if hint := source.HintOf(err); hint != "" {
		fmt.Fprintf(w, "Hint: %s\n", hint)
	}
	if source.RetryableOf(err) {
		fmt.Fprintln(w, "This failure is usually temporary; run the command again.")
	}
}

func newLogger(cmd *cobra.Command, cfg *config.Config) zerolog.Logger {
	return logging.New(cfg.Log.Level, cfg.Log.Console, cmd.ErrOrStderr())
}

// newReader builds the configured activity source. A calendar export, when
// set, is read alongside it. Skipped records are logged to log.
func newReader(cfg *config.Config, log zerolog.Logger) (source.Reader, error) {
	log = log.With().Str("component", "source").Logger()
	jsonl := func(path string, kind model.FactKind) *source.JSONLReader {
		r := source.NewJSONLReader(path, kind)
		r.Logger = log
		return r
	}
	var primary source.Reader
	switch cfg.Source.Kind {
	case config.SourceKnowledgeC:
		r := source.NewSQLiteReader(cfg.Source.Path)
		r.Names = cfg.Source.AppNames
		r.Logger = log
		primary = r
	case config.SourceJSONL:
		primary = jsonl(cfg.Source.Path, model.KindUsage)
	default:
		return nil, fmt.Errorf("unknown source kind %q (want %q or %q)", cfg.Source.Kind, config.SourceKnowledgeC, config.SourceJSONL)
	}
	if cfg.Source.CalendarPath == "" {
		return primary, nil
	}
	return source.Multi{primary, jsonl(cfg.Source.CalendarPath, model.KindCalendar)}, nil
}

func openTracker(cfg *config.Config, log zerolog.Logger) (*tracker.Tracker, error) {
	reader, err := newReader(cfg, log)
	if err != nil {
		return nil, err
	}
	var classifier classify.Classifier
	if cfg.Classifier == config.ClassifierDisabled {
		classifier = classify.Disabled{}
	}
	return tracker.Open(tracker.Options{
		SnapshotPath:   cfg.Store.SnapshotPath,
		Reader:         reader,
		MergeThreshold: cfg.Sessions.MergeThresholdDuration(),
		ImportCooldown: cfg.Import.CooldownDuration(),
		SaveDebounce:   cfg.Store.SaveDebounceDuration(),
		Classifier:     classifier,
		Logger:         log,
	})
}

// withTracker loads config, opens the tracker, runs fn and persists
// whatever fn changed.
func withTracker(cmd *cobra.Command, fn func(cfg *config.Config, tr *tracker.Tracker) error) (err error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	tr, err := openTracker(cfg, newLogger(cmd, cfg))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := tr.Close(context.Background()); cerr != nil && err == nil {
			err = fmt.Errorf("save snapshot: %w", cerr)
		}
	}()
	return fn(cfg, tr)
}

func newOnboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Initialize config and starter rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard(cmd.OutOrStdout())
		},
	}
}

func runOnboard(out io.Writer) error {
	cfgPath := config.ConfigPath()
	if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Rules.Path), 0o755); err != nil {
		return fmt.Errorf("create rules dir: %w", err)
	}
	writeIfNotExists(out, cfg.Rules.Path, ruleset.Example)

	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to point source.path at your activity database\n", cfgPath)
	fmt.Fprintf(out, "  2. Edit %s, then run 'judgechronos rules load'\n", cfg.Rules.Path)
	fmt.Fprintln(out, "  3. Run 'judgechronos import' and 'judgechronos report'")
	return nil
}

func writeIfNotExists(out io.Writer, path, content string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = os.WriteFile(path, []byte(content), 0o644)
		fmt.Fprintf(out, "  Created: %s\n", path)
	}
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import",
		Short: "Import new activity from the configured source",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTracker(cmd, func(cfg *config.Config, tr *tracker.Tracker) error {
				res, err := tr.Import(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Scanned %s facts: %s new, %s duplicate, %s skipped\n",
					humanize.Comma(int64(res.Scanned)),
					humanize.Comma(int64(res.Appended)),
					humanize.Comma(int64(res.Duplicates)),
					humanize.Comma(int64(res.Skipped)))
				if len(res.Matches) > 0 {
					fmt.Fprintf(out, "Classified %d sessions\n", len(res.Matches))
				}
				if !res.Watermark.IsZero() {
					fmt.Fprintf(out, "Imported through %s\n", res.Watermark.Local().Format(time.DateTime))
				}
				return nil
			})
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show judgechronos status",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg, err := config.LoadConfig()
			if err != nil {
				fmt.Fprintf(out, "Config: error (%v)\n", err)
				return nil
			}

			fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
			fmt.Fprintf(out, "Source: %s (%s)\n", cfg.Source.Path, cfg.Source.Kind)
			if info, err := os.Stat(cfg.Source.Path); err != nil {
				fmt.Fprintln(out, "Source: not found")
			} else {
				fmt.Fprintf(out, "Source size: %s, modified %s\n", humanize.Bytes(uint64(info.Size())), humanize.Time(info.ModTime()))
			}
			info, err := os.Stat(cfg.Store.SnapshotPath)
			if err != nil {
				fmt.Fprintln(out, "Snapshot: none yet (run 'judgechronos import')")
				return nil
			}
			fmt.Fprintf(out, "Snapshot: %s (%s)\n", cfg.Store.SnapshotPath, humanize.Bytes(uint64(info.Size())))

			return withTracker(cmd, func(cfg *config.Config, tr *tracker.Tracker) error {
				st := tr.Status()
				fmt.Fprintf(out, "Facts: %s\n", humanize.Comma(int64(st.Facts)))
				fmt.Fprintf(out, "Sessions: %s\n", humanize.Comma(int64(st.Sessions)))
				fmt.Fprintf(out, "Rules: %d, matches: %s\n", st.Rules, humanize.Comma(int64(st.Matches)))
				if st.Watermark != nil {
					fmt.Fprintf(out, "Last import through: %s (%s)\n", st.Watermark.Local().Format(time.DateTime), humanize.Time(*st.Watermark))
				} else {
					fmt.Fprintln(out, "Last import: never")
				}
				return nil
			})
		},
	}
}
