package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/AppyAccidents/judgechronos/internal/config"
	"github.com/AppyAccidents/judgechronos/internal/cron"
	"github.com/AppyAccidents/judgechronos/internal/source"
	"github.com/AppyAccidents/judgechronos/internal/tracker"
	"github.com/AppyAccidents/judgechronos/internal/watch"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Import continuously on a schedule and when the source changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withTracker(cmd, func(cfg *config.Config, tr *tracker.Tracker) error {
				return runDaemon(ctx, cfg, tr, newLogger(cmd, cfg))
			})
		},
	}
}

// runDaemon imports once, then on every schedule tick and source change
// until ctx is done. Throttling inside the tracker collapses bursts of
// triggers into one import.
func runDaemon(ctx context.Context, cfg *config.Config, tr *tracker.Tracker, log zerolog.Logger) error {
	log = log.With().Str("component", "daemon").Logger()

	runImport := func(ctx context.Context, trigger string) error {
		res, err := tr.Import(ctx)
		if err != nil {
			log.Warn().Str("trigger", trigger).Err(err).Msg("import failed")
			return err
		}
		if !res.Throttled && res.Appended > 0 {
			log.Info().Str("trigger", trigger).Int("appended", res.Appended).Msg("imported")
		}
		return nil
	}
	startErr := runImport(ctx, "startup")

	svc := cron.NewService(log)
	job, err := svc.AddJob("schedule", cfg.Import.Schedule)
	if err != nil {
		return fmt.Errorf("import schedule: %w", err)
	}
	sched := &schedule{svc: svc, id: job.ID, log: log}
	svc.OnJob = func(ctx context.Context, job cron.Job) error {
		err := runImport(ctx, job.Name)
		if cfg.Import.Watch {
			sched.pause(err)
		}
		if next, ok := svc.Next(job.ID); ok {
			log.Debug().Time("next", next).Msg("next scheduled import")
		}
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer func() {
		svc.Stop()
		for _, j := range svc.ListJobs() {
			log.Info().Str("job", j.Name).Int("runs", j.State.Runs).Str("last_status", j.State.LastStatus).Msg("schedule summary")
		}
	}()

	if cfg.Import.Watch {
		files := []string{cfg.Source.Path, cfg.Source.CalendarPath}
		w := watch.New(files, func(path string) {
			if runImport(ctx, "watch") == nil {
				sched.resume()
			}
		}, log)
		if err := w.Start(ctx); err != nil {
			// Scheduled imports still run without a watcher.
			log.Warn().Err(err).Msg("source watch unavailable")
		} else {
			sched.pause(startErr)
			defer func() {
				_ = w.Close()
				w.Wait()
			}()
		}
	}

	ev := log.Info().Str("schedule", cfg.Import.Schedule).Bool("watch", cfg.Import.Watch)
	if next, ok := svc.Next(job.ID); ok {
		ev = ev.Time("next", next)
	}
	ev.Msg("running")
	<-ctx.Done()
	log.Info().Msg("shutting down")
	return nil
}

// schedule pauses the import job while the source fails in a way repeating
// cannot fix, such as a missing file or denied access. A successful import
// after the source changes resumes it.
type schedule struct {
	svc *cron.Service
	id  string
	log zerolog.Logger
}

func (s *schedule) pause(err error) {
	if err == nil || source.KindOf(err) == "" || source.RetryableOf(err) || s.paused() {
		return
	}
	if _, e := s.svc.EnableJob(s.id, false); e != nil {
		return
	}
	s.log.Warn().Str("kind", string(source.KindOf(err))).Msg("scheduled imports paused until the source changes")
}

func (s *schedule) resume() {
	if !s.paused() {
		return
	}
	if _, err := s.svc.EnableJob(s.id, true); err != nil {
		return
	}
	s.log.Info().Msg("scheduled imports resumed")
}

func (s *schedule) paused() bool {
	for _, j := range s.svc.ListJobs() {
		if j.ID == s.id {
			return !j.Enabled
		}
	}
	return false
}
