package tracker

import (
	"strings"
	"time"

	"github.com/AppyAccidents/judgechronos/internal/model"
	"github.com/AppyAccidents/judgechronos/internal/report"
)

// Report rolls up the sessions in iv, leaving out apps matched by an
// exclusion pattern.
func (t *Tracker) Report(iv report.Interval) report.Rollup {
	t.mu.Lock()
	candidates := t.sessions.Overlapping(iv.Start, iv.End)
	patterns := append([]string(nil), t.state.ExclusionPatterns...)
	t.mu.Unlock()

	kept := candidates[:0]
	for _, s := range candidates {
		if !excluded(s, patterns) {
			kept = append(kept, s)
		}
	}
	return report.Aggregate(iv, kept)
}

// Compare reports iv against the interval of equal length before it.
func (t *Tracker) Compare(iv report.Interval) (cur, prev report.Rollup, delta time.Duration) {
	cur = t.Report(iv)
	prev = t.Report(iv.Previous())
	return cur, prev, report.Compare(cur, prev)
}

// WeekStart is the configured first day of the week.
func (t *Tracker) WeekStart() time.Weekday {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Preferences.WeekStart
}

func excluded(s model.Session, patterns []string) bool {
	app := strings.ToLower(s.AppName)
	for _, p := range patterns {
		if strings.Contains(app, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
