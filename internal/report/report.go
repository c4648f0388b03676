// Package report rolls sessions up into duration totals for an interval.
package report

import (
	"sort"
	"time"

	"github.com/AppyAccidents/judgechronos/internal/model"
)

// None keys the bucket for sessions without a project or category.
const None = ""

// Interval is the half-open span [Start, End).
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (iv Interval) Contains(t time.Time) bool {
	return !t.Before(iv.Start) && t.Before(iv.End)
}

// Overlap returns how much of [start, end) lies inside the interval, or zero.
func (iv Interval) Overlap(start, end time.Time) time.Duration {
	if start.Before(iv.Start) {
		start = iv.Start
	}
	if end.After(iv.End) {
		end = iv.End
	}
	if !end.After(start) {
		return 0
	}
	return end.Sub(start)
}

// Day is the calendar day containing t, in t's location.
func Day(t time.Time) Interval {
	y, m, d := t.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	return Interval{Start: start, End: start.AddDate(0, 0, 1)}
}

// Week is the seven days containing t, starting on weekStart.
func Week(t time.Time, weekStart time.Weekday) Interval {
	day := Day(t).Start
	back := (int(day.Weekday()) - int(weekStart) + 7) % 7
	start := day.AddDate(0, 0, -back)
	return Interval{Start: start, End: start.AddDate(0, 0, 7)}
}

// Previous is the interval of the same length ending where iv starts. Spans
// of whole calendar days step back by days, so a week that crosses a
// daylight-saving change still starts at local midnight.
func (iv Interval) Previous() Interval {
	if days := wholeDays(iv); days > 0 {
		return Interval{Start: iv.Start.AddDate(0, 0, -days), End: iv.Start}
	}
	return Interval{Start: iv.Start.Add(-iv.End.Sub(iv.Start)), End: iv.Start}
}

// wholeDays counts the calendar days iv spans, or 0 when its bounds are not
// the same wall-clock time on different days.
func wholeDays(iv Interval) int {
	ys, ms, ds := iv.Start.Date()
	ye, me, de := iv.End.Date()
	days := int(time.Date(ye, me, de, 0, 0, 0, 0, time.UTC).Sub(time.Date(ys, ms, ds, 0, 0, 0, 0, time.UTC)) / (24 * time.Hour))
	if days <= 0 || !iv.Start.AddDate(0, 0, days).Equal(iv.End) {
		return 0
	}
	return days
}

type Rollup struct {
	Interval      Interval
	Total         time.Duration
	ByProject     map[string]time.Duration
	ByCategory    map[string]time.Duration
	ByTag         map[string]time.Duration
	ByApp         map[string]time.Duration
	Uncategorized time.Duration
}

// Aggregate sums the part of each session that falls inside iv. Idle and
// private sessions contribute nothing.
func Aggregate(iv Interval, sessions []model.Session) Rollup {
	r := Rollup{
		Interval:   iv,
		ByProject:  make(map[string]time.Duration),
		ByCategory: make(map[string]time.Duration),
		ByTag:      make(map[string]time.Duration),
		ByApp:      make(map[string]time.Duration),
	}
	for _, s := range sessions {
		if s.IsIdle || s.IsPrivate {
			continue
		}
		d := iv.Overlap(s.Start, s.End)
		if d <= 0 {
			continue
		}
		r.Total += d
		r.ByProject[s.ProjectID] += d
		r.ByCategory[s.CategoryID] += d
		r.ByApp[s.AppName] += d
		for _, tag := range uniq(s.TagIDs) {
			r.ByTag[tag] += d
		}
		if s.CategoryID == None {
			r.Uncategorized += d
		}
	}
	return r
}

// Compare returns a.Total - b.Total.
func Compare(a, b Rollup) time.Duration {
	return a.Total - b.Total
}

// Percent is d as a share of the rollup's total.
func (r Rollup) Percent(d time.Duration) float64 {
	if r.Total <= 0 {
		return 0
	}
	return float64(d) / float64(r.Total) * 100
}

// Entry is one bucket of a rollup map.
type Entry struct {
	Key      string
	Duration time.Duration
}

// Sorted returns the buckets of m, longest first, ties by key.
func Sorted(m map[string]time.Duration) []Entry {
	out := make([]Entry, 0, len(m))
	for k, d := range m {
		out = append(out, Entry{Key: k, Duration: d})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Duration != out[j].Duration {
			return out[i].Duration > out[j].Duration
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func uniq(tags []string) []string {
	if len(tags) < 2 {
		return tags
	}
	seen := make(map[string]struct{}, len(tags))
	out := tags[:0:0]
	for _, t := range tags {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
