// Package sessions derives user-editable sessions from the fact ledger.
//
// Facts merge into a session when they share the app and idle state and
// start no later than MergeThreshold after the session ends. Overlap merges.
package sessions

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/AppyAccidents/judgechronos/internal/classify"
	"github.com/AppyAccidents/judgechronos/internal/model"
)

const DefaultMergeThreshold = 60 * time.Second

var (
	ErrNotFound        = errors.New("session not found")
	ErrSplitOutOfRange = errors.New("split point outside session")
)

// Deriver builds sessions from facts. The zero value uses the default
// threshold and never classifies.
type Deriver struct {
	MergeThreshold time.Duration
	Classifier     classify.Classifier
	NewID          func() string
}

// Derive walks facts in timestamp order and returns the sessions they form.
// Malformed facts are skipped.
func (d *Deriver) Derive(facts []model.Fact) []model.Session {
	return d.derive(ordered(facts))
}

// Extend folds newly appended facts into set. Only the earliest new fact is
// tested against the existing tail; the rest are derived on their own. Every
// touched session is then classified and the resulting matches returned.
func (d *Deriver) Extend(set *Set, facts []model.Fact, rules []model.Rule) []model.RuleMatch {
	pending := ordered(facts)
	if len(pending) == 0 {
		return nil
	}
	var touched []string
	if tail := set.Last(); tail != nil && d.mergeable(tail, pending[0]) {
		// The boundary fact may start before the tail, so Start can move.
		f := pending[0]
		set.Update(tail.ID, func(s *model.Session) { absorb(s, f) })
		touched = append(touched, tail.ID)
		pending = pending[1:]
	}
	fresh := d.derive(pending)
	set.Add(fresh...)
	for _, s := range fresh {
		touched = append(touched, s.ID)
	}
	return d.Classify(set, touched, rules)
}

// Classify runs the classifier over the given sessions.
func (d *Deriver) Classify(set *Set, ids []string, rules []model.Rule) []model.RuleMatch {
	if d.Classifier == nil {
		return nil
	}
	var matches []model.RuleMatch
	for _, id := range ids {
		s, ok := set.Get(id)
		if !ok {
			continue
		}
		if m := d.Classifier.Classify(s, rules); m != nil {
			matches = append(matches, *m)
		}
	}
	return matches
}

// Split cuts a session at the instant at, which must fall strictly inside
// it. Facts starting before at stay with the first half. The second half
// gets a new ID and inherits the first half's classification.
func (d *Deriver) Split(set *Set, id string, at time.Time, lookup func(string) (model.Fact, bool)) (model.Session, model.Session, error) {
	orig, ok := set.Get(id)
	if !ok {
		return model.Session{}, model.Session{}, fmt.Errorf("split %s: %w", id, ErrNotFound)
	}
	if !at.After(orig.Start) || !at.Before(orig.End) {
		return model.Session{}, model.Session{}, fmt.Errorf("split %s at %s: %w", id, at.Format(time.RFC3339), ErrSplitOutOfRange)
	}

	second := orig.Clone()
	second.ID = d.newID()
	second.Start = at
	second.FactIDs = []string{}

	var keep []string
	for _, fid := range orig.FactIDs {
		if f, ok := lookup(fid); ok && !f.Timestamp.Before(at) {
			second.FactIDs = append(second.FactIDs, fid)
			continue
		}
		keep = append(keep, fid)
	}
	if keep == nil {
		keep = []string{}
	}
	set.Update(id, func(s *model.Session) {
		s.End = at
		s.FactIDs = keep
	})
	set.Add(*second)

	first, _ := set.Get(id)
	return *first.Clone(), *second, nil
}

func (d *Deriver) derive(facts []model.Fact) []model.Session {
	var (
		out []model.Session
		cur *model.Session
	)
	for _, f := range facts {
		if cur != nil && d.mergeable(cur, f) {
			absorb(cur, f)
			continue
		}
		if cur != nil {
			out = append(out, *cur)
		}
		cur = d.open(f)
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}

func (d *Deriver) mergeable(s *model.Session, f model.Fact) bool {
	if s.AppName != f.AppName || s.IsIdle != f.IsIdle() {
		return false
	}
	return f.Timestamp.Sub(s.End) <= d.threshold()
}

func (d *Deriver) open(f model.Fact) *model.Session {
	return &model.Session{
		ID:             d.newID(),
		Start:          f.Timestamp,
		End:            f.End(),
		AppName:        f.AppName,
		BundleID:       f.BundleID,
		WindowTitle:    f.WindowTitle,
		FactIDs:        []string{f.ID},
		IsIdle:         f.IsIdle(),
		Classification: model.Unclassified,
	}
}

// absorb extends s to cover f. The span never shrinks.
func absorb(s *model.Session, f model.Fact) {
	if f.Timestamp.Before(s.Start) {
		s.Start = f.Timestamp
	}
	if end := f.End(); end.After(s.End) {
		s.End = end
	}
	if f.WindowTitle != "" {
		s.WindowTitle = f.WindowTitle
	}
	if s.BundleID == "" {
		s.BundleID = f.BundleID
	}
	s.FactIDs = append(s.FactIDs, f.ID)
}

func (d *Deriver) threshold() time.Duration {
	if d.MergeThreshold > 0 {
		return d.MergeThreshold
	}
	return DefaultMergeThreshold
}

func (d *Deriver) newID() string {
	if d.NewID != nil {
		return d.NewID()
	}
	return uuid.NewString()
}

func ordered(facts []model.Fact) []model.Fact {
	out := make([]model.Fact, 0, len(facts))
	for _, f := range facts {
		if f.Valid() {
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
