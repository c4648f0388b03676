// Package tracker owns the mutable state of the activity pipeline: the fact
// ledger, the session set, rules and the import watermark.
//
// Every read and write goes through one mutex. The only slow call, reading
// the activity source, runs outside it, and persistence happens on the
// saver's own goroutine from a copy taken under it.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/AppyAccidents/judgechronos/internal/classify"
	"github.com/AppyAccidents/judgechronos/internal/importer"
	"github.com/AppyAccidents/judgechronos/internal/ledger"
	"github.com/AppyAccidents/judgechronos/internal/model"
	"github.com/AppyAccidents/judgechronos/internal/sessions"
	"github.com/AppyAccidents/judgechronos/internal/source"
	"github.com/AppyAccidents/judgechronos/internal/store"
)

var (
	ErrSessionNotFound = sessions.ErrNotFound
	ErrUnknownEntity   = errors.New("unknown entity")
	ErrRuleNotFound    = errors.New("rule not found")
)

type Options struct {
	SnapshotPath string
	// Reader is the activity source. Without one, Import fails with a
	// source-not-found error.
	Reader source.Reader

	MergeThreshold time.Duration
	ImportCooldown time.Duration
	SaveDebounce   time.Duration

	// Classifier runs after per-app and per-event assignments. Nil means
	// the built-in rule engine.
	Classifier classify.Classifier

	Logger zerolog.Logger
	Now    func() time.Time
	NewID  func() string
}

type Tracker struct {
	mu       sync.Mutex
	state    *model.Snapshot // everything except facts and sessions
	ledger   *ledger.Ledger
	sessions *sessions.Set
	deriver  *sessions.Deriver

	importer *importer.Coordinator
	saver    *store.Saver
	log      zerolog.Logger
	now      func() time.Time
	newID    func() string
}

// Open loads the snapshot at opts.SnapshotPath and starts the background
// saver. Callers must Close the tracker to persist the final state.
func Open(opts Options) (*Tracker, error) {
	snap, err := store.Load(opts.SnapshotPath)
	if err != nil {
		return nil, fmt.Errorf("open tracker: %w", err)
	}

	t := &Tracker{
		ledger:   ledger.New(snap.Facts),
		sessions: sessions.NewSet(snap.Sessions),
		log:      opts.Logger.With().Str("component", "tracker").Logger(),
		now:      opts.Now,
		newID:    opts.NewID,
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.newID == nil {
		t.newID = uuid.NewString
	}
	snap.Facts = nil
	snap.Sessions = nil
	t.state = snap

	next := opts.Classifier
	if next == nil {
		next = classify.NewEngine(opts.Logger, classify.WithClock(t.now), classify.WithIDs(t.newID))
	}
	t.deriver = &sessions.Deriver{
		MergeThreshold: opts.MergeThreshold,
		NewID:          t.newID,
		Classifier: classify.Overrides{
			Apps:   t.state.AppAssignments,
			Events: t.state.EventAssignments,
			Next:   next,
		},
	}

	reader := opts.Reader
	if reader == nil {
		reader = source.ReaderFunc(func(context.Context, *time.Time) ([]model.Fact, error) {
			return nil, &source.Error{Kind: source.KindNotFound, Err: errors.New("no activity source configured")}
		})
	}
	t.importer = importer.New(reader, owner{t}, importer.Options{
		Cooldown: opts.ImportCooldown,
		Now:      t.now,
		NewID:    t.newID,
		Logger:   opts.Logger,
	})
	t.saver = store.NewSaver(opts.SnapshotPath, t.snapshot, opts.SaveDebounce, opts.Logger)

	t.log.Debug().
		Int("facts", t.ledger.Len()).
		Int("sessions", t.sessions.Len()).
		Int("rules", len(t.state.Rules)).
		Msg("tracker opened")
	return t, nil
}

// Import pulls new facts from the activity source. Throttled calls return
// a Result with Throttled set and no error.
func (t *Tracker) Import(ctx context.Context) (importer.Result, error) {
	return t.importer.Import(ctx)
}

// Watermark reports how far imports have progressed.
func (t *Tracker) Watermark() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if w := t.state.Preferences.LastImportedAt; w != nil {
		return *w, true
	}
	return time.Time{}, false
}

// Flush writes the current state now.
func (t *Tracker) Flush(ctx context.Context) error {
	return t.saver.Flush(ctx)
}

// Close writes the current state and stops the saver.
func (t *Tracker) Close(ctx context.Context) error {
	return t.saver.Close(ctx)
}

type Status struct {
	Facts      int
	Sessions   int
	Rules      int
	Matches    int
	Categories int
	Watermark  *time.Time
}

func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := Status{
		Facts:      t.ledger.Len(),
		Sessions:   t.sessions.Len(),
		Rules:      len(t.state.Rules),
		Matches:    len(t.state.RuleMatches),
		Categories: len(t.state.Categories),
	}
	if w := t.state.Preferences.LastImportedAt; w != nil {
		wm := *w
		st.Watermark = &wm
	}
	return st
}

func (t *Tracker) Facts() []model.Fact {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ledger.Facts()
}

// mutate runs fn under the lock and schedules a save.
func (t *Tracker) mutate(fn func() error) error {
	t.mu.Lock()
	err := fn()
	t.mu.Unlock()
	if err == nil {
		t.saver.Schedule()
	}
	return err
}

// snapshot copies the state for the saver. Nothing in the copy is shared
// with live state that may still be mutated.
func (t *Tracker) snapshot() *model.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state
	out := &model.Snapshot{
		Version:           s.Version,
		Categories:        append([]model.Category(nil), s.Categories...),
		Rules:             append([]model.Rule(nil), s.Rules...),
		AppAssignments:    maps.Clone(s.AppAssignments),
		EventAssignments:  maps.Clone(s.EventAssignments),
		ExclusionPatterns: append([]string(nil), s.ExclusionPatterns...),
		FocusSessions:     append([]model.FocusSession(nil), s.FocusSessions...),
		Goals:             append([]model.Goal(nil), s.Goals...),
		Preferences:       s.Preferences,
		Facts:             t.ledger.Facts(),
		Sessions:          t.sessions.All(),
		Projects:          append([]model.Project(nil), s.Projects...),
		Tags:              append([]model.Tag(nil), s.Tags...),
		RuleMatches:       append([]model.RuleMatch(nil), s.RuleMatches...),
	}
	if w := s.Preferences.LastImportedAt; w != nil {
		wm := *w
		out.Preferences.LastImportedAt = &wm
	}
	out.Normalize()
	return out
}

// owner adapts the tracker to the import coordinator.
type owner struct{ t *Tracker }

func (o owner) Watermark() *time.Time {
	w, ok := o.t.Watermark()
	if !ok {
		return nil
	}
	return &w
}

func (o owner) Commit(fn func(tx importer.Tx)) {
	o.t.mu.Lock()
	fn(tx{o.t})
	o.t.mu.Unlock()
	o.t.saver.Schedule()
}

// tx is only used while the tracker's lock is held.
type tx struct{ t *Tracker }

func (x tx) Contains(hash string) bool {
	return x.t.ledger.Contains(hash)
}

func (x tx) Append(facts []model.Fact) {
	x.t.ledger.Append(facts...)
}

func (x tx) AdvanceWatermark(at time.Time) time.Time {
	prefs := &x.t.state.Preferences
	if !at.IsZero() && (prefs.LastImportedAt == nil || at.After(*prefs.LastImportedAt)) {
		prefs.LastImportedAt = &at
	}
	if prefs.LastImportedAt == nil {
		return time.Time{}
	}
	return *prefs.LastImportedAt
}

func (x tx) Extend(facts []model.Fact) []model.RuleMatch {
	matches := x.t.deriver.Extend(x.t.sessions, facts, x.t.state.Rules)
	x.t.state.RuleMatches = append(x.t.state.RuleMatches, matches...)
	return matches
}
