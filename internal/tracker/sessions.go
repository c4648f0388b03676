package tracker

import (
	"fmt"
	"time"

	"github.com/AppyAccidents/judgechronos/internal/model"
	"github.com/AppyAccidents/judgechronos/internal/report"
)

// Sessions returns the sessions overlapping iv, in start order.
func (t *Tracker) Sessions(iv report.Interval) []model.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions.Overlapping(iv.Start, iv.End)
}

// FactsIn returns the imported facts that start inside iv, in time order.
func (t *Tracker) FactsIn(iv report.Interval) []model.Fact {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ledger.Between(iv.Start, iv.End)
}

func (t *Tracker) AllSessions() []model.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions.All()
}

func (t *Tracker) Session(id string) (model.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions.Get(id)
	if !ok {
		return model.Session{}, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	return *s.Clone(), nil
}

// SetCategory is a manual classification. Clearing the category hands the
// session back to the rules.
func (t *Tracker) SetCategory(id, categoryID string) error {
	return t.edit(id, func(s *model.Session) error {
		if categoryID != "" && !t.hasCategory(categoryID) {
			return fmt.Errorf("category %s: %w", categoryID, ErrUnknownEntity)
		}
		s.CategoryID = categoryID
		if categoryID == "" {
			s.Classification = model.Unclassified
		} else {
			s.Classification = model.ManuallyClassified
		}
		return nil
	})
}

func (t *Tracker) SetProject(id, projectID string) error {
	return t.edit(id, func(s *model.Session) error {
		if projectID != "" && !t.hasProject(projectID) {
			return fmt.Errorf("project %s: %w", projectID, ErrUnknownEntity)
		}
		s.ProjectID = projectID
		s.Classification = model.ManuallyClassified
		return nil
	})
}

func (t *Tracker) SetTags(id string, tagIDs []string) error {
	return t.edit(id, func(s *model.Session) error {
		for _, tag := range tagIDs {
			if !t.hasTag(tag) {
				return fmt.Errorf("tag %s: %w", tag, ErrUnknownEntity)
			}
		}
		s.TagIDs = append([]string(nil), tagIDs...)
		s.Classification = model.ManuallyClassified
		return nil
	})
}

func (t *Tracker) SetPrivate(id string, private bool) error {
	return t.edit(id, func(s *model.Session) error {
		s.IsPrivate = private
		s.Classification = model.ManuallyClassified
		return nil
	})
}

func (t *Tracker) SetNote(id, note string) error {
	return t.edit(id, func(s *model.Session) error {
		s.Note = note
		return nil
	})
}

// Split divides a session at the given instant. Both halves keep the
// original classification.
func (t *Tracker) Split(id string, at time.Time) (model.Session, model.Session, error) {
	var first, second model.Session
	err := t.mutate(func() error {
		var err error
		first, second, err = t.deriver.Split(t.sessions, id, at, t.ledger.Get)
		return err
	})
	return first, second, err
}

// Rebuild re-derives every session from the ledger and reapplies rules.
// Manual edits to sessions are discarded.
func (t *Tracker) Rebuild() []model.RuleMatch {
	var matches []model.RuleMatch
	_ = t.mutate(func() error {
		t.sessions.Reset(t.deriver.Derive(t.ledger.Facts()))
		matches = t.deriver.Classify(t.sessions, t.sessions.IDs(), t.state.Rules)
		t.state.RuleMatches = append(t.state.RuleMatches, matches...)
		return nil
	})
	t.log.Info().Int("sessions", len(t.AllSessions())).Int("matches", len(matches)).Msg("sessions rebuilt")
	return matches
}

func (t *Tracker) edit(id string, fn func(s *model.Session) error) error {
	return t.mutate(func() error {
		s, ok := t.sessions.Get(id)
		if !ok {
			return fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
		}
		c := s.Clone()
		if err := fn(c); err != nil {
			return err
		}
		*s = *c
		return nil
	})
}
