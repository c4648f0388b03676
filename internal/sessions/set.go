package sessions

import (
	"sort"
	"time"

	"github.com/AppyAccidents/judgechronos/internal/model"
)

// Set holds sessions keyed by ID, ordered by start time. Pointers returned by
// Get and Last may be edited in place as long as Start does not change; use
// Update for edits that move a session.
type Set struct {
	byID  map[string]*model.Session
	order []string
}

func NewSet(sessions []model.Session) *Set {
	s := &Set{byID: make(map[string]*model.Session, len(sessions))}
	s.Add(sessions...)
	return s
}

func (s *Set) Len() int {
	return len(s.order)
}

func (s *Set) Get(id string) (*model.Session, bool) {
	sess, ok := s.byID[id]
	return sess, ok
}

// Last returns the session with the latest start, or nil when empty.
func (s *Set) Last() *model.Session {
	if len(s.order) == 0 {
		return nil
	}
	return s.byID[s.order[len(s.order)-1]]
}

// Add inserts sessions, replacing any with the same ID.
func (s *Set) Add(sessions ...model.Session) {
	if len(sessions) == 0 {
		return
	}
	for i := range sessions {
		c := sessions[i].Clone()
		if _, exists := s.byID[c.ID]; !exists {
			s.order = append(s.order, c.ID)
		}
		s.byID[c.ID] = c
	}
	s.sort()
}

// Reset replaces the contents of the set.
func (s *Set) Reset(sessions []model.Session) {
	s.byID = make(map[string]*model.Session, len(sessions))
	s.order = nil
	s.Add(sessions...)
}

// Update applies fn to the session and restores ordering afterwards.
func (s *Set) Update(id string, fn func(*model.Session)) bool {
	sess, ok := s.byID[id]
	if !ok {
		return false
	}
	fn(sess)
	s.sort()
	return true
}

// All returns copies of every session in start order.
func (s *Set) All() []model.Session {
	out := make([]model.Session, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.byID[id].Clone())
	}
	return out
}

// Overlapping returns copies of the sessions whose span intersects
// [start, end).
func (s *Set) Overlapping(start, end time.Time) []model.Session {
	var out []model.Session
	for _, id := range s.order {
		sess := s.byID[id]
		if !sess.Start.Before(end) {
			break
		}
		if sess.End.After(start) {
			out = append(out, *sess.Clone())
		}
	}
	return out
}

// IDs returns session IDs in start order.
func (s *Set) IDs() []string {
	return append([]string(nil), s.order...)
}

func (s *Set) sort() {
	sort.SliceStable(s.order, func(i, j int) bool {
		return s.byID[s.order[i]].Start.Before(s.byID[s.order[j]].Start)
	})
}
