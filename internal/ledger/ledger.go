// Package ledger is the append-only record of imported facts.
package ledger

import (
	"sort"
	"time"

	"github.com/AppyAccidents/judgechronos/internal/model"
)

// Ledger keeps facts ordered by timestamp with an index of their
// deduplication hashes. It is not safe for concurrent use; its owner
// serializes access.
type Ledger struct {
	facts  []model.Fact
	hashes map[string]struct{}
	ids    map[string]int
}

// New builds a ledger from previously persisted facts.
func New(facts []model.Fact) *Ledger {
	l := &Ledger{
		facts:  append([]model.Fact(nil), facts...),
		hashes: make(map[string]struct{}, len(facts)),
	}
	for _, f := range l.facts {
		if f.Hash != "" {
			l.hashes[f.Hash] = struct{}{}
		}
	}
	l.sort()
	return l
}

func (l *Ledger) Contains(hash string) bool {
	_, ok := l.hashes[hash]
	return ok
}

// Append adds facts in the given order, then restores timestamp order.
// Callers check Contains first; Append does not deduplicate.
func (l *Ledger) Append(facts ...model.Fact) {
	if len(facts) == 0 {
		return
	}
	for _, f := range facts {
		l.facts = append(l.facts, f)
		if f.Hash != "" {
			l.hashes[f.Hash] = struct{}{}
		}
	}
	l.sort()
}

func (l *Ledger) Len() int {
	return len(l.facts)
}

func (l *Ledger) Get(id string) (model.Fact, bool) {
	i, ok := l.ids[id]
	if !ok {
		return model.Fact{}, false
	}
	return l.facts[i], true
}

// Facts returns a time-ordered copy of every fact.
func (l *Ledger) Facts() []model.Fact {
	return append([]model.Fact(nil), l.facts...)
}

// Between returns facts whose timestamp falls in [start, end).
func (l *Ledger) Between(start, end time.Time) []model.Fact {
	lo := sort.Search(len(l.facts), func(i int) bool {
		return !l.facts[i].Timestamp.Before(start)
	})
	hi := sort.Search(len(l.facts), func(i int) bool {
		return !l.facts[i].Timestamp.Before(end)
	})
	if lo >= hi {
		return nil
	}
	return append([]model.Fact(nil), l.facts[lo:hi]...)
}

func (l *Ledger) sort() {
	sort.SliceStable(l.facts, func(i, j int) bool {
		return l.facts[i].Timestamp.Before(l.facts[j].Timestamp)
	})
	l.ids = make(map[string]int, len(l.facts))
	for i, f := range l.facts {
		l.ids[f.ID] = i
	}
}
