// Package classify assigns categories, projects, tags and privacy to sessions.
//
// Automated classification never overwrites a value a user set: category and
// project are written only when unset, tags are unioned, and the private flag
// is only ever turned on. Sessions a user classified by hand are skipped.
package classify

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr/vm"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/AppyAccidents/judgechronos/internal/model"
)

// Engine is the built-in rule classifier.
type Engine struct {
	log   zerolog.Logger
	now   func() time.Time
	newID func() string

	mu       sync.Mutex
	programs map[string]*vm.Program
	failed   map[string]error
}

type EngineOption func(*Engine)

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func WithIDs(newID func() string) EngineOption {
	return func(e *Engine) { e.newID = newID }
}

func NewEngine(log zerolog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		log:      log.With().Str("component", "classify").Logger(),
		now:      time.Now,
		newID:    uuid.NewString,
		programs: make(map[string]*vm.Program),
		failed:   make(map[string]error),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Ordered returns the enabled rules, highest priority first. Equal priorities
// keep their relative order.
func Ordered(rules []model.Rule) []model.Rule {
	out := make([]model.Rule, 0, len(rules))
	for _, r := range rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

// Evaluate returns a match for the highest-priority enabled rule whose
// conditions all hold, or nil when none does.
func (e *Engine) Evaluate(s *model.Session, rules []model.Rule) *model.RuleMatch {
	for _, r := range Ordered(rules) {
		if !e.matches(r, s) {
			continue
		}
		return &model.RuleMatch{
			ID:          e.newID(),
			RuleID:      r.ID,
			SessionID:   s.ID,
			EvaluatedAt: e.now(),
			Description: fmt.Sprintf("rule %q matched", r.Name),
		}
	}
	return nil
}

// Apply writes the actions of the match's rule into s and returns the fields
// it changed.
func (e *Engine) Apply(m *model.RuleMatch, s *model.Session, rules []model.Rule) []string {
	if m == nil {
		return nil
	}
	rule, ok := findRule(rules, m.RuleID)
	if !ok {
		return nil
	}
	var changes []string
	a := rule.Actions
	if a.CategoryID != "" && s.CategoryID == "" {
		s.CategoryID = a.CategoryID
		changes = append(changes, "category="+a.CategoryID)
	}
	if a.ProjectID != "" && s.ProjectID == "" {
		s.ProjectID = a.ProjectID
		changes = append(changes, "project="+a.ProjectID)
	}
	for _, tag := range a.TagIDs {
		if tag == "" || s.HasTag(tag) {
			continue
		}
		s.TagIDs = append(s.TagIDs, tag)
		changes = append(changes, "tag+="+tag)
	}
	if a.MarkPrivate && !s.IsPrivate {
		s.IsPrivate = true
		changes = append(changes, "private")
	}
	if len(changes) > 0 && s.Classification != model.ManuallyClassified {
		s.Classification = model.RuleClassified
	}
	return changes
}

// Classify evaluates and applies rules. It returns a match only when the
// session changed, so running it twice is a no-op the second time.
func (e *Engine) Classify(s *model.Session, rules []model.Rule) *model.RuleMatch {
	if s.Classification == model.ManuallyClassified {
		return nil
	}
	m := e.Evaluate(s, rules)
	if m == nil {
		return nil
	}
	changes := e.Apply(m, s, rules)
	if len(changes) == 0 {
		return nil
	}
	rule, _ := findRule(rules, m.RuleID)
	m.Description = fmt.Sprintf("rule %q set %s", rule.Name, strings.Join(changes, ", "))
	return m
}

func (e *Engine) matches(r model.Rule, s *model.Session) bool {
	c := r.Conditions
	if !containsFold(s.AppName, c.AppPattern) {
		return false
	}
	if !containsFold(s.WindowTitle, c.WindowTitlePattern) {
		return false
	}
	if !containsFold(s.BundleID, c.BundleIDPattern) {
		return false
	}
	if c.MinDuration > 0 && s.Duration() < c.MinDuration {
		return false
	}
	if c.Expr != "" && !e.evalExpr(r, s) {
		return false
	}
	return true
}

// containsFold reports whether pattern occurs in value ignoring case. An empty
// pattern matches anything.
func containsFold(value, pattern string) bool {
	if pattern == "" {
		return true
	}
	return strings.Contains(strings.ToLower(value), strings.ToLower(pattern))
}

func findRule(rules []model.Rule, id string) (model.Rule, bool) {
	for _, r := range rules {
		if r.ID == id {
			return r, true
		}
	}
	return model.Rule{}, false
}
