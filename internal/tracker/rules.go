package tracker

import (
	"fmt"
	"slices"
	"strings"

	"github.com/AppyAccidents/judgechronos/internal/classify"
	"github.com/AppyAccidents/judgechronos/internal/model"
	"github.com/AppyAccidents/judgechronos/internal/ruleset"
)

func (t *Tracker) Rules() []model.Rule {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]model.Rule(nil), t.state.Rules...)
}

// AddRule stores a rule. Rules take effect for sessions touched by later
// imports, or for all sessions after ReapplyRules.
func (t *Tracker) AddRule(r model.Rule) (model.Rule, error) {
	if strings.TrimSpace(r.Name) == "" {
		return model.Rule{}, fmt.Errorf("add rule: name is required")
	}
	if err := checkExpr(r); err != nil {
		return model.Rule{}, fmt.Errorf("add rule %q: %w", r.Name, err)
	}
	err := t.mutate(func() error {
		if r.ID == "" {
			r.ID = t.newID()
		}
		if err := t.checkActions(r.Actions); err != nil {
			return fmt.Errorf("add rule %q: %w", r.Name, err)
		}
		for _, existing := range t.state.Rules {
			if existing.ID == r.ID {
				return fmt.Errorf("add rule %q: id %s already in use", r.Name, r.ID)
			}
		}
		t.state.Rules = append(t.state.Rules, r)
		return nil
	})
	if err != nil {
		return model.Rule{}, err
	}
	return r, nil
}

func (t *Tracker) RemoveRule(id string) error {
	return t.mutate(func() error {
		i := slices.IndexFunc(t.state.Rules, func(r model.Rule) bool { return r.ID == id })
		if i < 0 {
			return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
		}
		t.state.Rules = slices.Delete(t.state.Rules, i, i+1)
		return nil
	})
}

// LoadRules replaces every rule with those in f, creating the categories,
// projects and tags the file names.
func (t *Tracker) LoadRules(f *ruleset.File) ([]model.Rule, error) {
	rules, names, err := f.ToRules()
	if err != nil {
		return nil, err
	}
	err = t.mutate(func() error {
		for _, n := range names.Categories {
			t.addCategory(n, "")
		}
		for _, n := range names.Projects {
			t.addProject(n, "")
		}
		for _, n := range names.Tags {
			t.addTag(n)
		}
		t.state.Rules = rules
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.log.Info().Int("rules", len(rules)).Msg("rules loaded")
	return rules, nil
}

// ReplaceRules swaps the rule list wholesale.
func (t *Tracker) ReplaceRules(rules []model.Rule) error {
	for _, r := range rules {
		if err := checkExpr(r); err != nil {
			return fmt.Errorf("rule %q: %w", r.Name, err)
		}
	}
	return t.mutate(func() error {
		for _, r := range rules {
			if err := t.checkActions(r.Actions); err != nil {
				return fmt.Errorf("rule %q: %w", r.Name, err)
			}
		}
		t.state.Rules = append([]model.Rule(nil), rules...)
		return nil
	})
}

// ExportRules renders the current rules as YAML with entity names.
func (t *Tracker) ExportRules() ([]byte, error) {
	t.mu.Lock()
	rules := append([]model.Rule(nil), t.state.Rules...)
	t.mu.Unlock()
	return ruleset.Export(rules, t.Name)
}

// ReapplyRules classifies every session that is not manually classified.
// Rules only fill fields that are still empty.
func (t *Tracker) ReapplyRules() []model.RuleMatch {
	var matches []model.RuleMatch
	_ = t.mutate(func() error {
		matches = t.deriver.Classify(t.sessions, t.sessions.IDs(), t.state.Rules)
		t.state.RuleMatches = append(t.state.RuleMatches, matches...)
		return nil
	})
	t.log.Info().Int("matches", len(matches)).Msg("rules reapplied")
	return matches
}

func (t *Tracker) Matches() []model.RuleMatch {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]model.RuleMatch(nil), t.state.RuleMatches...)
}

func (t *Tracker) Categories() []model.Category {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]model.Category(nil), t.state.Categories...)
}

func (t *Tracker) Projects() []model.Project {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]model.Project(nil), t.state.Projects...)
}

func (t *Tracker) Tags() []model.Tag {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]model.Tag(nil), t.state.Tags...)
}

// AddCategory creates a category, or returns the existing one with the same
// name.
func (t *Tracker) AddCategory(name, color string) (model.Category, error) {
	if strings.TrimSpace(name) == "" {
		return model.Category{}, fmt.Errorf("add category: name is required")
	}
	var c model.Category
	err := t.mutate(func() error {
		c = t.addCategory(name, color)
		return nil
	})
	return c, err
}

func (t *Tracker) AddProject(name, color string) (model.Project, error) {
	if strings.TrimSpace(name) == "" {
		return model.Project{}, fmt.Errorf("add project: name is required")
	}
	var p model.Project
	err := t.mutate(func() error {
		p = t.addProject(name, color)
		return nil
	})
	return p, err
}

func (t *Tracker) AddTag(name string) (model.Tag, error) {
	if strings.TrimSpace(name) == "" {
		return model.Tag{}, fmt.Errorf("add tag: name is required")
	}
	var tag model.Tag
	err := t.mutate(func() error {
		tag = t.addTag(name)
		return nil
	})
	return tag, err
}

// SetAppAssignment pins every session of app to a category, ahead of the
// rules. An empty categoryID removes the assignment. Existing sessions of
// the app that are not manually classified pick it up immediately.
func (t *Tracker) SetAppAssignment(app, categoryID string) ([]model.RuleMatch, error) {
	app = strings.TrimSpace(app)
	if app == "" {
		return nil, fmt.Errorf("assign app: name is required")
	}
	var matches []model.RuleMatch
	err := t.mutate(func() error {
		if categoryID == "" {
			delete(t.state.AppAssignments, app)
			return nil
		}
		if !t.hasCategory(categoryID) {
			return fmt.Errorf("category %s: %w", categoryID, ErrUnknownEntity)
		}
		t.state.AppAssignments[app] = categoryID
		var ids []string
		for _, id := range t.sessions.IDs() {
			if s, _ := t.sessions.Get(id); s.AppName == app {
				ids = append(ids, id)
			}
		}
		matches = t.deriver.Classify(t.sessions, ids, t.state.Rules)
		t.state.RuleMatches = append(t.state.RuleMatches, matches...)
		return nil
	})
	return matches, err
}

// SetEventAssignment pins the session containing a fact to a category.
func (t *Tracker) SetEventAssignment(factID, categoryID string) error {
	return t.mutate(func() error {
		if _, ok := t.ledger.Get(factID); !ok {
			return fmt.Errorf("fact %s: %w", factID, ErrUnknownEntity)
		}
		if categoryID == "" {
			delete(t.state.EventAssignments, factID)
			return nil
		}
		if !t.hasCategory(categoryID) {
			return fmt.Errorf("category %s: %w", categoryID, ErrUnknownEntity)
		}
		t.state.EventAssignments[factID] = categoryID
		for _, id := range t.sessions.IDs() {
			s, _ := t.sessions.Get(id)
			if slices.Contains(s.FactIDs, factID) {
				matches := t.deriver.Classify(t.sessions, []string{id}, t.state.Rules)
				t.state.RuleMatches = append(t.state.RuleMatches, matches...)
				break
			}
		}
		return nil
	})
}

// AddExclusion hides sessions whose app name contains pattern from reports.
func (t *Tracker) AddExclusion(pattern string) error {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return fmt.Errorf("add exclusion: pattern is required")
	}
	return t.mutate(func() error {
		if !slices.Contains(t.state.ExclusionPatterns, pattern) {
			t.state.ExclusionPatterns = append(t.state.ExclusionPatterns, pattern)
		}
		return nil
	})
}

func (t *Tracker) Exclusions() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.state.ExclusionPatterns...)
}

// Name resolves an entity ID to its display name, or "" when unknown.
func (t *Tracker) Name(kind ruleset.EntityKind, id string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch kind {
	case ruleset.KindCategory:
		for _, c := range t.state.Categories {
			if c.ID == id {
				return c.Name
			}
		}
	case ruleset.KindProject:
		for _, p := range t.state.Projects {
			if p.ID == id {
				return p.Name
			}
		}
	case ruleset.KindTag:
		for _, tag := range t.state.Tags {
			if tag.ID == id {
				return tag.Name
			}
		}
	case ruleset.KindRule:
		for _, r := range t.state.Rules {
			if r.ID == id {
				return r.Name
			}
		}
	}
	return ""
}

// The helpers below expect the lock to be held.

func (t *Tracker) addCategory(name, color string) model.Category {
	id := ruleset.ID(ruleset.KindCategory, name)
	for _, c := range t.state.Categories {
		if c.ID == id {
			return c
		}
	}
	c := model.Category{ID: id, Name: strings.TrimSpace(name), Color: color}
	t.state.Categories = append(t.state.Categories, c)
	return c
}

func (t *Tracker) addProject(name, color string) model.Project {
	id := ruleset.ID(ruleset.KindProject, name)
	for _, p := range t.state.Projects {
		if p.ID == id {
			return p
		}
	}
	p := model.Project{ID: id, Name: strings.TrimSpace(name), Color: color}
	t.state.Projects = append(t.state.Projects, p)
	return p
}

func (t *Tracker) addTag(name string) model.Tag {
	id := ruleset.ID(ruleset.KindTag, name)
	for _, tag := range t.state.Tags {
		if tag.ID == id {
			return tag
		}
	}
	tag := model.Tag{ID: id, Name: strings.TrimSpace(name)}
	t.state.Tags = append(t.state.Tags, tag)
	return tag
}

func (t *Tracker) hasCategory(id string) bool {
	return slices.ContainsFunc(t.state.Categories, func(c model.Category) bool { return c.ID == id })
}

func (t *Tracker) hasProject(id string) bool {
	return slices.ContainsFunc(t.state.Projects, func(p model.Project) bool { return p.ID == id })
}

func (t *Tracker) hasTag(id string) bool {
	return slices.ContainsFunc(t.state.Tags, func(tag model.Tag) bool { return tag.ID == id })
}

func checkExpr(r model.Rule) error {
	if r.Conditions.Expr == "" {
		return nil
	}
	return classify.CompileExpr(r.Conditions.Expr)
}

func (t *Tracker) checkActions(a model.RuleActions) error {
	if a.CategoryID != "" && !t.hasCategory(a.CategoryID) {
		return fmt.Errorf("category %s: %w", a.CategoryID, ErrUnknownEntity)
	}
	if a.ProjectID != "" && !t.hasProject(a.ProjectID) {
		return fmt.Errorf("project %s: %w", a.ProjectID, ErrUnknownEntity)
	}
	for _, tag := range a.TagIDs {
		if !t.hasTag(tag) {
			return fmt.Errorf("tag %s: %w", tag, ErrUnknownEntity)
		}
	}
	return nil
}
