// Package ruleset reads and writes classification rules as YAML.
//
// Rules refer to categories, projects and tags by name. Names map to stable
// IDs, so loading the same file twice yields the same rules.
package ruleset

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/AppyAccidents/judgechronos/internal/classify"
	"github.com/AppyAccidents/judgechronos/internal/model"
)

//go:embed schema/rules.schema.json
var rulesSchemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

var namespace = uuid.MustParse("0b6f1c1e-3a52-4d0e-9a43-5f3c2f6f1d8a")

// EntityKind prefixes name-derived IDs so a category and a tag with the
// same name get different IDs.
type EntityKind string

const (
	KindRule     EntityKind = "rule"
	KindCategory EntityKind = "category"
	KindProject  EntityKind = "project"
	KindTag      EntityKind = "tag"
)

// ID derives the stable identity of a named entity.
func ID(kind EntityKind, name string) string {
	key := string(kind) + ":" + strings.ToLower(strings.TrimSpace(name))
	return uuid.NewSHA1(namespace, []byte(key)).String()
}

type File struct {
	Rules []Entry `yaml:"rules" json:"rules"`
}

type Entry struct {
	Name     string  `yaml:"name" json:"name"`
	Priority int     `yaml:"priority,omitempty" json:"priority,omitempty"`
	Enabled  *bool   `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Match    Match   `yaml:"match,omitempty" json:"match,omitempty"`
	Actions  Actions `yaml:"actions,omitempty" json:"actions,omitempty"`
}

type Match struct {
	App         string `yaml:"app,omitempty" json:"app,omitempty"`
	WindowTitle string `yaml:"window_title,omitempty" json:"window_title,omitempty"`
	BundleID    string `yaml:"bundle_id,omitempty" json:"bundle_id,omitempty"`
	MinDuration string `yaml:"min_duration,omitempty" json:"min_duration,omitempty"`
	Expr        string `yaml:"expr,omitempty" json:"expr,omitempty"`
}

type Actions struct {
	Category string   `yaml:"category,omitempty" json:"category,omitempty"`
	Project  string   `yaml:"project,omitempty" json:"project,omitempty"`
	Tags     []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	Private  bool     `yaml:"private,omitempty" json:"private,omitempty"`
}

// Names is what a rule file refers to by name.
type Names struct {
	Categories []string
	Projects   []string
	Tags       []string
}

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat = true
		schema, schemaErr = compiler.Compile(rulesSchemaJSON)
	})
	return schema, schemaErr
}

// Parse validates YAML rule data against the rules schema and decodes it.
func Parse(data []byte) (*File, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rules yaml: %w", err)
	}
	if doc == nil {
		return nil, errors.New("rules file is empty")
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("convert rules to json: %w", err)
	}
	s, err := loadSchema()
	if err != nil {
		return nil, fmt.Errorf("compile rules schema: %w", err)
	}
	if result := s.ValidateJSON(raw); !result.IsValid() {
		return nil, fmt.Errorf("rules schema validation failed: %v", result.Errors)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	return &f, nil
}

func LoadFile(path string) (*File, error) {
	// #nosec G304 -- the rules path comes from local configuration or the command line.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// ToRules converts the file into rules. Every name it refers to is reported in
// Names so the caller can make sure the entities exist.
func (f *File) ToRules() ([]model.Rule, Names, error) {
	var (
		rules []model.Rule
		names Names
		seen  = make(map[string]bool)
	)
	for i, e := range f.Rules {
		name := strings.TrimSpace(e.Name)
		id := ID(KindRule, name)
		if seen[id] {
			return nil, Names{}, fmt.Errorf("rule %d: duplicate name %q", i+1, name)
		}
		seen[id] = true

		var minDuration time.Duration
		if e.Match.MinDuration != "" {
			d, err := time.ParseDuration(e.Match.MinDuration)
			if err != nil {
				return nil, Names{}, fmt.Errorf("rule %q: min_duration: %w", name, err)
			}
			minDuration = d
		}
		if e.Match.Expr != "" {
			if err := classify.CompileExpr(e.Match.Expr); err != nil {
				return nil, Names{}, fmt.Errorf("rule %q: expr: %w", name, err)
			}
		}

		r := model.Rule{
			ID:       id,
			Name:     name,
			Priority: e.Priority,
			Enabled:  e.Enabled == nil || *e.Enabled,
			Conditions: model.RuleConditions{
				AppPattern:         e.Match.App,
				WindowTitlePattern: e.Match.WindowTitle,
				BundleIDPattern:    e.Match.BundleID,
				MinDuration:        minDuration,
				Expr:               e.Match.Expr,
			},
			Actions: model.RuleActions{MarkPrivate: e.Actions.Private},
		}
		if e.Actions.Category != "" {
			r.Actions.CategoryID = ID(KindCategory, e.Actions.Category)
			names.Categories = append(names.Categories, e.Actions.Category)
		}
		if e.Actions.Project != "" {
			r.Actions.ProjectID = ID(KindProject, e.Actions.Project)
			names.Projects = append(names.Projects, e.Actions.Project)
		}
		for _, tag := range e.Actions.Tags {
			r.Actions.TagIDs = append(r.Actions.TagIDs, ID(KindTag, tag))
			names.Tags = append(names.Tags, tag)
		}
		rules = append(rules, r)
	}
	return rules, names, nil
}

// NameFunc resolves an entity ID back to its name.
type NameFunc func(kind EntityKind, id string) string

// Export renders rules as YAML. IDs that name cannot resolve are written
// as-is.
func Export(rules []model.Rule, name NameFunc) ([]byte, error) {
	resolve := func(kind EntityKind, id string) string {
		if id == "" {
			return ""
		}
		if n := name(kind, id); n != "" {
			return n
		}
		return id
	}
	f := File{Rules: make([]Entry, 0, len(rules))}
	for _, r := range rules {
		enabled := r.Enabled
		e := Entry{
			Name:     r.Name,
			Priority: r.Priority,
			Enabled:  &enabled,
			Match: Match{
				App:         r.Conditions.AppPattern,
				WindowTitle: r.Conditions.WindowTitlePattern,
				BundleID:    r.Conditions.BundleIDPattern,
				Expr:        r.Conditions.Expr,
			},
			Actions: Actions{
				Category: resolve(KindCategory, r.Actions.CategoryID),
				Project:  resolve(KindProject, r.Actions.ProjectID),
				Private:  r.Actions.MarkPrivate,
			},
		}
		if r.Conditions.MinDuration > 0 {
			e.Match.MinDuration = r.Conditions.MinDuration.String()
		}
		for _, tag := range r.Actions.TagIDs {
			e.Actions.Tags = append(e.Actions.Tags, resolve(KindTag, tag))
		}
		f.Rules = append(f.Rules, e)
	}
	out, err := yaml.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode rules: %w", err)
	}
	return out, nil
}

// Example is the starter rules file written by onboarding.
const Example = `# Rules are evaluated highest priority first. The first rule whose
# conditions all hold classifies the session.
rules:
  - name: Coding
    priority: 100
    match:
      app: code
    actions:
      category: Development
      tags: [deep-work]
  - name: Long meetings
    priority: 50
    match:
      app: zoom
      min_duration: 15m
    actions:
      category: Meetings
  - name: Banking
    priority: 40
    match:
      window_title: bank
    actions:
      private: true
  - name: Evening browsing
    priority: 10
    match:
      expr: 'hour >= 19 && bundle contains "Safari"'
    actions:
      category: Personal
`
