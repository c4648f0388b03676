// Package model holds the records shared by the ingestion, derivation,
// classification and reporting stages.
package model

import (
	"strings"
	"time"
)

// FactKind says where a fact came from.
type FactKind string

const (
	KindUsage    FactKind = "usage"
	KindCalendar FactKind = "calendar"
	KindIdle     FactKind = "idle"
)

// Fact is one immutable observation read from the activity source.
type Fact struct {
	ID          string        `json:"id"`
	Timestamp   time.Time     `json:"timestamp"`
	Duration    time.Duration `json:"duration"`
	BundleID    string        `json:"bundle_id,omitempty"`
	AppName     string        `json:"app_name"`
	WindowTitle string        `json:"window_title,omitempty"`
	Kind        FactKind      `json:"kind"`
	Hash        string        `json:"hash"`
	ImportedAt  time.Time     `json:"imported_at"`
}

func (f Fact) End() time.Time {
	return f.Timestamp.Add(f.Duration)
}

func (f Fact) IsIdle() bool {
	return f.Kind == KindIdle
}

// Valid reports whether the fact carries the fields derivation relies on.
func (f Fact) Valid() bool {
	return strings.TrimSpace(f.AppName) != "" && !f.Timestamp.IsZero() && f.Duration >= 0
}

// ClassificationState tracks who last assigned a session's category.
type ClassificationState string

const (
	Unclassified       ClassificationState = "unclassified"
	RuleClassified     ClassificationState = "rule"
	ManuallyClassified ClassificationState = "manual"
)

// Session is a derived, user-editable span of contiguous facts sharing an app
// and idle state.
type Session struct {
	ID             string              `json:"id"`
	Start          time.Time           `json:"start"`
	End            time.Time           `json:"end"`
	AppName        string              `json:"app_name"`
	BundleID       string              `json:"bundle_id,omitempty"`
	WindowTitle    string              `json:"window_title,omitempty"`
	FactIDs        []string            `json:"fact_ids"`
	ProjectID      string              `json:"project_id,omitempty"`
	CategoryID     string              `json:"category_id,omitempty"`
	TagIDs         []string            `json:"tag_ids,omitempty"`
	Note           string              `json:"note,omitempty"`
	IsPrivate      bool                `json:"is_private"`
	IsIdle         bool                `json:"is_idle"`
	Classification ClassificationState `json:"classification,omitempty"`
}

func (s *Session) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

func (s *Session) HasTag(id string) bool {
	for _, t := range s.TagIDs {
		if t == id {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no slices with s.
func (s *Session) Clone() *Session {
	c := *s
	c.FactIDs = append([]string(nil), s.FactIDs...)
	if s.TagIDs != nil {
		c.TagIDs = append([]string(nil), s.TagIDs...)
	}
	return &c
}

// RuleConditions must all hold for a rule to match. Empty fields are ignored.
type RuleConditions struct {
	AppPattern         string        `json:"app_pattern,omitempty"`
	WindowTitlePattern string        `json:"window_title_pattern,omitempty"`
	BundleIDPattern    string        `json:"bundle_id_pattern,omitempty"`
	MinDuration        time.Duration `json:"min_duration,omitempty"`
	Expr               string        `json:"expr,omitempty"`
}

type RuleActions struct {
	CategoryID  string   `json:"category_id,omitempty"`
	ProjectID   string   `json:"project_id,omitempty"`
	TagIDs      []string `json:"tag_ids,omitempty"`
	MarkPrivate bool     `json:"mark_private,omitempty"`
}

// Rule is a priority-ordered condition/action pair. Higher priority evaluates
// first.
type Rule struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Priority   int            `json:"priority"`
	Enabled    bool           `json:"enabled"`
	Conditions RuleConditions `json:"conditions"`
	Actions    RuleActions    `json:"actions"`
}

// RuleMatch is the audit record left by a classification that changed a
// session. RuleID is empty for matches produced by a suggestion service.
type RuleMatch struct {
	ID          string    `json:"id"`
	RuleID      string    `json:"rule_id,omitempty"`
	SessionID   string    `json:"session_id"`
	EvaluatedAt time.Time `json:"evaluated_at"`
	Description string    `json:"description"`
}

type Category struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

type Project struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

type Tag struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// FocusSession records a user-started focus block.
type FocusSession struct {
	ID        string        `json:"id"`
	Start     time.Time     `json:"start"`
	Planned   time.Duration `json:"planned"`
	End       *time.Time    `json:"end,omitempty"`
	ProjectID string        `json:"project_id,omitempty"`
}

// Goal is a per-period time target for a category or project.
type Goal struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	CategoryID string        `json:"category_id,omitempty"`
	ProjectID  string        `json:"project_id,omitempty"`
	Target     time.Duration `json:"target"`
	Period     string        `json:"period"`
}

type Preferences struct {
	LastImportedAt *time.Time   `json:"last_imported_at,omitempty"`
	WeekStart      time.Weekday `json:"week_start"`
}
