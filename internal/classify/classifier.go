package classify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/AppyAccidents/judgechronos/internal/model"
)

// Classifier classifies one session in place and returns the audit record
// of what it changed, or nil.
type Classifier interface {
	Classify(s *model.Session, rules []model.Rule) *model.RuleMatch
}

var _ Classifier = (*Engine)(nil)

// Disabled never classifies.
type Disabled struct{}

func (Disabled) Classify(*model.Session, []model.Rule) *model.RuleMatch {
	return nil
}

// Suggestion is a category proposed by an external service.
type Suggestion struct {
	CategoryID string
	Confidence float64
	Reason     string
}

// Suggester is an external category-suggestion service.
type Suggester interface {
	Suggest(ctx context.Context, s model.Session) (Suggestion, error)
}

// SuggestionClassifier fills an unset category from a Suggester. Service
// failures and low-confidence answers leave the session untouched.
type SuggestionClassifier struct {
	Suggester     Suggester
	MinConfidence float64
	Timeout       time.Duration
	Log           zerolog.Logger
	Now           func() time.Time
	NewID         func() string
}

func (c *SuggestionClassifier) Classify(s *model.Session, _ []model.Rule) *model.RuleMatch {
	if c.Suggester == nil || s.Classification == model.ManuallyClassified || s.CategoryID != "" {
		return nil
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	got, err := c.Suggester.Suggest(ctx, *s)
	if err != nil {
		c.Log.Warn().Str("session", s.ID).Err(err).Msg("category suggestion failed")
		return nil
	}
	if got.CategoryID == "" || got.Confidence < c.MinConfidence {
		return nil
	}
	s.CategoryID = got.CategoryID
	s.Classification = model.RuleClassified

	now, newID := c.Now, c.NewID
	if now == nil {
		now = time.Now
	}
	if newID == nil {
		newID = uuid.NewString
	}
	desc := fmt.Sprintf("suggested category=%s", got.CategoryID)
	if got.Reason != "" {
		desc += " (" + got.Reason + ")"
	}
	return &model.RuleMatch{
		ID:          newID(),
		SessionID:   s.ID,
		EvaluatedAt: now(),
		Description: desc,
	}
}

// Overrides applies the user's per-app and per-event category assignments
// before delegating. An assignment counts as a manual classification, so the
// wrapped classifier leaves such sessions alone.
type Overrides struct {
	// Apps maps app names to category IDs.
	Apps map[string]string
	// Events maps fact IDs to category IDs.
	Events map[string]string
	Next   Classifier
}

func (o Overrides) Classify(s *model.Session, rules []model.Rule) *model.RuleMatch {
	if s.CategoryID == "" && s.Classification != model.ManuallyClassified {
		if category := o.lookup(s); category != "" {
			s.CategoryID = category
			s.Classification = model.ManuallyClassified
		}
	}
	if o.Next == nil || s.Classification == model.ManuallyClassified {
		return nil
	}
	return o.Next.Classify(s, rules)
}

func (o Overrides) lookup(s *model.Session) string {
	for _, id := range s.FactIDs {
		if category := o.Events[id]; category != "" {
			return category
		}
	}
	return o.Apps[s.AppName]
}
