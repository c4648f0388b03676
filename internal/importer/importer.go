// Package importer pulls facts from the activity source into the ledger.
//
// One import runs at a time. A request that arrives while another is in
// flight, or within the cool-down after the previous attempt started,
// returns immediately with Result.Throttled set.
package importer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/AppyAccidents/judgechronos/internal/fingerprint"
	"github.com/AppyAccidents/judgechronos/internal/model"
	"github.com/AppyAccidents/judgechronos/internal/source"
)

const DefaultCooldown = 5 * time.Second

// Tx is the owner's state as seen during one commit.
type Tx interface {
	Contains(hash string) bool
	// Append adds novel facts in source order; the ledger restores
	// timestamp order itself.
	Append(facts []model.Fact)
	// AdvanceWatermark moves the watermark forward to t if t is later and
	// returns the resulting watermark.
	AdvanceWatermark(t time.Time) time.Time
	// Extend derives and classifies sessions for time-ordered new facts.
	Extend(facts []model.Fact) []model.RuleMatch
}

// Owner serializes access to the mutable state an import touches.
type Owner interface {
	Watermark() *time.Time
	Commit(fn func(tx Tx))
}

type Result struct {
	Throttled  bool
	Scanned    int
	Appended   int
	Duplicates int
	Skipped    int
	Watermark  time.Time
	Matches    []model.RuleMatch
}

type Options struct {
	Cooldown time.Duration
	Now      func() time.Time
	NewID    func() string
	Logger   zerolog.Logger
}

// Coordinator runs throttled imports from one reader into one owner.
type Coordinator struct {
	reader   source.Reader
	owner    Owner
	cooldown time.Duration
	now      func() time.Time
	newID    func() string
	log      zerolog.Logger

	mu        sync.Mutex
	running   bool
	lastStart time.Time
}

func New(reader source.Reader, owner Owner, opts Options) *Coordinator {
	c := &Coordinator{
		reader:   reader,
		owner:    owner,
		cooldown: opts.Cooldown,
		now:      opts.Now,
		newID:    opts.NewID,
		log:      opts.Logger.With().Str("component", "importer").Logger(),
	}
	if c.cooldown <= 0 {
		c.cooldown = DefaultCooldown
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	return c
}

// Import fetches everything since the owner's watermark and appends the
// facts the ledger has not seen. A fetch error leaves the owner untouched.
func (c *Coordinator) Import(ctx context.Context) (Result, error) {
	if !c.begin() {
		c.log.Debug().Msg("import throttled")
		return Result{Throttled: true}, nil
	}
	defer c.end()

	since := c.owner.Watermark()
	facts, err := c.reader.FetchFacts(ctx, since)
	if err != nil {
		c.log.Warn().Str("kind", string(source.KindOf(err))).Err(err).Msg("fetch failed")
		return Result{}, fmt.Errorf("import: %w", err)
	}

	var res Result
	c.owner.Commit(func(tx Tx) {
		res = c.apply(tx, facts)
	})

	c.log.Info().
		Int("scanned", res.Scanned).
		Int("appended", res.Appended).
		Int("duplicates", res.Duplicates).
		Int("skipped", res.Skipped).
		Int("matches", len(res.Matches)).
		Time("watermark", res.Watermark).
		Msg("import finished")
	return res, nil
}

func (c *Coordinator) apply(tx Tx, facts []model.Fact) Result {
	var (
		res      Result
		latest   time.Time
		appended []model.Fact
		batch    = make(map[string]struct{}, len(facts))
		now      = c.now()
	)
	for _, f := range facts {
		res.Scanned++
		if f.Timestamp.After(latest) {
			latest = f.Timestamp
		}
		if !f.Valid() {
			res.Skipped++
			continue
		}
		if err := fingerprint.Ensure(&f); err != nil {
			c.log.Warn().Str("app", f.AppName).Err(err).Msg("fingerprint failed")
			res.Skipped++
			continue
		}
		if _, seen := batch[f.Hash]; seen || tx.Contains(f.Hash) {
			res.Duplicates++
			continue
		}
		batch[f.Hash] = struct{}{}
		f.ID = c.newID()
		f.ImportedAt = now
		appended = append(appended, f)
	}

	if len(appended) > 0 {
		tx.Append(appended)
		ordered := append([]model.Fact(nil), appended...)
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].Timestamp.Before(ordered[j].Timestamp)
		})
		res.Matches = tx.Extend(ordered)
	}
	res.Appended = len(appended)
	res.Watermark = tx.AdvanceWatermark(latest)
	return res
}

func (c *Coordinator) begin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if c.running {
		return false
	}
	if !c.lastStart.IsZero() && now.Sub(c.lastStart) < c.cooldown {
		return false
	}
	c.running = true
	c.lastStart = now
	return true
}

func (c *Coordinator) end() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}
