package importer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AppyAccidents/judgechronos/internal/ledger"
	"github.com/AppyAccidents/judgechronos/internal/model"
	"github.com/AppyAccidents/judgechronos/internal/sessions"
	"github.com/AppyAccidents/judgechronos/internal/source"
)

// memOwner is a minimal owner: a ledger, a session set and a watermark.
type memOwner struct {
	mu        sync.Mutex
	ledger    *ledger.Ledger
	sessions  *sessions.Set
	deriver   *sessions.Deriver
	watermark *time.Time
}

func newMemOwner() *memOwner {
	return &memOwner{
		ledger:   ledger.New(nil),
		sessions: sessions.NewSet(nil),
		deriver:  &sessions.Deriver{MergeThreshold: time.Minute},
	}
}

func (o *memOwner) Watermark() *time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.watermark == nil {
		return nil
	}
	w := *o.watermark
	return &w
}

func (o *memOwner) Commit(fn func(tx Tx)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(memTx{o})
}

type memTx struct{ o *memOwner }

func (t memTx) Contains(hash string) bool { return t.o.ledger.Contains(hash) }

func (t memTx) Append(facts []model.Fact) { t.o.ledger.Append(facts...) }

func (t memTx) Extend(facts []model.Fact) []model.RuleMatch {
	return t.o.deriver.Extend(t.o.sessions, facts, nil)
}

func (t memTx) AdvanceWatermark(at time.Time) time.Time {
	if !at.IsZero() && (t.o.watermark == nil || at.After(*t.o.watermark)) {
		t.o.watermark = &at
	}
	if t.o.watermark == nil {
		return time.Time{}
	}
	return *t.o.watermark
}

// fakeClock advances only when told to.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func hm(h, m int) time.Time {
	return time.Date(2026, 3, 2, h, m, 0, 0, time.UTC)
}

func usage(app string, start time.Time, d time.Duration) model.Fact {
	return model.Fact{AppName: app, BundleID: "com.example." + app, Timestamp: start, Duration: d, Kind: model.KindUsage}
}

func staticReader(facts ...model.Fact) source.ReaderFunc {
	return func(context.Context, *time.Time) ([]model.Fact, error) {
		return append([]model.Fact(nil), facts...), nil
	}
}

func newCoordinator(r source.Reader, o Owner, clk *fakeClock) *Coordinator {
	n := 0
	return New(r, o, Options{
		Cooldown: 5 * time.Second,
		Now:      clk.Now,
		NewID: func() string {
			n++
			return fmt.Sprintf("f%d", n)
		},
		Logger: zerolog.Nop(),
	})
}

func TestImportEndToEndAndIdempotent(t *testing.T) {
	owner := newMemOwner()
	clk := &fakeClock{now: hm(12, 0)}
	reader := staticReader(
		usage("A", hm(9, 0), 5*time.Minute),
		usage("A", hm(9, 5), time.Minute),
		usage("B", hm(9, 20), 5*time.Minute),
	)
	c := newCoordinator(reader, owner, clk)

	res, err := c.Import(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Scanned)
	assert.Equal(t, 3, res.Appended)
	assert.Equal(t, hm(9, 20), res.Watermark)

	all := owner.sessions.All()
	require.Len(t, all, 2)
	assert.Equal(t, "A", all[0].AppName)
	assert.Equal(t, hm(9, 0), all[0].Start)
	assert.Equal(t, hm(9, 6), all[0].End)
	assert.Equal(t, "B", all[1].AppName)

	clk.Advance(10 * time.Second)
	res, err = c.Import(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Throttled)
	assert.Zero(t, res.Appended)
	assert.Equal(t, 3, res.Duplicates)
	assert.Equal(t, hm(9, 20), res.Watermark)
	assert.Equal(t, all, owner.sessions.All())
	assert.Equal(t, 3, owner.ledger.Len())
}

func TestImportWatermarkAdvancesOnAllDuplicates(t *testing.T) {
	owner := newMemOwner()
	t1 := hm(9, 0)
	owner.ledger.Append(model.Fact{ID: "old", AppName: "A", Timestamp: t1, Duration: time.Minute, Hash: "H"})
	owner.watermark = &t1

	t2 := hm(10, 0)
	reader := staticReader(model.Fact{AppName: "A", Timestamp: t2, Duration: time.Minute, Hash: "H"})
	c := newCoordinator(reader, owner, &fakeClock{now: hm(12, 0)})

	res, err := c.Import(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Appended)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, t2, res.Watermark)
	require.NotNil(t, owner.Watermark())
	assert.Equal(t, t2, *owner.Watermark())
}

func TestImportDedupsWithinBatchAndSkipsMalformed(t *testing.T) {
	owner := newMemOwner()
	f := usage("A", hm(9, 0), time.Minute)
	broken := usage("", hm(11, 0), time.Minute)
	c := newCoordinator(staticReader(f, f, broken), owner, &fakeClock{now: hm(12, 0)})

	res, err := c.Import(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Scanned)
	assert.Equal(t, 1, res.Appended)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, hm(11, 0), res.Watermark, "malformed facts still count as scanned")

	stored := owner.ledger.Facts()
	require.Len(t, stored, 1)
	assert.Equal(t, "f1", stored[0].ID)
	assert.NotEmpty(t, stored[0].Hash)
	assert.Equal(t, hm(12, 0), stored[0].ImportedAt)
}

func TestImportWatermarkNeverMovesBack(t *testing.T) {
	owner := newMemOwner()
	later := hm(15, 0)
	owner.watermark = &later
	c := newCoordinator(staticReader(usage("A", hm(9, 0), time.Minute)), owner, &fakeClock{now: hm(16, 0)})

	res, err := c.Import(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Appended)
	assert.Equal(t, later, res.Watermark)
}

func TestImportPassesWatermarkToReader(t *testing.T) {
	owner := newMemOwner()
	wm := hm(8, 0)
	owner.watermark = &wm
	var got *time.Time
	reader := source.ReaderFunc(func(_ context.Context, since *time.Time) ([]model.Fact, error) {
		got = since
		return nil, nil
	})
	c := newCoordinator(reader, owner, &fakeClock{now: hm(12, 0)})

	res, err := c.Import(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, wm, *got)
	assert.Equal(t, wm, res.Watermark)
}

func TestImportFailureLeavesStateUntouched(t *testing.T) {
	for _, sentinel := range []error{source.ErrNotFound, source.ErrPermissionDenied, source.ErrUnreadable, source.ErrQueryFailed} {
		t.Run(sentinel.Error(), func(t *testing.T) {
			owner := newMemOwner()
			wm := hm(8, 0)
			owner.watermark = &wm
			reader := source.ReaderFunc(func(context.Context, *time.Time) ([]model.Fact, error) {
				return nil, &source.Error{Kind: source.KindOf(sentinel), Path: "/tmp/db", Err: fmt.Errorf("boom")}
			})
			c := newCoordinator(reader, owner, &fakeClock{now: hm(12, 0)})

			_, err := c.Import(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, sentinel)
			assert.Zero(t, owner.ledger.Len())
			assert.Equal(t, wm, *owner.Watermark())
		})
	}
}

func TestImportThrottle(t *testing.T) {
	owner := newMemOwner()
	clk := &fakeClock{now: hm(12, 0)}
	calls := 0
	reader := source.ReaderFunc(func(context.Context, *time.Time) ([]model.Fact, error) {
		calls++
		return nil, nil
	})
	c := newCoordinator(reader, owner, clk)

	_, err := c.Import(context.Background())
	require.NoError(t, err)

	clk.Advance(4 * time.Second)
	res, err := c.Import(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Throttled)

	clk.Advance(time.Second)
	res, err = c.Import(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Throttled)
	assert.Equal(t, 2, calls)
}

func TestImportThrottlesWhileInFlight(t *testing.T) {
	owner := newMemOwner()
	clk := &fakeClock{now: hm(12, 0)}
	entered := make(chan struct{})
	release := make(chan struct{})
	reader := source.ReaderFunc(func(context.Context, *time.Time) ([]model.Fact, error) {
		close(entered)
		<-release
		return nil, nil
	})
	c := newCoordinator(reader, owner, clk)

	done := make(chan error, 1)
	go func() {
		_, err := c.Import(context.Background())
		done <- err
	}()
	<-entered

	clk.Advance(time.Minute)
	res, err := c.Import(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Throttled)

	close(release)
	require.NoError(t, <-done)
}

func TestImportFailureStillStartsCooldown(t *testing.T) {
	clk := &fakeClock{now: hm(12, 0)}
	reader := source.ReaderFunc(func(context.Context, *time.Time) ([]model.Fact, error) {
		return nil, source.ErrQueryFailed
	})
	c := newCoordinator(reader, newMemOwner(), clk)

	_, err := c.Import(context.Background())
	require.Error(t, err)
	res, err := c.Import(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Throttled)
}
