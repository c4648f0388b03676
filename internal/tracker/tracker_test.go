package tracker

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AppyAccidents/judgechronos/internal/model"
	"github.com/AppyAccidents/judgechronos/internal/report"
	"github.com/AppyAccidents/judgechronos/internal/ruleset"
	"github.com/AppyAccidents/judgechronos/internal/sessions"
	"github.com/AppyAccidents/judgechronos/internal/source"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// morning is one editor burst with a short gap, a browser session and a
// later editor session.
func morning() []model.Fact {
	return []model.Fact{
		{Timestamp: base, Duration: 5 * time.Minute, AppName: "Editor", WindowTitle: "main.go", Kind: model.KindUsage},
		{Timestamp: base.Add(5*time.Minute + 30*time.Second), Duration: 5 * time.Minute, AppName: "Editor", WindowTitle: "main_test.go", Kind: model.KindUsage},
		{Timestamp: base.Add(11 * time.Minute), Duration: 10 * time.Minute, AppName: "Browser", WindowTitle: "docs", Kind: model.KindUsage},
		{Timestamp: base.Add(30 * time.Minute), Duration: 5 * time.Minute, AppName: "Editor", WindowTitle: "README", Kind: model.KindUsage},
	}
}

func staticReader(facts func() []model.Fact) source.Reader {
	return source.ReaderFunc(func(context.Context, *time.Time) ([]model.Fact, error) {
		return facts(), nil
	})
}

func openTracker(t *testing.T, path string, reader source.Reader) (*Tracker, *clock) {
	t.Helper()
	clk := &clock{now: base.Add(time.Hour)}
	tr, err := Open(Options{
		SnapshotPath:   path,
		Reader:         reader,
		MergeThreshold: time.Minute,
		ImportCooldown: time.Second,
		SaveDebounce:   time.Hour,
		Logger:         zerolog.Nop(),
		Now:            clk.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	return tr, clk
}

func sessionOf(t *testing.T, tr *Tracker, app string, start time.Time) model.Session {
	t.Helper()
	for _, s := range tr.AllSessions() {
		if s.AppName == app && s.Start.Equal(start) {
			return s
		}
	}
	t.Fatalf("no %s session starting at %s", app, start)
	return model.Session{}
}

func addEditorRule(t *testing.T, tr *Tracker) model.Category {
	t.Helper()
	work, err := tr.AddCategory("Work", "#3366ff")
	require.NoError(t, err)
	_, err = tr.AddRule(model.Rule{
		Name:       "editor",
		Priority:   10,
		Enabled:    true,
		Conditions: model.RuleConditions{AppPattern: "editor"},
		Actions:    model.RuleActions{CategoryID: work.ID},
	})
	require.NoError(t, err)
	return work
}

func TestImportDeriveClassifyPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	tr, clk := openTracker(t, path, staticReader(morning))
	work := addEditorRule(t, tr)

	res, err := tr.Import(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, res.Scanned)
	assert.Equal(t, 4, res.Appended)
	assert.Len(t, res.Matches, 2)
	assert.Equal(t, base.Add(30*time.Minute), res.Watermark)

	all := tr.AllSessions()
	require.Len(t, all, 3)
	assert.Equal(t, base.Add(10*time.Minute+30*time.Second), all[0].End)
	assert.Len(t, all[0].FactIDs, 2)
	assert.Equal(t, work.ID, all[0].CategoryID)
	assert.Equal(t, model.RuleClassified, all[0].Classification)
	assert.Empty(t, all[1].CategoryID)
	assert.Equal(t, model.Unclassified, all[1].Classification)

	// The same facts again change nothing.
	clk.Advance(2 * time.Second)
	res, err = tr.Import(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Appended)
	assert.Equal(t, 4, res.Duplicates)
	assert.Len(t, tr.AllSessions(), 3)
	assert.Len(t, tr.Facts(), 4)
	assert.Len(t, tr.Matches(), 2)

	require.NoError(t, tr.Close(context.Background()))

	reopened, _ := openTracker(t, path, staticReader(morning))
	st := reopened.Status()
	assert.Equal(t, 4, st.Facts)
	assert.Equal(t, 3, st.Sessions)
	assert.Equal(t, 1, st.Rules)
	assert.Equal(t, 2, st.Matches)
	require.NotNil(t, st.Watermark)
	assert.True(t, st.Watermark.Equal(base.Add(30*time.Minute)))
	assert.Equal(t, all, reopened.AllSessions())
}

func TestImportThrottledWithinCooldown(t *testing.T) {
	tr, _ := openTracker(t, filepath.Join(t.TempDir(), "snapshot.json"), staticReader(morning))
	_, err := tr.Import(context.Background())
	require.NoError(t, err)
	res, err := tr.Import(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Throttled)
}

func TestImportWithoutSource(t *testing.T) {
	tr, _ := openTracker(t, filepath.Join(t.TempDir(), "snapshot.json"), nil)
	_, err := tr.Import(context.Background())
	require.Error(t, err)
	assert.Equal(t, source.KindNotFound, source.KindOf(err))
	_, ok := tr.Watermark()
	assert.False(t, ok)
}

func TestManualClassificationSurvivesRules(t *testing.T) {
	tr, _ := openTracker(t, filepath.Join(t.TempDir(), "snapshot.json"), staticReader(morning))
	work := addEditorRule(t, tr)
	personal, err := tr.AddCategory("Personal", "")
	require.NoError(t, err)
	_, err = tr.Import(context.Background())
	require.NoError(t, err)

	editor := sessionOf(t, tr, "Editor", base)
	require.NoError(t, tr.SetCategory(editor.ID, personal.ID))

	_, err = tr.AddRule(model.Rule{
		Name:       "everything",
		Priority:   100,
		Enabled:    true,
		Conditions: model.RuleConditions{AppPattern: ""},
		Actions:    model.RuleActions{CategoryID: work.ID},
	})
	require.NoError(t, err)
	tr.ReapplyRules()

	got, err := tr.Session(editor.ID)
	require.NoError(t, err)
	assert.Equal(t, personal.ID, got.CategoryID)
	assert.Equal(t, model.ManuallyClassified, got.Classification)

	browser := sessionOf(t, tr, "Browser", base.Add(11*time.Minute))
	assert.Equal(t, work.ID, browser.CategoryID)
}

func TestSessionEdits(t *testing.T) {
	tr, _ := openTracker(t, filepath.Join(t.TempDir(), "snapshot.json"), staticReader(morning))
	_, err := tr.Import(context.Background())
	require.NoError(t, err)
	s := sessionOf(t, tr, "Browser", base.Add(11*time.Minute))

	assert.ErrorIs(t, tr.SetCategory(s.ID, "nope"), ErrUnknownEntity)
	assert.ErrorIs(t, tr.SetCategory("missing", ""), ErrSessionNotFound)

	proj, err := tr.AddProject("Judge", "")
	require.NoError(t, err)
	tag, err := tr.AddTag("research")
	require.NoError(t, err)
	require.NoError(t, tr.SetProject(s.ID, proj.ID))
	require.NoError(t, tr.SetTags(s.ID, []string{tag.ID}))
	require.NoError(t, tr.SetNote(s.ID, "reading docs"))
	require.NoError(t, tr.SetPrivate(s.ID, true))

	got, err := tr.Session(s.ID)
	require.NoError(t, err)
	assert.Equal(t, proj.ID, got.ProjectID)
	assert.Equal(t, []string{tag.ID}, got.TagIDs)
	assert.Equal(t, "reading docs", got.Note)
	assert.True(t, got.IsPrivate)
	assert.Equal(t, model.ManuallyClassified, got.Classification)

	// Clearing the category hands the session back to the rules.
	require.NoError(t, tr.SetCategory(s.ID, ""))
	got, _ = tr.Session(s.ID)
	assert.Equal(t, model.Unclassified, got.Classification)
}

func TestSplit(t *testing.T) {
	tr, _ := openTracker(t, filepath.Join(t.TempDir(), "snapshot.json"), staticReader(morning))
	work := addEditorRule(t, tr)
	_, err := tr.Import(context.Background())
	require.NoError(t, err)
	s := sessionOf(t, tr, "Editor", base)

	at := base.Add(5*time.Minute + 30*time.Second)
	first, second, err := tr.Split(s.ID, at)
	require.NoError(t, err)
	assert.Equal(t, at, first.End)
	assert.Equal(t, at, second.Start)
	assert.Len(t, first.FactIDs, 1)
	assert.Len(t, second.FactIDs, 1)
	assert.Equal(t, work.ID, second.CategoryID)
	assert.Len(t, tr.AllSessions(), 4)

	_, _, err = tr.Split(s.ID, base.Add(-time.Minute))
	assert.ErrorIs(t, err, sessions.ErrSplitOutOfRange)
}

func TestReportExclusionsAndCompare(t *testing.T) {
	tr, _ := openTracker(t, filepath.Join(t.TempDir(), "snapshot.json"), staticReader(morning))
	work := addEditorRule(t, tr)
	_, err := tr.Import(context.Background())
	require.NoError(t, err)

	day := report.Day(base)
	r := tr.Report(day)
	assert.Equal(t, 25*time.Minute+30*time.Second, r.Total)
	assert.Equal(t, 15*time.Minute+30*time.Second, r.ByCategory[work.ID])
	assert.Equal(t, 10*time.Minute, r.Uncategorized)

	require.NoError(t, tr.AddExclusion("brow"))
	require.NoError(t, tr.AddExclusion("brow"))
	assert.Equal(t, []string{"brow"}, tr.Exclusions())

	cur, prev, delta := tr.Compare(day)
	assert.Equal(t, 15*time.Minute+30*time.Second, cur.Total)
	assert.Zero(t, prev.Total)
	assert.Equal(t, cur.Total, delta)
	assert.Len(t, tr.Sessions(day), 3)
}

func TestFactsIn(t *testing.T) {
	tr, _ := openTracker(t, filepath.Join(t.TempDir(), "snapshot.json"), staticReader(morning))
	_, err := tr.Import(context.Background())
	require.NoError(t, err)

	got := tr.FactsIn(report.Interval{Start: base.Add(5 * time.Minute), End: base.Add(30 * time.Minute)})
	require.Len(t, got, 2)
	assert.Equal(t, "main_test.go", got[0].WindowTitle)
	assert.Equal(t, "Browser", got[1].AppName)
	assert.Len(t, tr.FactsIn(report.Day(base)), 4)
	assert.Empty(t, tr.FactsIn(report.Day(base.AddDate(0, 0, 1))))
}

func TestAssignments(t *testing.T) {
	tr, _ := openTracker(t, filepath.Join(t.TempDir(), "snapshot.json"), staticReader(morning))
	_, err := tr.Import(context.Background())
	require.NoError(t, err)
	web, err := tr.AddCategory("Web", "")
	require.NoError(t, err)

	_, err = tr.SetAppAssignment("Browser", "nope")
	assert.ErrorIs(t, err, ErrUnknownEntity)

	_, err = tr.SetAppAssignment("Browser", web.ID)
	require.NoError(t, err)
	browser := sessionOf(t, tr, "Browser", base.Add(11*time.Minute))
	assert.Equal(t, web.ID, browser.CategoryID)
	assert.Equal(t, model.ManuallyClassified, browser.Classification)

	var readme model.Fact
	for _, f := range tr.Facts() {
		if f.WindowTitle == "README" {
			readme = f
		}
	}
	require.NotEmpty(t, readme.ID)
	require.NoError(t, tr.SetEventAssignment(readme.ID, web.ID))
	late := sessionOf(t, tr, "Editor", base.Add(30*time.Minute))
	assert.Equal(t, web.ID, late.CategoryID)

	assert.ErrorIs(t, tr.SetEventAssignment("missing", web.ID), ErrUnknownEntity)
}

func TestLoadAndExportRules(t *testing.T) {
	tr, _ := openTracker(t, filepath.Join(t.TempDir(), "snapshot.json"), nil)
	f, err := ruleset.Parse([]byte(ruleset.Example))
	require.NoError(t, err)

	rules, err := tr.LoadRules(f)
	require.NoError(t, err)
	assert.Len(t, rules, 4)
	assert.Len(t, tr.Categories(), 3)
	assert.Len(t, tr.Tags(), 1)
	assert.Equal(t, "Development", tr.Name(ruleset.KindCategory, ruleset.ID(ruleset.KindCategory, "development")))

	out, err := tr.ExportRules()
	require.NoError(t, err)
	assert.Contains(t, string(out), "category: Development")
	assert.Contains(t, string(out), "deep-work")

	// Loading the same file again keeps the same identities.
	again, err := tr.LoadRules(f)
	require.NoError(t, err)
	assert.Equal(t, rules, again)
	assert.Len(t, tr.Categories(), 3)

	require.NoError(t, tr.RemoveRule(rules[0].ID))
	assert.Len(t, tr.Rules(), 3)
	assert.ErrorIs(t, tr.RemoveRule(rules[0].ID), ErrRuleNotFound)
}

func TestAddRuleValidation(t *testing.T) {
	tr, _ := openTracker(t, filepath.Join(t.TempDir(), "snapshot.json"), nil)
	_, err := tr.AddRule(model.Rule{Name: "bad", Conditions: model.RuleConditions{Expr: "minutes >"}})
	assert.Error(t, err)
	_, err = tr.AddRule(model.Rule{Name: "dangling", Actions: model.RuleActions{CategoryID: "nope"}})
	assert.ErrorIs(t, err, ErrUnknownEntity)
	_, err = tr.AddRule(model.Rule{})
	assert.Error(t, err)
	assert.Empty(t, tr.Rules())
}

func TestRebuildDiscardsEdits(t *testing.T) {
	tr, _ := openTracker(t, filepath.Join(t.TempDir(), "snapshot.json"), staticReader(morning))
	work := addEditorRule(t, tr)
	_, err := tr.Import(context.Background())
	require.NoError(t, err)
	s := sessionOf(t, tr, "Editor", base)
	_, _, err = tr.Split(s.ID, base.Add(5*time.Minute+30*time.Second))
	require.NoError(t, err)
	require.Len(t, tr.AllSessions(), 4)

	matches := tr.Rebuild()
	assert.Len(t, matches, 2)
	all := tr.AllSessions()
	require.Len(t, all, 3)
	assert.Equal(t, work.ID, all[0].CategoryID)
}
