package source

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AppyAccidents/judgechronos/internal/model"
)

func TestErrorKindsMatchSentinels(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("import: %w", newError(KindPermissionDenied, "/tmp/x.db", cause))

	assert.True(t, errors.Is(err, ErrPermissionDenied))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, KindPermissionDenied, KindOf(err))
	assert.Contains(t, HintOf(err), "grant read access")
	assert.False(t, RetryableOf(err))
	assert.Contains(t, err.Error(), "permission_denied (/tmp/x.db): boom")

	assert.True(t, RetryableOf(newError(KindQueryFailed, "", cause)))
	assert.Equal(t, Kind(""), KindOf(cause))
	assert.Equal(t, "", HintOf(cause))
}

func TestErrorKindsAreDistinct(t *testing.T) {
	kinds := []*Error{ErrNotFound, ErrPermissionDenied, ErrUnreadable, ErrQueryFailed}
	seen := map[Kind]bool{}
	for _, k := range kinds {
		require.False(t, seen[k.Kind], "duplicate kind %s", k.Kind)
		seen[k.Kind] = true
		assert.NotEmpty(t, k.Hint())
	}
}

func createUsageDB(t *testing.T, rows [][]any) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "knowledgeC.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE ZOBJECT (
		Z_PK INTEGER PRIMARY KEY,
		ZSTREAMNAME TEXT,
		ZVALUESTRING TEXT,
		ZVALUEINTEGER INTEGER,
		ZSTARTDATE REAL,
		ZENDDATE REAL
	)`)
	require.NoError(t, err)
	for _, row := range rows {
		_, err := db.Exec(`INSERT INTO ZOBJECT (ZSTREAMNAME, ZVALUESTRING, ZVALUEINTEGER, ZSTARTDATE, ZENDDATE) VALUES (?, ?, ?, ?, ?)`, row...)
		require.NoError(t, err)
	}
	return path
}

func at(hour, minute int) time.Time {
	return time.Date(2026, 3, 2, hour, minute, 0, 0, time.UTC)
}

func TestSQLiteReaderFetchesUsageAndIdle(t *testing.T) {
	path := createUsageDB(t, [][]any{
		{streamAppUsage, "com.apple.dt.Xcode", nil, toAppleSeconds(at(9, 0)), toAppleSeconds(at(9, 5))},
		{streamLocked, nil, 1, toAppleSeconds(at(9, 10)), toAppleSeconds(at(9, 20))},
		{streamLocked, nil, 0, toAppleSeconds(at(9, 20)), toAppleSeconds(at(9, 30))},
		{"/app/webUsage", "https://example.com", nil, toAppleSeconds(at(9, 0)), toAppleSeconds(at(9, 1))},
		{streamAppUsage, "com.tinyspeck.slackmacgap", nil, toAppleSeconds(at(8, 0)), toAppleSeconds(at(8, 30))},
	})

	r := NewSQLiteReader(path)
	r.Names = map[string]string{"com.tinyspeck.slackmacgap": "Slack"}
	facts, err := r.FetchFacts(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, facts, 3)

	assert.Equal(t, "Slack", facts[0].AppName)
	assert.True(t, at(8, 0).Equal(facts[0].Timestamp), "timestamp %v", facts[0].Timestamp)
	assert.Equal(t, 30*time.Minute, facts[0].Duration)

	assert.Equal(t, "Xcode", facts[1].AppName)
	assert.Equal(t, "com.apple.dt.Xcode", facts[1].BundleID)
	assert.Equal(t, model.KindUsage, facts[1].Kind)

	assert.Equal(t, idleAppName, facts[2].AppName)
	assert.True(t, facts[2].IsIdle())
	assert.Equal(t, 10*time.Minute, facts[2].Duration)
}

func TestSQLiteReaderSinceIsInclusive(t *testing.T) {
	path := createUsageDB(t, [][]any{
		{streamAppUsage, "com.a.A", nil, toAppleSeconds(at(9, 0)), toAppleSeconds(at(9, 5))},
		{streamAppUsage, "com.a.B", nil, toAppleSeconds(at(10, 0)), toAppleSeconds(at(10, 5))},
	})
	since := at(10, 0)
	facts, err := NewSQLiteReader(path).FetchFacts(context.Background(), &since)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "B", facts[0].AppName)
}

func TestSQLiteReaderSkipsRowsWithoutEnd(t *testing.T) {
	path := createUsageDB(t, [][]any{
		{streamAppUsage, "com.a.A", nil, toAppleSeconds(at(9, 0)), toAppleSeconds(at(9, 5))},
		{streamAppUsage, "com.a.B", nil, toAppleSeconds(at(9, 10)), nil},
		{streamLocked, nil, 1, nil, toAppleSeconds(at(9, 30))},
	})
	var logs bytes.Buffer
	r := NewSQLiteReader(path)
	r.Logger = zerolog.New(&logs)

	facts, err := r.FetchFacts(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "A", facts[0].AppName)
	assert.Equal(t, 2, strings.Count(logs.String(), "skipping usage row"))
}

func TestSQLiteReaderFailureKinds(t *testing.T) {
	ctx := context.Background()

	_, err := NewSQLiteReader(filepath.Join(t.TempDir(), "missing.db")).FetchFacts(ctx, nil)
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	_, err = NewSQLiteReader("").FetchFacts(ctx, nil)
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	garbage := filepath.Join(t.TempDir(), "garbage.db")
	require.NoError(t, os.WriteFile(garbage, bytes.Repeat([]byte("x"), 4096), 0o644))
	_, err = NewSQLiteReader(garbage).FetchFacts(ctx, nil)
	assert.True(t, errors.Is(err, ErrUnreadable), "got %v", err)

	empty := filepath.Join(t.TempDir(), "empty.db")
	db, err := sql.Open("sqlite", empty)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE other (x INTEGER)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())
	_, err = NewSQLiteReader(empty).FetchFacts(ctx, nil)
	assert.True(t, errors.Is(err, ErrUnreadable), "got %v", err)

	_, err = NewSQLiteReader(t.TempDir()).FetchFacts(ctx, nil)
	assert.True(t, errors.Is(err, ErrUnreadable), "got %v", err)
}

func TestSQLiteReaderPermissionDenied(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores file permissions")
	}
	path := createUsageDB(t, nil)
	require.NoError(t, os.Chmod(path, 0o000))
	t.Cleanup(func() { _ = os.Chmod(path, 0o644) })

	_, err := NewSQLiteReader(path).FetchFacts(context.Background(), nil)
	assert.True(t, errors.Is(err, ErrPermissionDenied), "got %v", err)
}

func TestClassifyQueryError(t *testing.T) {
	assert.Equal(t, KindUnreadable, KindOf(classifyQueryError("p", errors.New("file is not a database"))))
	assert.Equal(t, KindUnreadable, KindOf(classifyQueryError("p", errors.New("SQL logic error: no such table: ZOBJECT"))))
	assert.Equal(t, KindPermissionDenied, KindOf(classifyQueryError("p", errors.New("unable to open database file"))))
	assert.Equal(t, KindQueryFailed, KindOf(classifyQueryError("p", errors.New("database is locked"))))
}

func writeJSONL(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "facts.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func TestJSONLReaderParsesLines(t *testing.T) {
	path := writeJSONL(t,
		`{"app":"Xcode","bundle_id":"com.apple.dt.Xcode","title":"main.swift","start":"2026-03-02T09:00:00Z","end":"2026-03-02T09:05:00Z"}`,
		``,
		`{"app":"Standup","start":"2026-03-02T10:00:00Z","end":"2026-03-02T10:15:00Z","kind":"calendar","hash":"h-1"}`,
	)
	facts, err := NewJSONLReader(path, "").FetchFacts(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, facts, 2)

	assert.Equal(t, "Xcode", facts[0].AppName)
	assert.Equal(t, "main.swift", facts[0].WindowTitle)
	assert.Equal(t, model.KindUsage, facts[0].Kind)
	assert.Equal(t, 5*time.Minute, facts[0].Duration)

	assert.Equal(t, model.KindCalendar, facts[1].Kind)
	assert.Equal(t, "h-1", facts[1].Hash)
}

func TestJSONLReaderDefaultKindAndSince(t *testing.T) {
	path := writeJSONL(t,
		`{"app":"Standup","start":"2026-03-02T10:00:00Z","end":"2026-03-02T10:15:00Z"}`,
		`{"app":"Review","start":"2026-03-02T11:00:00Z","end":"2026-03-02T11:30:00Z"}`,
	)
	since := at(11, 0)
	facts, err := NewJSONLReader(path, model.KindCalendar).FetchFacts(context.Background(), &since)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "Review", facts[0].AppName)
	assert.Equal(t, model.KindCalendar, facts[0].Kind)
}

func TestJSONLReaderSkipsMalformedLines(t *testing.T) {
	good := `{"app":"Xcode","start":"2026-03-02T09:00:00Z","end":"2026-03-02T09:05:00Z"}`
	last := `{"app":"Safari","start":"2026-03-02T11:00:00Z","end":"2026-03-02T11:05:00Z"}`
	for name, bad := range map[string]string{
		"not json":       `{"app":`,
		"missing app":    `{"start":"2026-03-02T10:00:00Z","end":"2026-03-02T10:15:00Z"}`,
		"missing start":  `{"app":"X","end":"2026-03-02T10:15:00Z"}`,
		"bad timestamp":  `{"app":"X","start":"yesterday","end":"2026-03-02T10:15:00Z"}`,
		"unknown kind":   `{"app":"X","start":"2026-03-02T10:00:00Z","end":"2026-03-02T10:15:00Z","kind":"meeting"}`,
		"wrong app type": `{"app":7,"start":"2026-03-02T10:00:00Z","end":"2026-03-02T10:15:00Z"}`,
	} {
		t.Run(name, func(t *testing.T) {
			var logs bytes.Buffer
			r := NewJSONLReader(writeJSONL(t, good, bad, last), "")
			r.Logger = zerolog.New(&logs)

			facts, err := r.FetchFacts(context.Background(), nil)
			require.NoError(t, err)
			require.Len(t, facts, 2)
			assert.Equal(t, "Xcode", facts[0].AppName)
			assert.Equal(t, "Safari", facts[1].AppName)
			assert.Contains(t, logs.String(), `"line":2`)
		})
	}
}

func TestJSONLReaderSkipsMalformedLineBeforeSince(t *testing.T) {
	path := writeJSONL(t,
		`{"start":"2026-03-02T08:00:00Z","end":"2026-03-02T08:15:00Z"}`,
		`{"app":"Review","start":"2026-03-02T11:00:00Z","end":"2026-03-02T11:30:00Z"}`,
	)
	since := at(11, 0)
	facts, err := NewJSONLReader(path, "").FetchFacts(context.Background(), &since)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "Review", facts[0].AppName)
}

func TestJSONLReaderStructuralFailures(t *testing.T) {
	ctx := context.Background()

	_, err := NewJSONLReader(filepath.Join(t.TempDir(), "none.jsonl"), "").FetchFacts(ctx, nil)
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	// A line longer than the scanner buffer is damage to the file, not to one fact.
	huge := `{"app":"` + strings.Repeat("x", 11*1024*1024) + `"}`
	_, err = NewJSONLReader(writeJSONL(t, huge), "").FetchFacts(ctx, nil)
	assert.True(t, errors.Is(err, ErrUnreadable), "got %v", err)
}

func TestMultiMergesInTimeOrder(t *testing.T) {
	usage := ReaderFunc(func(context.Context, *time.Time) ([]model.Fact, error) {
		return []model.Fact{{AppName: "B", Timestamp: at(10, 0)}, {AppName: "A", Timestamp: at(9, 0)}}, nil
	})
	calendar := ReaderFunc(func(context.Context, *time.Time) ([]model.Fact, error) {
		return []model.Fact{{AppName: "Meeting", Timestamp: at(9, 30), Kind: model.KindCalendar}}, nil
	})
	facts, err := Multi{usage, nil, calendar}.FetchFacts(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, facts, 3)
	assert.Equal(t, []string{"A", "Meeting", "B"}, []string{facts[0].AppName, facts[1].AppName, facts[2].AppName})

	failing := ReaderFunc(func(context.Context, *time.Time) ([]model.Fact, error) {
		return nil, newError(KindQueryFailed, "", errors.New("down"))
	})
	_, err = Multi{usage, failing}.FetchFacts(context.Background(), nil)
	assert.True(t, errors.Is(err, ErrQueryFailed))
}
