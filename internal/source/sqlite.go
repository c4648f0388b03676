package source

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/AppyAccidents/judgechronos/internal/model"
)

// appleEpoch is the reference date of Core Data timestamps.
var appleEpoch = time.Date(2001, time.January, 1, 0, 0, 0, 0, time.UTC)

const (
	streamAppUsage = "/app/usage"
	streamLocked   = "/device/isLocked"

	idleAppName = "Idle"
)

// SQLiteReader reads app-usage and screen-lock intervals from a
// knowledgeC-shaped database (table ZOBJECT). The database is opened
// read-only for every fetch and closed afterwards; the owning OS process keeps
// writing to it between scans.
type SQLiteReader struct {
	Path string
	// Names maps bundle identifiers to display names. Unmapped bundles use
	// their last dotted component.
	Names map[string]string
	// Logger reports skipped rows.
	Logger zerolog.Logger
}

func NewSQLiteReader(path string) *SQLiteReader {
	return &SQLiteReader{Path: path, Logger: zerolog.Nop()}
}

func (r *SQLiteReader) FetchFacts(ctx context.Context, since *time.Time) ([]model.Fact, error) {
	if err := statSource(r.Path); err != nil {
		return nil, err
	}
	// #nosec G304 -- the source path comes from local configuration.
	fh, err := os.Open(r.Path)
	if err != nil {
		return nil, classifyOpenError(r.Path, err)
	}
	_ = fh.Close()

	db, err := sql.Open("sqlite", "file:"+r.Path+"?mode=ro")
	if err != nil {
		return nil, newError(KindUnreadable, r.Path, fmt.Errorf("open sqlite: %w", err))
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		return nil, classifyQueryError(r.Path, fmt.Errorf("sqlite pragma: %w", err))
	}

	query := `
		SELECT ZSTREAMNAME, COALESCE(ZVALUESTRING, ''), COALESCE(ZVALUEINTEGER, 0), ZSTARTDATE, ZENDDATE
		FROM ZOBJECT
		WHERE ZSTREAMNAME IN (?, ?)`
	args := []any{streamAppUsage, streamLocked}
	if since != nil {
		query += ` AND ZSTARTDATE >= ?`
		args = append(args, toAppleSeconds(*since))
	}
	query += ` ORDER BY ZSTARTDATE ASC, Z_PK ASC`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyQueryError(r.Path, fmt.Errorf("query usage: %w", err))
	}
	defer rows.Close()

	var facts []model.Fact
	for rows.Next() {
		var (
			stream, value string
			flag          int64
			start, end    sql.NullFloat64
		)
		if err := rows.Scan(&stream, &value, &flag, &start, &end); err != nil {
			return nil, newError(KindUnreadable, r.Path, fmt.Errorf("scan usage row: %w", err))
		}
		if !start.Valid || !end.Valid {
			r.Logger.Warn().Str("path", r.Path).Str("stream", stream).Msg("skipping usage row without start or end")
			continue
		}
		f := model.Fact{
			Timestamp: fromAppleSeconds(start.Float64),
			Duration:  fromAppleSeconds(end.Float64).Sub(fromAppleSeconds(start.Float64)),
			Kind:      model.KindUsage,
		}
		switch stream {
		case streamLocked:
			if flag != 1 {
				continue
			}
			f.Kind = model.KindIdle
			f.AppName = idleAppName
		default:
			f.BundleID = value
			f.AppName = r.displayName(value)
		}
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyQueryError(r.Path, fmt.Errorf("iterate usage: %w", err))
	}
	return facts, nil
}

func (r *SQLiteReader) displayName(bundleID string) string {
	if name, ok := r.Names[bundleID]; ok {
		return name
	}
	if i := strings.LastIndexByte(bundleID, '.'); i >= 0 && i < len(bundleID)-1 {
		return bundleID[i+1:]
	}
	return bundleID
}

// classifyQueryError separates structural damage from transient failures.
func classifyQueryError(path string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not a database"),
		strings.Contains(msg, "malformed"),
		strings.Contains(msg, "no such table"),
		strings.Contains(msg, "no such column"):
		return newError(KindUnreadable, path, err)
	case strings.Contains(msg, "unable to open"),
		strings.Contains(msg, "authorization denied"),
		strings.Contains(msg, "permission denied"):
		return newError(KindPermissionDenied, path, err)
	default:
		return newError(KindQueryFailed, path, err)
	}
}

func toAppleSeconds(t time.Time) float64 {
	return t.Sub(appleEpoch).Seconds()
}

func fromAppleSeconds(s float64) time.Time {
	whole, frac := math.Modf(s)
	return appleEpoch.Add(time.Duration(whole) * time.Second).Add(time.Duration(frac * float64(time.Second)))
}
