// Package source reads activity facts from the system's activity records.
//
// Readers return facts in whatever order and multiplicity the underlying log
// provides; callers deduplicate and sort. Failures are reported as *Error with
// one of four kinds so hosts can show kind-specific guidance.
package source

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"sort"
	"time"

	"github.com/AppyAccidents/judgechronos/internal/model"
)

// Reader fetches facts that occurred after since. A nil since means
// everything the source holds.
type Reader interface {
	FetchFacts(ctx context.Context, since *time.Time) ([]model.Fact, error)
}

// ReaderFunc adapts a function to Reader.
type ReaderFunc func(ctx context.Context, since *time.Time) ([]model.Fact, error)

func (f ReaderFunc) FetchFacts(ctx context.Context, since *time.Time) ([]model.Fact, error) {
	return f(ctx, since)
}

// Multi merges several readers into one time-ordered batch. The first
// failure aborts the whole fetch so no reader advances the watermark alone.
type Multi []Reader

func (m Multi) FetchFacts(ctx context.Context, since *time.Time) ([]model.Fact, error) {
	var all []model.Fact
	for _, r := range m {
		if r == nil {
			continue
		}
		facts, err := r.FetchFacts(ctx, since)
		if err != nil {
			return nil, err
		}
		all = append(all, facts...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp.Before(all[j].Timestamp)
	})
	return all, nil
}

// statSource classifies the failure modes that are visible before opening.
func statSource(path string) error {
	if path == "" {
		return newError(KindNotFound, path, errors.New("no source path configured"))
	}
	info, err := os.Stat(path)
	if err != nil {
		return classifyOpenError(path, err)
	}
	if info.IsDir() {
		return newError(KindUnreadable, path, errors.New("source path is a directory"))
	}
	return nil
}

func classifyOpenError(path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return newError(KindNotFound, path, err)
	case errors.Is(err, fs.ErrPermission):
		return newError(KindPermissionDenied, path, err)
	default:
		return newError(KindUnreadable, path, err)
	}
}
