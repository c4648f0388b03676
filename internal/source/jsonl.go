package source

import (
	"bufio"
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/kaptinlin/jsonschema"
	"github.com/rs/zerolog"

	"github.com/AppyAccidents/judgechronos/internal/model"
)

//go:embed schema/fact.schema.json
var factSchemaJSON []byte

var (
	factSchemaOnce sync.Once
	factSchema     *jsonschema.Schema
	factSchemaErr  error
)

func loadFactSchema() (*jsonschema.Schema, error) {
	factSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat = true
		factSchema, factSchemaErr = compiler.Compile(factSchemaJSON)
	})
	return factSchema, factSchemaErr
}

type jsonlLine struct {
	App      string `json:"app"`
	BundleID string `json:"bundle_id"`
	Title    string `json:"title"`
	Start    string `json:"start"`
	End      string `json:"end"`
	Kind     string `json:"kind"`
	Hash     string `json:"hash"`
}

// JSONLReader reads facts from a newline-delimited JSON export, one fact per
// line. Calendar integrations write the same format with kind "calendar".
type JSONLReader struct {
	Path string
	// DefaultKind applies to lines without an explicit kind.
	DefaultKind model.FactKind
	// Logger reports skipped lines.
	Logger zerolog.Logger
}

func NewJSONLReader(path string, defaultKind model.FactKind) *JSONLReader {
	if defaultKind == "" {
		defaultKind = model.KindUsage
	}
	return &JSONLReader{Path: path, DefaultKind: defaultKind, Logger: zerolog.Nop()}
}

func (r *JSONLReader) FetchFacts(ctx context.Context, since *time.Time) ([]model.Fact, error) {
	if err := statSource(r.Path); err != nil {
		return nil, err
	}
	// #nosec G304 -- the source path comes from local configuration.
	raw, err := os.ReadFile(r.Path)
	if err != nil {
		return nil, classifyOpenError(r.Path, err)
	}
	schema, err := loadFactSchema()
	if err != nil {
		return nil, newError(KindQueryFailed, r.Path, fmt.Errorf("compile fact schema: %w", err))
	}

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	var facts []model.Fact
	for lineNo := 1; scanner.Scan(); lineNo++ {
		if err := ctx.Err(); err != nil {
			return nil, newError(KindQueryFailed, r.Path, err)
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		fact, err := parseLine(schema, line, r.DefaultKind)
		if err != nil {
			// Per-line damage is skipped, not fatal.
			r.Logger.Warn().Str("path", r.Path).Int("line", lineNo).Err(err).Msg("skipping malformed fact")
			continue
		}
		if since != nil && fact.Timestamp.Before(*since) {
			continue
		}
		facts = append(facts, fact)
	}
	if err := scanner.Err(); err != nil {
		return nil, newError(KindUnreadable, r.Path, fmt.Errorf("read export: %w", err))
	}
	return facts, nil
}

func parseLine(schema *jsonschema.Schema, line []byte, defaultKind model.FactKind) (model.Fact, error) {
	if result := schema.ValidateJSON(line); !result.IsValid() {
		return model.Fact{}, fmt.Errorf("schema validation failed: %v", result.Errors)
	}
	var entry jsonlLine
	if err := json.Unmarshal(line, &entry); err != nil {
		return model.Fact{}, err
	}
	return entry.fact(defaultKind)
}

func (l jsonlLine) fact(defaultKind model.FactKind) (model.Fact, error) {
	start, err := time.Parse(time.RFC3339Nano, l.Start)
	if err != nil {
		return model.Fact{}, fmt.Errorf("parse start: %w", err)
	}
	end, err := time.Parse(time.RFC3339Nano, l.End)
	if err != nil {
		return model.Fact{}, fmt.Errorf("parse end: %w", err)
	}
	kind := model.FactKind(l.Kind)
	if kind == "" {
		kind = defaultKind
	}
	return model.Fact{
		Timestamp:   start,
		Duration:    end.Sub(start),
		BundleID:    l.BundleID,
		AppName:     l.App,
		WindowTitle: l.Title,
		Kind:        kind,
		Hash:        l.Hash,
	}, nil
}
