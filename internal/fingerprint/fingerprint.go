// Package fingerprint computes the deduplication hash of a fact.
//
// The hash covers the occurrence range, the source identity and the source
// kind, canonicalized with RFC 8785 (JCS) before SHA-256, so the same
// underlying log entry always produces the same digest regardless of process,
// platform, or the starting point of the scan that found it.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/AppyAccidents/judgechronos/internal/model"
)

// Times are encoded as strings: JCS serializes numbers as IEEE doubles, which
// cannot hold a nanosecond Unix timestamp exactly.
type identity struct {
	App    string `json:"app"`
	Bundle string `json:"bundle"`
	Kind   string `json:"kind"`
	Start  string `json:"start"`
	End    string `json:"end"`
}

// Fact returns the hex digest identifying f's real-world occurrence.
func Fact(f model.Fact) (string, error) {
	raw, err := json.Marshal(identity{
		App:    f.AppName,
		Bundle: f.BundleID,
		Kind:   string(f.Kind),
		Start:  f.Timestamp.UTC().Format(time.RFC3339Nano),
		End:    f.End().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", fmt.Errorf("encode fact identity: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize fact identity: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Ensure fills f.Hash when the reader did not supply one.
func Ensure(f *model.Fact) error {
	if f.Hash != "" {
		return nil
	}
	h, err := Fact(*f)
	if err != nil {
		return err
	}
	f.Hash = h
	return nil
}
