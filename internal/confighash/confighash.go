// Package confighash derives the duplicate-detection key of an experiment configuration.
package confighash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/animus-labs/hydraqueue/internal/keypath"
)

// Make hashes config by value; key order never affects the digest.
func Make(config map[string]any) (string, error) {
	return MakeExcluding(config, nil)
}

// MakeExcluding hashes config after dropping every flat key that starts with one
// of the excluded prefixes.
func MakeExcluding(config map[string]any, exclude []string) (string, error) {
	flat := keypath.Flatten(config)
	filtered := make(map[string]any, len(flat))
	for key, value := range flat {
		if hasAnyPrefix(key, exclude) {
			continue
		}
		filtered[key] = canonical(value)
	}
	// encoding/json writes map keys in sorted order at every level.
	blob, err := json.Marshal(filtered)
	if err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

// canonical keeps floats apart from equal integers: 1.0 is written as 1.0,
// never as 1.
func canonical(v any) any {
	switch typed := v.(type) {
	case float64:
		return floatLiteral(typed)
	case float32:
		return floatLiteral(float64(typed))
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = canonical(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, item := range typed {
			out[key] = canonical(item)
		}
		return out
	}
	return v
}

func floatLiteral(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return f
	}
	text := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(text, ".e") {
		text += ".0"
	}
	return json.RawMessage(text)
}

func hasAnyPrefix(key string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if prefix != "" && strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}
