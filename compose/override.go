package compose

import (
	"strings"

	"gopkg.in/yaml.v3"
)

// OverrideKind selects how an override changes the tree.
type OverrideKind int

const (
	OverrideSet OverrideKind = iota
	OverrideAdd
	OverrideForceAdd
	OverrideDelete
)

// Override is one parsed `key=value` instruction.
type Override struct {
	Kind     OverrideKind
	Key      string
	Value    any
	HasValue bool
	Raw      string
}

// ParseOverride parses `key=value`, `+key=value`, `++key=value`, `~key` and `~key=value`.
func ParseOverride(raw string) (Override, error) {
	text := strings.TrimSpace(raw)
	o := Override{Kind: OverrideSet, Raw: raw}
	switch {
	case strings.HasPrefix(text, "++"):
		o.Kind = OverrideForceAdd
		text = text[2:]
	case strings.HasPrefix(text, "+"):
		o.Kind = OverrideAdd
		text = text[1:]
	case strings.HasPrefix(text, "~"):
		o.Kind = OverrideDelete
		text = text[1:]
	}

	key, value, hasValue := strings.Cut(text, "=")
	key = strings.TrimSpace(key)
	if key == "" {
		return Override{}, &OverrideError{Override: raw, Reason: "missing key"}
	}
	if strings.ContainsAny(key, " \t${}") || strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") || strings.Contains(key, "..") {
		return Override{}, &OverrideError{Override: raw, Reason: "invalid key"}
	}
	o.Key = key
	if !hasValue {
		if o.Kind != OverrideDelete {
			return Override{}, &OverrideError{Override: raw, Reason: "missing '=' and value"}
		}
		return o, nil
	}
	parsed, err := ParseValue(value)
	if err != nil {
		return Override{}, &OverrideError{Override: raw, Reason: err.Error()}
	}
	o.Value = parsed
	o.HasValue = true
	return o, nil
}

// ParseValue reads an override value with YAML scalar and flow rules. An empty
// value is the empty string.
func ParseValue(text string) (any, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	var out any
	if err := yaml.Unmarshal([]byte(text), &out); err != nil {
		return nil, err
	}
	return out, nil
}
