package overrides

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/animus-labs/hydraqueue/compose"
	"github.com/animus-labs/hydraqueue/internal/keypath"
)

func TestConfigToOverridesRoutesGroupKeys(t *testing.T) {
	config := map[string]any{
		"lr":          0.1,
		"hydra_group": map[string]any{"dataset": "cora"},
		"model": map[string]any{
			"depth":       3,
			"hydra_group": map[string]any{"encoder": "gcn"},
		},
	}
	got, groups, err := New().ConfigToOverrides(config)
	if err != nil {
		t.Fatalf("ConfigToOverrides() err=%v", err)
	}
	if diff := cmp.Diff([]string{"lr=0.1", "model.depth=3"}, got); diff != "" {
		t.Fatalf("overrides mismatch (-want +got):\n%s", diff)
	}
	wantGroups := map[string]any{
		"dataset": "cora",
		"model":   map[string]any{"encoder": "gcn"},
	}
	if diff := cmp.Diff(wantGroups, groups); diff != "" {
		t.Fatalf("group overrides mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigToOverridesCustomPrefix(t *testing.T) {
	tr := Translator{GroupPrefix: "grp", Separator: "/"}
	got, groups, err := tr.ConfigToOverrides(map[string]any{
		"grp": map[string]any{"optim": "sgd"},
		"a":   map[string]any{"b": "x"},
	})
	if err != nil {
		t.Fatalf("ConfigToOverrides() err=%v", err)
	}
	if diff := cmp.Diff([]string{"a.b=x"}, got); diff != "" {
		t.Fatalf("overrides mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]any{"optim": "sgd"}, groups); diff != "" {
		t.Fatalf("group overrides mismatch (-want +got):\n%s", diff)
	}
}

func TestFormatValue(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{in: "plain", want: "plain"},
		{in: "true", want: `"true"`},
		{in: "12", want: `"12"`},
		{in: "", want: ""},
		{in: "a: b", want: `"a: b"`},
		{in: "${model.width}", want: "${model.width}"},
		{in: 3, want: "3"},
		{in: int64(-4), want: "-4"},
		{in: 1.0, want: "1.0"},
		{in: 0.25, want: "0.25"},
		{in: math.Inf(1), want: ".inf"},
		{in: true, want: "true"},
		{in: nil, want: "null"},
		{in: []any{1, "two", []any{}}, want: `[1, "two", []]`},
		{in: map[string]any{"b": 1, "a": "x"}, want: `{"a": "x", "b": 1}`},
		{in: []string{"x", "y"}, want: `["x", "y"]`},
	}
	for _, tc := range cases {
		got, err := FormatValue(tc.in)
		if err != nil {
			t.Fatalf("FormatValue(%v) err=%v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("FormatValue(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
	if _, err := FormatValue(struct{}{}); err == nil {
		t.Fatalf("expected error for unsupported type")
	}
}

func TestFlatKey(t *testing.T) {
	cases := map[string]string{
		"a.b=1":       "a.b",
		"+a.c=[1, 2]": "a.c",
		"++d=x":       "d",
		"~e":          "e",
		"~f=3":        "f",
	}
	for in, want := range cases {
		if got := FlatKey(in); got != want {
			t.Fatalf("FlatKey(%q) = %q, want %q", in, got, want)
		}
	}
}

// Composing the produced overrides on an empty base must give back the
// original flat values.
func TestOverridesReproduceConfigOnEmptyBase(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "empty.yaml"), []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	engine, err := compose.NewEngine(dir, compose.WithRegistry(compose.NewRegistry()))
	if err != nil {
		t.Fatalf("NewEngine() err=%v", err)
	}

	config := map[string]any{
		"seed":    7,
		"lr":      1e-05,
		"ratio":   2.0,
		"name":    "resnet 50",
		"tricky":  map[string]any{"bool": "true", "num": "007", "null": "~", "quote": "it's", "colon": "a: b", "blank": " "},
		"empty":   "",
		"nothing": nil,
		"layers":  []any{64, 128, "x,y", map[string]any{"k": 1.5}},
		"opts":    map[string]any{},
		"flag":    false,
	}
	list, _, err := New().ConfigToOverrides(config)
	if err != nil {
		t.Fatalf("ConfigToOverrides() err=%v", err)
	}
	cfg, err := engine.Compose("empty", list)
	if err != nil {
		t.Fatalf("Compose(%v) err=%v", list, err)
	}
	got, err := cfg.ToContainer(compose.ContainerOptions{})
	if err != nil {
		t.Fatalf("ToContainer() err=%v", err)
	}
	if diff := cmp.Diff(keypath.Flatten(config), keypath.Flatten(got)); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}
