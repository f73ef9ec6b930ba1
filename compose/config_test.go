package compose

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type color int

func (c color) String() string {
	if c == 1 {
		return "RED"
	}
	return "BLUE"
}

func TestToContainerInterpolation(t *testing.T) {
	registry := NewRegistry()
	if err := registry.RegisterResolver("double", func(args []string) (any, error) {
		return args[0] + args[0], nil
	}); err != nil {
		t.Fatalf("RegisterResolver() err=%v", err)
	}
	t.Setenv("HYDRAQUEUE_TEST_HOME", "/data")

	cfg := NewConfig(map[string]any{
		"model": map[string]any{
			"width": 16,
			"alias": "${.width}",
			"name":  "net-${model.width}",
		},
		"copy":    "${model.width}",
		"home":    "${oc.env:HYDRAQUEUE_TEST_HOME}",
		"other":   "${oc.env:HYDRAQUEUE_TEST_UNSET,fallback}",
		"twice":   "${double:ab}",
		"picked":  "${oc.select:model.depth,3}",
		"escaped": `\${model.width}`,
		"color":   color(1),
	}, registry)

	got := resolved(t, cfg)
	want := map[string]any{
		"model":   map[string]any{"width": 16, "alias": 16, "name": "net-16"},
		"copy":    16,
		"home":    "/data",
		"other":   "fallback",
		"twice":   "abab",
		"picked":  3,
		"escaped": "${model.width}",
		"color":   "RED",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ToContainer() mismatch (-want +got):\n%s", diff)
	}
}

func TestToContainerWithoutResolve(t *testing.T) {
	cfg := NewConfig(map[string]any{"a": "${b}", "b": 1, "c": MissingMarker}, nil)
	got, err := cfg.ToContainer(ContainerOptions{})
	if err != nil {
		t.Fatalf("ToContainer() err=%v", err)
	}
	want := map[string]any{"a": "${b}", "b": 1, "c": MissingMarker}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ToContainer() mismatch (-want +got):\n%s", diff)
	}
}

func TestToContainerMissingValue(t *testing.T) {
	cfg := NewConfig(map[string]any{"model": map[string]any{"name": MissingMarker}}, nil)
	_, err := cfg.ToContainer(ContainerOptions{Resolve: true, ThrowOnMissing: true})
	var missing *MissingValueError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingValueError, got %v", err)
	}
	if missing.Path != "model.name" {
		t.Fatalf("unexpected path %q", missing.Path)
	}
}

func TestToContainerInterpolationErrors(t *testing.T) {
	cases := map[string]map[string]any{
		"cycle":      {"a": "${b}", "b": "${a}"},
		"missing":    {"a": "${nowhere}"},
		"resolver":   {"a": "${unknown:x}"},
		"unclosed":   {"a": "${b"},
		"env-unset":  {"a": "${oc.env:HYDRAQUEUE_TEST_SURELY_UNSET}"},
		"too-far-up": {"a": "${..x}"},
	}
	for name, tree := range cases {
		_, err := NewConfig(tree, NewRegistry()).ToContainer(ContainerOptions{Resolve: true})
		var interp *InterpolationError
		if !errors.As(err, &interp) {
			t.Fatalf("%s: expected InterpolationError, got %v", name, err)
		}
	}
}

func TestSelect(t *testing.T) {
	cfg := NewConfig(map[string]any{"seml": map[string]any{"overwrite": "${run}"}, "run": 7}, nil)
	v, ok, err := cfg.Select("seml.overwrite")
	if err != nil || !ok || v != 7 {
		t.Fatalf("Select() = %v, %v, %v", v, ok, err)
	}
	if _, ok, _ := cfg.Select("seml.command"); ok {
		t.Fatalf("expected missing key")
	}
	if !cfg.Has("seml") || cfg.Has("slurm") {
		t.Fatalf("Has() mismatch")
	}
}

func TestRegisterResolverDuplicate(t *testing.T) {
	registry := NewRegistry()
	fn := func([]string) (any, error) { return nil, nil }
	if err := registry.RegisterResolver("now", fn); err != nil {
		t.Fatalf("RegisterResolver() err=%v", err)
	}
	if err := registry.RegisterResolver("now", fn); !errors.Is(err, ErrResolverExists) {
		t.Fatalf("expected ErrResolverExists, got %v", err)
	}
	if err := registry.RegisterResolver("oc.env", fn); !errors.Is(err, ErrResolverExists) {
		t.Fatalf("expected built-in resolver to be taken, got %v", err)
	}
}

func TestParseOverride(t *testing.T) {
	cases := []struct {
		raw  string
		want Override
	}{
		{raw: "a.b=1", want: Override{Kind: OverrideSet, Key: "a.b", Value: 1, HasValue: true, Raw: "a.b=1"}},
		{raw: "+x=[1, 2]", want: Override{Kind: OverrideAdd, Key: "x", Value: []any{1, 2}, HasValue: true, Raw: "+x=[1, 2]"}},
		{raw: "++s='007'", want: Override{Kind: OverrideForceAdd, Key: "s", Value: "007", HasValue: true, Raw: "++s='007'"}},
		{raw: "~old", want: Override{Kind: OverrideDelete, Key: "old", Raw: "~old"}},
		{raw: "e=", want: Override{Kind: OverrideSet, Key: "e", Value: "", HasValue: true, Raw: "e="}},
		{raw: "n=null", want: Override{Kind: OverrideSet, Key: "n", Value: nil, HasValue: true, Raw: "n=null"}},
	}
	for _, tc := range cases {
		got, err := ParseOverride(tc.raw)
		if err != nil {
			t.Fatalf("ParseOverride(%q) err=%v", tc.raw, err)
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Fatalf("ParseOverride(%q) mismatch (-want +got):\n%s", tc.raw, diff)
		}
	}

	for _, raw := range []string{"", "=1", "novalue", "a..b=1", "${x}=1"} {
		if _, err := ParseOverride(raw); err == nil || !strings.Contains(err.Error(), "override") {
			t.Fatalf("ParseOverride(%q) expected override error, got %v", raw, err)
		}
	}
}
