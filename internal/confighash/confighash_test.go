package confighash

import "testing"

func TestMakeIgnoresKeyOrder(t *testing.T) {
	a := map[string]any{"model": map[string]any{"depth": 3, "width": 64}, "lr": 0.1}
	b := map[string]any{"lr": 0.1, "model": map[string]any{"width": 64, "depth": 3}}
	ha, err := Make(a)
	if err != nil {
		t.Fatalf("Make(a) err=%v", err)
	}
	hb, err := Make(b)
	if err != nil {
		t.Fatalf("Make(b) err=%v", err)
	}
	if ha != hb {
		t.Fatalf("expected equal hashes, got %s and %s", ha, hb)
	}
	if len(ha) != 64 {
		t.Fatalf("expected sha256 hex digest, got %q", ha)
	}
}

func TestMakeDistinguishesValues(t *testing.T) {
	ha, _ := Make(map[string]any{"lr": 0.1})
	hb, _ := Make(map[string]any{"lr": 0.01})
	if ha == hb {
		t.Fatalf("expected different hashes")
	}
}

func TestMakeTreatsNestedAndFlatAlike(t *testing.T) {
	ha, _ := Make(map[string]any{"a": map[string]any{"b": 1}})
	hb, _ := Make(map[string]any{"a.b": 1})
	if ha != hb {
		t.Fatalf("expected nested and dotted forms to hash alike")
	}
}

func TestMakeExcluding(t *testing.T) {
	base := map[string]any{"lr": 0.1, "seml": map[string]any{"overwrite": 4}}
	other := map[string]any{"lr": 0.1, "seml": map[string]any{"overwrite": 9}}
	ha, _ := MakeExcluding(base, []string{"seml."})
	hb, _ := MakeExcluding(other, []string{"seml."})
	if ha != hb {
		t.Fatalf("expected excluded prefix to be ignored")
	}
}

func TestMakeRejectsUnencodable(t *testing.T) {
	if _, err := Make(map[string]any{"fn": func() {}}); err == nil {
		t.Fatalf("expected encode error")
	}
}

func TestMakeKeepsFloatsApartFromIntegers(t *testing.T) {
	hi, _ := Make(map[string]any{"lr": 1})
	hf, _ := Make(map[string]any{"lr": 1.0})
	if hi == hf {
		t.Fatalf("expected lr: 1 and lr: 1.0 to hash differently")
	}
	hl, _ := Make(map[string]any{"sizes": []any{1, 2}})
	hlf, _ := Make(map[string]any{"sizes": []any{1.0, 2}})
	if hl == hlf {
		t.Fatalf("expected floats inside sequences to stay floats")
	}
	ha, _ := Make(map[string]any{"lr": 1e-05})
	hb, _ := Make(map[string]any{"lr": 0.00001})
	if ha != hb {
		t.Fatalf("expected equal floats to hash alike")
	}
}
