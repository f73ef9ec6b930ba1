package tracking

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/animus-labs/hydraqueue/compose"
	"github.com/animus-labs/hydraqueue/docstore"
)

func seeded(t *testing.T) (*docstore.MemoryStore, *docstore.MemoryCollection) {
	t.Helper()
	store := docstore.NewMemoryStore()
	coll, err := store.MemoryCollection("runs")
	if err != nil {
		t.Fatalf("MemoryCollection() err=%v", err)
	}
	if err := coll.InsertMany(context.Background(), []docstore.Document{{"_id": 3, "status": "RUNNING"}}); err != nil {
		t.Fatalf("InsertMany() err=%v", err)
	}
	return store, coll
}

func TestRunRef(t *testing.T) {
	cases := []struct {
		tree       map[string]any
		collection string
		id         int64
	}{
		{tree: map[string]any{"seml": map[string]any{"overwrite": 4, "db_collection": "runs"}}, collection: "runs", id: 4},
		{tree: map[string]any{"seml": map[string]any{"overwrite": "17"}}, id: 17},
		{tree: map[string]any{"seml": map[string]any{"overwrite": nil}}},
		{tree: map[string]any{"lr": 0.1}},
		{tree: map[string]any{"run": 8, "seml": map[string]any{"overwrite": "${run}"}}, id: 8},
	}
	for _, tc := range cases {
		collection, id, err := RunRef(compose.NewConfig(tc.tree, nil))
		if err != nil {
			t.Fatalf("RunRef(%v) err=%v", tc.tree, err)
		}
		if collection != tc.collection || id != tc.id {
			t.Fatalf("RunRef(%v) = %q, %d", tc.tree, collection, id)
		}
	}
	if _, _, err := RunRef(compose.NewConfig(map[string]any{"seml": map[string]any{"overwrite": "abc"}}, nil)); err == nil {
		t.Fatalf("expected error for a non-numeric run id")
	}
}

func TestSetHydraConfig(t *testing.T) {
	store, coll := seeded(t)
	client := New(store, nil)
	cfg := compose.NewConfig(map[string]any{"width": 8, "name": "net-${width}"}, nil)

	if err := client.SetHydraConfig(context.Background(), cfg, "runs", 3); err != nil {
		t.Fatalf("SetHydraConfig() err=%v", err)
	}
	doc, err := coll.FindOne(context.Background(), docstore.Filter{"_id": 3})
	if err != nil {
		t.Fatalf("FindOne() err=%v", err)
	}
	want := map[string]any{"width": 8, "name": "net-8"}
	if diff := cmp.Diff(want, doc["hydra_config"]); diff != "" {
		t.Fatalf("hydra_config mismatch (-want +got):\n%s", diff)
	}
}

func TestSettersWithoutRunOnlyWarn(t *testing.T) {
	var logs bytes.Buffer
	client := New(nil, slog.New(slog.NewTextHandler(&logs, nil)))
	cfg := compose.NewConfig(map[string]any{}, nil)

	if err := client.SetHydraConfig(context.Background(), cfg, "", 3); err != nil {
		t.Fatalf("SetHydraConfig() err=%v", err)
	}
	if err := client.SetWandb(context.Background(), nil, "runs", 0, WandbOptions{}); err != nil {
		t.Fatalf("SetWandb() err=%v", err)
	}
	if strings.Count(logs.String(), "level=WARN") != 2 {
		t.Fatalf("expected two warnings, got %q", logs.String())
	}
}

func TestSetWandb(t *testing.T) {
	store, coll := seeded(t)
	client := New(store, nil)
	run := &WandbRun{
		Dir:     "/tmp/wandb/run-1",
		Entity:  "lab",
		ID:      "abc123",
		Name:    "brisk-sun-4",
		Project: "gnn",
		Tags:    []string{"baseline"},
		URL:     "https://wandb.ai/lab/gnn/runs/abc123",
	}

	err := client.SetWandb(context.Background(), run, "runs", 3, WandbOptions{
		Prefix: "tracker",
		Omit:   []string{WandbDir, WandbGroup, WandbMode, WandbNotes, WandbPath, WandbResumed, WandbStartTime, WandbSweepID},
	})
	if err != nil {
		t.Fatalf("SetWandb() err=%v", err)
	}
	doc, err := coll.FindOne(context.Background(), docstore.Filter{"_id": 3})
	if err != nil {
		t.Fatalf("FindOne() err=%v", err)
	}
	want := map[string]any{
		"entity":  "lab",
		"id":      "abc123",
		"name":    "brisk-sun-4",
		"project": "gnn",
		"tags":    []any{"baseline"},
		"url":     "https://wandb.ai/lab/gnn/runs/abc123",
	}
	if diff := cmp.Diff(want, doc["tracker"]); diff != "" {
		t.Fatalf("wandb fields mismatch (-want +got):\n%s", diff)
	}

	if err := client.SetWandb(context.Background(), nil, "runs", 3, WandbOptions{}); !errors.Is(err, ErrNoRun) {
		t.Fatalf("expected ErrNoRun, got %v", err)
	}
}

func TestSetWandbUnknownRunLogsError(t *testing.T) {
	store, _ := seeded(t)
	var logs bytes.Buffer
	client := New(store, slog.New(slog.NewTextHandler(&logs, nil)))
	if err := client.SetWandb(context.Background(), &WandbRun{ID: "x"}, "runs", 99, WandbOptions{}); err != nil {
		t.Fatalf("SetWandb() err=%v", err)
	}
	if !strings.Contains(logs.String(), "level=ERROR") {
		t.Fatalf("expected an error log for the unmatched update, got %q", logs.String())
	}
}
