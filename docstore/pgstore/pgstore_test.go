package pgstore

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/animus-labs/hydraqueue/docstore"
	"github.com/animus-labs/hydraqueue/internal/platform/postgres"
)

func TestWhereClause(t *testing.T) {
	where, args, err := whereClause(docstore.Filter{"config.lr": 0.1, "_id": 3}, 1)
	if err != nil {
		t.Fatalf("whereClause() err=%v", err)
	}
	wantWhere := ` WHERE doc #> $1::text[] = $2::jsonb AND doc #> $3::text[] = $4::jsonb`
	if where != wantWhere {
		t.Fatalf("whereClause() = %q", where)
	}
	if diff := cmp.Diff([]any{`{"_id"}`, "3", `{"config","lr"}`, "0.1"}, args); diff != "" {
		t.Fatalf("args mismatch (-want +got):\n%s", diff)
	}

	where, args, err = whereClause(nil, 1)
	if err != nil || where != "" || len(args) != 0 {
		t.Fatalf("empty filter = %q, %v, %v", where, args, err)
	}
	if _, _, err := whereClause(docstore.Filter{"a..b": 1}, 1); err == nil {
		t.Fatalf("expected error for empty path segment")
	}
}

func TestTextArrayEscapes(t *testing.T) {
	got, err := textArray(`we"ird.pa\th`)
	if err != nil {
		t.Fatalf("textArray() err=%v", err)
	}
	if got != `{"we\"ird","pa\\th"}` {
		t.Fatalf("textArray() = %s", got)
	}
}

func TestIndexStatement(t *testing.T) {
	got, err := indexStatement("runs", "config_hash")
	if err != nil {
		t.Fatalf("indexStatement() err=%v", err)
	}
	want := `CREATE INDEX IF NOT EXISTS "runs_config_hash_idx" ON "runs" ((doc #> '{"config_hash"}'))`
	if got != want {
		t.Fatalf("indexStatement() = %s", got)
	}
	long, err := indexStatement(strings.Repeat("c", 70), "x")
	if err != nil || !strings.HasPrefix(long, `CREATE INDEX IF NOT EXISTS "`+strings.Repeat("c", 63)+`"`) {
		t.Fatalf("long index name not truncated: %s, %v", long, err)
	}
}

func TestDecodeDocKeepsIntegers(t *testing.T) {
	doc, err := decodeDoc([]byte(`{"_id": 4, "config": {"lr": 0.5, "layers": [1, 2.5]}}`))
	if err != nil {
		t.Fatalf("decodeDoc() err=%v", err)
	}
	want := docstore.Document{"_id": int64(4), "config": map[string]any{"lr": 0.5, "layers": []any{int64(1), 2.5}}}
	if diff := cmp.Diff(want, doc); diff != "" {
		t.Fatalf("decodeDoc() mismatch (-want +got):\n%s", diff)
	}
}

func TestNewRequiresDB(t *testing.T) {
	if New(nil) != nil {
		t.Fatalf("expected nil store without db")
	}
}

func TestCollectionAgainstPostgres(t *testing.T) {
	url := os.Getenv("HYDRAQUEUE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("HYDRAQUEUE_TEST_DATABASE_URL not set")
	}
	t.Setenv("HYDRAQUEUE_DATABASE_URL", url)
	cfg, err := postgres.ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	ctx := context.Background()
	db, err := postgres.Open(ctx, cfg)
	if err != nil {
		t.Fatalf("Open() err=%v", err)
	}
	defer func() { _ = db.Close() }()

	name := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	defer func() { _, _ = db.ExecContext(ctx, `DROP TABLE IF EXISTS "`+name+`"`) }()

	coll, err := New(db).Collection(ctx, name)
	if err != nil {
		t.Fatalf("Collection() err=%v", err)
	}
	if _, ok, err := coll.MaxValue(ctx, "_id"); err != nil || ok {
		t.Fatalf("MaxValue() on empty table = %v, %v", ok, err)
	}
	docs := []docstore.Document{
		{"_id": 1, "batch_id": 2, "config_hash": "h1", "config": map[string]any{"lr": 0.1}},
		{"_id": 2, "batch_id": 2, "config_hash": "h2", "config": map[string]any{"lr": 0.2}},
	}
	if err := coll.InsertMany(ctx, docs); err != nil {
		t.Fatalf("InsertMany() err=%v", err)
	}
	if err := coll.InsertMany(ctx, docs[:1]); !errors.Is(err, docstore.ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
	if err := coll.CreateIndex(ctx, "config_hash"); err != nil {
		t.Fatalf("CreateIndex() err=%v", err)
	}

	doc, err := coll.FindOne(ctx, docstore.Filter{"config.lr": 0.2})
	if err != nil || doc["_id"] != int64(2) {
		t.Fatalf("FindOne() = %v, %v", doc, err)
	}
	res, err := coll.UpdateOne(ctx, docstore.Filter{"_id": 1}, map[string]any{"status": "RUNNING", "wandb.id": "x"})
	if err != nil || res != (docstore.UpdateResult{MatchedCount: 1, ModifiedCount: 1}) {
		t.Fatalf("UpdateOne() = %+v, %v", res, err)
	}
	res, err = coll.UpdateOne(ctx, docstore.Filter{"_id": 1}, map[string]any{"status": "RUNNING"})
	if err != nil || res != (docstore.UpdateResult{MatchedCount: 1}) {
		t.Fatalf("UpdateOne() unchanged = %+v, %v", res, err)
	}
	best, ok, err := coll.MaxValue(ctx, "_id")
	if err != nil || !ok || best != 2 {
		t.Fatalf("MaxValue() = %d, %v, %v", best, ok, err)
	}
}
