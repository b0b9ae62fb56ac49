package migrate

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fieldops/fieldsync/internal/queue"
	"github.com/fieldops/fieldsync/internal/schema"
	"github.com/fieldops/fieldsync/internal/store"
)

const seed = `{"collection":"company","record":{"id":"c1","name":"Acme Rope Access"}}
{"collection":"project","record":{"id":"pr1","companyId":"c1","name":"Harbour wall"}}

{"collection":"anchor_point","record":{"id":"p1","projectId":"pr1","numeroPonto":"A-1"}}
{"collection":"anchor_point","record":{"id":"p2","projectId":"pr1","numeroPonto":"A-2","deleted":true}}
{"collection":"anchor_point","record":{"id":"p3","projectId":"pr1"}}
{"collection":"widget","record":{"id":"w1"}}
not json
`

func writeSeed(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.jsonl")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write seed: %v", err)
	}
	return path
}

func newStore(t *testing.T) (*store.SQLStore, *queue.Queue) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "local.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	q := queue.New(db.RawDB())
	return store.NewSQLStore(db, store.Options{Enqueuer: q}), q
}

func TestImportJSONL(t *testing.T) {
	ctx := context.Background()
	s, q := newStore(t)

	result, err := ImportJSONL(ctx, s, writeSeed(t, seed), ImportOptions{})
	if err != nil {
		t.Fatalf("ImportJSONL failed: %v", err)
	}

	if result.Imported != 3 {
		t.Errorf("expected 3 imported, got %d", result.Imported)
	}
	if result.Skipped != 1 {
		t.Errorf("expected 1 tombstone skipped, got %d", result.Skipped)
	}
	if len(result.Errors) != 3 {
		t.Errorf("expected 3 line errors, got %d: %v", len(result.Errors), result.Errors)
	}
	if !strings.HasPrefix(result.Errors[0], "line 6:") {
		t.Errorf("expected first error on line 6, got %q", result.Errors[0])
	}
	if result.ByCollection[schema.AnchorPoint] != 1 {
		t.Errorf("expected 1 anchor point, got %d", result.ByCollection[schema.AnchorPoint])
	}

	got, err := s.Get(ctx, schema.AnchorPoint, "p1")
	if err != nil {
		t.Fatalf("Get p1: %v", err)
	}
	if got.Base().SyncStatus != schema.StatusSynced {
		t.Errorf("expected imported record synced, got %q", got.Base().SyncStatus)
	}

	pending, err := q.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("import must not queue operations, got %d", len(pending))
	}
}

func TestImportJSONL_DryRun(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	result, err := ImportJSONL(ctx, s, writeSeed(t, seed), ImportOptions{DryRun: true, Backup: true})
	if err != nil {
		t.Fatalf("ImportJSONL failed: %v", err)
	}
	if result.Imported != 3 {
		t.Errorf("expected 3 records counted, got %d", result.Imported)
	}
	if result.BackupCreated != "" {
		t.Errorf("dry run must not create a backup")
	}

	n, err := s.GetAll(ctx, schema.Project)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(n) != 0 {
		t.Errorf("dry run wrote %d projects", len(n))
	}
}

func TestImportJSONL_Backup(t *testing.T) {
	s, _ := newStore(t)
	path := writeSeed(t, seed)

	result, err := ImportJSONL(context.Background(), s, path, ImportOptions{Backup: true})
	if err != nil {
		t.Fatalf("ImportJSONL failed: %v", err)
	}
	data, err := os.ReadFile(result.BackupCreated)
	if err != nil {
		t.Fatalf("backup missing: %v", err)
	}
	if string(data) != seed {
		t.Errorf("backup content differs from input")
	}
}

func TestImportJSONL_MissingFile(t *testing.T) {
	s, _ := newStore(t)
	if _, err := ImportJSONL(context.Background(), s, filepath.Join(t.TempDir(), "nope.jsonl"), ImportOptions{}); err == nil {
		t.Error("expected error for missing input")
	}
}

func TestExportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src, _ := newStore(t)
	if _, err := ImportJSONL(ctx, src, writeSeed(t, seed), ImportOptions{}); err != nil {
		t.Fatalf("ImportJSONL failed: %v", err)
	}

	var buf bytes.Buffer
	n, err := ExportJSONL(ctx, src, &buf)
	if err != nil {
		t.Fatalf("ExportJSONL failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 exported lines, got %d", n)
	}

	dst, _ := newStore(t)
	result, err := ImportJSONL(ctx, dst, writeSeed(t, buf.String()), ImportOptions{})
	if err != nil {
		t.Fatalf("re-import failed: %v", err)
	}
	if result.Imported != 3 || len(result.Errors) != 0 {
		t.Errorf("unexpected re-import result: %+v", result)
	}
}
