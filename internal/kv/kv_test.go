package kv

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Set("gist_token", "tok_1"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	value, ok, err := store.Get("gist_token")
	if err != nil || !ok || value != "tok_1" {
		t.Fatalf("expected tok_1, got %q ok=%v err=%v", value, ok, err)
	}
	if err := store.Delete("gist_token"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, ok, _ := store.Get("gist_token"); ok {
		t.Fatalf("expected key to be removed")
	}
	if err := store.Set(" ", "x"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for blank key, got %v", err)
	}
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("new file store failed: %v", err)
	}
	if err := store.Set("gist_id", "gist_1"); err != nil {
		t.Fatalf("set gist_id failed: %v", err)
	}
	if err := store.Set("gist_token", "tok_1"); err != nil {
		t.Fatalf("set gist_token failed: %v", err)
	}
	if err := store.Delete("gist_token"); err != nil {
		t.Fatalf("delete gist_token failed: %v", err)
	}

	reopened, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	value, ok, err := reopened.Get("gist_id")
	if err != nil || !ok || value != "gist_1" {
		t.Fatalf("expected gist_1 after reopen, got %q ok=%v err=%v", value, ok, err)
	}
	if _, ok, _ := reopened.Get("gist_token"); ok {
		t.Fatalf("expected deleted key to stay deleted after reopen")
	}
}

func TestFileStoreMissingFileIsEmpty(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "missing", "session.json"))
	if err != nil {
		t.Fatalf("new file store failed: %v", err)
	}
	if _, ok, err := store.Get("anything"); ok || err != nil {
		t.Fatalf("expected empty read, got ok=%v err=%v", ok, err)
	}
	if err := store.Delete("anything"); err != nil {
		t.Fatalf("expected delete of missing key to succeed, got %v", err)
	}
}

func TestFileStoreWatchReportsExternalWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("new file store failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 4)
	done := make(chan error, 1)
	go func() {
		done <- store.Watch(ctx, func() { changed <- struct{}{} })
	}()
	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)

	other, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("second handle failed: %v", err)
	}
	if err := other.Set("gist_token", "tok_other"); err != nil {
		t.Fatalf("external set failed: %v", err)
	}
	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatalf("expected change notification after external write")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch returned error: %v", err)
	}
}

func TestOpenResolvesSchemes(t *testing.T) {
	mem, err := Open("memory://")
	if err != nil {
		t.Fatalf("open memory failed: %v", err)
	}
	if _, ok := mem.(*MemoryStore); !ok {
		t.Fatalf("expected *MemoryStore, got %T", mem)
	}

	path := filepath.Join(t.TempDir(), "kv.json")
	file, err := Open("file://" + path)
	if err != nil {
		t.Fatalf("open file failed: %v", err)
	}
	fs, ok := file.(*FileStore)
	if !ok || fs.Path() != path {
		t.Fatalf("expected file store at %s, got %T", path, file)
	}

	bare, err := Open(path)
	if err != nil {
		t.Fatalf("open bare path failed: %v", err)
	}
	if _, ok := bare.(*FileStore); !ok {
		t.Fatalf("expected bare path to open a file store, got %T", bare)
	}

	pg, err := Open("postgres://localhost/gistdb?sslmode=disable&gistdb_namespace=tab_1")
	if err != nil {
		t.Fatalf("open postgres failed: %v", err)
	}
	store, ok := pg.(*PostgresStore)
	if !ok {
		t.Fatalf("expected *PostgresStore, got %T", pg)
	}
	if store.namespace != "tab_1" {
		t.Fatalf("expected namespace tab_1, got %q", store.namespace)
	}
	if store.dsn != "postgres://localhost/gistdb?sslmode=disable" {
		t.Fatalf("expected namespace parameter to be stripped, got %q", store.dsn)
	}
}

func TestOpenRejectsUnsupportedSchemes(t *testing.T) {
	if _, err := Open("redis://localhost:6379/0"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented for redis, got %v", err)
	}
	if _, err := Open("ftp://example.com/kv"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
	if _, err := Open(""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty dsn, got %v", err)
	}
}

func TestRegisterCustomScheme(t *testing.T) {
	Register("kvtestcustom", func(dsn string) (Store, error) {
		return NewMemoryStore(), nil
	})
	store, err := Open("kvtestcustom://example")
	if err != nil {
		t.Fatalf("open via registered factory failed: %v", err)
	}
	if store == nil {
		t.Fatalf("expected non-nil store from registered factory")
	}
}

func TestPostgresIntegrationRoundTrip(t *testing.T) {
	dsn := os.Getenv("GISTDB_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("set GISTDB_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	store, err := NewPostgresStore(dsn, "it_"+time.Now().Format("150405.000000"))
	if err != nil {
		t.Fatalf("new postgres store failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if _, ok, err := store.Get("gist_token"); ok || err != nil {
		t.Fatalf("expected empty namespace, got ok=%v err=%v", ok, err)
	}
	if err := store.Set("gist_token", "tok_1"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := store.Set("gist_token", "tok_2"); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	value, ok, err := store.Get("gist_token")
	if err != nil || !ok || value != "tok_2" {
		t.Fatalf("expected tok_2, got %q ok=%v err=%v", value, ok, err)
	}
	if err := store.Delete("gist_token"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, ok, _ := store.Get("gist_token"); ok {
		t.Fatalf("expected key removed")
	}
}
