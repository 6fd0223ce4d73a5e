package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/gistdb/internal/config"
	"github.com/agentworkforce/gistdb/internal/docstore"
	"github.com/agentworkforce/gistdb/internal/gist"
	"github.com/agentworkforce/gistdb/internal/kv"
	"github.com/agentworkforce/gistdb/internal/session"
)

type memoryRemote struct {
	mu    sync.Mutex
	files map[string]map[string]string
	reads int
}

func (m *memoryRemote) ReadFiles(ctx context.Context, containerID, token string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	files, ok := m.files[containerID]
	if !ok {
		return nil, gist.ErrNotFound
	}
	out := map[string]string{}
	for name, content := range files {
		out[name] = content
	}
	return out, nil
}

func (m *memoryRemote) WriteFiles(ctx context.Context, containerID, token string, changes map[string]*string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	files := m.files[containerID]
	if files == nil {
		files = map[string]string{}
		m.files[containerID] = files
	}
	for name, content := range changes {
		if content == nil {
			delete(files, name)
			continue
		}
		files[name] = *content
	}
	return nil
}

func (m *memoryRemote) readCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

type testLogger struct{ t *testing.T }

func (l testLogger) Printf(format string, args ...any) {
	l.t.Logf(format, args...)
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		Hostname:       "localhost",
		ProductionHost: "cards.example.com",
		PublicGistID:   "gist_pub",
		DataDir:        dir,
		TabDSN:         "memory://",
		RequestTimeout: time.Second,
		MaxBodyBytes:   1 << 20,
		RetryAttempts:  3,
		RetryBackoff:   time.Millisecond,
	}
}

func newTestApp(t *testing.T, cfg config.Config, remote *memoryRemote) *App {
	t.Helper()
	a, err := NewWithOverrides(cfg, testLogger{t}, Overrides{Remote: remote})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestNewServesPublicDocuments(t *testing.T) {
	remote := &memoryRemote{files: map[string]map[string]string{
		"gist_pub": {docstore.RegistryFile: `{"checklists":[{"id":"stars","title":"Stars","type":"dynamic","order":0}]}`},
	}}
	a := newTestApp(t, testConfig(t), remote)
	if a.Tenant.Name != "preview" {
		t.Fatalf("expected preview tenant for localhost, got %q", a.Tenant.Name)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/registry", nil)
	rec := httptest.NewRecorder()
	a.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if _, err := os.Stat(filepath.Join(a.Mirror.Dir(), "gist_pub.json")); err != nil {
		t.Fatalf("expected public snapshot to be mirrored: %v", err)
	}
}

func TestNewRejectsBadStorageProfile(t *testing.T) {
	cfg := testConfig(t)
	cfg.StorageProfile = "cloud"
	if _, err := New(cfg, testLogger{t}); err == nil {
		t.Fatalf("expected unsupported profile to fail")
	}
}

func TestMirrorOnceExportsVisibleContainer(t *testing.T) {
	remote := &memoryRemote{files: map[string]map[string]string{
		"gist_pub": {
			docstore.RegistryFile:      `{"checklists":[]}`,
			docstore.ItemsFile("stars"): `{"items":[]}`,
		},
	}}
	a := newTestApp(t, testConfig(t), remote)
	target := t.TempDir()

	result, err := a.MirrorOnce(context.Background(), target)
	if err != nil {
		t.Fatalf("mirror once: %v", err)
	}
	if len(result.Written) != 2 {
		t.Fatalf("expected two exported documents, got %+v", result)
	}
	data, err := os.ReadFile(filepath.Join(target, docstore.ItemsFile("stars")))
	if err != nil || string(data) != `{"items":[]}` {
		t.Fatalf("unexpected exported items %q (%v)", data, err)
	}

	before := remote.readCount()
	if _, err := a.MirrorOnce(context.Background(), ""); err != nil {
		t.Fatalf("mirror refresh: %v", err)
	}
	if remote.readCount() != before+1 {
		t.Fatalf("expected mirror refresh to bypass the cache")
	}
}

func TestStartDropsCacheOnAuthChange(t *testing.T) {
	remote := &memoryRemote{files: map[string]map[string]string{
		"gist_pub": {docstore.RegistryFile: `{"checklists":[]}`},
	}}
	cfg := testConfig(t)
	cfg.SessionDSN = "memory://"
	a := newTestApp(t, cfg, remote)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)

	if _, _, err := a.Store.Snapshot(ctx); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if _, _, err := a.Store.Snapshot(ctx); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if remote.readCount() != 1 {
		t.Fatalf("expected cached second read, got %d reads", remote.readCount())
	}

	if err := a.Sessions.Logout(); err != nil {
		t.Fatalf("logout: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, _, err := a.Store.Snapshot(ctx); err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		if remote.readCount() > 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected auth change to invalidate the read cache")
}

func TestStartReloadsSessionWrittenByAnotherProcess(t *testing.T) {
	remote := &memoryRemote{files: map[string]map[string]string{}}
	cfg := testConfig(t)
	a := newTestApp(t, cfg, remote)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)
	// Let the watcher register before the write lands.
	time.Sleep(100 * time.Millisecond)

	dsn, err := cfg.StorageDSN()
	if err != nil {
		t.Fatalf("storage dsn: %v", err)
	}
	other, err := kv.NewFileStore(dsn)
	if err != nil {
		t.Fatalf("open second store: %v", err)
	}
	if err := other.Set(session.KeyToken, "tok_other"); err != nil {
		t.Fatalf("set token: %v", err)
	}
	if err := other.Set(session.KeyContainerID, "gist_mine"); err != nil {
		t.Fatalf("set container: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if a.Sessions.Token() == "tok_other" && a.Sessions.ContainerID() == "gist_mine" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected session reload, got token %q container %q", a.Sessions.Token(), a.Sessions.ContainerID())
}
