package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/gistdb/internal/docstore"
	"github.com/agentworkforce/gistdb/internal/gist"
	"github.com/agentworkforce/gistdb/internal/kv"
	"github.com/agentworkforce/gistdb/internal/session"
	"github.com/agentworkforce/gistdb/internal/tenant"
)

type memoryRemote struct {
	mu       sync.Mutex
	files    map[string]map[string]string
	writeErr error
}

func (m *memoryRemote) ReadFiles(ctx context.Context, containerID, token string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	files, ok := m.files[containerID]
	if !ok {
		return nil, &gist.HTTPError{StatusCode: http.StatusNotFound}
	}
	out := map[string]string{}
	for k, v := range files {
		out[k] = v
	}
	return out, nil
}

func (m *memoryRemote) WriteFiles(ctx context.Context, containerID, token string, changes map[string]*string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	files, ok := m.files[containerID]
	if !ok {
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

type stubExchanger struct{ token string }

func (s stubExchanger) Exchange(ctx context.Context, code string) (string, error) {
	if code == "bad" {
		return "", errors.New("proxy said no")
	}
	return s.token, nil
}

type stubIdentity struct{}

func (stubIdentity) User(ctx context.Context, token string) (gist.User, error) {
	return gist.User{Login: "owner"}, nil
}

type harness struct {
	server  *Server
	remote  *memoryRemote
	store   *docstore.Store
	manager *session.Manager
	durable kv.Store
}

func newHarness(t *testing.T, authenticated bool, cfg ServerConfig) harness {
	t.Helper()
	durable := kv.NewMemoryStore()
	if authenticated {
		_ = durable.Set(session.KeyToken, "tok_owner")
		_ = durable.Set(session.KeyUser, `{"login":"owner"}`)
	}
	resolver := tenant.Resolver{ProductionHost: "cards.example.com", ProductionID: "gist_prod", PreviewID: "gist_preview"}
	manager, err := session.NewManager(session.Options{
		Durable:   durable,
		Tenant:    resolver.Resolve("cards.example.com"),
		Exchanger: stubExchanger{token: "tok_new"},
		Identity:  stubIdentity{},
		ClientID:  "client_1",
	})
	if err != nil {
		t.Fatalf("new manager failed: %v", err)
	}
	remote := &memoryRemote{files: map[string]map[string]string{
		"gist_prod": {docstore.RegistryFile: `{"checklists":[]}`},
	}}
	store, err := docstore.New(docstore.Options{
		Remote:            remote,
		Credentials:       manager,
		PublicContainerID: resolver.PublicContainerID(),
		Retry:             docstore.RetryPolicy{Sleep: func(context.Context, time.Duration) error { return nil }},
		OnWrite: func(files []string) {
			manager.Bus().Publish(session.Event{Type: session.EventDocsChanged, Authenticated: true, Files: files})
		},
	})
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	return harness{
		server:  NewServerWithConfig(store, manager, cfg),
		remote:  remote,
		store:   store,
		manager: manager,
		durable: durable,
	}
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    any
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	switch typed := r.body.(type) {
	case nil:
	case string:
		bodyBytes = []byte(typed)
	default:
		data, err := json.Marshal(typed)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
}

func TestHealthAndUnknownRoute(t *testing.T) {
	h := newHarness(t, false, ServerConfig{})
	if rec := doRequest(t, h.server, request{method: http.MethodGet, path: "/health"}); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from health, got %d", rec.Code)
	}
	rec := doRequest(t, h.server, request{method: http.MethodGet, path: "/v1/nope", headers: map[string]string{"X-Correlation-Id": "corr_1"}})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["code"] != "not_found" || body["correlationId"] != "corr_1" {
		t.Fatalf("unexpected error body %+v", body)
	}
}

func TestCollectionLifecycle(t *testing.T) {
	h := newHarness(t, true, ServerConfig{})

	rec := doRequest(t, h.server, request{
		method: http.MethodPost,
		path:   "/v1/collections",
		body: map[string]any{
			"entry":  map[string]any{"id": "rookies-2024", "title": "Rookies 2024"},
			"config": map[string]any{"categories": []string{"base", "inserts"}},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 on create, got %d (%s)", rec.Code, rec.Body.String())
	}
	var created struct {
		Entry docstore.CollectionEntry `json:"entry"`
	}
	decodeBody(t, rec, &created)
	if created.Entry.Order != 0 || created.Entry.Type != docstore.TypeDynamic {
		t.Fatalf("unexpected created entry %+v", created.Entry)
	}

	rec = doRequest(t, h.server, request{method: http.MethodGet, path: "/v1/collections/rookies-2024/items"})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"inserts": []`) {
		t.Fatalf("unexpected items response %d %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h.server, request{
		method: http.MethodPut,
		path:   "/v1/collections/rookies-2024/items?stats=1",
		body: map[string]any{
			"items": map[string]any{"categories": map[string]any{"base": []any{map[string]any{"set": "X"}}, "inserts": []any{}}},
			"stats": map[string]any{"owned": 1, "total": 1},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on items write, got %d (%s)", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h.server, request{method: http.MethodGet, path: "/v1/stats"})
	var stats map[string]docstore.Stats
	decodeBody(t, rec, &stats)
	if stats["rookies-2024"].Owned != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	rec = doRequest(t, h.server, request{method: http.MethodDelete, path: "/v1/collections/rookies-2024"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on delete, got %d (%s)", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, h.server, request{method: http.MethodGet, path: "/v1/collections/rookies-2024/backup"})
	var backup docstore.Backup
	decodeBody(t, rec, &backup)
	if backup.RegistryEntry == nil || backup.RegistryEntry.ID != "rookies-2024" {
		t.Fatalf("unexpected backup %+v", backup)
	}
	rec = doRequest(t, h.server, request{method: http.MethodGet, path: "/v1/collections/rookies-2024/config"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected deleted config to be gone, got %d", rec.Code)
	}
	rec = doRequest(t, h.server, request{method: http.MethodGet, path: "/v1/registry"})
	var reg docstore.Registry
	decodeBody(t, rec, &reg)
	if len(reg.Checklists) != 0 {
		t.Fatalf("expected empty registry after delete, got %+v", reg)
	}
}

func TestWritesRequireSession(t *testing.T) {
	h := newHarness(t, false, ServerConfig{})
	rec := doRequest(t, h.server, request{method: http.MethodPut, path: "/v1/collections/stars/config", body: map[string]any{"title": "x"}})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without session, got %d", rec.Code)
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["code"] != docstore.ReasonNotAuthenticated {
		t.Fatalf("unexpected error body %+v", body)
	}
}

func TestWriteFailureReasonsMapToStatus(t *testing.T) {
	h := newHarness(t, true, ServerConfig{})
	h.remote.writeErr = &gist.ConflictError{}
	rec := doRequest(t, h.server, request{method: http.MethodPut, path: "/v1/owned/owner_stars", body: map[string]any{"items": []string{"c1"}}})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 after exhausted conflicts, got %d (%s)", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, h.server, request{method: http.MethodPut, path: "/v1/collections/stars/config", body: "{broken"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid json, got %d", rec.Code)
	}
	h.remote.writeErr = errors.New("connection refused")
	rec = doRequest(t, h.server, request{method: http.MethodPut, path: "/v1/collections/stars/stats", body: map[string]any{"owned": 1}})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for network failure, got %d", rec.Code)
	}
}

func TestPublicRoutesReadProductionContainer(t *testing.T) {
	h := newHarness(t, false, ServerConfig{})
	h.remote.files["gist_prod"][docstore.ConfigFile("stars")] = `{"title":"Stars"}`
	rec := doRequest(t, h.server, request{method: http.MethodGet, path: "/v1/public/collections/stars/config"})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Stars") {
		t.Fatalf("unexpected public config response %d %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, h.server, request{method: http.MethodGet, path: "/v1/public/collections/stars/items"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing public items, got %d", rec.Code)
	}
}

func TestLoginCallbackAndLogout(t *testing.T) {
	h := newHarness(t, false, ServerConfig{RedirectURL: "https://cards.example.com/callback"})

	rec := doRequest(t, h.server, request{method: http.MethodGet, path: "/v1/auth/login"})
	if rec.Code != http.StatusFound {
		t.Fatalf("expected redirect, got %d", rec.Code)
	}
	location, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	state := location.Query().Get("state")
	if state == "" || location.Query().Get("redirect_uri") != "https://cards.example.com/callback" {
		t.Fatalf("unexpected authorize url %s", location)
	}

	rec = doRequest(t, h.server, request{method: http.MethodGet, path: "/v1/auth/callback?code=c1&state=forged"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on forged state, got %d", rec.Code)
	}

	// The forged attempt consumed nothing; the real state is still valid.
	rec = doRequest(t, h.server, request{method: http.MethodGet, path: "/v1/auth/callback?code=c1&state=" + url.QueryEscape(state)})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on callback, got %d (%s)", rec.Code, rec.Body.String())
	}
	var sess sessionResponse
	decodeBody(t, rec, &sess)
	if !sess.Authenticated || sess.User == nil || sess.User.Login != "owner" || sess.ContainerID != "gist_prod" {
		t.Fatalf("unexpected session %+v", sess)
	}

	rec = doRequest(t, h.server, request{method: http.MethodPost, path: "/v1/auth/logout"})
	decodeBody(t, rec, &sess)
	if rec.Code != http.StatusOK || sess.Authenticated {
		t.Fatalf("expected logged out session, got %d %+v", rec.Code, sess)
	}
	if _, ok, _ := h.durable.Get(session.KeyToken); ok {
		t.Fatalf("expected token removed on logout")
	}
}

func TestLoginJSONVariant(t *testing.T) {
	h := newHarness(t, false, ServerConfig{})
	rec := doRequest(t, h.server, request{method: http.MethodGet, path: "/v1/auth/login", headers: map[string]string{"Accept": "application/json"}})
	var body map[string]string
	decodeBody(t, rec, &body)
	if rec.Code != http.StatusOK || !strings.Contains(body["url"], "client_id=client_1") {
		t.Fatalf("unexpected login response %d %+v", rec.Code, body)
	}
}

func TestAPITokenGuardsMutations(t *testing.T) {
	h := newHarness(t, true, ServerConfig{APIToken: "local-secret"})
	rec := doRequest(t, h.server, request{method: http.MethodPost, path: "/v1/cache/invalidate"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without api token, got %d", rec.Code)
	}
	rec = doRequest(t, h.server, request{method: http.MethodPost, path: "/v1/cache/invalidate", headers: map[string]string{"Authorization": "Bearer wrong"}})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with wrong api token, got %d", rec.Code)
	}
	rec = doRequest(t, h.server, request{method: http.MethodPost, path: "/v1/cache/invalidate", headers: map[string]string{"Authorization": "Bearer local-secret"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with api token, got %d", rec.Code)
	}
	if rec := doRequest(t, h.server, request{method: http.MethodGet, path: "/v1/registry"}); rec.Code != http.StatusOK {
		t.Fatalf("expected reads to stay open, got %d", rec.Code)
	}
}

func TestRateLimitOnMutations(t *testing.T) {
	h := newHarness(t, true, ServerConfig{RateLimitMax: 1, RateLimitWindow: time.Hour})
	first := doRequest(t, h.server, request{method: http.MethodPost, path: "/v1/cache/invalidate"})
	second := doRequest(t, h.server, request{method: http.MethodPost, path: "/v1/cache/invalidate"})
	if first.Code != http.StatusOK || second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 200 then 429, got %d and %d", first.Code, second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestBodyLimit(t *testing.T) {
	h := newHarness(t, true, ServerConfig{MaxBodyBytes: 16})
	rec := doRequest(t, h.server, request{method: http.MethodPut, path: "/v1/collections/stars/config", body: `{"title":"a very long title indeed"}`})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestEventStream(t *testing.T) {
	h := newHarness(t, true, ServerConfig{})
	ts := httptest.NewServer(h.server)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/events", nil)
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var hello session.Event
	if err := wsjson.Read(ctx, conn, &hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if hello.Type != session.EventAuthChanged || !hello.Authenticated {
		t.Fatalf("unexpected hello %+v", hello)
	}

	resp, err := http.Post(ts.URL+"/v1/cache/invalidate", "application/json", nil)
	if err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	resp.Body.Close()

	var ev session.Event
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != session.EventCacheReset {
		t.Fatalf("expected cache reset event, got %+v", ev)
	}

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/v1/collections/stars/config", strings.NewReader(`{"title":"Stars"}`))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("write config: %v", err)
	}
	resp.Body.Close()
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read docs event: %v", err)
	}
	if ev.Type != session.EventDocsChanged || len(ev.Files) != 1 || ev.Files[0] != docstore.ConfigFile("stars") {
		t.Fatalf("unexpected documents event %+v", ev)
	}
}
