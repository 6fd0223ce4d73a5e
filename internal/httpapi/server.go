package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/gistdb/internal/docstore"
	"github.com/agentworkforce/gistdb/internal/session"
)

type ServerConfig struct {
	// APIToken guards mutating routes when set.
	APIToken        string
	RedirectURL     string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// AllowedOrigins lists websocket origin patterns besides the request host.
	AllowedOrigins []string
	EventWriteWait time.Duration
}

type Server struct {
	store       *docstore.Store
	sessions    *session.Manager
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store *docstore.Store, sessions *session.Manager) *Server {
	return NewServerWithConfig(store, sessions, ServerConfig{})
}

func NewServerWithConfig(store *docstore.Store, sessions *session.Manager, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.EventWriteWait <= 0 {
		cfg.EventWriteWait = 5 * time.Second
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:       store,
		sessions:    sessions,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)

	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var route string
	switch {
	case len(parts) == 2 && parts[1] == "session" && r.Method == http.MethodGet:
		route = "session"
	case len(parts) == 3 && parts[1] == "auth" && parts[2] == "login" && r.Method == http.MethodGet:
		route = "login"
	case len(parts) == 3 && parts[1] == "auth" && parts[2] == "callback" && r.Method == http.MethodGet:
		route = "callback"
	case len(parts) == 3 && parts[1] == "auth" && parts[2] == "logout" && r.Method == http.MethodPost:
		route = "logout"
	case len(parts) == 3 && parts[1] == "cache" && parts[2] == "invalidate" && r.Method == http.MethodPost:
		route = "invalidate"
	case len(parts) == 2 && parts[1] == "registry" && r.Method == http.MethodGet:
		route = "read_registry"
	case len(parts) == 2 && parts[1] == "registry" && r.Method == http.MethodPut:
		route = "write_registry"
	case len(parts) == 2 && parts[1] == "stats" && r.Method == http.MethodGet:
		route = "read_stats"
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		route = "events"
	case len(parts) == 2 && parts[1] == "collections" && r.Method == http.MethodPost:
		route = "create_collection"
	case len(parts) == 3 && parts[1] == "collections" && r.Method == http.MethodDelete:
		route = "delete_collection"
	case len(parts) == 4 && parts[1] == "collections" && parts[3] == "config" && r.Method == http.MethodGet:
		route = "read_config"
	case len(parts) == 4 && parts[1] == "collections" && parts[3] == "config" && r.Method == http.MethodPut:
		route = "write_config"
	case len(parts) == 4 && parts[1] == "collections" && parts[3] == "items" && r.Method == http.MethodGet:
		route = "read_items"
	case len(parts) == 4 && parts[1] == "collections" && parts[3] == "items" && r.Method == http.MethodPut:
		route = "write_items"
	case len(parts) == 4 && parts[1] == "collections" && parts[3] == "stats" && r.Method == http.MethodPut:
		route = "write_stats"
	case len(parts) == 4 && parts[1] == "collections" && parts[3] == "backup" && r.Method == http.MethodGet:
		route = "read_backup"
	case len(parts) == 3 && parts[1] == "owned" && r.Method == http.MethodGet:
		route = "read_owned"
	case len(parts) == 3 && parts[1] == "owned" && r.Method == http.MethodPut:
		route = "write_owned"
	case len(parts) == 5 && parts[1] == "public" && parts[2] == "collections" && parts[4] == "config" && r.Method == http.MethodGet:
		route = "public_config"
	case len(parts) == 5 && parts[1] == "public" && parts[2] == "collections" && parts[4] == "items" && r.Method == http.MethodGet:
		route = "public_items"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	if isMutating(r.Method) {
		if authErr := authorizeAPIToken(r.Header.Get("Authorization"), s.cfg.APIToken); authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
		if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "session":
		s.handleSession(w)
	case "login":
		s.handleLogin(w, r, correlationID)
	case "callback":
		s.handleCallback(w, r, correlationID)
	case "logout":
		s.handleLogout(w, correlationID)
	case "invalidate":
		s.store.Invalidate()
		s.sessions.Bus().Publish(session.Event{Type: session.EventCacheReset, Authenticated: s.sessions.Session().Authenticated()})
		writeJSON(w, http.StatusOK, map[string]bool{"invalidated": true})
	case "read_registry":
		writeJSON(w, http.StatusOK, s.store.ReadRegistry(r.Context()))
	case "write_registry":
		s.handleWriteRegistry(w, r, correlationID)
	case "read_stats":
		writeJSON(w, http.StatusOK, s.store.ReadAllStats(r.Context()))
	case "events":
		s.handleEvents(w, r)
	case "create_collection":
		s.handleCreateCollection(w, r, correlationID)
	case "delete_collection":
		writeResult(w, s.store.DeleteCollection(r.Context(), parts[2]), correlationID)
	case "read_config":
		value, ok := s.store.ReadConfig(r.Context(), parts[2])
		writeDocument(w, value, ok, correlationID)
	case "write_config":
		s.handleWriteDocument(w, r, correlationID, func(ctx context.Context, body json.RawMessage) docstore.WriteResult {
			return s.store.WriteConfig(ctx, parts[2], body)
		})
	case "read_items":
		value, ok := s.store.ReadItems(r.Context(), parts[2])
		writeDocument(w, value, ok, correlationID)
	case "write_items":
		s.handleWriteItems(w, r, parts[2], correlationID)
	case "write_stats":
		s.handleWriteStats(w, r, parts[2], correlationID)
	case "read_backup":
		backup, ok := s.store.ReadBackup(r.Context(), parts[2])
		if !ok {
			writeError(w, http.StatusNotFound, "not_found", "backup not found", correlationID)
			return
		}
		writeJSON(w, http.StatusOK, backup)
	case "read_owned":
		writeJSON(w, http.StatusOK, map[string]any{"listId": parts[2], "items": s.store.ReadOwned(r.Context(), parts[2])})
	case "write_owned":
		s.handleWriteOwned(w, r, parts[2], correlationID)
	case "public_config":
		value, ok := s.store.ReadPublicConfig(r.Context(), parts[3])
		writeDocument(w, value, ok, correlationID)
	case "public_items":
		value, ok := s.store.ReadPublicItems(r.Context(), parts[3])
		writeDocument(w, value, ok, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

type sessionResponse struct {
	Authenticated bool          `json:"authenticated"`
	User          *session.User `json:"user,omitempty"`
	ContainerID   string        `json:"containerId,omitempty"`
	Tenant        string        `json:"tenant"`
}

func (s *Server) sessionBody() sessionResponse {
	current := s.sessions.Session()
	resp := sessionResponse{
		Authenticated: current.Authenticated(),
		User:          current.User,
		Tenant:        s.sessions.Tenant().Name,
	}
	if resp.Authenticated {
		resp.ContainerID = s.sessions.ContainerID()
	}
	return resp
}

func (s *Server) handleSession(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, s.sessionBody())
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request, correlationID string) {
	redirect := strings.TrimSpace(r.URL.Query().Get("redirect_uri"))
	if redirect == "" {
		redirect = s.cfg.RedirectURL
	}
	target, err := s.sessions.LoginURL(redirect)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "login_unavailable", err.Error(), correlationID)
		return
	}
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		writeJSON(w, http.StatusOK, map[string]string{"url": target})
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request, correlationID string) {
	q := r.URL.Query()
	if oauthErr := q.Get("error"); oauthErr != "" {
		writeError(w, http.StatusUnauthorized, "not_authenticated", oauthErr, correlationID)
		return
	}
	err := s.sessions.CompleteLogin(r.Context(), q.Get("code"), q.Get("state"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, s.sessionBody())
	case errors.Is(err, session.ErrNotAuthenticated):
		writeError(w, http.StatusUnauthorized, "not_authenticated", "login could not be verified", correlationID)
	case errors.Is(err, session.ErrInvalidInput):
		writeError(w, http.StatusServiceUnavailable, "login_unavailable", err.Error(), correlationID)
	default:
		writeError(w, http.StatusBadGateway, "login_failed", err.Error(), correlationID)
	}
}

func (s *Server) handleLogout(w http.ResponseWriter, correlationID string) {
	if err := s.sessions.Logout(); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.sessionBody())
}

func (s *Server) handleWriteRegistry(w http.ResponseWriter, r *http.Request, correlationID string) {
	var reg docstore.Registry
	if !s.decodeJSONBody(w, r, correlationID, &reg) {
		return
	}
	writeResult(w, s.store.WriteRegistry(r.Context(), reg), correlationID)
}

type createCollectionRequest struct {
	Entry  docstore.CollectionEntry `json:"entry"`
	Config json.RawMessage          `json:"config"`
}

func (s *Server) handleCreateCollection(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req createCollectionRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	entry, res := s.store.CreateCollection(r.Context(), req.Entry, req.Config)
	if !res.OK {
		writeResult(w, res, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"ok":       true,
		"attempts": res.Attempts,
		"entry":    entry,
	})
}

func (s *Server) handleWriteDocument(w http.ResponseWriter, r *http.Request, correlationID string, write func(context.Context, json.RawMessage) docstore.WriteResult) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	writeResult(w, write(r.Context(), json.RawMessage(body)), correlationID)
}

type itemsWithStatsRequest struct {
	Items json.RawMessage `json:"items"`
	Stats docstore.Stats  `json:"stats"`
}

// handleWriteItems stores the body as the items document. With ?stats=1 the
// body is {"items": ..., "stats": {...}} and both land in one request.
func (s *Server) handleWriteItems(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	if !parseBool(r.URL.Query().Get("stats"), false) {
		s.handleWriteDocument(w, r, correlationID, func(ctx context.Context, body json.RawMessage) docstore.WriteResult {
			return s.store.WriteItems(ctx, id, body)
		})
		return
	}
	var req itemsWithStatsRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "items are required", correlationID)
		return
	}
	writeResult(w, s.store.WriteItemsWithStats(r.Context(), id, req.Items, req.Stats), correlationID)
}

func (s *Server) handleWriteStats(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	var stats docstore.Stats
	if !s.decodeJSONBody(w, r, correlationID, &stats) {
		return
	}
	writeResult(w, s.store.WriteStats(r.Context(), id, stats), correlationID)
}

func (s *Server) handleWriteOwned(w http.ResponseWriter, r *http.Request, listID, correlationID string) {
	var req struct {
		Items []string `json:"items"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	writeResult(w, s.store.WriteOwned(r.Context(), listID, req.Items), correlationID)
}

// handleEvents streams session and document events over a websocket until
// the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "event stream closed")

	events, cancel := s.sessions.Subscribe()
	defer cancel()

	ctx := conn.CloseRead(r.Context())
	if err := s.sendEvent(ctx, conn, session.Event{
		Type:          session.EventAuthChanged,
		Authenticated: s.sessions.Session().Authenticated(),
	}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := s.sendEvent(ctx, conn, event); err != nil {
				return
			}
		}
	}
}

func (s *Server) sendEvent(ctx context.Context, conn *websocket.Conn, event session.Event) error {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.EventWriteWait)
	defer cancel()
	return wsjson.Write(writeCtx, conn, event)
}

func writeDocument(w http.ResponseWriter, value json.RawMessage, ok bool, correlationID string) {
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "document not found", correlationID)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(value)
}

func writeResult(w http.ResponseWriter, res docstore.WriteResult, correlationID string) {
	if res.OK {
		writeJSON(w, http.StatusOK, res)
		return
	}
	message := res.Reason
	if res.Err != nil {
		message = res.Err.Error()
	}
	writeError(w, resultStatus(res.Reason), res.Reason, message, correlationID)
}

func resultStatus(reason string) int {
	switch reason {
	case docstore.ReasonNotAuthenticated, docstore.ReasonAuthExpired:
		return http.StatusUnauthorized
	case docstore.ReasonConflict:
		return http.StatusConflict
	case docstore.ReasonInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return "req_" + ulid.Make().String()
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
		return true
	}
	return false
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func parseBool(raw string, fallback bool) bool {
	raw = strings.TrimSpace(strings.ToLower(raw))
	switch raw {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
