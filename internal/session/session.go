package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/agentworkforce/gistdb/internal/gist"
	"github.com/agentworkforce/gistdb/internal/kv"
	"github.com/agentworkforce/gistdb/internal/tenant"
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrInvalidInput     = errors.New("invalid input")
)

// Persisted keys. Each one is removed on its own during logout.
const (
	KeyToken       = "gist_token"
	KeyUser        = "gist_user"
	KeyContainerID = "gist_id"

	keyOAuthState = "oauth_state"

	// ContinuationPrefix marks a login started on another subdomain whose
	// tab storage this process cannot see.
	ContinuationPrefix = "xsd."
)

type User struct {
	Login     string `json:"login"`
	AvatarURL string `json:"avatarUrl"`
}

type Session struct {
	Token       string `json:"-"`
	User        *User  `json:"user,omitempty"`
	ContainerID string `json:"containerId,omitempty"`
}

func (s Session) Authenticated() bool {
	return s.Token != ""
}

type TokenExchanger interface {
	Exchange(ctx context.Context, code string) (string, error)
}

type Identity interface {
	User(ctx context.Context, token string) (gist.User, error)
}

type Provisioner interface {
	EnsureContainer(ctx context.Context, token, configuredID, tenantName string) (string, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Durable        kv.Store
	Tab            kv.Store
	Tenant         tenant.Tenant
	Exchanger      TokenExchanger
	Identity       Identity
	Provisioner    Provisioner
	ClientID       string
	AuthorizeURL   string
	Scope          string
	CrossSubdomain bool
	Logger         Logger
}

type Manager struct {
	durable        kv.Store
	tab            kv.Store
	tenant         tenant.Tenant
	exchanger      TokenExchanger
	identity       Identity
	provisioner    Provisioner
	clientID       string
	authorizeURL   string
	scope          string
	crossSubdomain bool
	logger         Logger
	bus            *Bus

	mu      sync.RWMutex
	current Session
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Durable == nil {
		return nil, fmt.Errorf("durable store is required")
	}
	tab := opts.Tab
	if tab == nil {
		tab = kv.NewMemoryStore()
	}
	authorizeURL := strings.TrimSpace(opts.AuthorizeURL)
	if authorizeURL == "" {
		authorizeURL = "https://github.com/login/oauth/authorize"
	}
	scope := strings.TrimSpace(opts.Scope)
	if scope == "" {
		scope = "gist"
	}
	m := &Manager{
		durable:        opts.Durable,
		tab:            tab,
		tenant:         opts.Tenant,
		exchanger:      opts.Exchanger,
		identity:       opts.Identity,
		provisioner:    opts.Provisioner,
		clientID:       strings.TrimSpace(opts.ClientID),
		authorizeURL:   authorizeURL,
		scope:          scope,
		crossSubdomain: opts.CrossSubdomain,
		logger:         opts.Logger,
		bus:            NewBus(),
	}
	loaded, err := m.load()
	if err != nil {
		return nil, err
	}
	m.current = loaded
	return m, nil
}

func (m *Manager) Session() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.current
	if out.User != nil {
		user := *out.User
		out.User = &user
	}
	return out
}

func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Token
}

// ContainerID is the container authenticated reads and writes target. It
// falls back to the tenant's fixed container when the session has none.
func (m *Manager) ContainerID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current.ContainerID != "" {
		return m.current.ContainerID
	}
	return m.tenant.ContainerID
}

func (m *Manager) Tenant() tenant.Tenant {
	return m.tenant
}

func (m *Manager) Subscribe() (<-chan Event, func()) {
	return m.bus.Subscribe(0)
}

func (m *Manager) Bus() *Bus {
	return m.bus
}

// LoginURL records a fresh anti-forgery token in tab storage and returns the
// authorization endpoint the caller should be sent to.
func (m *Manager) LoginURL(redirectURI string) (string, error) {
	if m.clientID == "" {
		return "", fmt.Errorf("%w: oauth client id is not configured", ErrInvalidInput)
	}
	state := uuid.NewString()
	if m.crossSubdomain {
		state = ContinuationPrefix + state
	}
	if err := m.tab.Set(keyOAuthState, state); err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("client_id", m.clientID)
	q.Set("scope", m.scope)
	q.Set("state", state)
	if strings.TrimSpace(redirectURI) != "" {
		q.Set("redirect_uri", strings.TrimSpace(redirectURI))
	}
	return m.authorizeURL + "?" + q.Encode(), nil
}

// CompleteLogin finishes the OAuth callback. Nothing is persisted unless every
// step succeeds, so a failure leaves the previous session in place.
func (m *Manager) CompleteLogin(ctx context.Context, code, state string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrNotAuthenticated
	}
	if !m.verifyState(state) {
		m.logf("oauth state mismatch; refusing login")
		return ErrNotAuthenticated
	}
	_ = m.tab.Delete(keyOAuthState)
	if m.exchanger == nil || m.identity == nil {
		return fmt.Errorf("%w: oauth collaborators are not configured", ErrInvalidInput)
	}

	token, err := m.exchanger.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange code: %w", err)
	}
	ghUser, err := m.identity.User(ctx, token)
	if err != nil {
		return fmt.Errorf("fetch user: %w", err)
	}
	containerID := m.tenant.ContainerID
	if m.provisioner != nil {
		containerID, err = m.provisioner.EnsureContainer(ctx, token, m.tenant.ContainerID, m.tenant.Name)
		if err != nil {
			return fmt.Errorf("resolve container: %w", err)
		}
	}
	containerID = m.tenant.Sanitize(containerID)

	next := Session{
		Token:       token,
		User:        &User{Login: ghUser.Login, AvatarURL: ghUser.AvatarURL},
		ContainerID: containerID,
	}
	if err := m.persist(next); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	m.mu.Lock()
	m.current = next
	m.mu.Unlock()
	m.logf("session authenticated as %s on %s tenant", next.User.Login, m.tenant.Name)
	m.bus.Publish(Event{Type: EventAuthChanged, Authenticated: true, Login: next.User.Login})
	return nil
}

func (m *Manager) Logout() error {
	var errs []error
	for _, key := range []string{KeyToken, KeyUser, KeyContainerID} {
		if err := m.durable.Delete(key); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", key, err))
		}
	}
	m.mu.Lock()
	m.current = Session{}
	m.mu.Unlock()
	m.bus.Publish(Event{Type: EventAuthChanged, Authenticated: false})
	return errors.Join(errs...)
}

// Reload re-reads the persisted fields, picking up a login or logout made by
// another process sharing the same durable store.
func (m *Manager) Reload() error {
	loaded, err := m.load()
	if err != nil {
		return err
	}
	m.mu.Lock()
	prev := m.current
	m.current = loaded
	m.mu.Unlock()
	if prev.Token != loaded.Token || prev.ContainerID != loaded.ContainerID {
		event := Event{Type: EventAuthChanged, Authenticated: loaded.Authenticated()}
		if loaded.User != nil {
			event.Login = loaded.User.Login
		}
		m.bus.Publish(event)
	}
	return nil
}

func (m *Manager) verifyState(state string) bool {
	state = strings.TrimSpace(state)
	if m.crossSubdomain && strings.HasPrefix(state, ContinuationPrefix) {
		return strings.TrimPrefix(state, ContinuationPrefix) != ""
	}
	expected, ok, err := m.tab.Get(keyOAuthState)
	if err != nil || !ok || expected == "" {
		return false
	}
	return state == expected
}

func (m *Manager) load() (Session, error) {
	var out Session
	token, _, err := m.durable.Get(KeyToken)
	if err != nil {
		return Session{}, fmt.Errorf("load %s: %w", KeyToken, err)
	}
	out.Token = strings.TrimSpace(token)

	rawUser, ok, err := m.durable.Get(KeyUser)
	if err != nil {
		return Session{}, fmt.Errorf("load %s: %w", KeyUser, err)
	}
	if ok && rawUser != "" {
		var user User
		if err := json.Unmarshal([]byte(rawUser), &user); err == nil && user.Login != "" {
			out.User = &user
		}
	}

	storedID, ok, err := m.durable.Get(KeyContainerID)
	if err != nil {
		return Session{}, fmt.Errorf("load %s: %w", KeyContainerID, err)
	}
	out.ContainerID = m.tenant.Sanitize(storedID)
	if ok && storedID != "" && out.ContainerID == "" {
		m.logf("discarding persisted %s container id on %s tenant", tenant.Preview, m.tenant.Name)
		if err := m.durable.Delete(KeyContainerID); err != nil {
			return Session{}, fmt.Errorf("discard %s: %w", KeyContainerID, err)
		}
	}
	return out, nil
}

func (m *Manager) persist(next Session) error {
	userJSON, err := json.Marshal(next.User)
	if err != nil {
		return err
	}
	if err := m.durable.Set(KeyToken, next.Token); err != nil {
		return err
	}
	if err := m.durable.Set(KeyUser, string(userJSON)); err != nil {
		return err
	}
	if next.ContainerID == "" {
		return m.durable.Delete(KeyContainerID)
	}
	return m.durable.Set(KeyContainerID, next.ContainerID)
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}
