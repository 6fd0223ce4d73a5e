package gist

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	ErrConflict     = errors.New("version conflict")
	ErrUnauthorized = errors.New("authorization rejected")
	ErrNotFound     = errors.New("not found")
)

type ConflictError struct {
	GistID string
}

func (e *ConflictError) Error() string {
	if e.GistID == "" {
		return "version conflict"
	}
	return fmt.Sprintf("version conflict for gist %s", e.GistID)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

type File struct {
	Filename  string `json:"filename"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated"`
	RawURL    string `json:"raw_url"`
}

type Gist struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Public      bool            `json:"public"`
	UpdatedAt   string          `json:"updated_at"`
	Files       map[string]File `json:"files"`
}

// Contents flattens the gist into filename -> content.
func (g Gist) Contents() map[string]string {
	out := make(map[string]string, len(g.Files))
	for name, file := range g.Files {
		out[name] = file.Content
	}
	return out
}

type User struct {
	Login     string `json:"login"`
	AvatarURL string `json:"avatar_url"`
}

type HTTPClient struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client

	entropyMu sync.Mutex
	entropy   io.Reader
}

func NewHTTPClient(baseURL string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		userAgent:  "gistdb",
		httpClient: httpClient,
		entropy:    ulid.Monotonic(rand.Reader, 0),
	}
}

// Get returns the gist with every file's full content. An empty token reads
// anonymously, which only works for public gists.
func (c *HTTPClient) Get(ctx context.Context, gistID, token string) (Gist, error) {
	var out Gist
	if err := c.doJSON(ctx, http.MethodGet, "/gists/"+url.PathEscape(gistID), token, nil, &out); err != nil {
		return Gist{}, err
	}
	for name, file := range out.Files {
		if !file.Truncated || file.RawURL == "" {
			continue
		}
		content, err := c.fetchRaw(ctx, file.RawURL, token)
		if err != nil {
			return Gist{}, fmt.Errorf("fetch truncated file %s: %w", name, err)
		}
		file.Content = content
		file.Truncated = false
		out.Files[name] = file
	}
	return out, nil
}

// Update applies all changes in one PATCH. A nil value deletes the file.
func (c *HTTPClient) Update(ctx context.Context, gistID, token string, changes map[string]*string) (Gist, error) {
	files := make(map[string]any, len(changes))
	for name, content := range changes {
		if content == nil {
			files[name] = nil
			continue
		}
		files[name] = map[string]string{"content": *content}
	}
	var out Gist
	err := c.doJSON(ctx, http.MethodPatch, "/gists/"+url.PathEscape(gistID), token, map[string]any{"files": files}, &out)
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		conflict.GistID = gistID
	}
	return out, err
}

func (c *HTTPClient) Create(ctx context.Context, token, description string, public bool, files map[string]string) (Gist, error) {
	payload := make(map[string]any, len(files))
	for name, content := range files {
		payload[name] = map[string]string{"content": content}
	}
	var out Gist
	err := c.doJSON(ctx, http.MethodPost, "/gists", token, map[string]any{
		"description": description,
		"public":      public,
		"files":       payload,
	}, &out)
	return out, err
}

// List returns the authenticated user's gists without file contents.
func (c *HTTPClient) List(ctx context.Context, token string) ([]Gist, error) {
	var out []Gist
	if err := c.doJSON(ctx, http.MethodGet, "/gists?per_page=100", token, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) User(ctx context.Context, token string) (User, error) {
	var out User
	err := c.doJSON(ctx, http.MethodGet, "/user", token, nil, &out)
	return out, err
}

func (c *HTTPClient) fetchRaw(ctx context.Context, rawURL, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	c.setHeaders(req, token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	return string(data), nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath, token string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return err
	}
	c.setHeaders(req, token)
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payload) == 0 {
			return nil
		}
		return json.Unmarshal(payload, out)
	}
	if resp.StatusCode == http.StatusConflict {
		return &ConflictError{}
	}
	var errPayload struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	return &HTTPError{StatusCode: resp.StatusCode, Message: errPayload.Message}
}

func (c *HTTPClient) setHeaders(req *http.Request, token string) {
	if token = strings.TrimSpace(token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Correlation-Id", c.correlationID())
}

func (c *HTTPClient) correlationID() string {
	c.entropyMu.Lock()
	defer c.entropyMu.Unlock()
	return "gistdb_" + ulid.MustNew(ulid.Now(), c.entropy).String()
}
