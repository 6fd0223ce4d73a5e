package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPTokenExchanger talks to the OAuth proxy that trades an authorization
// code for a bearer token. The proxy holds the client secret.
type HTTPTokenExchanger struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPTokenExchanger(baseURL string, httpClient *http.Client) *HTTPTokenExchanger {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPTokenExchanger{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: httpClient,
	}
}

func (e *HTTPTokenExchanger) Exchange(ctx context.Context, code string) (string, error) {
	if e.baseURL == "" {
		return "", errors.New("token proxy url is not configured")
	}
	body, err := json.Marshal(map[string]string{"code": code})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/token", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	payload, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return "", err
	}

	var out struct {
		AccessToken string `json:"access_token"`
		Error       string `json:"error"`
		Description string `json:"error_description"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return "", fmt.Errorf("token proxy returned http %d with unreadable body", resp.StatusCode)
	}
	if out.Error != "" {
		if out.Description != "" {
			return "", fmt.Errorf("token exchange failed: %s: %s", out.Error, out.Description)
		}
		return "", fmt.Errorf("token exchange failed: %s", out.Error)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("token proxy returned http %d", resp.StatusCode)
	}
	if strings.TrimSpace(out.AccessToken) == "" {
		return "", errors.New("token exchange returned no access token")
	}
	return strings.TrimSpace(out.AccessToken), nil
}
