package google

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const defaultTokenURL = "https://oauth2.googleapis.com/token"

// RefreshTokenSource exchanges a long-lived OAuth refresh token for
// short-lived access tokens. Tokens are cached until shortly before
// they expire.
type RefreshTokenSource struct {
	httpClient   *http.Client
	tokenURL     string
	clientID     string
	clientSecret string
	refreshToken string

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewRefreshTokenSource builds a token source from offline OAuth
// credentials obtained through a one-time consent flow.
func NewRefreshTokenSource(clientID, clientSecret, refreshToken string) *RefreshTokenSource {
	return &RefreshTokenSource{
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		tokenURL:     defaultTokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		refreshToken: refreshToken,
	}
}

func (s *RefreshTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && time.Now().Before(s.expires.Add(-time.Minute)) {
		return s.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", s.clientID)
	form.Set("client_secret", s.clientSecret)
	form.Set("refresh_token", s.refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send token request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned no access token")
	}

	s.token = payload.AccessToken
	s.expires = time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	return s.token, nil
}

// StaticToken is a TokenSource that always returns the same token.
// Useful for tests and short-lived manual runs.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }
