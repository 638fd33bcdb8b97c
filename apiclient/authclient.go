package apiclient

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

	"golang.org/x/oauth2"
)

const (
	DefaultRefreshPath = "/api/session/refresh"
	DefaultSessionPath = "/api/session"

	sessionRequestTimeout = 10 * time.Second
)

// AuthClient calls the session endpoints of the console. It never reads the
// token store, never sends an Authorization header and never retries.
type AuthClient struct {
	serverURL   string
	refreshPath string
	sessionPath string
	httpClient  *http.Client
	timeout     time.Duration
}

// AuthOption configures an AuthClient.
type AuthOption func(*AuthClient)

// WithRefreshPath overrides the refresh endpoint path.
func WithRefreshPath(path string) AuthOption {
	return func(a *AuthClient) {
		a.refreshPath = path
	}
}

// WithSessionPath overrides the login endpoint path.
func WithSessionPath(path string) AuthOption {
	return func(a *AuthClient) {
		a.sessionPath = path
	}
}

// WithAuthHTTPClient sets the HTTP client used for session calls.
func WithAuthHTTPClient(c *http.Client) AuthOption {
	return func(a *AuthClient) {
		a.httpClient = c
	}
}

// WithAuthTimeout bounds each session call. Zero disables the bound.
func WithAuthTimeout(d time.Duration) AuthOption {
	return func(a *AuthClient) {
		a.timeout = d
	}
}

// NewAuthClient returns an AuthClient for the console at serverURL.
func NewAuthClient(serverURL string, opts ...AuthOption) *AuthClient {
	a := &AuthClient{
		serverURL:   strings.TrimRight(serverURL, "/"),
		refreshPath: DefaultRefreshPath,
		sessionPath: DefaultSessionPath,
		httpClient:  http.DefaultClient,
		timeout:     sessionRequestTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Refresh exchanges refreshToken for a new access token. A non-2xx answer is
// returned as *oauth2.RetrieveError.
func (a *AuthClient) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, errors.New("refresh token is empty")
	}

	payload := map[string]string{"refresh_token": refreshToken}
	return a.post(ctx, a.refreshPath, payload)
}

// Login opens a session with username and password credentials.
func (a *AuthClient) Login(ctx context.Context, username, password string) (*oauth2.Token, error) {
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}

	payload := map[string]string{
		"username": username,
		"password": password,
	}
	return a.post(ctx, a.sessionPath, payload)
}

func (a *AuthClient) post(ctx context.Context, path string, payload any) (*oauth2.Token, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		a.serverURL+path,
		bytes.NewReader(body),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("session request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &oauth2.RetrieveError{
			Response: resp,
			Body:     respBody,
		}
	}

	var tokenResp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.Unmarshal(respBody, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}

	if err := validateTokenResponse(
		tokenResp.AccessToken,
		tokenResp.TokenType,
		tokenResp.ExpiresIn,
	); err != nil {
		return nil, fmt.Errorf("invalid token response: %w", err)
	}

	token := &oauth2.Token{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		TokenType:    tokenResp.TokenType,
	}
	if tokenResp.ExpiresIn > 0 {
		token.Expiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	}
	return token, nil
}

// validateTokenResponse checks the fields every session endpoint must return.
func validateTokenResponse(accessToken, tokenType string, expiresIn int) error {
	if accessToken == "" {
		return errors.New("access_token is empty")
	}

	if expiresIn < 0 {
		return fmt.Errorf("expires_in must not be negative, got: %d", expiresIn)
	}

	if tokenType != "" && !strings.EqualFold(tokenType, "Bearer") {
		return fmt.Errorf("unexpected token_type: %s (expected Bearer)", tokenType)
	}

	return nil
}
