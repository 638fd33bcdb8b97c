package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/go-authgate/console-cli/tokenstore"
)

// DefaultBaseURL is the path prefix of the console REST API.
const DefaultBaseURL = "/api/v1"

// Doer executes a prepared HTTP request. *retry.Client from go-httpretry
// satisfies it; WrapHTTPClient adapts a plain *http.Client.
type Doer interface {
	DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error)
}

type httpDoer struct {
	client *http.Client
}

// WrapHTTPClient adapts c to Doer.
func WrapHTTPClient(c *http.Client) Doer {
	return httpDoer{client: c}
}

func (d httpDoer) DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	return d.client.Do(req.WithContext(ctx))
}

// TokenRefresher obtains a new access token from a refresh token.
// *AuthClient is the production implementation.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// Observer is notified as a request moves through the refresh flow.
type Observer interface {
	AccessTokenRejected()
	Refreshing()
	RefreshOK()
	RefreshFailed(err error)
	TokenRefreshedRetrying()
	TokenSaveFailed(err error)
}

type noopObserver struct{}

func (noopObserver) AccessTokenRejected()    {}
func (noopObserver) Refreshing()             {}
func (noopObserver) RefreshOK()              {}
func (noopObserver) RefreshFailed(_ error)   {}
func (noopObserver) TokenRefreshedRetrying() {}
func (noopObserver) TokenSaveFailed(_ error)  {}

// Client sends console API requests with the stored access token and
// recovers once from an expired token.
type Client struct {
	serverURL  string
	baseURL    string
	store      tokenstore.Store
	doer       Doer
	refresher  *refresher
	redirector *Redirector
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets the prefix prepended to request paths. A relative value
// is resolved against the server URL.
func WithBaseURL(base string) Option {
	return func(c *Client) {
		c.baseURL = base
	}
}

// WithDoer sets the executor for API requests.
func WithDoer(d Doer) Option {
	return func(c *Client) {
		c.doer = d
	}
}

// WithRedirector hands every unrecoverable outcome to r.
func WithRedirector(r *Redirector) Option {
	return func(c *Client) {
		c.redirector = r
	}
}

// WithObserver reports refresh flow progress to o.
func WithObserver(o Observer) Option {
	return func(c *Client) {
		c.refresher.observer = o
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
		c.refresher.logger = l
	}
}

// WithRefreshCoalescing controls whether concurrent 401s share one refresh
// call. It is enabled by default; when disabled every rejected request
// refreshes on its own and the last successful refresh wins.
func WithRefreshCoalescing(enabled bool) Option {
	return func(c *Client) {
		c.refresher.coalesce = enabled
	}
}

// NewClient returns a Client for the console at serverURL. auth is used only
// to refresh an expired access token.
func NewClient(serverURL string, store tokenstore.Store, auth TokenRefresher, opts ...Option) *Client {
	logger := slog.New(slog.DiscardHandler)
	c := &Client{
		serverURL: strings.TrimRight(serverURL, "/"),
		baseURL:   DefaultBaseURL,
		store:     store,
		doer:      WrapHTTPClient(http.DefaultClient),
		logger:    logger,
		refresher: &refresher{
			store:    store,
			auth:     auth,
			observer: noopObserver{},
			logger:   logger,
			coalesce: true,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends req. Each call is a new original request: it gets its own
// correlation id and at most one refresh-and-retry.
//
// A non-2xx answer is returned as *ResponseError, a failure to recover from
// a 401 as *UnrecoverableError. Transport errors are returned wrapped.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, errors.New("request is nil")
	}
	pending := req.clone()
	if pending.Method == "" {
		pending.Method = http.MethodGet
	}
	pending.id = uuid.NewString()
	pending.retried = false

	token, _ := c.store.AccessToken()
	resp, err := c.send(ctx, pending, token)
	if err != nil && IsUnauthorized(err) {
		resp, err = c.refresher.recover(ctx, pending, token, err, func(fresh string) (*Response, error) {
			return c.send(ctx, pending, fresh)
		})
	}

	if errors.Is(err, ErrUnrecoverable) {
		c.logger.Warn("unrecoverable auth flow, session expired",
			"request_id", pending.id,
			"path", pending.Path,
		)
		if c.redirector != nil {
			c.redirector.Handle(err)
		}
	}

	return resp, err
}

// Get sends a GET request for path.
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodGet, Path: path})
}

// Delete sends a DELETE request for path.
func (c *Client) Delete(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodDelete, Path: path})
}

// Post sends body, JSON encoded unless it is already []byte or
// json.RawMessage.
func (c *Client) Post(ctx context.Context, path string, body any) (*Response, error) {
	return c.withBody(ctx, http.MethodPost, path, body)
}

// Put sends body, JSON encoded unless it is already []byte or
// json.RawMessage.
func (c *Client) Put(ctx context.Context, path string, body any) (*Response, error) {
	return c.withBody(ctx, http.MethodPut, path, body)
}

func (c *Client) withBody(ctx context.Context, method, path string, body any) (*Response, error) {
	data, err := encodeBody(body)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, &Request{Method: method, Path: path, Body: data})
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		return data, nil
	}
}

// send dispatches p carrying token as its bearer credential, or no
// Authorization header at all when token is empty.
func (c *Client) send(ctx context.Context, p *Request, token string) (*Response, error) {
	if token != "" {
		p.Header.Set("Authorization", "Bearer "+token)
	} else {
		p.Header.Del("Authorization")
	}
	p.Header.Set("X-Request-Id", p.id)

	var body io.Reader
	if p.Body != nil {
		body = bytes.NewReader(p.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, p.Method, c.resolve(p), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header = p.Header.Clone()
	if p.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("dispatching request",
		"request_id", p.id,
		"method", p.Method,
		"path", p.Path,
		"retried", p.retried,
		"authenticated", token != "",
	)

	resp, err := c.doer.DoWithContext(ctx, httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: request failed: %w", p.Method, p.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: failed to read response: %w", p.Method, p.Path, err)
	}

	result := &Response{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header,
		Data:       data,
		Request:    p.clone(),
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		level := slog.LevelWarn
		if resp.StatusCode >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		c.logger.Log(ctx, level, "request rejected",
			"request_id", p.id,
			"method", p.Method,
			"path", p.Path,
			"status", resp.StatusCode,
			"retried", p.retried,
		)
		return nil, &ResponseError{Response: result}
	}

	return result, nil
}

func (c *Client) resolve(p *Request) string {
	base := p.BaseURL
	if base == "" {
		base = c.baseURL
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = c.serverURL + "/" + strings.TrimLeft(base, "/")
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(p.Path, "/")
}
