// Package avito implements a client for the Avito Messenger API: OAuth token
// management, webhook subscriptions, chats, messages, and images.
package avito

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultBaseURL is the production API host.
const DefaultBaseURL = "https://api.avito.ru"

const (
	tokenTimeout   = 15 * time.Second
	requestTimeout = 20 * time.Second
	imageTimeout   = 60 * time.Second
	webhookTimeout = 10 * time.Second

	tokenRefreshMargin = 60 * time.Second
	defaultExpiresIn   = 3600
	tokenScope         = "messenger:read messenger:write"
	maxErrorBody       = 2048
)

// ErrNoAccount is returned by account-scoped calls when no valid account ID is configured.
var ErrNoAccount = errors.New("avito account id is not configured")

// ErrNoCredentials is returned when the client id or secret is empty.
var ErrNoCredentials = errors.New("avito client id or secret is not configured")

// APIError describes a non-successful HTTP answer from the API.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("avito %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Client talks to the Avito API on behalf of one account.
// It is safe for concurrent use.
type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	accountID    int64
	httpClient   *http.Client
	logger       *slog.Logger
	now          func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API host.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithClock replaces time.Now, for token expiry tests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New creates a client. accountID may be zero for calls that are not account-scoped.
func New(clientID, clientSecret string, accountID int64, opts ...Option) *Client {
	c := &Client{
		baseURL:      DefaultBaseURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		accountID:    accountID,
		httpClient:   &http.Client{},
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "avito_client")
	return c
}

// AccountID returns the configured account.
func (c *Client) AccountID() int64 {
	return c.accountID
}

// accessToken returns a cached token, refreshing it shortly before expiry.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.expiresAt) {
		return c.token, nil
	}
	if c.clientID == "" || c.clientSecret == "" {
		return "", ErrNoCredentials
	}

	ctx, cancel := context.WithTimeout(ctx, tokenTimeout)
	defer cancel()

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"scope":         {tokenScope},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to refresh avito token: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return "", &APIError{Method: http.MethodPost, Path: "/token", Status: resp.StatusCode, Body: truncate(body)}
	}

	var tok struct {
		AccessToken string          `json:"access_token"`
		ExpiresIn   json.RawMessage `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", fmt.Errorf("failed to decode avito token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("avito token response has no access_token")
	}

	expiresIn := parseExpiresIn(tok.ExpiresIn)
	c.token = tok.AccessToken
	c.expiresAt = c.now().Add(time.Duration(expiresIn)*time.Second - tokenRefreshMargin)
	c.logger.InfoContext(ctx, "Avito token refreshed", "scope", tokenScope, "expires_in", expiresIn)
	return c.token, nil
}

// invalidateToken drops the cached token so the next call fetches a new one.
func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}

// request describes one API call.
type request struct {
	method      string
	path        string
	query       url.Values
	body        []byte
	contentType string
	timeout     time.Duration
	expect      []int
}

// jsonRequest builds a request with a JSON body.
func jsonRequest(method, path string, payload any) (request, error) {
	r := request{method: method, path: path}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return r, fmt.Errorf("failed to encode request body: %w", err)
		}
		r.body = b
		r.contentType = "application/json"
	}
	return r, nil
}

// do executes r and returns the response body. A 401 answer refreshes the
// token and retries once.
func (c *Client) do(ctx context.Context, r request) ([]byte, error) {
	if r.timeout == 0 {
		r.timeout = requestTimeout
	}
	if len(r.expect) == 0 {
		r.expect = []int{http.StatusOK}
	}

	for attempt := 0; ; attempt++ {
		status, body, err := c.send(ctx, r)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized && attempt == 0 {
			c.logger.WarnContext(ctx, "Avito token rejected, refreshing", "path", r.path)
			c.invalidateToken()
			continue
		}
		if !slices.Contains(r.expect, status) {
			apiErr := &APIError{Method: r.method, Path: r.path, Status: status, Body: truncate(body)}
			c.logDiagnostics(ctx, apiErr)
			return nil, apiErr
		}
		return body, nil
	}
}

func (c *Client) send(ctx context.Context, r request) (int, []byte, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return 0, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	target := c.baseURL + r.path
	if len(r.query) > 0 {
		target += "?" + r.query.Encode()
	}

	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, target, body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request %s %s: %w", r.method, r.path, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("avito %s %s: %w", r.method, r.path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read avito response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// logDiagnostics logs a hint for the status codes operators usually hit.
func (c *Client) logDiagnostics(ctx context.Context, err *APIError) {
	var hint string
	switch err.Status {
	case http.StatusBadRequest:
		hint = "check the request payload and the chat id format"
	case http.StatusForbidden:
		hint = "the token has no messenger scope or the chat belongs to another account; check AVITO_ACCOUNT_ID"
	case http.StatusNotFound:
		hint = "the chat or account does not exist; check AVITO_ACCOUNT_ID and the chat id"
	default:
		c.logger.ErrorContext(ctx, "Avito API request failed", "method", err.Method, "path", err.Path, "status", err.Status, "body", err.Body)
		return
	}
	c.logger.WarnContext(ctx, "Avito API request rejected", "method", err.Method, "path", err.Path, "status", err.Status, "body", err.Body, "hint", hint)
}

func (c *Client) accountPath(format string, args ...any) (string, error) {
	if c.accountID <= 0 {
		return "", ErrNoAccount
	}
	return fmt.Sprintf(format, append([]any{c.accountID}, args...)...), nil
}

func parseExpiresIn(raw json.RawMessage) int {
	s := strings.Trim(string(raw), `" `)
	if s == "" {
		return defaultExpiresIn
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return defaultExpiresIn
	}
	return n
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		return string(b[:maxErrorBody]) + "..."
	}
	return string(b)
}
