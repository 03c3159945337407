package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ErrNoCredential is returned when the issuer could not produce a token.
var ErrNoCredential = errors.New("gateway: bearer credential unavailable")

// TokenIssuer obtains a fresh bearer token from the gateway.
type TokenIssuer interface {
	IssueToken(ctx context.Context) (string, error)
}

// Credentials holds the shared bearer token and refreshes it on demand.
type Credentials struct {
	issuer TokenIssuer

	mu        sync.RWMutex
	token     string
	issuedAt  time.Time
	refreshMu sync.Mutex
}

// NewCredentials builds an empty credential holder backed by issuer.
func NewCredentials(issuer TokenIssuer) *Credentials {
	return &Credentials{issuer: issuer}
}

// Token returns the cached token, or "" when none is held.
func (c *Credentials) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// IssuedAt reports when the current token was obtained.
func (c *Credentials) IssuedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.issuedAt
}

// Refresh asks the issuer for a new token and caches it.
func (c *Credentials) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	if c.issuer == nil {
		return fmt.Errorf("%w: no token issuer configured", ErrNoCredential)
	}
	token, err := c.issuer.IssueToken(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoCredential, err)
	}
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("%w: issuer returned an empty token", ErrNoCredential)
	}

	c.mu.Lock()
	c.token = token
	c.issuedAt = time.Now()
	c.mu.Unlock()
	return nil
}

// Ensure returns the cached token, refreshing exactly once when absent.
func (c *Credentials) Ensure(ctx context.Context) (string, error) {
	if token := c.Token(); token != "" {
		return token, nil
	}
	if err := c.Refresh(ctx); err != nil {
		return "", err
	}
	return c.Token(), nil
}

// Invalidate drops the cached token so the next call fetches a new one.
func (c *Credentials) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.issuedAt = time.Time{}
	c.mu.Unlock()
}

// HTTPTokenIssuer calls the gateway's generate-token endpoint.
type HTTPTokenIssuer struct {
	httpClient HTTPClient
	baseURL    string
	session    string
	secret     string
	timeout    time.Duration
}

// NewHTTPTokenIssuer builds an issuer for the given session and secret key.
func NewHTTPTokenIssuer(baseURL, session, secret string, timeout time.Duration, client HTTPClient) *HTTPTokenIssuer {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = defaultTokenTimeout
	}
	return &HTTPTokenIssuer{
		httpClient: client,
		baseURL:    strings.TrimRight(baseURL, "/"),
		session:    session,
		secret:     secret,
		timeout:    timeout,
	}
}

// IssueToken implements TokenIssuer.
func (i *HTTPTokenIssuer) IssueToken(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/api/%s/%s/generate-token", i.baseURL, url.PathEscape(i.session), url.PathEscape(i.secret))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(nil))
	if err != nil {
		return "", fmt.Errorf("token issuer: new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := i.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token issuer: http do: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, defaultBodyLimit))
	if err != nil {
		return "", fmt.Errorf("token issuer: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("token issuer: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("token issuer: decode: %w", err)
	}
	if parsed.Token == "" {
		return "", errors.New("token issuer: response carried no token")
	}
	return parsed.Token, nil
}
