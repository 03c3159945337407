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
	"time"

	"go.uber.org/zap"
)

const (
	defaultTokenTimeout   = 10 * time.Second
	defaultTextTimeout    = 30 * time.Second
	defaultImageTimeout   = 60 * time.Second
	defaultSessionTimeout = 20 * time.Second
	defaultBodyLimit      = 1 << 20
)

// HTTPClient abstracts the http.Client Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Timeouts bounds each kind of gateway request.
type Timeouts struct {
	Text    time.Duration
	Image   time.Duration
	Session time.Duration
}

// Option customises the client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used to talk to the gateway.
func WithHTTPClient(client HTTPClient) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithTimeouts overrides the per-request timeouts; zero fields keep defaults.
func WithTimeouts(t Timeouts) Option {
	return func(c *Client) {
		if t.Text > 0 {
			c.timeouts.Text = t.Text
		}
		if t.Image > 0 {
			c.timeouts.Image = t.Image
		}
		if t.Session > 0 {
			c.timeouts.Session = t.Session
		}
	}
}

// WithBodyLimit adjusts how many bytes are retained from a response body.
func WithBodyLimit(limit int64) Option {
	return func(c *Client) {
		if limit > 0 {
			c.maxBodyBytes = limit
		}
	}
}

// WithClock overrides the clock used to stamp payloads.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(lg *zap.Logger) Option {
	return func(c *Client) {
		if lg != nil {
			c.logger = lg
		}
	}
}

// Client is the REST client for a single gateway session.
type Client struct {
	baseURL      string
	session      string
	credentials  *Credentials
	httpClient   HTTPClient
	timeouts     Timeouts
	maxBodyBytes int64
	now          func() time.Time
	logger       *zap.Logger
}

var (
	_ Sender         = (*Client)(nil)
	_ SessionManager = (*Client)(nil)
)

// NewClient constructs a gateway client bound to one session.
func NewClient(baseURL, session string, creds *Credentials, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("gateway client: base url is required")
	}
	if strings.TrimSpace(session) == "" {
		return nil, errors.New("gateway client: session is required")
	}
	if creds == nil {
		return nil, errors.New("gateway client: credentials are required")
	}

	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		session:     session,
		credentials: creds,
		httpClient:  &http.Client{},
		timeouts: Timeouts{
			Text:    defaultTextTimeout,
			Image:   defaultImageTimeout,
			Session: defaultSessionTimeout,
		},
		maxBodyBytes: defaultBodyLimit,
		now:          time.Now,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Credentials exposes the shared credential holder.
func (c *Client) Credentials() *Credentials {
	return c.credentials
}

type sendMessageBody struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
	IsGroup bool   `json:"isGroup"`
}

type sendImageBody struct {
	Phone    string `json:"phone"`
	Base64   string `json:"base64"`
	Filename string `json:"filename"`
	Caption  string `json:"caption"`
	IsGroup  bool   `json:"isGroup"`
}

// SendText delivers a plain text message.
func (c *Client) SendText(ctx context.Context, phone, message string) (ok bool, payload Payload) {
	defer c.recoverInto(&ok, &payload, "send-message")

	body := sendMessageBody{Phone: phone, Message: message}
	return c.post(ctx, "send-message", body, c.timeouts.Text)
}

// SendImage delivers an image with caption. The image is validated before any
// network call is made.
func (c *Client) SendImage(ctx context.Context, phone, imagePath, caption string) (ok bool, payload Payload) {
	defer c.recoverInto(&ok, &payload, "send-image")

	dataURI, filename, err := encodeImage(imagePath)
	if err != nil {
		return false, Payload{"error": err.Error(), "image_path": imagePath}
	}

	body := sendImageBody{
		Phone:    phone,
		Base64:   dataURI,
		Filename: filename,
		Caption:  caption,
	}
	return c.post(ctx, "send-image", body, c.timeouts.Image)
}

// SessionStatus reports the device session state.
func (c *Client) SessionStatus(ctx context.Context) (*SessionState, error) {
	code, body, err := c.do(ctx, http.MethodGet, "status-session", nil, c.timeouts.Session)
	if err != nil {
		return nil, fmt.Errorf("gateway client: status-session: %w", err)
	}
	return decodeSession(code, body)
}

// StartSession asks the gateway to open the session and produce a QR code if
// the device is not paired yet.
func (c *Client) StartSession(ctx context.Context) (*SessionState, error) {
	code, body, err := c.do(ctx, http.MethodPost, "start-session", map[string]bool{"waitQrCode": true}, c.timeouts.Session)
	if err != nil {
		return nil, fmt.Errorf("gateway client: start-session: %w", err)
	}
	return decodeSession(code, body)
}

func decodeSession(code int, body []byte) (*SessionState, error) {
	if !isSuccess(code) {
		return nil, fmt.Errorf("gateway client: http %d: %s", code, strings.TrimSpace(string(body)))
	}
	state := new(SessionState)
	if err := json.Unmarshal(body, state); err != nil {
		return nil, fmt.Errorf("gateway client: decode session: %w", err)
	}
	var raw Payload
	if err := json.Unmarshal(body, &raw); err == nil {
		state.Raw = raw
	}
	return state, nil
}

func (c *Client) post(ctx context.Context, action string, body any, timeout time.Duration) (bool, Payload) {
	code, raw, err := c.do(ctx, http.MethodPost, action, body, timeout)
	if err != nil {
		if errors.Is(err, ErrNoCredential) {
			return false, errorPayload("credential error: %v", err)
		}
		c.logger.Warn("gateway request failed", zap.String("action", action), zap.Error(err))
		return false, errorPayload("%v", err)
	}

	parsed, parseErr := parseJSON(raw)
	if isSuccess(code) {
		if parseErr != nil {
			return true, Payload{"status_code": code, "raw_response": string(raw)}
		}
		return true, parsed
	}

	if code == http.StatusUnauthorized {
		c.credentials.Invalidate()
	}
	c.logger.Warn("gateway rejected request", zap.String("action", action), zap.Int("status_code", code))

	failure := Payload{
		"status_code":   code,
		"error":         strings.TrimSpace(string(raw)),
		"response_json": nil,
	}
	if parseErr == nil {
		failure["response_json"] = parsed
	}
	if failure["error"] == "" {
		failure["error"] = http.StatusText(code)
	}
	return false, failure
}

func (c *Client) do(ctx context.Context, method, action string, body any, timeout time.Duration) (int, []byte, error) {
	token, err := c.credentials.Ensure(ctx)
	if err != nil {
		return 0, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encode body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	endpoint := fmt.Sprintf("%s/api/%s/%s", c.baseURL, url.PathEscape(c.session), action)
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("http do: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, raw, nil
}

func (c *Client) recoverInto(ok *bool, payload *Payload, action string) {
	if r := recover(); r != nil {
		c.logger.Error("gateway client panic", zap.String("action", action), zap.Any("panic", r))
		*ok = false
		*payload = Payload{
			"error":       fmt.Sprintf("unexpected client failure: %v", r),
			"occurred_at": c.now().UTC().Format(time.RFC3339),
		}
	}
}

func parseJSON(raw []byte) (Payload, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.New("empty body")
	}
	var parsed Payload
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, err
	}
	if parsed == nil {
		return nil, errors.New("null body")
	}
	return parsed, nil
}

func isSuccess(code int) bool {
	return code >= 200 && code < 300
}
