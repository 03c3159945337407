package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type fakeGateway struct {
	server      *httptest.Server
	tokenCalls  atomic.Int32
	sendCalls   atomic.Int32
	lastAuth    atomic.Value
	lastBody    atomic.Value
	lastPath    atomic.Value
	sendHandler func(w http.ResponseWriter, r *http.Request)
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	fg := &fakeGateway{}
	fg.sendHandler = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","response":[{"id":"msg-1"}]}`))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/Principal/s3cr3t/generate-token", func(w http.ResponseWriter, r *http.Request) {
		fg.tokenCalls.Add(1)
		_, _ = w.Write([]byte(`{"status":"success","token":"tok-123"}`))
	})
	mux.HandleFunc("/api/Principal/", func(w http.ResponseWriter, r *http.Request) {
		fg.sendCalls.Add(1)
		fg.lastAuth.Store(r.Header.Get("Authorization"))
		fg.lastPath.Store(r.URL.Path)
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		fg.lastBody.Store(body)
		fg.sendHandler(w, r)
	})

	fg.server = httptest.NewServer(mux)
	t.Cleanup(fg.server.Close)
	return fg
}

func (fg *fakeGateway) client(t *testing.T, opts ...Option) *Client {
	t.Helper()
	issuer := NewHTTPTokenIssuer(fg.server.URL, "Principal", "s3cr3t", time.Second, fg.server.Client())
	opts = append([]Option{WithHTTPClient(fg.server.Client())}, opts...)
	c, err := NewClient(fg.server.URL, "Principal", NewCredentials(issuer), opts...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestSendTextSuccess(t *testing.T) {
	fg := newFakeGateway(t)
	c := fg.client(t)

	ok, payload := c.SendText(context.Background(), "5511999990001", "Oi Ana!")
	if !ok {
		t.Fatalf("expected success, payload %v", payload)
	}
	if payload["status"] != "success" {
		t.Fatalf("expected parsed payload, got %v", payload)
	}
	if got := fg.lastAuth.Load(); got != "Bearer tok-123" {
		t.Fatalf("unexpected authorization header %v", got)
	}
	if got := fg.lastPath.Load(); got != "/api/Principal/send-message" {
		t.Fatalf("unexpected path %v", got)
	}
	body := fg.lastBody.Load().(map[string]any)
	if body["phone"] != "5511999990001" || body["message"] != "Oi Ana!" || body["isGroup"] != false {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestTokenFetchedOnceAndReused(t *testing.T) {
	fg := newFakeGateway(t)
	c := fg.client(t)

	for i := 0; i < 3; i++ {
		if ok, payload := c.SendText(context.Background(), "1", "x"); !ok {
			t.Fatalf("send %d failed: %v", i, payload)
		}
	}
	if got := fg.tokenCalls.Load(); got != 1 {
		t.Fatalf("expected one token request, got %d", got)
	}
}

type failingIssuer struct{ calls int }

func (f *failingIssuer) IssueToken(context.Context) (string, error) {
	f.calls++
	return "", errors.New("secret rejected")
}

func TestCredentialFailureBecomesPayload(t *testing.T) {
	fg := newFakeGateway(t)
	issuer := &failingIssuer{}
	c, err := NewClient(fg.server.URL, "Principal", NewCredentials(issuer), WithHTTPClient(fg.server.Client()))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	ok, payload := c.SendText(context.Background(), "1", "x")
	if ok {
		t.Fatalf("expected failure without credential")
	}
	msg, _ := payload["error"].(string)
	if !strings.Contains(msg, "credential") {
		t.Fatalf("expected credential error payload, got %v", payload)
	}
	if issuer.calls != 1 {
		t.Fatalf("expected exactly one token attempt, got %d", issuer.calls)
	}
	if fg.sendCalls.Load() != 0 {
		t.Fatalf("no send request may be made without a credential")
	}
}

func TestNonJSONSuccessFallsBackToRaw(t *testing.T) {
	fg := newFakeGateway(t)
	fg.sendHandler = func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("queued"))
	}
	c := fg.client(t)

	ok, payload := c.SendText(context.Background(), "1", "x")
	if !ok {
		t.Fatalf("2xx must be treated as success, payload %v", payload)
	}
	if payload["raw_response"] != "queued" || payload["status_code"] != http.StatusOK {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestNonSuccessStatus(t *testing.T) {
	fg := newFakeGateway(t)
	fg.sendHandler = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":"error","message":"number not on whatsapp"}`))
	}
	c := fg.client(t)

	ok, payload := c.SendText(context.Background(), "1", "x")
	if ok {
		t.Fatalf("expected failure for 400")
	}
	if payload["status_code"] != http.StatusBadRequest {
		t.Fatalf("unexpected status code %v", payload["status_code"])
	}
	inner, _ := payload["response_json"].(Payload)
	if inner["message"] != "number not on whatsapp" {
		t.Fatalf("expected parsed response_json, got %v", payload)
	}
	if !strings.Contains(payload.Marshal(), "number not on whatsapp") {
		t.Fatalf("marshalled payload lost diagnostic: %s", payload.Marshal())
	}
}

func TestUnauthorizedInvalidatesToken(t *testing.T) {
	fg := newFakeGateway(t)
	fg.sendHandler = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}
	c := fg.client(t)

	if ok, _ := c.SendText(context.Background(), "1", "x"); ok {
		t.Fatalf("expected failure for 401")
	}
	if tok := c.Credentials().Token(); tok != "" {
		t.Fatalf("expected token to be dropped, still have %q", tok)
	}
}

func TestTransportFailure(t *testing.T) {
	fg := newFakeGateway(t)
	c := fg.client(t)
	if _, err := c.Credentials().Ensure(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	fg.server.Close()

	ok, payload := c.SendText(context.Background(), "1", "x")
	if ok {
		t.Fatalf("expected failure after server shutdown")
	}
	if msg, _ := payload["error"].(string); msg == "" {
		t.Fatalf("expected diagnostic error, got %v", payload)
	}
}

func TestTimeoutIsTransportFailure(t *testing.T) {
	fg := newFakeGateway(t)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	fg.sendHandler = func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}
	c := fg.client(t, WithTimeouts(Timeouts{Text: 50 * time.Millisecond}))

	ok, payload := c.SendText(context.Background(), "1", "x")
	if ok {
		t.Fatalf("expected timeout failure")
	}
	if _, has := payload["error"]; !has {
		t.Fatalf("expected error payload, got %v", payload)
	}
}

func TestSendImageMissingFileFailsFast(t *testing.T) {
	fg := newFakeGateway(t)
	c := fg.client(t)

	ok, payload := c.SendImage(context.Background(), "1", filepath.Join(t.TempDir(), "nope.png"), "hi")
	if ok {
		t.Fatalf("expected failure for missing image")
	}
	if payload["image_path"] == nil {
		t.Fatalf("expected image path in payload, got %v", payload)
	}
	if fg.sendCalls.Load() != 0 || fg.tokenCalls.Load() != 0 {
		t.Fatalf("missing image must fail before any network call")
	}
}

func TestSendImageEmptyFileFailsFast(t *testing.T) {
	fg := newFakeGateway(t)
	c := fg.client(t)
	path := filepath.Join(t.TempDir(), "empty.jpg")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if ok, _ := c.SendImage(context.Background(), "1", path, "hi"); ok {
		t.Fatalf("expected failure for empty image")
	}
	if fg.sendCalls.Load() != 0 {
		t.Fatalf("empty image must fail before any network call")
	}
}

func TestSendImageEncodesDataURI(t *testing.T) {
	fg := newFakeGateway(t)
	c := fg.client(t)
	path := filepath.Join(t.TempDir(), "promo.PNG")
	if err := os.WriteFile(path, []byte{0x89, 'P', 'N', 'G'}, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	ok, payload := c.SendImage(context.Background(), "5511", path, "Oi Ana!")
	if !ok {
		t.Fatalf("expected success, payload %v", payload)
	}
	if got := fg.lastPath.Load(); got != "/api/Principal/send-image" {
		t.Fatalf("unexpected path %v", got)
	}
	body := fg.lastBody.Load().(map[string]any)
	if b64, _ := body["base64"].(string); !strings.HasPrefix(b64, "data:image/png;base64,") {
		t.Fatalf("unexpected data uri %q", b64)
	}
	if body["filename"] != "promo.PNG" || body["caption"] != "Oi Ana!" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestImageMIMEType(t *testing.T) {
	cases := map[string]string{
		"a.png":  "image/png",
		"a.JPG":  "image/jpeg",
		"a.jpeg": "image/jpeg",
		"a.gif":  "image/gif",
		"a.webp": "image/webp",
		"a.xyz":  "image/jpeg",
		"noext":  "image/jpeg",
	}
	for in, want := range cases {
		if got := ImageMIMEType(in); got != want {
			t.Errorf("ImageMIMEType(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSessionStatus(t *testing.T) {
	fg := newFakeGateway(t)
	fg.sendHandler = func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"QRCODE","qrcode":"data:image/png;base64,AAAA","urlcode":"2@abc"}`))
	}
	c := fg.client(t)

	state, err := c.SessionStatus(context.Background())
	if err != nil {
		t.Fatalf("SessionStatus: %v", err)
	}
	if state.Connected() {
		t.Fatalf("QRCODE state must not be connected")
	}
	if state.URLCode != "2@abc" || state.QRCode == "" {
		t.Fatalf("unexpected state %+v", state)
	}
	if got := fg.lastPath.Load(); got != "/api/Principal/status-session" {
		t.Fatalf("unexpected path %v", got)
	}
}

func TestCredentialsEnsureRefreshesOnlyWhenAbsent(t *testing.T) {
	issuer := &countingIssuer{token: "abc"}
	creds := NewCredentials(issuer)

	for i := 0; i < 2; i++ {
		tok, err := creds.Ensure(context.Background())
		if err != nil || tok != "abc" {
			t.Fatalf("Ensure = %q, %v", tok, err)
		}
	}
	if issuer.calls != 1 {
		t.Fatalf("expected one issuance, got %d", issuer.calls)
	}

	creds.Invalidate()
	if _, err := creds.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure after invalidate: %v", err)
	}
	if issuer.calls != 2 {
		t.Fatalf("expected re-issuance after invalidate, got %d", issuer.calls)
	}
}

type countingIssuer struct {
	token string
	calls int
}

func (c *countingIssuer) IssueToken(context.Context) (string, error) {
	c.calls++
	return c.token, nil
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient("", "s", NewCredentials(nil)); err == nil {
		t.Fatalf("expected error for empty base url")
	}
	if _, err := NewClient("http://x", "", NewCredentials(nil)); err == nil {
		t.Fatalf("expected error for empty session")
	}
	if _, err := NewClient("http://x", "s", nil); err == nil {
		t.Fatalf("expected error for nil credentials")
	}
}
