package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/acme/campaign-dispatcher/internal/contacts"
	"github.com/acme/campaign-dispatcher/internal/domain"
	"github.com/acme/campaign-dispatcher/internal/gateway/mock"
	"github.com/acme/campaign-dispatcher/internal/repository"
	"github.com/acme/campaign-dispatcher/internal/repository/memory"
	campaignsvc "github.com/acme/campaign-dispatcher/internal/service/campaign"
)

type stubDispatcher struct{ ids []string }

func (d *stubDispatcher) Dispatch(_ context.Context, id string) error {
	d.ids = append(d.ids, id)
	return nil
}

type testEnv struct {
	app        *fiber.App
	store      *memory.Store
	events     *memory.EventLog
	dispatcher *stubDispatcher
	imageDir   string
	listDir    string
}

func newTestEnv(t *testing.T, checks map[string]HealthCheck) *testEnv {
	t.Helper()
	store := memory.NewStore()
	events := memory.NewEventLog()
	dispatcher := &stubDispatcher{}
	imageDir := t.TempDir()
	listDir := t.TempDir()

	h := NewHandlerSet(Dependencies{
		Campaigns: campaignsvc.NewService(store.Ledger(), events, dispatcher, nil),
		Session:   mock.NewScripted(),
		Lists:     contacts.NewListStore(listDir),
		Checks:    checks,
		ImageDir:  imageDir,
	})
	app := fiber.New(fiber.Config{ErrorHandler: h.ErrorHandler})
	h.Register(app)
	return &testEnv{app: app, store: store, events: events, dispatcher: dispatcher, imageDir: imageDir, listDir: listDir}
}

func (e *testEnv) do(t *testing.T, req *http.Request, want int, out any) {
	t.Helper()
	resp, err := e.app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != want {
		t.Fatalf("%s %s: status %d want %d body %s", req.Method, req.URL.Path, resp.StatusCode, want, body)
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			t.Fatalf("decode %s: %v", body, err)
		}
	}
}

func jsonRequest(method, path string, body any) *http.Request {
	var reader io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return req
}

func TestCreateCampaignJSONAndFetch(t *testing.T) {
	env := newTestEnv(t, nil)

	var created createCampaignResponse
	env.do(t, jsonRequest(http.MethodPost, "/api/v1/campaigns", map[string]any{
		"id":               "camp_a",
		"message_template": "Oi {{nome}}!",
		"contacts": []map[string]string{
			{"phone": "5511999990001", "name": "Ana"},
			{"phone": "5511999990002"},
		},
	}), http.StatusCreated, &created)

	if created.Campaign.ID != "camp_a" || created.Enqueued != 2 || created.Campaign.Status != domain.CampaignStatusPending {
		t.Fatalf("unexpected create response %+v", created)
	}

	var fetched campaignResponse
	env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/campaigns/camp_a", nil), http.StatusOK, &fetched)
	if fetched.Stats == nil || fetched.Stats.Total != 2 || fetched.Stats.Pending != 2 {
		t.Fatalf("unexpected stats %+v", fetched.Stats)
	}

	env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/campaigns/missing", nil), http.StatusNotFound, nil)
}

func TestCreateCampaignValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, jsonRequest(http.MethodPost, "/api/v1/campaigns", map[string]any{"message_template": ""}), http.StatusBadRequest, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/campaigns", strings.NewReader("{"))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	env.do(t, req, http.StatusBadRequest, nil)
}

func TestCreateCampaignMultipart(t *testing.T) {
	env := newTestEnv(t, nil)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("id", "camp_upload")
	_ = w.WriteField("message_template", "Oi {{nome}}")
	list, _ := w.CreateFormFile("contacts", "lista.csv")
	_, _ = list.Write([]byte("telefone;nome\n5511999990001;Ana\n;Sem telefone\n"))
	img, _ := w.CreateFormFile("image", "promo.PNG")
	_, _ = img.Write([]byte("png-bytes"))
	_ = w.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/campaigns", &buf)
	req.Header.Set(fiber.HeaderContentType, w.FormDataContentType())

	var created createCampaignResponse
	env.do(t, req, http.StatusCreated, &created)

	if created.Enqueued != 1 || created.Load == nil || created.Load.Delimiter != ";" || created.Load.Dropped != 1 {
		t.Fatalf("unexpected response %+v load=%+v", created, created.Load)
	}
	if created.Campaign.SourceListName != "lista.csv" {
		t.Fatalf("source list name %q", created.Campaign.SourceListName)
	}
	if created.Campaign.ImageReference == nil || *created.Campaign.ImageReference != "camp_upload.png" {
		t.Fatalf("unexpected image reference %v", created.Campaign.ImageReference)
	}
	if _, err := os.Stat(filepath.Join(env.imageDir, "camp_upload.png")); err != nil {
		t.Fatalf("image not stored: %v", err)
	}
}

func uploadRequest(t *testing.T, fields map[string]string, imageName string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		_ = w.WriteField(k, v)
	}
	list, _ := w.CreateFormFile("contacts", "lista.csv")
	_, _ = list.Write([]byte("telefone;nome\n5511999990001;Ana\n"))
	if imageName != "" {
		img, _ := w.CreateFormFile("image", imageName)
		_, _ = img.Write([]byte("png-bytes"))
	}
	_ = w.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/campaigns", &buf)
	req.Header.Set(fiber.HeaderContentType, w.FormDataContentType())
	return req
}

func TestCreateCampaignMultipartRejectsUnsafeID(t *testing.T) {
	for _, id := range []string{"../escaped", "a/b", `..\escaped`, ".."} {
		env := newTestEnv(t, nil)
		parent := filepath.Dir(env.imageDir)
		before, _ := os.ReadDir(parent)

		env.do(t, uploadRequest(t, map[string]string{"id": id, "message_template": "Oi"}, "x.png"), http.StatusBadRequest, nil)

		after, _ := os.ReadDir(parent)
		if len(after) != len(before) {
			t.Fatalf("%s: upload wrote outside the image dir", id)
		}
		if entries, _ := os.ReadDir(env.imageDir); len(entries) != 0 {
			t.Fatalf("%s: image stored for a rejected campaign", id)
		}
	}
}

func TestCreateCampaignMultipartRemovesImageOnFailure(t *testing.T) {
	env := newTestEnv(t, nil)

	env.do(t, uploadRequest(t, map[string]string{"id": "camp_x", "message_template": " "}, "x.png"), http.StatusBadRequest, nil)
	if entries, _ := os.ReadDir(env.imageDir); len(entries) != 0 {
		t.Fatalf("expected no stored images, got %d", len(entries))
	}

	env.do(t, uploadRequest(t, map[string]string{"id": "camp_x", "message_template": "Oi"}, "x.png"), http.StatusCreated, nil)
	env.do(t, uploadRequest(t, map[string]string{"id": "camp_x", "message_template": "Oi"}, "x.png"), http.StatusConflict, nil)
	if _, err := os.Stat(filepath.Join(env.imageDir, "camp_x.png")); err != nil {
		t.Fatalf("existing campaign image removed: %v", err)
	}
}

func TestCreateCampaignMultipartBadList(t *testing.T) {
	env := newTestEnv(t, nil)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("message_template", "Oi")
	list, _ := w.CreateFormFile("contacts", "lista.csv")
	_, _ = list.Write([]byte("phone,name\n1,A\n"))
	_ = w.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/campaigns", &buf)
	req.Header.Set(fiber.HeaderContentType, w.FormDataContentType())

	var created createCampaignResponse
	env.do(t, req, http.StatusCreated, &created)
	if created.Campaign.Status != domain.CampaignStatusFailedNoContacts || created.LoadError == "" {
		t.Fatalf("expected FAILED_NO_CONTACTS with load error, got %+v", created)
	}
}

func listUpload(t *testing.T, filename, body string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, _ := w.CreateFormFile("contacts", filename)
	_, _ = part.Write([]byte(body))
	_ = w.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/lists", &buf)
	req.Header.Set(fiber.HeaderContentType, w.FormDataContentType())
	return req
}

func TestContactListsLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	var uploaded uploadListResponse
	env.do(t, listUpload(t, "junho.csv", "telefone;nome\n5511999990001;Ana\n5511999990002;Bia\n"), http.StatusCreated, &uploaded)
	if uploaded.Name != "junho.csv" || uploaded.Load.Accepted != 2 || uploaded.Load.Delimiter != ";" {
		t.Fatalf("unexpected upload response %+v", uploaded)
	}
	env.do(t, listUpload(t, "notes.txt", "telefone,nome\n1,A\n"), http.StatusBadRequest, nil)
	env.do(t, listUpload(t, "bad.csv", "phone,name\n1,A\n"), http.StatusBadRequest, nil)

	var listed listListsResponse
	env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/lists", nil), http.StatusOK, &listed)
	if len(listed.Lists) != 1 || listed.Lists[0].Name != "junho.csv" {
		t.Fatalf("unexpected lists %+v", listed)
	}

	var created createCampaignResponse
	env.do(t, jsonRequest(http.MethodPost, "/api/v1/campaigns", map[string]any{
		"id":               "camp_list",
		"message_template": "Oi {{nome}}",
		"list_name":        "junho.csv",
	}), http.StatusCreated, &created)
	if created.Enqueued != 2 || created.Campaign.SourceListName != "junho.csv" {
		t.Fatalf("unexpected campaign from stored list %+v", created)
	}
	env.do(t, jsonRequest(http.MethodPost, "/api/v1/campaigns", map[string]any{
		"message_template": "Oi",
		"list_name":        "missing.csv",
	}), http.StatusNotFound, nil)
	env.do(t, jsonRequest(http.MethodPost, "/api/v1/campaigns", map[string]any{
		"message_template": "Oi",
		"list_name":        "../junho.csv",
	}), http.StatusBadRequest, nil)

	env.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/lists/junho.csv", nil), http.StatusNoContent, nil)
	env.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/lists/junho.csv", nil), http.StatusNotFound, nil)
	if entries, _ := os.ReadDir(env.listDir); len(entries) != 0 {
		t.Fatalf("list dir not empty after delete: %v", entries)
	}
}

func TestListCampaignsByStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, id := range []string{"a", "b"} {
		env.do(t, jsonRequest(http.MethodPost, "/api/v1/campaigns", map[string]any{
			"id": id, "message_template": "Oi", "contacts": []map[string]string{{"phone": "1"}},
		}), http.StatusCreated, nil)
	}
	_ = env.store.UpdateStatus(context.Background(), "b", domain.CampaignStatusCompleted)

	var list listCampaignsResponse
	env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/campaigns?status=completed,paused", nil), http.StatusOK, &list)
	if len(list.Campaigns) != 1 || list.Campaigns[0].ID != "b" {
		t.Fatalf("unexpected list %+v", list)
	}

	env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/campaigns?status=bogus", nil), http.StatusBadRequest, nil)
}

func TestStartCampaign(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, jsonRequest(http.MethodPost, "/api/v1/campaigns", map[string]any{
		"id": "c1", "message_template": "Oi", "contacts": []map[string]string{{"phone": "1"}},
	}), http.StatusCreated, nil)

	env.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/campaigns/c1/start", nil), http.StatusAccepted, nil)
	if len(env.dispatcher.ids) != 1 {
		t.Fatalf("dispatcher not invoked")
	}

	_ = env.store.UpdateStatus(context.Background(), "c1", domain.CampaignStatusCompleted)
	env.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/campaigns/c1/start", nil), http.StatusConflict, nil)
}

func TestAttemptsAndEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, jsonRequest(http.MethodPost, "/api/v1/campaigns", map[string]any{
		"id": "c1", "message_template": "Oi", "contacts": []map[string]string{{"phone": "1"}, {"phone": "2"}},
	}), http.StatusCreated, nil)
	for i := 0; i < 3; i++ {
		_ = env.events.Append(context.Background(), repository.EventRecord{CampaignID: "c1", Type: "campaign_progress", Processed: i})
	}

	var attempts listAttemptsResponse
	env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/campaigns/c1/attempts?status=pending", nil), http.StatusOK, &attempts)
	if len(attempts.Attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts.Attempts))
	}
	env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/campaigns/c1/attempts?status=nope", nil), http.StatusBadRequest, nil)

	var events listEventsResponse
	env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/campaigns/c1/events?limit=2", nil), http.StatusOK, &events)
	if len(events.Events) != 2 || events.NextPage == "" {
		t.Fatalf("unexpected first page %+v", events)
	}
	env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/campaigns/c1/events?limit=2&page_token="+url.QueryEscape(events.NextPage), nil), http.StatusOK, &events)
	if len(events.Events) != 1 || events.NextPage != "" {
		t.Fatalf("unexpected second page %+v", events)
	}
}

func TestGatewaySession(t *testing.T) {
	env := newTestEnv(t, nil)
	var state sessionResponse
	env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/gateway/session", nil), http.StatusOK, &state)
	if !state.Connected {
		t.Fatalf("expected connected session, got %+v", state)
	}
	env.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/gateway/session/start", nil), http.StatusAccepted, nil)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, map[string]HealthCheck{
		"postgres": func(context.Context) error { return nil },
	})
	env.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil), http.StatusOK, nil)

	env = newTestEnv(t, map[string]HealthCheck{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})
	var body struct {
		Status string            `json:"status"`
		Errors map[string]string `json:"errors"`
	}
	env.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil), http.StatusServiceUnavailable, &body)
	if body.Status != "degraded" || body.Errors["redis"] == "" {
		t.Fatalf("unexpected health body %+v", body)
	}
}
