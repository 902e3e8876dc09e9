package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/foxzi/wapanel/internal/bulk"
	"github.com/foxzi/wapanel/internal/config"
	"github.com/foxzi/wapanel/internal/dispatch"
	"github.com/foxzi/wapanel/internal/models"
	"github.com/foxzi/wapanel/internal/quota"
	"github.com/foxzi/wapanel/internal/recipients"
	"github.com/foxzi/wapanel/internal/reminders"
)

type fakeBulk struct {
	resolver *recipients.Resolver
	contacts map[string][]models.Contact

	req      bulk.Request
	resolved *recipients.Result
	sync     bool
	err      error
}

func (f *fakeBulk) ResolveUpload(filename string, src io.Reader) (*recipients.Result, error) {
	return f.resolver.FromFile(filename, src)
}

func (f *fakeBulk) ResolveContacts(_ context.Context, listName string) (*recipients.Result, error) {
	list, ok := f.contacts[listName]
	if !ok {
		return nil, models.ErrValidation
	}
	return f.resolver.FromContacts(list), nil
}

func (f *fakeBulk) ResolveEntries(entries []models.ResolvedRecipient) *recipients.Result {
	return f.resolver.FromEntries(entries)
}

func (f *fakeBulk) Launch(_ context.Context, req bulk.Request, resolved *recipients.Result) (*bulk.Result, error) {
	f.req, f.resolved = req, resolved
	if f.err != nil {
		return nil, f.err
	}
	c := &models.Campaign{ID: "c1", Name: req.Name, Template: req.Template, Source: req.Source, TotalRecipients: len(resolved.Recipients)}
	res := &bulk.Result{Campaign: c, Skipped: resolved.Skipped, Duplicates: resolved.Duplicates}
	if f.sync {
		p := models.NewProgress(c.TotalRecipients, 0, c.TotalRecipients)
		res.Start = &dispatch.StartResult{CampaignID: c.ID, Progress: &p}
	} else {
		res.Start = &dispatch.StartResult{CampaignID: c.ID, Async: true}
	}
	return res, nil
}

type fakeCampaigns struct {
	campaigns  []models.Campaign
	recipients []models.Recipient
	filter     models.RecipientFilter
}

func (f *fakeCampaigns) List(_ context.Context, filter models.CampaignListFilter) ([]models.Campaign, int, error) {
	var out []models.Campaign
	for _, c := range f.campaigns {
		if filter.Status == "" || c.Status == filter.Status {
			out = append(out, c)
		}
	}
	return out, len(out), nil
}

func (f *fakeCampaigns) ListRecipients(_ context.Context, filter models.RecipientFilter) ([]models.Recipient, int, error) {
	f.filter = filter
	if filter.CampaignID != "c1" {
		return nil, 0, models.ErrNotFound
	}
	return f.recipients, len(f.recipients), nil
}

type fakeControl struct {
	errs  map[string]error
	calls []string
}

func (f *fakeControl) do(op, id string) error {
	f.calls = append(f.calls, op+":"+id)
	return f.errs[op]
}

func (f *fakeControl) StartCampaign(_ context.Context, id string) (*dispatch.StartResult, error) {
	if err := f.do("start", id); err != nil {
		return nil, err
	}
	p := models.NewProgress(2, 1, 3)
	return &dispatch.StartResult{CampaignID: id, Progress: &p}, nil
}

func (f *fakeControl) Pause(_ context.Context, id string) error  { return f.do("pause", id) }
func (f *fakeControl) Resume(_ context.Context, id string) error { return f.do("resume", id) }
func (f *fakeControl) Cancel(_ context.Context, id string) error { return f.do("cancel", id) }

type fakeProgress struct {
	status *models.Status
}

func (f *fakeProgress) Status(context.Context) (*models.Status, error) {
	return f.status, nil
}

func (f *fakeProgress) Campaign(_ context.Context, id string) (*models.Status, error) {
	if id != "c1" {
		return nil, models.ErrNotFound
	}
	return f.status, nil
}

type fakeReminders struct {
	lead int
}

func (f *fakeReminders) Start(_ context.Context, lead int) (*bulk.Result, error) {
	f.lead = lead
	if lead > 2 {
		return nil, models.ErrValidation
	}
	return &bulk.Result{
		Campaign: &models.Campaign{ID: "r1", Source: models.SourceReminder, TotalRecipients: 2},
		Start:    &dispatch.StartResult{CampaignID: "r1", Async: true},
	}, nil
}

func (f *fakeReminders) Preview(_ context.Context, lead int) (*reminders.Preview, error) {
	f.lead = lead
	return &reminders.Preview{LeadDays: lead, Date: "2026-05-05", Template: "reminder_tomorrow"}, nil
}

type fakeQuota struct{}

func (fakeQuota) Stats() quota.Stats {
	return quota.Stats{Limit: 2000, Used: 150, Remaining: 1850}
}

type testDeps struct {
	bulk      *fakeBulk
	campaigns *fakeCampaigns
	control   *fakeControl
	progress  *fakeProgress
	reminders *fakeReminders
}

func setupTestServer(apiKey string) (*Server, *testDeps) {
	td := &testDeps{
		bulk: &fakeBulk{
			resolver: recipients.New(recipients.Config{}),
			contacts: map[string][]models.Contact{
				"vip": {{Name: "Ana", Phone: "5512345678"}, {Name: "Luis", Phone: "5587654321"}},
			},
		},
		campaigns: &fakeCampaigns{},
		control:   &fakeControl{errs: map[string]error{}},
		progress:  &fakeProgress{status: &models.Status{QuotaRemaining: 1850}},
		reminders: &fakeReminders{},
	}
	cfg := &config.APIConfig{
		ListenAddr: ":8080",
		APIKey:     apiKey,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server := NewServer(Deps{
		Bulk:      td.bulk,
		Campaigns: td.campaigns,
		Control:   td.control,
		Progress:  td.progress,
		Reminders: td.reminders,
		Quota:     fakeQuota{},
		Version:   "test",
	}, cfg, logger)
	return server, td
}

func do(server *Server, method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)
	return w
}

func postJSON(server *Server, path string, body any) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	return do(server, "POST", path, bytes.NewReader(data), map[string]string{"Content-Type": "application/json"})
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return v
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := setupTestServer("secret")

	w := do(server, "GET", "/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	resp := decode[HealthResponse](t, w)
	if resp.Status != "ok" || resp.Version != "test" {
		t.Errorf("Health = %+v", resp)
	}
}

func TestAuthMiddleware(t *testing.T) {
	server, _ := setupTestServer("test-api-key")

	tests := []struct {
		name       string
		headers    map[string]string
		wantStatus int
	}{
		{"no auth", nil, http.StatusUnauthorized},
		{"wrong key", map[string]string{"X-API-Key": "wrong"}, http.StatusUnauthorized},
		{"wrong bearer", map[string]string{"Authorization": "Bearer wrong"}, http.StatusUnauthorized},
		{"x-api-key", map[string]string{"X-API-Key": "test-api-key"}, http.StatusOK},
		{"bearer token", map[string]string{"Authorization": "Bearer test-api-key"}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(server, "GET", "/api/v1/quota", nil, tt.headers)
			if w.Code != tt.wantStatus {
				t.Errorf("Status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestAuthMiddlewareNoKeyConfigured(t *testing.T) {
	server, _ := setupTestServer("")

	w := do(server, "GET", "/api/v1/quota", nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestCreateBulkSendJSON(t *testing.T) {
	server, td := setupTestServer("")

	data, _ := json.Marshal(BulkSendRequest{
		Name:     "Promo mayo",
		Template: "promo_mayo",
		Params:   map[string]string{"1": "{{name}}"},
		Recipients: []models.ResolvedRecipient{
			{Phone: "55 1234 5678", Name: "Ana"},
			{Phone: "5512345678", Name: "Ana again"},
			{Phone: "123", Name: "Too short"},
		},
	})
	w := do(server, "POST", "/api/v1/bulk-sends", bytes.NewReader(data), map[string]string{
		"Content-Type": "application/json",
		"X-Created-By": "maria",
	})

	if w.Code != http.StatusAccepted {
		t.Fatalf("Status = %d, want %d: %s", w.Code, http.StatusAccepted, w.Body.String())
	}

	if !strings.Contains(w.Body.String(), `"campaign_id":"c1"`) {
		t.Errorf("body has no top-level campaign_id: %s", w.Body.String())
	}
	resp := decode[BulkSendResponse](t, w)
	if !resp.Async || resp.CampaignID != "c1" || resp.Campaign.ID != "c1" || resp.Campaign.TotalRecipients != 1 {
		t.Errorf("response = %+v", resp)
	}
	if resp.Duplicates != 1 || resp.Skipped != 1 {
		t.Errorf("Duplicates = %d, Skipped = %d, want 1 and 1", resp.Duplicates, resp.Skipped)
	}
	if td.bulk.req.CreatedBy != "maria" || td.bulk.req.Source != models.SourceAPI {
		t.Errorf("request = %+v", td.bulk.req)
	}
	if td.bulk.req.Params["1"] != "{{name}}" {
		t.Errorf("Params = %v", td.bulk.req.Params)
	}
}

func TestCreateBulkSendSynchronous(t *testing.T) {
	server, td := setupTestServer("")
	td.bulk.sync = true

	w := postJSON(server, "/api/v1/bulk-sends", BulkSendRequest{
		Name:       "Small",
		Template:   "promo",
		Recipients: []models.ResolvedRecipient{{Phone: "5512345678"}},
	})

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}
	resp := decode[BulkSendResponse](t, w)
	if resp.Async || resp.Progress == nil || resp.Progress.Percentage != 100 {
		t.Errorf("response = %+v", resp)
	}
	if td.bulk.req.CreatedBy != "api" {
		t.Errorf("CreatedBy = %q, want api", td.bulk.req.CreatedBy)
	}
}

func TestCreateBulkSendValidation(t *testing.T) {
	server, td := setupTestServer("")

	tests := []struct {
		name    string
		body    string
		wantMsg string
	}{
		{"invalid json", `{"name":`, "invalid request body"},
		{"missing name", `{"template":"t","recipients":[{"phone":"5512345678"}]}`, "name is required"},
		{"missing template", `{"name":"n","recipients":[{"phone":"5512345678"}]}`, "template is required"},
		{"no recipients", `{"name":"n","template":"t"}`, "recipients or contact_list is required"},
		{"unknown contact list", `{"name":"n","template":"t","contact_list":"nobody"}`, "validation failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			td.bulk.req = bulk.Request{}
			w := do(server, "POST", "/api/v1/bulk-sends", strings.NewReader(tt.body), map[string]string{"Content-Type": "application/json"})
			if w.Code != http.StatusBadRequest {
				t.Fatalf("Status = %d, want %d", w.Code, http.StatusBadRequest)
			}
			resp := decode[ErrorResponse](t, w)
			if !strings.Contains(resp.Error, tt.wantMsg) {
				t.Errorf("Error = %q, want it to contain %q", resp.Error, tt.wantMsg)
			}
			if td.bulk.req.Name != "" {
				t.Error("nothing should be launched")
			}
		})
	}
}

func TestCreateBulkSendContactList(t *testing.T) {
	server, td := setupTestServer("")

	w := postJSON(server, "/api/v1/bulk-sends", BulkSendRequest{Name: "VIP", Template: "promo", ContactList: "vip"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("Status = %d, want %d: %s", w.Code, http.StatusAccepted, w.Body.String())
	}
	if td.bulk.req.Source != models.SourceContacts || len(td.bulk.resolved.Recipients) != 2 {
		t.Errorf("source = %s, recipients = %d", td.bulk.req.Source, len(td.bulk.resolved.Recipients))
	}
}

func TestCreateBulkSendUpload(t *testing.T) {
	server, td := setupTestServer("")

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("name", "Upload")
	mw.WriteField("template", "promo")
	mw.WriteField("params", `{"1":"{{name}}"}`)
	mw.WriteField("draft", "true")
	fw, _ := mw.CreateFormFile("file", "clientes.csv")
	fw.Write([]byte("telefono;nombre\n5512345678;Ana\n5587654321;Luis\n5512345678;Ana\n"))
	mw.Close()

	w := do(server, "POST", "/api/v1/bulk-sends", &body, map[string]string{"Content-Type": mw.FormDataContentType()})
	if w.Code != http.StatusAccepted {
		t.Fatalf("Status = %d, want %d: %s", w.Code, http.StatusAccepted, w.Body.String())
	}

	req := td.bulk.req
	if req.Source != models.SourceUpload || !req.Draft || req.Params["1"] != "{{name}}" {
		t.Errorf("request = %+v", req)
	}
	if len(td.bulk.resolved.Recipients) != 2 || td.bulk.resolved.Duplicates != 1 {
		t.Errorf("resolved = %+v", td.bulk.resolved)
	}
}

func TestCreateBulkSendUploadErrors(t *testing.T) {
	server, _ := setupTestServer("")

	tests := []struct {
		name     string
		filename string
		params   string
	}{
		{"unsupported file type", "clientes.pdf", ""},
		{"bad params", "clientes.csv", "{not json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body bytes.Buffer
			mw := multipart.NewWriter(&body)
			mw.WriteField("name", "Upload")
			mw.WriteField("template", "promo")
			if tt.params != "" {
				mw.WriteField("params", tt.params)
			}
			fw, _ := mw.CreateFormFile("file", tt.filename)
			fw.Write([]byte("5512345678\n"))
			mw.Close()

			w := do(server, "POST", "/api/v1/bulk-sends", &body, map[string]string{"Content-Type": mw.FormDataContentType()})
			if w.Code != http.StatusBadRequest {
				t.Errorf("Status = %d, want %d", w.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestCreateBulkSendErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"conflict", models.ErrConflict, http.StatusConflict},
		{"shutting down", dispatch.ErrShuttingDown, http.StatusServiceUnavailable},
		{"creation busy", bulk.ErrBusy, http.StatusServiceUnavailable},
		{"internal", errors.New("disk full"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, td := setupTestServer("")
			td.bulk.err = tt.err

			w := postJSON(server, "/api/v1/bulk-sends", BulkSendRequest{
				Name:       "n",
				Template:   "t",
				Recipients: []models.ResolvedRecipient{{Phone: "5512345678"}},
			})
			if w.Code != tt.wantStatus {
				t.Errorf("Status = %d, want %d", w.Code, tt.wantStatus)
			}
			if errors.Is(tt.err, bulk.ErrBusy) && w.Header().Get("Retry-After") == "" {
				t.Error("busy response should carry Retry-After")
			}
			if tt.wantStatus == http.StatusInternalServerError {
				if resp := decode[ErrorResponse](t, w); strings.Contains(resp.Error, "disk") {
					t.Errorf("internal error leaked: %q", resp.Error)
				}
			}
		})
	}
}

func TestBulkStatusEndpoint(t *testing.T) {
	server, td := setupTestServer("")
	p := models.NewProgress(1, 1, 4)
	td.progress.status = &models.Status{
		Processing:     true,
		Campaign:       &models.Campaign{ID: "c1", Status: models.CampaignProcessing},
		Progress:       &p,
		QuotaRemaining: 10,
	}

	w := do(server, "GET", "/api/v1/bulk-sends/status", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}
	st := decode[models.Status](t, w)
	if !st.Processing || st.Progress.Percentage != 50 || st.QuotaRemaining != 10 {
		t.Errorf("status = %+v", st)
	}
}

func TestGetBulkSend(t *testing.T) {
	server, _ := setupTestServer("")

	if w := do(server, "GET", "/api/v1/bulk-sends/c1", nil, nil); w.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusOK)
	}
	if w := do(server, "GET", "/api/v1/bulk-sends/missing", nil, nil); w.Code != http.StatusNotFound {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestListBulkSends(t *testing.T) {
	server, td := setupTestServer("")
	td.campaigns.campaigns = []models.Campaign{
		{ID: "c1", Status: models.CampaignCompleted},
		{ID: "c2", Status: models.CampaignProcessing},
	}

	w := do(server, "GET", "/api/v1/bulk-sends?status=completed", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}
	resp := decode[ListResponse[models.Campaign]](t, w)
	if resp.Total != 1 || resp.Items[0].ID != "c1" || resp.Limit != 50 {
		t.Errorf("response = %+v", resp)
	}

	w = do(server, "GET", "/api/v1/bulk-sends?status=paused", nil, nil)
	if !strings.Contains(w.Body.String(), `"items":[]`) {
		t.Errorf("empty list should encode as [], got %s", w.Body.String())
	}
}

func TestListRecipients(t *testing.T) {
	server, td := setupTestServer("")
	td.campaigns.recipients = []models.Recipient{{ID: "r1", CampaignID: "c1", Status: models.RecipientFailed, Error: "131026: undeliverable"}}

	w := do(server, "GET", "/api/v1/bulk-sends/c1/recipients?status=failed&limit=10&offset=5", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}
	f := td.campaigns.filter
	if f.Status != models.RecipientFailed || f.Limit != 10 || f.Offset != 5 {
		t.Errorf("filter = %+v", f)
	}

	if w := do(server, "GET", "/api/v1/bulk-sends/c1/recipients?status=bogus", nil, nil); w.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if w := do(server, "GET", "/api/v1/bulk-sends/zz/recipients", nil, nil); w.Code != http.StatusNotFound {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestControlActions(t *testing.T) {
	tests := []struct {
		name       string
		action     string
		err        error
		wantStatus int
	}{
		{"start runs synchronously", "start", nil, http.StatusOK},
		{"start conflict", "start", models.ErrConflict, http.StatusConflict},
		{"pause", "pause", nil, http.StatusOK},
		{"resume invalid transition", "resume", models.ErrInvalidTransition, http.StatusConflict},
		{"cancel unknown", "cancel", models.ErrNotFound, http.StatusNotFound},
		{"cancel", "cancel", nil, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, td := setupTestServer("")
			if tt.err != nil {
				td.control.errs[tt.action] = tt.err
			}

			w := do(server, "POST", "/api/v1/bulk-sends/c1/"+tt.action, nil, nil)
			if w.Code != tt.wantStatus {
				t.Fatalf("Status = %d, want %d", w.Code, tt.wantStatus)
			}
			if len(td.control.calls) != 1 || td.control.calls[0] != tt.action+":c1" {
				t.Errorf("calls = %v", td.control.calls)
			}
			if tt.wantStatus == http.StatusOK {
				resp := decode[ActionResponse](t, w)
				if !resp.Success || resp.CampaignID != "c1" {
					t.Errorf("response = %+v", resp)
				}
			}
		})
	}
}

func TestReminderEndpoints(t *testing.T) {
	server, td := setupTestServer("")

	w := do(server, "POST", "/api/v1/reminders/start?lead=2", nil, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if td.reminders.lead != 2 {
		t.Errorf("lead = %d, want 2", td.reminders.lead)
	}
	if resp := decode[ReminderResponse](t, w); resp.Campaign.Source != models.SourceReminder {
		t.Errorf("response = %+v", resp)
	}

	w = do(server, "GET", "/api/v1/reminders/preview", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}
	if td.reminders.lead != 1 {
		t.Errorf("default lead = %d, want 1", td.reminders.lead)
	}
	if !strings.Contains(w.Body.String(), `"appointments":[]`) {
		t.Errorf("preview body = %s", w.Body.String())
	}

	for _, path := range []string{"/api/v1/reminders/start?lead=x", "/api/v1/reminders/start?lead=5"} {
		if w := do(server, "POST", path, nil, nil); w.Code != http.StatusBadRequest {
			t.Errorf("%s: Status = %d, want %d", path, w.Code, http.StatusBadRequest)
		}
	}
}

func TestQuotaEndpoint(t *testing.T) {
	server, _ := setupTestServer("")

	w := do(server, "GET", "/api/v1/quota", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}
	st := decode[quota.Stats](t, w)
	if st.Limit != 2000 || st.Remaining != 1850 {
		t.Errorf("stats = %+v", st)
	}
}

func TestServerShutdownWithoutListen(t *testing.T) {
	server, _ := setupTestServer("")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}
