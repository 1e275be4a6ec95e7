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
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/foxzi/mailcast/internal/broadcast"
	"github.com/foxzi/mailcast/internal/campaign"
	"github.com/foxzi/mailcast/internal/config"
	"github.com/foxzi/mailcast/internal/merge"
	"github.com/foxzi/mailcast/internal/storage/bolt"
	"github.com/foxzi/mailcast/internal/tracking"
	"github.com/foxzi/mailcast/internal/transport"
)

const testAPIKey = "test-key"

// mockSender accepts everything except addresses listed in fail
type mockSender struct {
	mu   sync.Mutex
	sent []*transport.Message
	fail map[string]bool
}

func (m *mockSender) Send(ctx context.Context, msg *transport.Message) (*transport.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	if m.fail[msg.To] {
		return nil, &transport.Error{Kind: transport.KindRejectedRecipient, Message: "550 no such user"}
	}
	return &transport.Receipt{ID: msg.MessageID}, nil
}

type testEnv struct {
	server  *Server
	manager *campaign.Manager
	sender  *mockSender
	tracker *tracking.Tracker
}

func newTestEnv(t *testing.T, apiCfg config.APIConfig) *testEnv {
	t.Helper()

	store, err := bolt.Open(filepath.Join(t.TempDir(), "mailcast.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.DiscardHandler)
	sender := &mockSender{fail: map[string]bool{}}

	tracker, err := tracking.New(tracking.Options{Secret: "tracking-secret", BaseURL: "http://mail.example.com/t"})
	if err != nil {
		t.Fatalf("failed to create tracker: %v", err)
	}

	engine := merge.NewEngine(merge.Options{})
	mgr := campaign.NewManager(store, nil, campaign.Options{
		NewSender: func(transport.Config) (transport.Sender, error) { return sender, nil },
		Merge:     engine,
		Logger:    logger,
	})
	t.Cleanup(func() { mgr.Shutdown(context.Background()) })

	if apiCfg.MaxUploadBytes == 0 {
		apiCfg.MaxUploadBytes = 1 << 20
	}
	srv := NewServer(&apiCfg, Deps{
		Campaigns:   mgr,
		Merge:       engine,
		Broadcaster: broadcast.New(broadcast.Options{}),
		Tracker:     tracker,
		Version:     "1.2.3",
	}, logger)

	return &testEnv{server: srv, manager: mgr, sender: sender, tracker: tracker}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
	return v
}

func campaignBody() map[string]any {
	return map[string]any{
		"name":       "March",
		"fromName":   "News",
		"fromEmail":  "news@example.com",
		"sendMethod": "smtp",
		"smtpMode":   "localhost",
		"sendSpeed":  50,
		"subjects":   []string{"Hello {firstname}"},
		"html":       "<p>Hi {firstname} from {company}</p>",
		"recipients": "ann@example.org|firstname=Ann\nnot-an-address\nbob@example.org\n",
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{APIKey: testAPIKey})

	rr := env.do(t, http.MethodGet, "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	resp := decode[HealthResponse](t, rr)
	if resp.Status != "ok" {
		t.Errorf("expected status ok, got %s", resp.Status)
	}
	if resp.Version != "1.2.3" {
		t.Errorf("expected version 1.2.3, got %s", resp.Version)
	}
}

func TestAuthMiddleware(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-key"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash key: %v", err)
	}

	tests := []struct {
		name       string
		cfg        config.APIConfig
		header     string
		value      string
		wantStatus int
	}{
		{"no key configured", config.APIConfig{}, "", "", http.StatusOK},
		{"missing key", config.APIConfig{APIKey: testAPIKey}, "", "", http.StatusUnauthorized},
		{"wrong key", config.APIConfig{APIKey: testAPIKey}, "X-API-Key", "nope", http.StatusUnauthorized},
		{"x-api-key", config.APIConfig{APIKey: testAPIKey}, "X-API-Key", testAPIKey, http.StatusOK},
		{"bearer", config.APIConfig{APIKey: testAPIKey}, "Authorization", "Bearer " + testAPIKey, http.StatusOK},
		{"bcrypt hash", config.APIConfig{APIKeyHash: string(hash)}, "X-API-Key", "hashed-key", http.StatusOK},
		{"bcrypt mismatch", config.APIConfig{APIKeyHash: string(hash)}, "X-API-Key", testAPIKey, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.cfg)

			req := httptest.NewRequest(http.MethodGet, "/api/v1/personalization/variables", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rr := httptest.NewRecorder()
			env.server.Handler().ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rr.Code)
			}
		})
	}
}

func TestIPFilter(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{AllowedIPs: []string{"10.0.0.0/8"}})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/personalization/variables", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	rr := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Errorf("expected status 403, got %d", rr.Code)
	}

	// health stays public
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	rr = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
}

func TestCreateCampaign(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{})

	rr := env.do(t, http.MethodPost, "/api/v1/campaigns", campaignBody())
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	resp := decode[CreateResponse](t, rr)
	if resp.CampaignID == 0 {
		t.Fatal("expected campaign id")
	}
	if resp.Status != campaign.StatusProcessing {
		t.Errorf("expected status processing, got %s", resp.Status)
	}
	if len(resp.Skipped) != 1 || !strings.Contains(resp.Skipped[0], "line 2") {
		t.Errorf("expected line 2 to be skipped, got %v", resp.Skipped)
	}
	if len(resp.Warnings) != 0 {
		t.Errorf("expected no warnings, got %v", resp.Warnings)
	}

	env.manager.Wait(resp.CampaignID)

	rr = env.do(t, http.MethodGet, "/api/v1/campaigns/1/status", nil)
	snap := decode[campaign.StatusSnapshot](t, rr)
	if snap.Status != campaign.StatusCompleted || snap.Sent != 2 || snap.Success != 2 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}

	rr = env.do(t, http.MethodGet, "/api/v1/campaigns/1/recipients?limit=10", nil)
	rows := decode[RecipientsResponse](t, rr)
	if len(rows.Recipients) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows.Recipients))
	}
	if rows.Recipients[0].Subject != "Hello Ann" {
		t.Errorf("expected merged subject, got %q", rows.Recipients[0].Subject)
	}

	rr = env.do(t, http.MethodGet, "/api/v1/campaigns", nil)
	list := decode[ListResponse](t, rr)
	if len(list.Campaigns) != 1 || list.Campaigns[0].Name != "March" {
		t.Errorf("unexpected list: %+v", list.Campaigns)
	}
}

func TestCreateCampaignInvalid(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{})

	body := campaignBody()
	body["smtpMode"] = "relay"

	rr := env.do(t, http.MethodPost, "/api/v1/campaigns", body)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decode[ErrorResponse](t, rr)
	if resp.CampaignID == 0 {
		t.Fatal("expected the rejected campaign to be recorded")
	}

	rr = env.do(t, http.MethodGet, "/api/v1/campaigns/1", nil)
	c := decode[campaign.Campaign](t, rr)
	if c.Status != campaign.StatusFailed || c.FailureReason == "" {
		t.Errorf("expected failed campaign with a reason, got %s %q", c.Status, c.FailureReason)
	}
	if c.RecipientCount != 0 {
		t.Errorf("expected 0 recipients, got %d", c.RecipientCount)
	}

	t.Run("unknown method", func(t *testing.T) {
		body := campaignBody()
		body["sendMethod"] = "pigeon"
		rr := env.do(t, http.MethodPost, "/api/v1/campaigns", body)
		if rr.Code != http.StatusUnprocessableEntity {
			t.Errorf("expected status 422, got %d", rr.Code)
		}
	})

	t.Run("invalid json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/campaigns", strings.NewReader("{"))
		rr := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestCreateCampaignMultipart(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := map[string]string{
		"fromEmail":  "news@example.com",
		"sendMethod": "smtp",
		"rotateSmtp": "true",
		"sendSpeed":  "20",
	}
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	files := map[string]string{
		"htmlFile":            "<p>Hi {emailname}</p>",
		"subjectsFile":        "First\n\nSecond\n",
		"recipientsFile":      "a@example.org\nb@example.org\nc@example.org\n",
		"smtpCredentialsFile": "smtp1.example.com,587,u1,p1\nsmtp2.example.com,587,u2,p2\n",
	}
	for field, content := range files {
		fw, err := mw.CreateFormFile(field, field+".txt")
		if err != nil {
			t.Fatalf("failed to create form file: %v", err)
		}
		fw.Write([]byte(content))
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/campaigns", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decode[CreateResponse](t, rr)
	env.manager.Wait(resp.CampaignID)

	c, err := env.manager.Get(context.Background(), resp.CampaignID)
	if err != nil {
		t.Fatalf("failed to get campaign: %v", err)
	}
	if !c.RotateSMTP {
		t.Error("expected rotating transport")
	}
	if c.FromName != defaultFromName {
		t.Errorf("expected default from name, got %q", c.FromName)
	}
	if len(c.Subjects) != 2 || c.Success != 3 {
		t.Errorf("unexpected campaign: subjects=%v success=%d", c.Subjects, c.Success)
	}
	if strings.Contains(rr.Body.String(), "p1") {
		t.Error("response must not contain smtp passwords")
	}

	env.sender.mu.Lock()
	defer env.sender.mu.Unlock()
	if env.sender.sent[1].Subject != "Second" {
		t.Errorf("expected subject rotation, got %q", env.sender.sent[1].Subject)
	}
}

func TestCampaignErrors(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{})

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"unknown campaign", http.MethodGet, "/api/v1/campaigns/42", http.StatusNotFound},
		{"unknown status", http.MethodGet, "/api/v1/campaigns/42/status", http.StatusNotFound},
		{"unknown recipients", http.MethodGet, "/api/v1/campaigns/42/recipients", http.StatusNotFound},
		{"cancel unknown", http.MethodPost, "/api/v1/campaigns/42/cancel", http.StatusNotFound},
		{"invalid id", http.MethodGet, "/api/v1/campaigns/abc", http.StatusBadRequest},
		{"zero id", http.MethodGet, "/api/v1/campaigns/0", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, tt.method, tt.path, nil)
			if rr.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rr.Code)
			}
		})
	}
}

func TestCampaignEvents(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{})

	rr := env.do(t, http.MethodPost, "/api/v1/campaigns", campaignBody())
	resp := decode[CreateResponse](t, rr)
	env.manager.Wait(resp.CampaignID)

	tests := []struct {
		name       string
		body       EventRequest
		wantStatus int
	}{
		{"delivered", EventRequest{Index: 0, Event: "delivered"}, http.StatusOK},
		{"replied", EventRequest{Index: 1, Event: "replied"}, http.StatusOK},
		{"unknown event", EventRequest{Index: 0, Event: "bounced"}, http.StatusUnprocessableEntity},
		{"unknown row", EventRequest{Index: 9, Event: "opened"}, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/api/v1/campaigns/1/events", tt.body)
			if rr.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d: %s", tt.wantStatus, rr.Code, rr.Body.String())
			}
		})
	}

	rr = env.do(t, http.MethodGet, "/api/v1/campaigns/1/recipients", nil)
	rows := decode[RecipientsResponse](t, rr)
	if !rows.Recipients[0].Delivered || !rows.Recipients[1].Replied {
		t.Errorf("events not recorded: %+v %+v", rows.Recipients[0], rows.Recipients[1])
	}
}

func TestTrackingRoutes(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{APIKey: testAPIKey})

	rr := env.do(t, http.MethodPost, "/api/v1/campaigns", campaignBody())
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/campaigns", bytes.NewReader(mustJSON(t, campaignBody())))
	req.Header.Set("X-API-Key", testAPIKey)
	rr = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rr, req)
	resp := decode[CreateResponse](t, rr)
	env.manager.Wait(resp.CampaignID)

	open := strings.TrimPrefix(env.tracker.OpenURL(resp.CampaignID, 1), "http://mail.example.com")
	rr = env.do(t, http.MethodGet, open, nil)
	if rr.Code != http.StatusOK || rr.Header().Get("Content-Type") != "image/gif" {
		t.Fatalf("expected gif, got %d %s", rr.Code, rr.Header().Get("Content-Type"))
	}

	rows, err := env.manager.Recipients(context.Background(), resp.CampaignID, 0, 0)
	if err != nil {
		t.Fatalf("failed to list recipients: %v", err)
	}
	if !rows[1].Opened {
		t.Error("expected open to be recorded")
	}
}

func TestTestEmail(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{})

	body := map[string]any{
		"testEmail":  "ann@example.org|firstname=Ann",
		"fromEmail":  "news@example.com",
		"sendMethod": "smtp",
		"smtpMode":   "localhost",
		"subjects":   []string{"Test for {firstname}"},
		"html":       "<p>Hi {firstname}</p>",
	}

	rr := env.do(t, http.MethodPost, "/api/v1/email/test", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	env.sender.mu.Lock()
	got := env.sender.sent[0].Subject
	env.sender.mu.Unlock()
	if got != "Test for Ann" {
		t.Errorf("expected merged subject, got %q", got)
	}

	t.Run("rejected", func(t *testing.T) {
		env.sender.mu.Lock()
		env.sender.fail["bob@example.org"] = true
		env.sender.mu.Unlock()

		body["testEmail"] = "bob@example.org"
		rr := env.do(t, http.MethodPost, "/api/v1/email/test", body)
		if rr.Code != http.StatusBadGateway {
			t.Errorf("expected status 502, got %d", rr.Code)
		}
	})

	t.Run("missing address", func(t *testing.T) {
		body["testEmail"] = ""
		rr := env.do(t, http.MethodPost, "/api/v1/email/test", body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestPersonalization(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{})

	t.Run("variables", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/api/v1/personalization/variables", nil)
		resp := decode[map[string][]merge.Variable](t, rr)
		if len(resp["variables"]) != len(merge.Catalog()) {
			t.Errorf("expected full catalog, got %d entries", len(resp["variables"]))
		}
	})

	t.Run("documentation", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/api/v1/personalization/documentation", nil)
		if !strings.HasPrefix(rr.Header().Get("Content-Type"), "text/html") {
			t.Errorf("expected html, got %s", rr.Header().Get("Content-Type"))
		}
		if !strings.Contains(rr.Body.String(), "<table>") {
			t.Error("expected rendered table")
		}
	})

	t.Run("parse", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/api/v1/personalization/parse", ParseRequest{Line: "ann@example.org|Plan = pro"})
		resp := decode[ParseResponse](t, rr)
		if !resp.Valid || resp.Record.Email != "ann@example.org" {
			t.Fatalf("unexpected response: %+v", resp)
		}
		if v, _ := resp.Record.Get("plan"); v != "pro" {
			t.Errorf("expected plan=pro, got %q", v)
		}

		rr = env.do(t, http.MethodPost, "/api/v1/personalization/parse", ParseRequest{Line: "ann@localhost"})
		if rr.Code != http.StatusUnprocessableEntity {
			t.Errorf("expected status 422, got %d", rr.Code)
		}
		if resp := decode[ParseResponse](t, rr); resp.Valid || resp.Reason == "" {
			t.Errorf("expected a reason, got %+v", resp)
		}
	})

	t.Run("merge", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/api/v1/personalization/merge", MergeRequest{
			Template: "Hi {firstname}, your plan is {plan} {missing}",
			Line:     "ann.lee@example.org|plan=pro",
		})
		resp := decode[MergeResponse](t, rr)
		if !strings.HasPrefix(resp.Output, "Hi Ann, your plan is pro") {
			t.Errorf("unexpected output %q", resp.Output)
		}
		if len(resp.Unresolved) != 1 || resp.Unresolved[0] != "missing" {
			t.Errorf("expected missing to be unresolved, got %v", resp.Unresolved)
		}
	})
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{campaign.ErrNotFound, http.StatusNotFound},
		{campaign.ErrExpired, http.StatusGone},
		{campaign.ErrRecipientFailed, http.StatusConflict},
		{campaign.ErrAlreadyStarted, http.StatusConflict},
		{&campaign.ConfigError{Reason: "x"}, http.StatusUnprocessableEntity},
		{campaign.StoreError("get campaign", errors.New("disk")), http.StatusServiceUnavailable},
		{badRequest("bad"), http.StatusBadRequest},
		{errors.New("other"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	return data
}
