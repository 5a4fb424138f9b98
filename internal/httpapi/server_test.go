package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/vigil/internal/config"
	"github.com/nextlevelbuilder/vigil/internal/store"
	"github.com/nextlevelbuilder/vigil/internal/store/mem"
)

func testServer() (*Server, *store.Stores) {
	cfg := config.Default()
	cfg.Telegram.WebhookSecret = "hush"
	stores := mem.NewStores()
	// No ingestor: webhook tests that reach dispatch are out of scope here,
	// they live in the ingest package.
	return NewServer(cfg, stores, nil, nil), stores
}

func TestWebhookRejectsBadSecret(t *testing.T) {
	s, _ := testServer()
	mux := s.BuildMux()

	body := `{"update_id": 1}`
	cases := []struct {
		name   string
		secret string
		want   int
	}{
		{"missing", "", http.StatusForbidden},
		{"wrong", "loud", http.StatusForbidden},
	}
	for _, c := range cases {
		req := httptest.NewRequest(http.MethodPost, "/webhook/telegram", strings.NewReader(body))
		if c.secret != "" {
			req.Header.Set(secretHeader, c.secret)
		}
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != c.want {
			t.Errorf("%s secret: status = %d, want %d", c.name, rec.Code, c.want)
		}
	}
}

func TestWebhookRejectsMalformedBody(t *testing.T) {
	s, _ := testServer()
	mux := s.BuildMux()

	req := httptest.NewRequest(http.MethodPost, "/webhook/telegram", strings.NewReader("{not json"))
	req.Header.Set(secretHeader, "hush")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestWebhookRefusesWhileDraining(t *testing.T) {
	s, _ := testServer()
	mux := s.BuildMux()
	s.draining.Store(true)

	req := httptest.NewRequest(http.MethodPost, "/webhook/telegram", strings.NewReader(`{"update_id": 1}`))
	req.Header.Set(secretHeader, "hush")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestHealthWithoutDB(t *testing.T) {
	s, _ := testServer()
	mux := s.BuildMux()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v", body["status"])
	}
}

func TestStatsReportsUsageAndJobs(t *testing.T) {
	s, stores := testServer()
	mux := s.BuildMux()
	ctx := context.Background()

	if err := stores.Ledger.Log(ctx, &store.LedgerEntry{
		ID: store.GenNewID(), Scope: store.ScopeReactive, Provider: "test", TokensTotal: 1234,
	}); err != nil {
		t.Fatal(err)
	}
	dep := &store.DeploymentData{
		ID: store.GenNewID(), SHA: "abc123", Branch: "main",
		Status: store.DeployHealthy, StartedAt: time.Now().UTC(),
	}
	if err := stores.Deployments.Create(ctx, dep); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		Messages    int64            `json:"messages"`
		TokensToday map[string]int64 `json:"tokens_today"`
		Deployment  struct {
			SHA    string `json:"sha"`
			Status string `json:"status"`
		} `json:"deployment"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.TokensToday[store.ScopeReactive] != 1234 {
		t.Errorf("reactive tokens = %d, want 1234", body.TokensToday[store.ScopeReactive])
	}
	if body.Deployment.SHA != "abc123" || body.Deployment.Status != store.DeployHealthy {
		t.Errorf("deployment = %+v", body.Deployment)
	}
}
