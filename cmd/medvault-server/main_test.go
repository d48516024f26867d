package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/medvault/medvault/internal/config"
	"github.com/medvault/medvault/internal/platform/websocket"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:             "8000",
		Env:              "development",
		StoreDriver:      config.StoreDriverSQLite,
		SQLitePath:       ":memory:",
		DefaultTenant:    "default",
		CORSOrigins:      []string{"http://localhost:3000"},
		AccessSessionTTL: 5 * time.Minute,
		AuditWindowDays:  30,
		WSSendBuffer:     16,
		WSPingInterval:   time.Second,
		WSMessageRate:    10,
		WSMessageBurst:   20,
		RateLimitRPS:     1000,
		RateLimitBurst:   1000,
		OTelServiceName:  "medvault-test",
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *server {
	t.Helper()
	s, err := newServer(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})
	return s
}

func do(s *server, method, path, body, user, roles string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set("X-Dev-User", user)
		req.Header.Set("X-Dev-Roles", roles)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestServer_HealthEndpoints(t *testing.T) {
	s := newTestServer(t, testConfig())

	for _, path := range []string{"/health", "/health/db", "/metrics"} {
		rec := do(s, http.MethodGet, path, "", "", "")
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s: expected 200, got %d", path, rec.Code)
		}
	}

	rec := do(s, http.MethodGet, "/health/db", "", "", "")
	if !strings.Contains(rec.Body.String(), `"driver":"sqlite"`) {
		t.Errorf("expected sqlite pool stats, got %s", rec.Body.String())
	}
}

func TestServer_DocumentAccessFlow(t *testing.T) {
	s := newTestServer(t, testConfig())

	var first, second struct {
		Granted      bool   `json:"granted"`
		SessionToken string `json:"session_token"`
		IsNewSession bool   `json:"is_new_session"`
	}
	rec := do(s, http.MethodPost, "/api/v1/documents/doc-1/access", "", "patient-1", "patient")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	json.Unmarshal(rec.Body.Bytes(), &first)

	rec = do(s, http.MethodPost, "/api/v1/documents/doc-1/access", "", "patient-1", "patient")
	json.Unmarshal(rec.Body.Bytes(), &second)

	if !first.Granted || !first.IsNewSession || first.SessionToken == "" {
		t.Fatalf("unexpected first grant %+v", first)
	}
	if second.IsNewSession || second.SessionToken != first.SessionToken {
		t.Fatalf("expected the session to be reused, got %+v", second)
	}

	rec = do(s, http.MethodGet, "/api/v1/documents/doc-1/download", "", "patient-1", "patient")
	if rec.Code != http.StatusForbidden || !strings.Contains(rec.Body.String(), "download_blocked") {
		t.Fatalf("expected download to be blocked, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(s, http.MethodGet, "/api/v1/documents/doc-1/access-log", "", "patient-1", "patient")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected patients to be refused the audit log, got %d", rec.Code)
	}

	rec = do(s, http.MethodGet, "/api/v1/documents/doc-1/access-log?days=30", "", "auditor", "admin")
	var log struct {
		Total int `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &log)
	if rec.Code != http.StatusOK || log.Total != 3 {
		t.Fatalf("expected 3 audit entries, got %d (%d)", log.Total, rec.Code)
	}
}

func TestServer_IngestAndPollNotifications(t *testing.T) {
	s := newTestServer(t, testConfig())

	body := `{"type":"new_document","title":"New document","message":"Shared with you","recipients":["patient-1"]}`
	rec := do(s, http.MethodPost, "/api/v1/events", body, "producer", "patient")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a non-system caller, got %d", rec.Code)
	}

	rec = do(s, http.MethodPost, "/api/v1/events", body, "producer", "system")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(s, http.MethodGet, "/api/v1/notifications/unread-count", "", "patient-1", "patient")
	if strings.TrimSpace(rec.Body.String()) != `{"count":1}` {
		t.Fatalf("expected one unread notification, got %s", rec.Body.String())
	}
}

func TestServer_WebSocketReceivesNotification(t *testing.T) {
	s := newTestServer(t, testConfig())
	ts := httptest.NewServer(s.echo)
	defer ts.Close()

	header := http.Header{}
	header.Set("X-Dev-User", "patient-2")
	header.Set("X-Dev-Roles", "patient")
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, _, err := gorillawebsocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	readEvent := func() websocket.Event {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var ev websocket.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read: %v", err)
		}
		return ev
	}
	if ev := readEvent(); ev.Type != websocket.EventConnected {
		t.Fatalf("expected connected event, got %s", ev.Type)
	}

	body := `{"type":"lab_result","title":"Lab result","message":"Ready","recipients":["patient-2"]}`
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/events", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Dev-User", "producer")
	req.Header.Set("X-Dev-Roles", "system")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post event: %v", err)
	}
	resp.Body.Close()

	ev := readEvent()
	if ev.Type != websocket.EventNotification || !strings.Contains(string(ev.Data), "lab_result") {
		t.Fatalf("expected the lab_result notification, got %s %s", ev.Type, ev.Data)
	}
}

func TestAuthMiddleware_ProductionRequiresToken(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "production"
	cfg.AuthSigningKey = strings.Repeat("k", 32)
	s := newTestServer(t, cfg)

	rec := do(s, http.MethodPost, "/api/v1/documents/doc-1/access", "", "patient-1", "patient")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a bearer token, got %d", rec.Code)
	}

	if rec := do(s, http.MethodGet, "/health", "", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected /health to stay public, got %d", rec.Code)
	}
}

func TestEnvelopeFromFlags(t *testing.T) {
	cmd := eventsCmd()
	publish, _, err := cmd.Find([]string{"publish"})
	if err != nil {
		t.Fatal(err)
	}
	publish.Flags().Set("type", "new_document")
	publish.Flags().Set("title", "New document")
	publish.Flags().Set("recipient", "p1")
	publish.Flags().Set("recipient", "p2")
	publish.Flags().Set("data", `{"document_id":"doc-1"}`)

	env, err := envelopeFromFlags(publish)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Type != "new_document" || len(env.Recipients) != 2 || string(env.Data) != `{"document_id":"doc-1"}` {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestEnvelopeFromFlags_RequiresTarget(t *testing.T) {
	cmd := eventsCmd()
	publish, _, _ := cmd.Find([]string{"publish"})
	publish.Flags().Set("type", "new_document")

	if _, err := envelopeFromFlags(publish); err == nil {
		t.Fatal("expected an error without recipients, role or channel")
	}
}
