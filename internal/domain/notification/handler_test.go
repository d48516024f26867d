package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/medvault/medvault/internal/platform/auth"
	"github.com/medvault/medvault/pkg/pagination"
)

func newTestHandler() (*Handler, *mockRepo, *Dispatcher, *echo.Echo) {
	d, repo, _, _ := newTestDispatcher()
	return NewHandler(NewService(repo), d), repo, d, echo.New()
}

func newUserContext(e *echo.Echo, method, target, body, userID string, roles ...string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	req = req.WithContext(auth.WithPrincipal(req.Context(), userID, roles))
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestHandler_ListNotifications(t *testing.T) {
	h, _, d, e := newTestHandler()
	ctx := context.Background()
	d.NotifyUser(ctx, "u1", newDocument)
	d.NotifyUser(ctx, "u1", newDocument)
	d.NotifyUser(ctx, "u2", newDocument)

	c, rec := newUserContext(e, http.MethodGet, "/api/v1/notifications?unread=true", "", "u1", auth.RolePatient)
	if err := h.ListNotifications(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Data  []Notification `json:"data"`
		Total int            `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 2 || len(resp.Data) != 2 {
		t.Fatalf("expected the caller's 2 notifications, got %d", resp.Total)
	}
	for _, n := range resp.Data {
		if n.RecipientID != "u1" || n.IsRead {
			t.Fatalf("unexpected record %+v", n)
		}
	}
}

func TestHandler_ListNotifications_Empty(t *testing.T) {
	h, _, _, e := newTestHandler()
	c, rec := newUserContext(e, http.MethodGet, "/api/v1/notifications", "", "u1")
	h.ListNotifications(c)

	var resp pagination.Response
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if data, ok := resp.Data.([]interface{}); !ok || len(data) != 0 {
		t.Fatalf("expected an empty array, got %s", rec.Body.String())
	}
}

func TestHandler_MarkReadAndCount(t *testing.T) {
	h, repo, d, e := newTestHandler()
	d.NotifyUser(context.Background(), "u1", newDocument)
	d.NotifyUser(context.Background(), "u1", newDocument)
	id := repo.records[0].ID.String()

	c, _ := newUserContext(e, http.MethodPut, "/api/v1/notifications/"+id+"/read", "", "u2")
	c.SetParamNames("id")
	c.SetParamValues(id)
	err := h.MarkRead(c)
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for another user's notification, got %v", err)
	}

	c, rec := newUserContext(e, http.MethodPut, "/api/v1/notifications/"+id+"/read", "", "u1")
	c.SetParamNames("id")
	c.SetParamValues(id)
	if err := h.MarkRead(c); err != nil || rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d err=%v", rec.Code, err)
	}

	c, rec = newUserContext(e, http.MethodGet, "/api/v1/notifications/unread-count", "", "u1")
	h.UnreadCount(c)
	if strings.TrimSpace(rec.Body.String()) != `{"count":1}` {
		t.Fatalf("unexpected count body %s", rec.Body.String())
	}

	c, rec = newUserContext(e, http.MethodPut, "/api/v1/notifications/read-all", "", "u1")
	h.MarkAllRead(c)
	if strings.TrimSpace(rec.Body.String()) != `{"updated":1}` {
		t.Fatalf("unexpected read-all body %s", rec.Body.String())
	}
}

func TestHandler_MarkRead_InvalidID(t *testing.T) {
	h, _, _, e := newTestHandler()
	c, _ := newUserContext(e, http.MethodPut, "/", "", "u1")
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	if he, ok := h.MarkRead(c).(*echo.HTTPError); !ok || he.Code != http.StatusBadRequest {
		t.Fatal("expected 400")
	}
}

func TestHandler_IngestEvent(t *testing.T) {
	h, repo, _, e := newTestHandler()

	body := `{"type":"new_document","title":"New document","message":"Shared with you","recipients":["p1","p2"]}`
	c, rec := newUserContext(e, http.MethodPost, "/api/v1/events", body, "svc-1", auth.RoleSystem)
	if err := h.IngestEvent(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	var res DispatchResult
	json.Unmarshal(rec.Body.Bytes(), &res)
	if res.Persisted != 2 || res.Delivered != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(repo.records) != 2 {
		t.Fatalf("expected 2 stored records, got %d", len(repo.records))
	}
}

func TestHandler_IngestEvent_Invalid(t *testing.T) {
	h, _, _, e := newTestHandler()
	for _, body := range []string{`{"type":"x"}`, `{"recipients":["p1"]}`, `{bad`} {
		c, _ := newUserContext(e, http.MethodPost, "/api/v1/events", body, "svc-1", auth.RoleSystem)
		if he, ok := h.IngestEvent(c).(*echo.HTTPError); !ok || he.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for %s", body)
		}
	}
}

func TestHandler_IngestEvent_PersistFailure(t *testing.T) {
	h, repo, _, e := newTestHandler()
	repo.failFor["p1"] = true
	c, _ := newUserContext(e, http.MethodPost, "/api/v1/events", `{"type":"x","recipients":["p1"]}`, "svc-1", auth.RoleSystem)
	if he, ok := h.IngestEvent(c).(*echo.HTTPError); !ok || he.Code != http.StatusInternalServerError {
		t.Fatal("expected 500 when storage fails")
	}
}

func TestHandler_EventsRequireRole(t *testing.T) {
	h, _, _, e := newTestHandler()
	h.RegisterRoutes(e.Group("/api/v1"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", strings.NewReader(`{"type":"x","role":"staff"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(auth.WithPrincipal(req.Context(), "p1", []string{auth.RolePatient}))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a patient, got %d", rec.Code)
	}
}
