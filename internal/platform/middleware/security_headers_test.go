package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func newHeadersRouter() *echo.Echo {
	e := echo.New()
	e.Use(SecurityHeaders())
	e.POST("/api/v1/documents/:id/access", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"granted":       true,
			"session_token": "tok",
		})
	})
	e.GET("/api/v1/documents/:id/download", func(c echo.Context) error {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "access_denied", "reason": "download_blocked"})
	})
	return e
}

func TestSecurityHeaders_DocumentAccessIsNotCachedOrFramed(t *testing.T) {
	e := newHeadersRouter()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents/doc-1/access", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control: got %q, want no-store", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options: got %q, want DENY", got)
	}
	if got := rec.Header().Get("Content-Security-Policy"); got != "default-src 'none'; frame-ancestors 'none'" {
		t.Errorf("Content-Security-Policy: got %q", got)
	}
	if got := rec.Header().Get("Referrer-Policy"); got != "no-referrer" {
		t.Errorf("Referrer-Policy: got %q, want no-referrer", got)
	}
}

func TestSecurityHeaders_DeniedDownloadIsNotCached(t *testing.T) {
	e := newHeadersRouter()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents/doc-1/download", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	for _, kv := range securityHeaders {
		if got := rec.Header().Get(kv[0]); got != kv[1] {
			t.Errorf("header %s: got %q, want %q", kv[0], got, kv[1])
		}
	}
}

func TestSecurityHeaders_SetOnUnmatchedRoutes(t *testing.T) {
	e := newHeadersRouter()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents/doc-1/export", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Error("expected no-store on error responses")
	}
}
