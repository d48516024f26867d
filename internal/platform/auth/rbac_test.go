package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextWithRoles(req *http.Request, userID string, roles ...string) *http.Request {
	return req.WithContext(WithPrincipal(req.Context(), userID, roles))
}

func TestRequireRole_Allowed(t *testing.T) {
	e := echo.New()
	req := contextWithRoles(httptest.NewRequest(http.MethodGet, "/", nil), "h-1", RoleHospital)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := RequireRole(RoleHospital, RoleLaboratory)(okHandler)(c)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	e := echo.New()
	req := contextWithRoles(httptest.NewRequest(http.MethodGet, "/", nil), "p-1", RolePatient)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := RequireRole(RoleStaff)(okHandler)(c)
	expectStatus(t, err, http.StatusForbidden)
}

func TestRequireRole_AdminBypass(t *testing.T) {
	e := echo.New()
	req := contextWithRoles(httptest.NewRequest(http.MethodGet, "/", nil), "a-1", RoleAdmin)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := RequireRole(RoleSystem)(okHandler)(c); err != nil {
		t.Error("admin should bypass role checks")
	}
}

func TestRequireUser(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	expectStatus(t, RequireUser()(okHandler)(c), http.StatusUnauthorized)

	req = contextWithRoles(req, "p-1", RolePatient)
	c = e.NewContext(req, httptest.NewRecorder())
	if err := RequireUser()(okHandler)(c); err != nil {
		t.Errorf("expected authenticated request to pass, got %v", err)
	}
}

func TestHasRole(t *testing.T) {
	ctx := WithPrincipal(context.Background(), "s-1", []string{" staff "})
	if !HasRole(ctx, RoleStaff) {
		t.Error("expected staff role to match after trimming")
	}
	if HasRole(ctx, RolePatient) {
		t.Error("staff must not match patient")
	}
	if HasRole(context.Background(), RoleStaff) {
		t.Error("anonymous context must not hold roles")
	}
}

func TestUserIDFromContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), UserIDKey, "user-123")
	if uid := UserIDFromContext(ctx); uid != "user-123" {
		t.Errorf("expected user-123, got %s", uid)
	}
	if empty := UserIDFromContext(context.Background()); empty != "" {
		t.Errorf("expected empty string, got %s", empty)
	}
	if role := PrimaryRole(context.Background()); role != "" {
		t.Errorf("expected empty role, got %s", role)
	}
}
