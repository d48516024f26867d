package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// newLimitedRouter mounts the document access route behind RateLimit. The
// tenant claim is taken from X-Test-Tenant the way the auth middleware sets it.
func newLimitedRouter(cfg RateLimitConfig) *echo.Echo {
	e := echo.New()
	g := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if tenant := c.Request().Header.Get("X-Test-Tenant"); tenant != "" {
				c.Set("jwt_tenant_id", tenant)
			}
			return next(c)
		}
	}, RateLimit(cfg))
	g.POST("/documents/:id/access", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]bool{"granted": true})
	})
	return e
}

func verifyAccess(e *echo.Echo, tenant, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents/doc-1/access", nil)
	req.RemoteAddr = ip + ":40000"
	if tenant != "" {
		req.Header.Set("X-Test-Tenant", tenant)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRateLimit_VerifyAccessWithinBurst(t *testing.T) {
	e := newLimitedRouter(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 3})

	for i := 0; i < 3; i++ {
		rec := verifyAccess(e, "clinic-a", "10.0.0.1")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "10" {
			t.Errorf("request %d: expected X-RateLimit-Limit 10, got %q", i+1, got)
		}
	}
}

func TestRateLimit_RejectsOverBurstWithRetryAfter(t *testing.T) {
	e := newLimitedRouter(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})

	if rec := verifyAccess(e, "clinic-a", "10.0.0.1"); rec.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", rec.Code)
	}
	rec := verifyAccess(e, "clinic-a", "10.0.0.1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	ra, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	if err != nil || ra < 1 {
		t.Errorf("expected Retry-After >= 1, got %q", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("expected X-RateLimit-Remaining 0, got %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestRateLimit_KeysByTenantAndClient(t *testing.T) {
	tests := []struct {
		name       string
		tenant, ip string
		want       int
	}{
		{"exhausted tenant and client", "clinic-a", "10.0.0.1", http.StatusTooManyRequests},
		{"same client under another tenant", "clinic-b", "10.0.0.1", http.StatusOK},
		{"another client under the same tenant", "clinic-a", "10.0.0.2", http.StatusOK},
		{"same client without a tenant claim", "", "10.0.0.1", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newLimitedRouter(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})
			if rec := verifyAccess(e, "clinic-a", "10.0.0.1"); rec.Code != http.StatusOK {
				t.Fatalf("expected the first request to pass, got %d", rec.Code)
			}
			if rec := verifyAccess(e, tt.tenant, tt.ip); rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestRateLimit_DefaultConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond != 100 || cfg.BurstSize != 200 || cfg.IdleTTL != 10*time.Minute {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestRetryAfter_ZeroRate(t *testing.T) {
	now := time.Now()
	l := rate.NewLimiter(0, 1)
	l.AllowN(now, 1)
	if ra := retryAfter(l, now); ra != 1 {
		t.Errorf("expected retryAfter 1 for zero rate, got %d", ra)
	}
}

func TestRateLimit_ZeroRateRetryAfter(t *testing.T) {
	e := newLimitedRouter(RateLimitConfig{RequestsPerSecond: 0, BurstSize: 1})

	verifyAccess(e, "clinic-a", "10.0.0.1")
	rec := verifyAccess(e, "clinic-a", "10.0.0.1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Errorf("expected Retry-After 1, got %q", got)
	}
}

func TestRetryAfter_DoesNotConsumeTokens(t *testing.T) {
	now := time.Now()
	l := rate.NewLimiter(1, 1)
	l.AllowN(now, 1)
	if ra := retryAfter(l, now); ra != 1 {
		t.Errorf("expected retryAfter 1, got %d", ra)
	}
	if !l.AllowN(now.Add(time.Second), 1) {
		t.Error("expected token to be available after one second")
	}
}

func TestRateLimiterStore_ReusesLimiter(t *testing.T) {
	store := newRateLimiterStore(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})
	now := time.Now()

	l1 := store.get("clinic-a:10.0.0.1", now)
	if l1 != store.get("clinic-a:10.0.0.1", now) {
		t.Error("expected same limiter instance for same key")
	}
	if l1 == store.get("clinic-b:10.0.0.1", now) {
		t.Error("expected different limiter for different key")
	}
}

func TestRateLimiterStore_EvictsIdle(t *testing.T) {
	store := newRateLimiterStore(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5, IdleTTL: time.Minute})
	now := time.Now()
	store.get("stale", now)

	later := now.Add(2 * time.Minute)
	store.get("fresh", later)

	store.mu.Lock()
	defer store.mu.Unlock()
	if _, ok := store.visitors["stale"]; ok {
		t.Error("expected idle visitor to be evicted")
	}
	if _, ok := store.visitors["fresh"]; !ok {
		t.Error("expected fresh visitor to remain")
	}
}
