package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
)

// Roles recognised by the service. Users carry their role in the token; the
// first role listed is the one connections are indexed under.
const (
	RolePatient    = "patient"
	RoleHospital   = "hospital"
	RoleLaboratory = "laboratory"
	RoleStaff      = "staff"
	RoleAdmin      = "admin"
	RoleSystem     = "system"
)

// AccessTokenParam carries the bearer token on WebSocket upgrades, where
// browsers cannot set an Authorization header.
const AccessTokenParam = "access_token"

type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey selects HS256 verification. Used for development and tests.
	SigningKey []byte
}

func bearerToken(c echo.Context) (string, *echo.HTTPError) {
	authHeader := c.Request().Header.Get("Authorization")
	if authHeader == "" {
		if tok := c.QueryParam(AccessTokenParam); tok != "" {
			return tok, nil
		}
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
	}
	return strings.TrimSpace(parts[1]), nil
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "HS256"}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	var jwks *JWKSCache
	if len(cfg.SigningKey) == 0 {
		jwksURL := cfg.JWKSURL
		if jwksURL == "" && cfg.Issuer != "" {
			if discovered, err := DiscoverJWKSURL(context.Background(), cfg.Issuer); err == nil {
				jwksURL = discovered
			}
		}
		jwks = NewJWKSCache(jwksURL, defaultJWKSCacheTTL)
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tokenStr, herr := bearerToken(c)
			if herr != nil {
				return herr
			}

			claims := &Claims{}
			var keyFunc jwt.Keyfunc
			if jwks == nil {
				keyFunc = func(t *jwt.Token) (interface{}, error) {
					return cfg.SigningKey, nil
				}
			} else {
				keyFunc = jwks.KeyFunc(c.Request().Context())
			}

			token, err := jwt.ParseWithClaims(tokenStr, claims, keyFunc, opts...)
			if err != nil || !token.Valid || claims.Subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			// Set values on echo context for tenant middleware
			c.Set("jwt_tenant_id", claims.TenantID)
			c.SetRequest(c.Request().WithContext(WithPrincipal(c.Request().Context(), claims.Subject, claims.Roles)))

			return next(c)
		}
	}
}

// DevAuthMiddleware is a permissive middleware for development. Requests
// without a token act as the user named by X-Dev-User (default "dev-user")
// with the comma separated roles in X-Dev-Roles (default "admin"). Requests
// that carry a token are verified by verify when it is set.
func DevAuthMiddleware(verify echo.MiddlewareFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		verified := next
		if verify != nil {
			verified = verify(next)
		}
		return func(c echo.Context) error {
			req := c.Request()
			if req.Header.Get("Authorization") != "" || c.QueryParam(AccessTokenParam) != "" {
				return verified(c)
			}

			userID := req.Header.Get("X-Dev-User")
			if userID == "" {
				userID = "dev-user"
			}
			roles := []string{RoleAdmin}
			if raw := req.Header.Get("X-Dev-Roles"); raw != "" {
				roles = strings.Split(raw, ",")
			}

			c.Set("jwt_tenant_id", "default")
			c.SetRequest(req.WithContext(WithPrincipal(req.Context(), userID, roles)))
			return next(c)
		}
	}
}

// WithPrincipal stores the authenticated user on a context.
func WithPrincipal(ctx context.Context, userID string, roles []string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	return context.WithValue(ctx, UserRolesKey, roles)
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}

// PrimaryRole returns the first role of the authenticated user.
func PrimaryRole(ctx context.Context) string {
	roles := RolesFromContext(ctx)
	if len(roles) == 0 {
		return ""
	}
	return strings.TrimSpace(roles[0])
}
