package docaccess

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/medvault/medvault/internal/platform/auth"
	"github.com/medvault/medvault/pkg/pagination"
)

// DocumentAuthorizer decides whether a user may view a document at all.
// Ownership and sharing rules live with the document service; a nil error
// allows the request.
type DocumentAuthorizer func(ctx context.Context, userID, documentID string) error

// AllowAll is the default DocumentAuthorizer.
func AllowAll(context.Context, string, string) error { return nil }

type Handler struct {
	svc       *Service
	authorize DocumentAuthorizer
}

func NewHandler(svc *Service, authorize DocumentAuthorizer) *Handler {
	if authorize == nil {
		authorize = AllowAll
	}
	return &Handler{svc: svc, authorize: authorize}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	docs := api.Group("/documents", auth.RequireUser())
	docs.POST("/:id/access", h.VerifyAccess)
	docs.POST("/:id/views", h.RecordView)
	docs.GET("/:id/download", h.RequestDownload)
	docs.POST("/:id/download", h.RequestDownload)
	docs.GET("/:id/offline", h.RequestOfflineData)
	docs.POST("/:id/offline", h.RequestOfflineData)
	docs.GET("/:id/access-log", h.DocumentAccessLog, auth.RequireRole(auth.RoleAdmin, auth.RoleStaff))

	api.GET("/users/:id/access-log", h.UserAccessLog, auth.RequireUser(), auth.RequireRole(auth.RoleAdmin))
}

type deniedResponse struct {
	Error   string `json:"error"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

func clientContext(c echo.Context) ClientContext {
	return ClientContext{IPAddress: c.RealIP(), UserAgent: c.Request().UserAgent()}
}

// writeError renders denials as 403 with the denial reason. Other errors
// become echo errors.
func writeError(c echo.Context, err error) error {
	var denied *DeniedError
	if errors.As(err, &denied) {
		return c.JSON(http.StatusForbidden, deniedResponse{
			Error:   "access_denied",
			Reason:  denied.Reason,
			Message: denied.Message(),
		})
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "access store unavailable")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func (h *Handler) checkDocument(c echo.Context) (string, string, error) {
	ctx := c.Request().Context()
	userID := auth.UserIDFromContext(ctx)
	documentID := c.Param("id")
	if documentID == "" {
		return "", "", echo.NewHTTPError(http.StatusBadRequest, "document id is required")
	}
	if err := h.authorize(ctx, userID, documentID); err != nil {
		return "", "", echo.NewHTTPError(http.StatusForbidden, "not authorized for this document")
	}
	return userID, documentID, nil
}

func (h *Handler) VerifyAccess(c echo.Context) error {
	userID, documentID, err := h.checkDocument(c)
	if err != nil {
		return err
	}
	grant, err := h.svc.VerifyAccess(c.Request().Context(), documentID, userID, clientContext(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, grant)
}

func (h *Handler) RecordView(c echo.Context) error {
	userID, documentID, err := h.checkDocument(c)
	if err != nil {
		return err
	}
	if err := h.svc.RecordView(c.Request().Context(), documentID, userID, clientContext(c)); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// RequestDownload is refused for everyone. The document authorizer is not
// consulted so that attempts on foreign documents are logged too.
func (h *Handler) RequestDownload(c echo.Context) error {
	ctx := c.Request().Context()
	err := h.svc.RequestDownload(ctx, c.Param("id"), auth.UserIDFromContext(ctx), clientContext(c))
	return writeError(c, err)
}

func (h *Handler) RequestOfflineData(c echo.Context) error {
	ctx := c.Request().Context()
	err := h.svc.RequestOfflineData(ctx, c.Param("id"), auth.UserIDFromContext(ctx), clientContext(c))
	return writeError(c, err)
}

func daysParam(c echo.Context) (int, error) {
	raw := c.QueryParam("days")
	if raw == "" {
		return 0, nil
	}
	days, err := strconv.Atoi(raw)
	if err != nil || days < 1 || days > 365 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "days must be between 1 and 365")
	}
	return days, nil
}

func (h *Handler) DocumentAccessLog(c echo.Context) error {
	days, err := daysParam(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.DocumentAccessLog(c.Request().Context(), c.Param("id"), days, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).
		WithNext(c.Request().URL.Path, c.QueryParams()))
}

func (h *Handler) UserAccessLog(c echo.Context) error {
	days, err := daysParam(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.UserAccessLog(c.Request().Context(), c.Param("id"), days, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).
		WithNext(c.Request().URL.Path, c.QueryParams()))
}
