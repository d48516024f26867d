package notification

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medvault/medvault/internal/platform/auth"
	"github.com/medvault/medvault/internal/platform/events"
	"github.com/medvault/medvault/pkg/pagination"
)

type Handler struct {
	svc        *Service
	dispatcher *Dispatcher
}

func NewHandler(svc *Service, dispatcher *Dispatcher) *Handler {
	return &Handler{svc: svc, dispatcher: dispatcher}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	n := api.Group("/notifications", auth.RequireUser())
	n.GET("", h.ListNotifications)
	n.GET("/unread-count", h.UnreadCount)
	n.PUT("/read-all", h.MarkAllRead)
	n.PUT("/:id/read", h.MarkRead)

	api.POST("/events", h.IngestEvent, auth.RequireUser(), auth.RequireRole(auth.RoleSystem, auth.RoleAdmin))
}

func (h *Handler) ListNotifications(c echo.Context) error {
	ctx := c.Request().Context()
	unreadOnly, _ := strconv.ParseBool(c.QueryParam("unread"))
	pg := pagination.FromContext(c)

	items, total, err := h.svc.ListNotifications(ctx, auth.UserIDFromContext(ctx), unreadOnly, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []*Notification{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).
		WithNext(c.Request().URL.Path, c.QueryParams()))
}

func (h *Handler) UnreadCount(c echo.Context) error {
	ctx := c.Request().Context()
	n, err := h.svc.UnreadCount(ctx, auth.UserIDFromContext(ctx))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int{"count": n})
}

func (h *Handler) MarkRead(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	if err := h.svc.MarkRead(ctx, auth.UserIDFromContext(ctx), id); err != nil {
		if errors.Is(err, ErrNotificationNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "notification not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) MarkAllRead(c echo.Context) error {
	ctx := c.Request().Context()
	n, err := h.svc.MarkAllRead(ctx, auth.UserIDFromContext(ctx))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int64{"updated": n})
}

// IngestEvent accepts a producer event over HTTP. The tenant comes from the
// request scope, not the body.
func (h *Handler) IngestEvent(c echo.Context) error {
	var env events.Envelope
	if err := c.Bind(&env); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := env.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	res, err := h.dispatcher.Dispatch(c.Request().Context(), env)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to store notifications")
	}
	return c.JSON(http.StatusAccepted, res)
}
