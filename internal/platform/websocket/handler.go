package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/medvault/medvault/internal/platform/auth"
)

// InboundHandler receives the client actions the registry does not handle
// itself: typing indicators and channel messages.
type InboundHandler interface {
	HandleInbound(ctx context.Context, from Handle, msg ClientMessage)
}

// ChannelAuthorizer decides whether a user may join a channel.
type ChannelAuthorizer func(ctx context.Context, userID, channelID string) bool

type HandlerConfig struct {
	SendBuffer     int
	PingInterval   time.Duration
	AllowedOrigins []string
	MessageRate    float64
	MessageBurst   int
	MaxMessageSize int64
	// AuthorizeChannel defaults to allowing every join.
	AuthorizeChannel ChannelAuthorizer
}

func (c *HandlerConfig) applyDefaults() {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.MessageRate <= 0 {
		c.MessageRate = 10
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = 20
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 << 10
	}
	if c.AuthorizeChannel == nil {
		c.AuthorizeChannel = func(context.Context, string, string) bool { return true }
	}
}

// Handler upgrades authenticated requests to WebSocket connections.
type Handler struct {
	baseCtx  context.Context
	registry *Registry
	inbound  InboundHandler
	cfg      HandlerConfig
	upgrader gorillawebsocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler binds connections to ctx: cancelling it closes every
// connection the handler accepted.
func NewHandler(ctx context.Context, registry *Registry, inbound InboundHandler, cfg HandlerConfig, logger zerolog.Logger) *Handler {
	cfg.applyDefaults()
	h := &Handler{
		baseCtx:  ctx,
		registry: registry,
		inbound:  inbound,
		cfg:      cfg,
		logger:   logger,
	}
	h.upgrader = gorillawebsocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

// originChecker allows same-origin requests, requests without an Origin
// header, and the listed origins. A "*" entry allows every origin.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.ToLower(o), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := set["*"]; ok {
			return true
		}
		if _, ok := set[strings.TrimRight(strings.ToLower(origin), "/")]; ok {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}

// RegisterRoutes registers the WebSocket endpoint on the provided Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", h.HandleConnect)
}

// HandleConnect upgrades the request, registers the connection under the
// authenticated user and starts its pumps.
func (h *Handler) HandleConnect(c echo.Context) error {
	ctx := c.Request().Context()
	userID := auth.UserIDFromContext(ctx)
	if userID == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	role := auth.PrimaryRole(ctx)

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the error response.
		h.logger.Warn().Err(err).Str("user_id", userID).Msg("websocket upgrade failed")
		return nil
	}

	client := NewClient(ws, userID, role, h.cfg.SendBuffer)
	h.registry.Register(client)

	h.pushEvent(client, EventConnected, "", map[string]string{
		"connection_id": client.ID(),
		"user_id":       userID,
	}, time.Now())

	go client.writePump(h.cfg.PingInterval)
	go h.serve(client)

	return nil
}

// serve runs the read loop and tears the connection down when it ends.
func (h *Handler) serve(client *Client) {
	defer func() {
		h.registry.Unregister(client)
		client.Close()
	}()

	limiter := rate.NewLimiter(rate.Limit(h.cfg.MessageRate), h.cfg.MessageBurst)
	pongWait := h.cfg.PingInterval * 2

	client.readPump(h.baseCtx, pongWait, h.cfg.MaxMessageSize, func(raw []byte) {
		if !limiter.Allow() {
			h.push(client, errorEvent("rate limit exceeded"))
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.push(client, errorEvent("malformed message"))
			return
		}
		h.process(client, msg)
	})
}

func (h *Handler) process(client *Client, msg ClientMessage) {
	now := time.Now()
	switch msg.Action {
	case ActionJoin:
		if msg.Channel == "" || !h.cfg.AuthorizeChannel(h.baseCtx, client.UserID(), msg.Channel) {
			h.push(client, errorEvent("cannot join channel"))
			return
		}
		h.registry.Join(client, msg.Channel)
		h.pushEvent(client, EventJoined, msg.Channel, nil, now)
	case ActionLeave:
		h.registry.Leave(client, msg.Channel)
		h.pushEvent(client, EventLeft, msg.Channel, nil, now)
	case ActionPing:
		h.pushEvent(client, EventPong, "", nil, now)
	case ActionTyping, ActionMessage:
		if msg.Channel == "" {
			h.push(client, errorEvent("channel is required"))
			return
		}
		if h.inbound != nil {
			h.inbound.HandleInbound(h.baseCtx, client, msg)
		}
	default:
		h.push(client, errorEvent("unknown action"))
	}
}

// pushEvent encodes and queues an event. Nothing is sent if encoding fails.
func (h *Handler) pushEvent(client Handle, eventType, channel string, data interface{}, now time.Time) {
	payload, err := EncodeEvent(eventType, channel, data, now)
	if err != nil {
		h.logger.Error().Err(err).
			Str("event", eventType).
			Str("connection_id", client.ID()).
			Msg("encode websocket event failed")
		return
	}
	h.push(client, payload)
}

func (h *Handler) push(client Handle, payload []byte) {
	if !client.Push(payload) {
		h.registry.Dropped(client)
	}
}
