package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/medvault/medvault/internal/platform/events"
	"github.com/medvault/medvault/internal/platform/websocket"
)

var tracer = otel.Tracer("github.com/medvault/medvault/internal/domain/notification")

// Connections is the part of the connection registry the dispatcher reads.
type Connections interface {
	LookupByUser(userID string) (websocket.Handle, bool)
	LookupByRole(role string) []websocket.Handle
	LookupByChannel(channelID string) []websocket.Handle
	ChannelsOf(h websocket.Handle) []string
	Dropped(h websocket.Handle)
}

// Recorder receives delivery outcomes for metrics.
type Recorder interface {
	NotificationDelivered()
	NotificationPersistedOnly()
	NotificationBroadcast(delivered int)
}

type nopRecorder struct{}

func (nopRecorder) NotificationDelivered()     {}
func (nopRecorder) NotificationPersistedOnly() {}
func (nopRecorder) NotificationBroadcast(int)  {}

// Dispatcher persists notifications and pushes them to live connections.
// The stored record is the source of truth: a push that cannot be delivered
// leaves the notification for the recipient to poll.
type Dispatcher struct {
	repo     Repository
	conns    Connections
	now      func() time.Time
	policy   *bluemonday.Policy
	recorder Recorder
	logger   zerolog.Logger
}

type DispatcherOption func(*Dispatcher)

func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

func WithRecorder(r Recorder) DispatcherOption {
	return func(d *Dispatcher) {
		if r != nil {
			d.recorder = r
		}
	}
}

func NewDispatcher(repo Repository, conns Connections, logger zerolog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		repo:     repo,
		conns:    conns,
		now:      time.Now,
		policy:   bluemonday.StrictPolicy(),
		recorder: nopRecorder{},
		logger:   logger.With().Str("component", "notification-dispatcher").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// sanitize strips markup from producer supplied text before it is stored
// or pushed.
func (d *Dispatcher) sanitize(t Template) Template {
	t.Title = d.policy.Sanitize(t.Title)
	t.Message = d.policy.Sanitize(t.Message)
	return t
}

func (d *Dispatcher) push(h websocket.Handle, payload []byte) bool {
	if h.Push(payload) {
		return true
	}
	d.conns.Dropped(h)
	return false
}

// NotifyUser stores a notification for userID and pushes it when the user is
// connected. It reports whether the push was enqueued; only a storage
// failure is an error.
func (d *Dispatcher) NotifyUser(ctx context.Context, userID string, t Template) (bool, error) {
	ctx, span := tracer.Start(ctx, "notification.NotifyUser", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.String("notification.type", t.Type),
	))
	defer span.End()

	t = d.sanitize(t)
	n := &Notification{
		ID:          uuid.New(),
		RecipientID: userID,
		Type:        t.Type,
		Title:       t.Title,
		Message:     t.Message,
		Data:        t.Data,
		CreatedAt:   d.now().UTC(),
	}
	if err := d.repo.Create(ctx, n); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		d.logger.Error().Err(err).Str("user_id", userID).Str("notification_type", t.Type).Msg("persist notification failed")
		return false, fmt.Errorf("persist notification for %s: %w", userID, err)
	}

	delivered := false
	if h, ok := d.conns.LookupByUser(userID); ok {
		payload, err := websocket.EncodeEvent(websocket.EventNotification, "", n, n.CreatedAt)
		if err == nil {
			delivered = d.push(h, payload)
		}
	}
	span.SetAttributes(attribute.Bool("notification.delivered", delivered))

	if delivered {
		d.recorder.NotificationDelivered()
		d.logger.Info().
			Str("event", "notification_delivered").
			Str("user_id", userID).
			Str("notification_id", n.ID.String()).
			Str("notification_type", n.Type).
			Msg("notification delivered")
	} else {
		d.recorder.NotificationPersistedOnly()
		d.logger.Info().
			Str("event", "notification_persisted_only").
			Str("user_id", userID).
			Str("notification_id", n.ID.String()).
			Str("notification_type", n.Type).
			Msg("recipient offline, notification stored")
	}
	return delivered, nil
}

// NotifyUsers calls NotifyUser for each id. Storage failures do not stop the
// loop; they are joined into the returned error.
func (d *Dispatcher) NotifyUsers(ctx context.Context, userIDs []string, t Template) (int, error) {
	delivered := 0
	var errs []error
	for _, id := range userIDs {
		ok, err := d.NotifyUser(ctx, id, t)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			delivered++
		}
	}
	return delivered, errors.Join(errs...)
}

// NotifyRole pushes an ephemeral broadcast to every connection indexed
// under role. Nothing is stored.
func (d *Dispatcher) NotifyRole(ctx context.Context, role string, t Template) int {
	_, span := tracer.Start(ctx, "notification.NotifyRole", trace.WithAttributes(attribute.String("role", role)))
	defer span.End()

	payload, err := websocket.EncodeEvent(websocket.EventBroadcast, "", d.sanitize(t), d.now())
	if err != nil {
		return 0
	}
	sent := 0
	for _, h := range d.conns.LookupByRole(role) {
		if d.push(h, payload) {
			sent++
		}
	}
	d.recorder.NotificationBroadcast(sent)
	span.SetAttributes(attribute.Int("notification.delivered", sent))
	d.logger.Debug().Str("role", role).Int("delivered", sent).Msg("role broadcast")
	return sent
}

type relayedMessage struct {
	ChannelID string          `json:"channel_id"`
	SenderID  string          `json:"sender_id,omitempty"`
	Message   json.RawMessage `json:"message"`
}

type typingStatus struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	IsTyping  bool   `json:"is_typing"`
}

// RelayMessage pushes a new_message event to the channel's members, except
// connections belonging to excludeUserID. Storing the message itself is the
// caller's concern.
func (d *Dispatcher) RelayMessage(ctx context.Context, channelID string, message json.RawMessage, excludeUserID string) int {
	_, span := tracer.Start(ctx, "notification.RelayMessage", trace.WithAttributes(attribute.String("channel.id", channelID)))
	defer span.End()

	payload, err := websocket.EncodeEvent(websocket.EventNewMessage, channelID, relayedMessage{
		ChannelID: channelID,
		SenderID:  excludeUserID,
		Message:   message,
	}, d.now())
	if err != nil {
		return 0
	}
	sent := d.fanOut(channelID, excludeUserID, payload)
	span.SetAttributes(attribute.Int("notification.delivered", sent))
	return sent
}

// RelayTypingStatus pushes a typing event to the channel, excluding the
// typist. It is never stored.
func (d *Dispatcher) RelayTypingStatus(ctx context.Context, channelID, userID string, isTyping bool) int {
	payload, err := websocket.EncodeEvent(websocket.EventTyping, channelID, typingStatus{
		ChannelID: channelID,
		UserID:    userID,
		IsTyping:  isTyping,
	}, d.now())
	if err != nil {
		return 0
	}
	return d.fanOut(channelID, userID, payload)
}

func (d *Dispatcher) fanOut(channelID, excludeUserID string, payload []byte) int {
	sent := 0
	for _, h := range d.conns.LookupByChannel(channelID) {
		if excludeUserID != "" && h.UserID() == excludeUserID {
			continue
		}
		if d.push(h, payload) {
			sent++
		}
	}
	d.recorder.NotificationBroadcast(sent)
	return sent
}

// HandleInbound relays typing indicators and channel messages sent by a
// connected client. Only channel members may send to a channel.
func (d *Dispatcher) HandleInbound(ctx context.Context, from websocket.Handle, msg websocket.ClientMessage) {
	if !slices.Contains(d.conns.ChannelsOf(from), msg.Channel) {
		if payload, err := websocket.EncodeEvent(websocket.EventError, "", map[string]string{
			"message": "join the channel before sending to it",
		}, d.now()); err == nil {
			d.push(from, payload)
		}
		return
	}

	switch msg.Action {
	case websocket.ActionTyping:
		d.RelayTypingStatus(ctx, msg.Channel, from.UserID(), msg.IsTyping)
	case websocket.ActionMessage:
		d.RelayMessage(ctx, msg.Channel, msg.Data, from.UserID())
	}
}

// Dispatch routes a producer event: recipients get stored notifications,
// the role gets an ephemeral broadcast and the channel gets a relayed
// message that skips the sender.
func (d *Dispatcher) Dispatch(ctx context.Context, env events.Envelope) (DispatchResult, error) {
	ctx, span := tracer.Start(ctx, "notification.Dispatch", trace.WithAttributes(
		attribute.String("event.type", env.Type),
	))
	defer span.End()

	t := Template{Type: env.Type, Title: env.Title, Message: env.Message, Data: env.Data}
	var res DispatchResult
	var err error

	if len(env.Recipients) > 0 {
		res.Delivered, err = d.NotifyUsers(ctx, env.Recipients, t)
		res.Persisted = len(env.Recipients)
		if err != nil {
			var joined interface{ Unwrap() []error }
			if errors.As(err, &joined) {
				res.Persisted -= len(joined.Unwrap())
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "persist failed")
		}
	}
	if env.Role != "" {
		res.Broadcasted = d.NotifyRole(ctx, env.Role, t)
	}
	if env.Channel != "" {
		msg, mErr := json.Marshal(d.sanitize(t))
		if mErr == nil {
			res.Relayed = d.RelayMessage(ctx, env.Channel, msg, env.SenderID)
		}
	}
	return res, err
}

// Consume implements events.Sink.
func (d *Dispatcher) Consume(ctx context.Context, env events.Envelope) error {
	_, err := d.Dispatch(ctx, env)
	return err
}
