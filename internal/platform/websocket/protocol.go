package websocket

import (
	"encoding/json"
	"time"
)

// Outbound event types.
const (
	EventConnected    = "connected"
	EventNotification = "notification"
	EventBroadcast    = "broadcast"
	EventNewMessage   = "new_message"
	EventTyping       = "typing"
	EventJoined       = "joined"
	EventLeft         = "left"
	EventPong         = "pong"
	EventError        = "error"
)

// Inbound client actions.
const (
	ActionJoin    = "join"
	ActionLeave   = "leave"
	ActionTyping  = "typing"
	ActionMessage = "message"
	ActionPing    = "ping"
)

// Event is a server to client frame.
type Event struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ClientMessage is a client to server frame.
type ClientMessage struct {
	Action   string          `json:"action"`
	Channel  string          `json:"channel,omitempty"`
	IsTyping bool            `json:"is_typing,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// EncodeEvent marshals an event of the given type, encoding data as its
// payload. A nil data leaves the payload out.
func EncodeEvent(eventType, channel string, data interface{}, now time.Time) ([]byte, error) {
	ev := Event{Type: eventType, Channel: channel, Timestamp: now.UTC()}
	if data != nil {
		raw, ok := data.(json.RawMessage)
		if !ok {
			b, err := json.Marshal(data)
			if err != nil {
				return nil, err
			}
			raw = b
		}
		ev.Data = raw
	}
	return json.Marshal(ev)
}

func errorEvent(msg string) []byte {
	b, _ := EncodeEvent(EventError, "", map[string]string{"message": msg}, time.Now())
	return b
}
