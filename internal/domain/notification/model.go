package notification

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotificationNotFound = errors.New("notification not found")

// Notification is a persisted message for one recipient. It stays unread
// until the recipient marks it read; it is never marked unread again.
type Notification struct {
	ID          uuid.UUID       `json:"id"`
	RecipientID string          `json:"recipient_id"`
	Type        string          `json:"type"`
	Title       string          `json:"title"`
	Message     string          `json:"message"`
	Data        json.RawMessage `json:"data,omitempty"`
	IsRead      bool            `json:"is_read"`
	CreatedAt   time.Time       `json:"created_at"`
	ReadAt      *time.Time      `json:"read_at,omitempty"`
}

// Template is the content shared by every copy of a notification.
type Template struct {
	Type    string          `json:"type"`
	Title   string          `json:"title"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// DispatchResult summarises what happened to an ingested event.
type DispatchResult struct {
	Persisted   int `json:"persisted"`
	Delivered   int `json:"delivered"`
	Broadcasted int `json:"broadcasted"`
	Relayed     int `json:"relayed"`
}
