package notification

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, n *Notification) error
	ListByRecipient(ctx context.Context, recipientID string, unreadOnly bool, limit, offset int) ([]*Notification, int, error)
	CountUnread(ctx context.Context, recipientID string) (int, error)
	// MarkRead marks one of the recipient's notifications read. Marking an
	// already read notification keeps its original read time. It returns
	// ErrNotificationNotFound when the recipient owns no such notification.
	MarkRead(ctx context.Context, id uuid.UUID, recipientID string, at time.Time) error
	MarkAllRead(ctx context.Context, recipientID string, at time.Time) (int64, error)
}
