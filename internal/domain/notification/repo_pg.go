package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medvault/medvault/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type RepoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) *RepoPG {
	return &RepoPG{pool: pool}
}

func (r *RepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const notificationCols = `id, recipient_id, type, title, message, data, is_read, created_at, read_at`

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	var data []byte
	err := row.Scan(&n.ID, &n.RecipientID, &n.Type, &n.Title, &n.Message, &data,
		&n.IsRead, &n.CreatedAt, &n.ReadAt)
	if len(data) > 0 {
		n.Data = data
	}
	return &n, err
}

func jsonArg(data []byte) interface{} {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}

func (r *RepoPG) Create(ctx context.Context, n *Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `INSERT INTO notification
		(id, recipient_id, type, title, message, data, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)`,
		n.ID, n.RecipientID, n.Type, n.Title, n.Message, jsonArg(n.Data), n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (r *RepoPG) ListByRecipient(ctx context.Context, recipientID string, unreadOnly bool, limit, offset int) ([]*Notification, int, error) {
	where := "WHERE recipient_id = $1"
	if unreadOnly {
		where += " AND is_read = FALSE"
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, "SELECT COUNT(*) FROM notification "+where, recipientID).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := fmt.Sprintf("SELECT %s FROM notification %s ORDER BY created_at DESC LIMIT $2 OFFSET $3", notificationCols, where)
	rows, err := r.conn(ctx).Query(ctx, q, recipientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, n)
	}
	return items, total, rows.Err()
}

func (r *RepoPG) CountUnread(ctx context.Context, recipientID string) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx,
		"SELECT COUNT(*) FROM notification WHERE recipient_id = $1 AND is_read = FALSE", recipientID).Scan(&n)
	return n, err
}

func (r *RepoPG) MarkRead(ctx context.Context, id uuid.UUID, recipientID string, at time.Time) error {
	var readAt time.Time
	err := r.conn(ctx).QueryRow(ctx, `UPDATE notification
		SET is_read = TRUE, read_at = COALESCE(read_at, $3)
		WHERE id = $1 AND recipient_id = $2
		RETURNING read_at`, id, recipientID, at).Scan(&readAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotificationNotFound
	}
	return err
}

func (r *RepoPG) MarkAllRead(ctx context.Context, recipientID string, at time.Time) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE notification SET is_read = TRUE, read_at = $2
		WHERE recipient_id = $1 AND is_read = FALSE`, recipientID, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
