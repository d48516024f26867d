package notification

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RepoSQLite stores notifications in SQLite with Unix nanosecond
// timestamps and JSON data as text.
type RepoSQLite struct {
	db *sql.DB
}

func NewRepoSQLite(db *sql.DB) *RepoSQLite {
	return &RepoSQLite{db: db}
}

func (r *RepoSQLite) Create(ctx context.Context, n *Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	var data sql.NullString
	if len(n.Data) > 0 {
		data = sql.NullString{String: string(n.Data), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO notification
		(id, recipient_id, type, title, message, data, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		n.ID.String(), n.RecipientID, n.Type, n.Title, n.Message, data, n.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (r *RepoSQLite) ListByRecipient(ctx context.Context, recipientID string, unreadOnly bool, limit, offset int) ([]*Notification, int, error) {
	where := "WHERE recipient_id = ?"
	if unreadOnly {
		where += " AND is_read = 0"
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM notification "+where, recipientID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.db.QueryContext(ctx, `SELECT id, recipient_id, type, title, message, data, is_read, created_at, read_at
		FROM notification `+where+` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		recipientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Notification
	for rows.Next() {
		var (
			n         Notification
			id        string
			data      sql.NullString
			createdAt int64
			readAt    sql.NullInt64
		)
		if err := rows.Scan(&id, &n.RecipientID, &n.Type, &n.Title, &n.Message, &data,
			&n.IsRead, &createdAt, &readAt); err != nil {
			return nil, 0, err
		}
		if n.ID, err = uuid.Parse(id); err != nil {
			return nil, 0, fmt.Errorf("parse notification id: %w", err)
		}
		if data.Valid {
			n.Data = []byte(data.String)
		}
		n.CreatedAt = time.Unix(0, createdAt).UTC()
		if readAt.Valid {
			t := time.Unix(0, readAt.Int64).UTC()
			n.ReadAt = &t
		}
		items = append(items, &n)
	}
	return items, total, rows.Err()
}

func (r *RepoSQLite) CountUnread(ctx context.Context, recipientID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM notification WHERE recipient_id = ? AND is_read = 0", recipientID).Scan(&n)
	return n, err
}

func (r *RepoSQLite) MarkRead(ctx context.Context, id uuid.UUID, recipientID string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE notification
		SET is_read = 1, read_at = COALESCE(read_at, ?)
		WHERE id = ? AND recipient_id = ?`, at.UnixNano(), id.String(), recipientID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

func (r *RepoSQLite) MarkAllRead(ctx context.Context, recipientID string, at time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE notification SET is_read = 1, read_at = ?
		WHERE recipient_id = ? AND is_read = 0`, at.UnixNano(), recipientID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
