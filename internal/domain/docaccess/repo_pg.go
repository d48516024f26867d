package docaccess

import (
	"context"
	"errors"
	"fmt"
	"strings"
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

type SessionRepoPG struct {
	pool *pgxpool.Pool
}

func NewSessionRepoPG(pool *pgxpool.Pool) *SessionRepoPG {
	return &SessionRepoPG{pool: pool}
}

const sessionCols = `id, token, document_id, user_id, granted_at, expires_at,
	COALESCE(ip_address, ''), COALESCE(user_agent, '')`

func scanSession(row pgx.Row) (*AccessSession, error) {
	var s AccessSession
	err := row.Scan(&s.ID, &s.Token, &s.DocumentID, &s.UserID, &s.GrantedAt, &s.ExpiresAt,
		&s.IPAddress, &s.UserAgent)
	return &s, err
}

// AcquireActive serialises callers for the same pair with a
// transaction-scoped advisory lock, so replicas sharing the database cannot
// both mint a session.
func (r *SessionRepoPG) AcquireActive(ctx context.Context, candidate *AccessSession, entry *AccessLogEntry, now time.Time) (*AccessSession, bool, error) {
	tx, err := db.Begin(ctx, r.pool)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	key := candidate.DocumentID + "\x00" + candidate.UserID
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", key); err != nil {
		return nil, false, fmt.Errorf("lock session pair: %w", err)
	}

	q := fmt.Sprintf(`SELECT %s FROM document_access_session
		WHERE document_id = $1 AND user_id = $2 AND expires_at >= $3
		ORDER BY expires_at DESC LIMIT 1`, sessionCols)
	existing, err := scanSession(tx.QueryRow(ctx, q, candidate.DocumentID, candidate.UserID, now))
	switch {
	case err == nil:
		if err := insertLogEntry(ctx, tx, entry, existing.ID); err != nil {
			return nil, false, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, false, fmt.Errorf("find active session: %w", err)
	}

	_, err = tx.Exec(ctx, `INSERT INTO document_access_session
		(id, token, document_id, user_id, granted_at, expires_at, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''))`,
		candidate.ID, candidate.Token, candidate.DocumentID, candidate.UserID,
		candidate.GrantedAt, candidate.ExpiresAt, candidate.IPAddress, candidate.UserAgent)
	if err != nil {
		return nil, false, fmt.Errorf("insert session: %w", err)
	}
	if err := insertLogEntry(ctx, tx, entry, candidate.ID); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return candidate, true, nil
}

type AccessLogRepoPG struct {
	pool *pgxpool.Pool
}

func NewAccessLogRepoPG(pool *pgxpool.Pool) *AccessLogRepoPG {
	return &AccessLogRepoPG{pool: pool}
}

func (r *AccessLogRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const logCols = `id, document_id, user_id, access_type, outcome, COALESCE(reason, ''),
	session_id, COALESCE(ip_address, ''), COALESCE(user_agent, ''), accessed_at`

func scanLogEntry(row pgx.Row) (*AccessLogEntry, error) {
	var e AccessLogEntry
	var accessType, outcome string
	err := row.Scan(&e.ID, &e.DocumentID, &e.UserID, &accessType, &outcome, &e.Reason,
		&e.SessionID, &e.IPAddress, &e.UserAgent, &e.AccessedAt)
	e.AccessType = AccessType(accessType)
	e.Outcome = Outcome(outcome)
	return &e, err
}

func (r *AccessLogRepoPG) Append(ctx context.Context, e *AccessLogEntry) error {
	return insertLogEntry(ctx, r.conn(ctx), e, uuid.Nil)
}

// insertLogEntry writes e through q, linking it to sessionID when one is given.
func insertLogEntry(ctx context.Context, q queryable, e *AccessLogEntry, sessionID uuid.UUID) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if sessionID != uuid.Nil {
		e.SessionID = &sessionID
	}
	_, err := q.Exec(ctx, `INSERT INTO document_access_log
		(id, document_id, user_id, access_type, outcome, reason, session_id, ip_address, user_agent, accessed_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, NULLIF($8, ''), NULLIF($9, ''), $10)`,
		e.ID, e.DocumentID, e.UserID, string(e.AccessType), string(e.Outcome), e.Reason,
		e.SessionID, e.IPAddress, e.UserAgent, e.AccessedAt)
	if err != nil {
		return fmt.Errorf("append access log: %w", err)
	}
	return nil
}

func (r *AccessLogRepoPG) List(ctx context.Context, q LogQuery) ([]*AccessLogEntry, int, error) {
	where := []string{"accessed_at >= $1"}
	args := []interface{}{q.Since}
	idx := 2

	if q.DocumentID != "" {
		where = append(where, fmt.Sprintf("document_id = $%d", idx))
		args = append(args, q.DocumentID)
		idx++
	}
	if q.UserID != "" {
		where = append(where, fmt.Sprintf("user_id = $%d", idx))
		args = append(args, q.UserID)
		idx++
	}
	whereClause := "WHERE " + strings.Join(where, " AND ")

	var total int
	countQ := "SELECT COUNT(*) FROM document_access_log " + whereClause
	if err := r.conn(ctx).QueryRow(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	sel := fmt.Sprintf("SELECT %s FROM document_access_log %s ORDER BY accessed_at DESC LIMIT $%d OFFSET $%d",
		logCols, whereClause, idx, idx+1)
	args = append(args, q.Limit, q.Offset)

	rows, err := r.conn(ctx).Query(ctx, sel, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*AccessLogEntry
	for rows.Next() {
		e, err := scanLogEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}
