package docaccess

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionRepoSQLite stores sessions in SQLite. Timestamps are stored as
// Unix nanoseconds. The database handle is expected to hold a single
// connection, which serialises AcquireActive across goroutines.
type SessionRepoSQLite struct {
	db *sql.DB
}

func NewSessionRepoSQLite(db *sql.DB) *SessionRepoSQLite {
	return &SessionRepoSQLite{db: db}
}

func (r *SessionRepoSQLite) AcquireActive(ctx context.Context, candidate *AccessSession, entry *AccessLogEntry, now time.Time) (*AccessSession, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin session tx: %w", err)
	}
	defer tx.Rollback()

	var (
		s                AccessSession
		id               string
		granted, expires int64
		ipAddress, agent sql.NullString
	)
	err = tx.QueryRowContext(ctx, `SELECT id, token, document_id, user_id, granted_at, expires_at, ip_address, user_agent
		FROM document_access_session
		WHERE document_id = ? AND user_id = ? AND expires_at >= ?
		ORDER BY expires_at DESC LIMIT 1`,
		candidate.DocumentID, candidate.UserID, now.UnixNano(),
	).Scan(&id, &s.Token, &s.DocumentID, &s.UserID, &granted, &expires, &ipAddress, &agent)

	switch {
	case err == nil:
		if s.ID, err = uuid.Parse(id); err != nil {
			return nil, false, fmt.Errorf("parse session id: %w", err)
		}
		s.GrantedAt = time.Unix(0, granted).UTC()
		s.ExpiresAt = time.Unix(0, expires).UTC()
		s.IPAddress = ipAddress.String
		s.UserAgent = agent.String
		if err := insertLogEntrySQLite(ctx, tx, entry, s.ID); err != nil {
			return nil, false, err
		}
		if err := tx.Commit(); err != nil {
			return nil, false, err
		}
		return &s, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, false, fmt.Errorf("find active session: %w", err)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO document_access_session
		(id, token, document_id, user_id, granted_at, expires_at, ip_address, user_agent)
		VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''))`,
		candidate.ID.String(), candidate.Token, candidate.DocumentID, candidate.UserID,
		candidate.GrantedAt.UnixNano(), candidate.ExpiresAt.UnixNano(),
		candidate.IPAddress, candidate.UserAgent)
	if err != nil {
		return nil, false, fmt.Errorf("insert session: %w", err)
	}
	if err := insertLogEntrySQLite(ctx, tx, entry, candidate.ID); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return candidate, true, nil
}

type AccessLogRepoSQLite struct {
	db *sql.DB
}

func NewAccessLogRepoSQLite(db *sql.DB) *AccessLogRepoSQLite {
	return &AccessLogRepoSQLite{db: db}
}

func (r *AccessLogRepoSQLite) Append(ctx context.Context, e *AccessLogEntry) error {
	return insertLogEntrySQLite(ctx, r.db, e, uuid.Nil)
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertLogEntrySQLite(ctx context.Context, x sqlExecer, e *AccessLogEntry, sessionID uuid.UUID) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if sessionID != uuid.Nil {
		e.SessionID = &sessionID
	}
	var sid sql.NullString
	if e.SessionID != nil {
		sid = sql.NullString{String: e.SessionID.String(), Valid: true}
	}
	_, err := x.ExecContext(ctx, `INSERT INTO document_access_log
		(id, document_id, user_id, access_type, outcome, reason, session_id, ip_address, user_agent, accessed_at)
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), NULLIF(?, ''), ?)`,
		e.ID.String(), e.DocumentID, e.UserID, string(e.AccessType), string(e.Outcome), e.Reason,
		sid, e.IPAddress, e.UserAgent, e.AccessedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("append access log: %w", err)
	}
	return nil
}

func (r *AccessLogRepoSQLite) List(ctx context.Context, q LogQuery) ([]*AccessLogEntry, int, error) {
	where := []string{"accessed_at >= ?"}
	args := []interface{}{q.Since.UnixNano()}
	if q.DocumentID != "" {
		where = append(where, "document_id = ?")
		args = append(args, q.DocumentID)
	}
	if q.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, q.UserID)
	}
	whereClause := "WHERE " + strings.Join(where, " AND ")

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM document_access_log "+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.db.QueryContext(ctx, `SELECT id, document_id, user_id, access_type, outcome,
		reason, session_id, ip_address, user_agent, accessed_at
		FROM document_access_log `+whereClause+` ORDER BY accessed_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		append(args, q.Limit, q.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*AccessLogEntry
	for rows.Next() {
		var (
			e                            AccessLogEntry
			id, accessType, outcome      string
			reason, sessionID, ip, agent sql.NullString
			accessedAt                   int64
		)
		if err := rows.Scan(&id, &e.DocumentID, &e.UserID, &accessType, &outcome,
			&reason, &sessionID, &ip, &agent, &accessedAt); err != nil {
			return nil, 0, err
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, 0, fmt.Errorf("parse log id: %w", err)
		}
		if sessionID.Valid {
			sid, err := uuid.Parse(sessionID.String)
			if err != nil {
				return nil, 0, fmt.Errorf("parse session id: %w", err)
			}
			e.SessionID = &sid
		}
		e.AccessType = AccessType(accessType)
		e.Outcome = Outcome(outcome)
		e.Reason = reason.String
		e.IPAddress = ip.String
		e.UserAgent = agent.String
		e.AccessedAt = time.Unix(0, accessedAt).UTC()
		items = append(items, &e)
	}
	return items, total, rows.Err()
}
