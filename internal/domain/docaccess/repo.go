package docaccess

import (
	"context"
	"time"
)

type SessionRepository interface {
	// AcquireActive returns the session for candidate's (document, user)
	// pair that is active at now, or persists candidate and returns it with
	// created set. Concurrent calls for one pair create at most one session.
	// The entry is linked to the returned session and appended in the
	// same transaction; if it cannot be written no new session is kept.
	AcquireActive(ctx context.Context, candidate *AccessSession, entry *AccessLogEntry, now time.Time) (*AccessSession, bool, error)
}

// LogQuery selects access log entries for one document or one user
// recorded at or after Since, newest first.
type LogQuery struct {
	DocumentID string
	UserID     string
	Since      time.Time
	Limit      int
	Offset     int
}

type AccessLogRepository interface {
	Append(ctx context.Context, e *AccessLogEntry) error
	List(ctx context.Context, q LogQuery) ([]*AccessLogEntry, int, error)
}
