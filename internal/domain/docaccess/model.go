package docaccess

import (
	"math"
	"time"

	"github.com/google/uuid"
)

type AccessType string

const (
	AccessView            AccessType = "view"
	AccessDownloadAttempt AccessType = "download-attempt"
	AccessOfflineAttempt  AccessType = "offline-attempt"
)

type Outcome string

const (
	OutcomeGranted Outcome = "granted"
	OutcomeDenied  Outcome = "denied"
)

// AccessSession is a time-boxed grant to view one document. Sessions are
// written once and never updated; they lapse when the clock passes
// ExpiresAt.
type AccessSession struct {
	ID         uuid.UUID `json:"id"`
	Token      string    `json:"-"`
	DocumentID string    `json:"document_id"`
	UserID     string    `json:"user_id"`
	GrantedAt  time.Time `json:"granted_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	IPAddress  string    `json:"ip_address,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
}

// ActiveAt reports whether the session is still usable at now. A session
// expires once now is strictly after ExpiresAt.
func (s *AccessSession) ActiveAt(now time.Time) bool {
	return !now.After(s.ExpiresAt)
}

// RemainingSeconds is the whole number of seconds left at now, rounded up.
func (s *AccessSession) RemainingSeconds(now time.Time) int {
	d := s.ExpiresAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// AccessLogEntry records one access attempt.
type AccessLogEntry struct {
	ID         uuid.UUID  `json:"id"`
	DocumentID string     `json:"document_id"`
	UserID     string     `json:"user_id"`
	AccessType AccessType `json:"access_type"`
	Outcome    Outcome    `json:"outcome"`
	Reason     string     `json:"reason,omitempty"`
	SessionID  *uuid.UUID `json:"session_id,omitempty"`
	IPAddress  string     `json:"ip_address,omitempty"`
	UserAgent  string     `json:"user_agent,omitempty"`
	AccessedAt time.Time  `json:"accessed_at"`
}

// ClientContext describes where a request came from.
type ClientContext struct {
	IPAddress string
	UserAgent string
}

// AccessGrant is the result of a successful VerifyAccess.
type AccessGrant struct {
	Granted          bool      `json:"granted"`
	SessionToken     string    `json:"session_token"`
	IsNewSession     bool      `json:"is_new_session"`
	ExpiresInSeconds int       `json:"expires_in_seconds"`
	ExpiresAt        time.Time `json:"expires_at"`
}
