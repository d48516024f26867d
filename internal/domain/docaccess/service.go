package docaccess

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultSessionTTL  = 5 * time.Minute
	DefaultAuditWindow = 30 * 24 * time.Hour
	maxAuditWindow     = 365 * 24 * time.Hour

	tokenBytes = 32
	lockShards = 64
)

var tracer = otel.Tracer("github.com/medvault/medvault/internal/domain/docaccess")

// Recorder receives access decisions for metrics.
type Recorder interface {
	AccessGranted(accessType string)
	AccessDenied(accessType, reason string)
	SessionCreated()
	SessionReused()
}

type nopRecorder struct{}

func (nopRecorder) AccessGranted(string)        {}
func (nopRecorder) AccessDenied(string, string) {}
func (nopRecorder) SessionCreated()             {}
func (nopRecorder) SessionReused()              {}

// Service grants time-boxed view sessions and refuses every download and
// offline request. Each call appends exactly one access log entry before it
// returns.
type Service struct {
	sessions    SessionRepository
	logs        AccessLogRepository
	ttl         time.Duration
	auditWindow time.Duration
	now         func() time.Time
	newToken    func() (string, error)
	recorder    Recorder
	logger      zerolog.Logger

	// Serialises session acquisition per (document, user) within this
	// process. The repositories guard against other processes.
	locks [lockShards]sync.Mutex
}

type Option func(*Service)

func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithAuditWindow sets the default look-back for access log reports.
func WithAuditWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.auditWindow = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.recorder = r
		}
	}
}

func withTokenSource(fn func() (string, error)) Option {
	return func(s *Service) { s.newToken = fn }
}

func NewService(sessions SessionRepository, logs AccessLogRepository, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		sessions:    sessions,
		logs:        logs,
		ttl:         DefaultSessionTTL,
		auditWindow: DefaultAuditWindow,
		now:         time.Now,
		newToken:    randomToken,
		recorder:    nopRecorder{},
		logger:      logger.With().Str("component", "docaccess").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// randomToken returns 32 bytes from crypto/rand, hex encoded.
func randomToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func (s *Service) lockFor(documentID, userID string) *sync.Mutex {
	h := xxhash.New()
	_, _ = h.WriteString(documentID)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(userID)
	return &s.locks[h.Sum64()%lockShards]
}

// VerifyAccess returns the caller's active view session for the document,
// minting a new one when none is active. Every call, including one that
// reuses a session, appends a granted view entry. Storage failures deny
// access.
func (s *Service) VerifyAccess(ctx context.Context, documentID, userID string, cc ClientContext) (*AccessGrant, error) {
	ctx, span := tracer.Start(ctx, "docaccess.VerifyAccess", trace.WithAttributes(
		attribute.String("document.id", documentID),
		attribute.String("user.id", userID),
	))
	defer span.End()

	mu := s.lockFor(documentID, userID)
	mu.Lock()
	defer mu.Unlock()

	now := s.now().UTC()
	token, err := s.newToken()
	if err != nil {
		return nil, s.failClosed(ctx, span, documentID, userID, cc, now, err)
	}
	candidate := &AccessSession{
		ID:         uuid.New(),
		Token:      token,
		DocumentID: documentID,
		UserID:     userID,
		GrantedAt:  now,
		ExpiresAt:  now.Add(s.ttl),
		IPAddress:  cc.IPAddress,
		UserAgent:  cc.UserAgent,
	}

	entry := &AccessLogEntry{
		ID:         uuid.New(),
		DocumentID: documentID,
		UserID:     userID,
		AccessType: AccessView,
		Outcome:    OutcomeGranted,
		IPAddress:  cc.IPAddress,
		UserAgent:  cc.UserAgent,
		AccessedAt: now,
	}
	sess, created, err := s.sessions.AcquireActive(ctx, candidate, entry, now)
	if err != nil {
		return nil, s.failClosed(ctx, span, documentID, userID, cc, now, err)
	}

	if created {
		s.recorder.SessionCreated()
		s.logger.Info().
			Str("event", "session_created").
			Str("document_id", documentID).
			Str("user_id", userID).
			Str("session_id", sess.ID.String()).
			Time("expires_at", sess.ExpiresAt).
			Msg("access session created")
	} else {
		s.recorder.SessionReused()
		s.logger.Debug().
			Str("event", "session_reused").
			Str("document_id", documentID).
			Str("user_id", userID).
			Str("session_id", sess.ID.String()).
			Msg("access session reused")
	}
	s.recordGranted(AccessView, documentID, userID)
	span.SetAttributes(attribute.Bool("session.new", created))

	return &AccessGrant{
		Granted:          true,
		SessionToken:     sess.Token,
		IsNewSession:     created,
		ExpiresInSeconds: sess.RemainingSeconds(now),
		ExpiresAt:        sess.ExpiresAt,
	}, nil
}

// failClosed records a best-effort denied view entry for a storage failure
// and returns the denial.
func (s *Service) failClosed(ctx context.Context, span trace.Span, documentID, userID string, cc ClientContext, now time.Time, cause error) error {
	denied := storeDenial(cause)
	entry := &AccessLogEntry{
		ID:         uuid.New(),
		DocumentID: documentID,
		UserID:     userID,
		AccessType: AccessView,
		Outcome:    OutcomeDenied,
		Reason:     ReasonStoreUnavailable,
		IPAddress:  cc.IPAddress,
		UserAgent:  cc.UserAgent,
		AccessedAt: now,
	}
	if err := s.logs.Append(ctx, entry); err != nil {
		s.logger.Error().Err(err).Str("document_id", documentID).Msg("append denied access entry failed")
	}
	s.recordDenied(span, AccessView, denied, documentID, userID)
	return denied
}

// RequestDownload always refuses. The attempt is logged first.
func (s *Service) RequestDownload(ctx context.Context, documentID, userID string, cc ClientContext) error {
	return s.deny(ctx, "docaccess.RequestDownload", AccessDownloadAttempt, ReasonDownloadBlocked, documentID, userID, cc)
}

// RequestOfflineData always refuses. The attempt is logged first.
func (s *Service) RequestOfflineData(ctx context.Context, documentID, userID string, cc ClientContext) error {
	return s.deny(ctx, "docaccess.RequestOfflineData", AccessOfflineAttempt, ReasonOfflineBlocked, documentID, userID, cc)
}

func (s *Service) deny(ctx context.Context, op string, accessType AccessType, reason, documentID, userID string, cc ClientContext) error {
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("document.id", documentID),
		attribute.String("user.id", userID),
	))
	defer span.End()

	entry := &AccessLogEntry{
		ID:         uuid.New(),
		DocumentID: documentID,
		UserID:     userID,
		AccessType: accessType,
		Outcome:    OutcomeDenied,
		Reason:     reason,
		IPAddress:  cc.IPAddress,
		UserAgent:  cc.UserAgent,
		AccessedAt: s.now().UTC(),
	}
	denied := &DeniedError{Reason: reason}
	if err := s.logs.Append(ctx, entry); err != nil {
		denied.Err = fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	s.recordDenied(span, accessType, denied, documentID, userID)
	return denied
}

// RecordView appends a granted view entry without touching sessions. The
// document viewer calls it when a page of an already granted document is
// rendered.
func (s *Service) RecordView(ctx context.Context, documentID, userID string, cc ClientContext) error {
	ctx, span := tracer.Start(ctx, "docaccess.RecordView")
	defer span.End()

	entry := &AccessLogEntry{
		ID:         uuid.New(),
		DocumentID: documentID,
		UserID:     userID,
		AccessType: AccessView,
		Outcome:    OutcomeGranted,
		IPAddress:  cc.IPAddress,
		UserAgent:  cc.UserAgent,
		AccessedAt: s.now().UTC(),
	}
	if err := s.logs.Append(ctx, entry); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	s.recordGranted(AccessView, documentID, userID)
	return nil
}

// DocumentAccessLog lists entries for a document recorded in the last days
// days. A non-positive days uses the configured audit window.
func (s *Service) DocumentAccessLog(ctx context.Context, documentID string, days, limit, offset int) ([]*AccessLogEntry, int, error) {
	return s.logs.List(ctx, LogQuery{
		DocumentID: documentID,
		Since:      s.windowStart(days),
		Limit:      limit,
		Offset:     offset,
	})
}

// UserAccessLog lists entries for a user recorded in the last days days.
func (s *Service) UserAccessLog(ctx context.Context, userID string, days, limit, offset int) ([]*AccessLogEntry, int, error) {
	return s.logs.List(ctx, LogQuery{
		UserID: userID,
		Since:  s.windowStart(days),
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Service) windowStart(days int) time.Time {
	window := s.auditWindow
	if days > 0 {
		window = time.Duration(days) * 24 * time.Hour
	}
	if window > maxAuditWindow {
		window = maxAuditWindow
	}
	return s.now().UTC().Add(-window)
}

func (s *Service) recordGranted(accessType AccessType, documentID, userID string) {
	s.recorder.AccessGranted(string(accessType))
	s.logger.Info().
		Str("event", "access_granted").
		Str("access_type", string(accessType)).
		Str("document_id", documentID).
		Str("user_id", userID).
		Msg("document access granted")
}

func (s *Service) recordDenied(span trace.Span, accessType AccessType, denied *DeniedError, documentID, userID string) {
	s.recorder.AccessDenied(string(accessType), denied.Reason)
	span.SetAttributes(attribute.String("access.denied_reason", denied.Reason))

	ev := s.logger.Warn()
	if errors.Is(denied, ErrStoreUnavailable) {
		ev = s.logger.Error().Err(denied.Err)
		span.RecordError(denied.Err)
		span.SetStatus(codes.Error, denied.Reason)
	}
	ev.Str("event", "access_denied").
		Str("access_type", string(accessType)).
		Str("reason", denied.Reason).
		Str("document_id", documentID).
		Str("user_id", userID).
		Msg("document access denied")
}
