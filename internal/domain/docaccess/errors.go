package docaccess

import (
	"errors"
	"fmt"
)

var (
	// ErrAccessDenied matches every denial returned by the Service.
	ErrAccessDenied = errors.New("access denied")
	// ErrStoreUnavailable wraps storage failures. Such failures deny access.
	ErrStoreUnavailable = errors.New("access store unavailable")
)

// Denial reasons.
const (
	ReasonDownloadBlocked  = "download_blocked"
	ReasonOfflineBlocked   = "offline_blocked"
	ReasonStoreUnavailable = "store_unavailable"
)

var reasonMessages = map[string]string{
	ReasonDownloadBlocked:  "Documents cannot be downloaded. They can only be viewed in the browser.",
	ReasonOfflineBlocked:   "Documents are not available for offline use.",
	ReasonStoreUnavailable: "Document access cannot be verified right now. Please try again later.",
}

// DeniedError is returned for every refused access attempt.
type DeniedError struct {
	Reason string
	Err    error
}

func (e *DeniedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("access denied (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("access denied (%s)", e.Reason)
}

func (e *DeniedError) Is(target error) bool { return target == ErrAccessDenied }

func (e *DeniedError) Unwrap() error { return e.Err }

// Message is a user-facing explanation of the denial.
func (e *DeniedError) Message() string {
	if m, ok := reasonMessages[e.Reason]; ok {
		return m
	}
	return "Access denied."
}

func storeDenial(err error) *DeniedError {
	return &DeniedError{Reason: ReasonStoreUnavailable, Err: fmt.Errorf("%w: %w", ErrStoreUnavailable, err)}
}
