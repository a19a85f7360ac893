package delivery

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTransient marks retryable failures: timeouts, 5xx, rate limits.
	ErrTransient = errors.New("transient delivery failure")
	// ErrPermanent marks failures that no retry can fix: malformed requests, authorization.
	ErrPermanent = errors.New("permanent delivery failure")
	// ErrQuotaExceeded is a transient failure raised when rate limiting outlasted the retry budget.
	ErrQuotaExceeded = errors.New("analytics store quota exceeded")
)

// Kind classifies a delivery failure.
type Kind int

const (
	KindTransient Kind = iota
	KindPermanent
	KindRateLimited
	KindQuotaExceeded
)

func (k Kind) String() string {
	switch k {
	case KindPermanent:
		return "permanent"
	case KindRateLimited:
		return "rate_limited"
	case KindQuotaExceeded:
		return "quota_exceeded"
	default:
		return "transient"
	}
}

// Error is a classified failure from the analytics store.
type Error struct {
	Kind       Kind
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is maps kinds onto the sentinel errors so callers can use errors.Is.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Kind != KindPermanent
	case ErrPermanent:
		return e.Kind == KindPermanent
	case ErrQuotaExceeded:
		return e.Kind == KindQuotaExceeded
	}
	return false
}

// Transient wraps err as a retryable failure.
func Transient(err error) *Error {
	return &Error{Kind: KindTransient, Err: err}
}

// Permanent wraps err as a non-retryable failure.
func Permanent(err error) *Error {
	return &Error{Kind: KindPermanent, Err: err}
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// IsTransient reports whether err may succeed on retry. Unclassified errors are
// treated as transient so a surprising failure is retried rather than lost.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsPermanent(err)
}
