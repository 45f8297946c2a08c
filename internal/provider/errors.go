package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies provider failures.
type ErrorKind string

const (
	KindTransient     ErrorKind = "transient"
	KindPermanent     ErrorKind = "permanent"
	KindAuthFailed    ErrorKind = "auth-failed"
	KindNotFound      ErrorKind = "not-found"
	KindQuotaExceeded ErrorKind = "quota-exceeded"
	// KindMalformed and KindReplay are only produced by webhook verification.
	KindMalformed ErrorKind = "malformed"
	KindReplay    ErrorKind = "replay"
)

// Sentinel errors for common scenarios.
var (
	ErrNotFound        = errors.New("not found")
	ErrBadSignature    = errors.New("signature mismatch")
	ErrMissingSig      = errors.New("missing signature header")
	ErrStaleTimestamp  = errors.New("timestamp outside tolerance")
	ErrUnknownEvent    = errors.New("unknown event type")
	ErrRateLimited     = errors.New("rate limited")
	ErrAssetIncomplete = errors.New("asset incomplete")
)

// Error is a classified provider failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates a classified error.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrap classifies err under kind unless it already carries a kind.
// Context deadline and network errors are always transient.
func Wrap(err error, kind ErrorKind, op string) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTransient, Op: op, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return &Error{Kind: KindTransient, Op: op, Err: err}
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of a classified error, or transient for anything else.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// IsRetryable reports whether the caller may retry the same operation later.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindQuotaExceeded:
		return true
	}
	return false
}

// KindForStatus maps an HTTP status from a provider API to an error kind.
func KindForStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return KindAuthFailed
	case status == 404:
		return KindNotFound
	case status == 429:
		return KindQuotaExceeded
	case status >= 500:
		return KindTransient
	default:
		return KindPermanent
	}
}
