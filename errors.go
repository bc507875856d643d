package profsync

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure this package reports. Expected
// contention and absence come back as typed results; only programmer errors
// (nil/invalid arguments at construction) panic.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota

	// KindInvalidArgument: malformed input. Not retried.
	KindInvalidArgument

	// KindLockFailed: a lease was not obtained. The caller decides whether
	// to retry.
	KindLockFailed

	// KindVersionConflict: CAS or document version mismatch after the retry
	// ceiling.
	KindVersionConflict

	// KindNotFound: absence where the caller required presence.
	KindNotFound

	// KindTransientStore: store or bus I/O failure. Retried with backoff by
	// the calling layer.
	KindTransientStore

	// KindCriticalSync: IMMEDIATE-priority reconciliation failed after its
	// retry. Must trigger an alert.
	KindCriticalSync
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindLockFailed:
		return "lock_failed"
	case KindVersionConflict:
		return "version_conflict"
	case KindNotFound:
		return "not_found"
	case KindTransientStore:
		return "transient_store"
	case KindCriticalSync:
		return "critical_sync"
	default:
		return "unknown"
	}
}

// Error is the single error shape for all operations.
type Error struct {
	Kind     ErrorKind
	Key      string // identity or resource key, when applicable
	Attempts int    // CAS attempts consumed, when applicable
	Msg      string
	Err      error // wrapped cause, when applicable
}

func (e *Error) Error() string {
	s := "profsync: " + e.Kind.String()
	if e.Key != "" {
		s += fmt.Sprintf(" %q", e.Key)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Attempts > 0 {
		s += fmt.Sprintf(" (attempts=%d)", e.Attempts)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the ErrorKind from err, or KindUnknown for foreign errors.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

func IsKind(err error, k ErrorKind) bool { return KindOf(err) == k }

func IsConflict(err error) bool   { return IsKind(err, KindVersionConflict) }
func IsNotFound(err error) bool   { return IsKind(err, KindNotFound) }
func IsLockFailed(err error) bool { return IsKind(err, KindLockFailed) }

func errf(kind ErrorKind, key, format string, args ...any) *Error {
	return &Error{Kind: kind, Key: key, Msg: fmt.Sprintf(format, args...)}
}

func wrapErr(kind ErrorKind, key string, err error) *Error {
	return &Error{Kind: kind, Key: key, Err: err}
}
