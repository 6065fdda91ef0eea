// Package lserr defines the uniform error taxonomy every locationd
// operation returns through, mirroring spec §7's Result<T> error kinds as
// idiomatic Go sentinel errors classified by Kind.
package lserr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the categories spec §7 requires
// callers to distinguish.
type Kind uint8

const (
	// KindUnknown is returned by Classify for errors that were not
	// constructed through this package.
	KindUnknown Kind = iota
	// KindContentNotFound: pin/open/place where no live replica exists.
	KindContentNotFound
	// KindCancelled: cooperative cancellation.
	KindCancelled
	// KindTransient: transport/KV retryable; recovered at the raided-KV
	// layer or next heartbeat.
	KindTransient
	// KindForbidden: central-store credential failure; surfaced.
	KindForbidden
	// KindUnauthorized: as KindForbidden, distinguished for callers that
	// need to tell the two apart.
	KindUnauthorized
	// KindRejected: proactive-copy push refused; counted, not surfaced as
	// failure.
	KindRejected
	// KindCorrupt: checkpoint manifest integrity failure; aborts restore
	// and triggers full resync.
	KindCorrupt
	// KindRoleConflict: CAS failure during master election; caller becomes
	// worker.
	KindRoleConflict
	// KindConfigurationError: fatal at startup only.
	KindConfigurationError
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindContentNotFound:
		return "ContentNotFound"
	case KindCancelled:
		return "Cancelled"
	case KindTransient:
		return "Transient"
	case KindForbidden:
		return "Forbidden"
	case KindUnauthorized:
		return "Unauthorized"
	case KindRejected:
		return "Rejected"
	case KindCorrupt:
		return "Corrupt"
	case KindRoleConflict:
		return "RoleConflict"
	case KindConfigurationError:
		return "ConfigurationError"
	default:
		return "Unknown"
	}
}

// lsError is the concrete error type returned by New/Wrap. It is never
// exported; callers interact with it exclusively through Classify, Is, and
// the constructors in this package.
type lsError struct {
	kind   Kind
	reason string
	cause  error
}

func (e *lsError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.reason, e.cause)
	}
	if e.reason != "" {
		return fmt.Sprintf("%s: %s", e.kind, e.reason)
	}
	return e.kind.String()
}

func (e *lsError) Unwrap() error { return e.cause }

// New constructs an error of the given kind with a static reason.
func New(kind Kind, reason string) error {
	return &lsError{kind: kind, reason: reason}
}

// Wrap constructs an error of the given kind that wraps cause. errors.Is
// and errors.As continue to work against cause.
func Wrap(kind Kind, reason string, cause error) error {
	return &lsError{kind: kind, reason: reason, cause: cause}
}

// Classify returns the Kind of err, walking the error chain, or
// KindUnknown if no lsError is found in the chain.
func Classify(err error) Kind {
	var e *lsError
	if errors.As(err, &e) {
		return e.kind
	}
	return KindUnknown
}

// Is reports whether err's chain contains an error of the given kind.
func Is(err error, kind Kind) bool {
	return Classify(err) == kind
}

// IsRetryable reports whether the caller should treat err as recoverable by
// retrying at the raided-KV layer or on the next heartbeat, per spec §7.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case KindTransient, KindCancelled:
		return true
	default:
		return false
	}
}

// Convenience constructors for the most frequently constructed kinds.

func ContentNotFound(reason string) error { return New(KindContentNotFound, reason) }
func Cancelled(cause error) error         { return Wrap(KindCancelled, "cancelled", cause) }
func Transient(cause error) error         { return Wrap(KindTransient, "transient", cause) }
func Rejected(reason string) error        { return New(KindRejected, reason) }
func Corrupt(reason string, cause error) error {
	return Wrap(KindCorrupt, reason, cause)
}
func RoleConflict(reason string) error { return New(KindRoleConflict, reason) }
func ConfigurationError(reason string) error {
	return New(KindConfigurationError, reason)
}
