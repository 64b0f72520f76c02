// Copyright 2024-2026 Aiku AI

package relay

import (
	"errors"
	"fmt"
	"time"
)

// AuthError means the network rejected the bridge's credentials. It is fatal
// for that side's session and is never retried automatically.
type AuthError struct {
	Side Side
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed on side %s: %v", e.Side, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransientError is a retryable failure such as a timeout or rate limit.
type TransientError struct {
	Err error
	// RetryAfter is the minimum delay requested by the network, if any.
	RetryAfter time.Duration
}

func (e *TransientError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("transient: %v (retry after %s)", e.Err, e.RetryAfter)
	}
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a failure that will not succeed on retry, such as an
// unknown chat or revoked access.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// TranslationError means a message body could not be converted for the
// target side. The message is dropped and relaying continues.
type TranslationError struct {
	Reason string
}

func (e *TranslationError) Error() string { return "translation failed: " + e.Reason }

// Transient wraps err as a TransientError. Nil stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as a PermanentError. Nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsAuth reports whether err is or wraps an AuthError.
func IsAuth(err error) bool {
	var target *AuthError
	return errors.As(err, &target)
}

// IsTransient reports whether err is or wraps a TransientError.
func IsTransient(err error) bool {
	var target *TransientError
	return errors.As(err, &target)
}

// IsPermanent reports whether err is or wraps a PermanentError.
func IsPermanent(err error) bool {
	var target *PermanentError
	return errors.As(err, &target)
}

// IsTranslation reports whether err is or wraps a TranslationError.
func IsTranslation(err error) bool {
	var target *TranslationError
	return errors.As(err, &target)
}

// ErrorKind is the failure category used by the retrier and supervisor.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindTransient
	KindPermanent
	KindAuth
	KindTranslation
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindAuth:
		return "auth"
	case KindTranslation:
		return "translation"
	default:
		return "unknown"
	}
}

// Classify returns the category of err. Errors that carry no category are
// treated as transient, since a send that failed for an unknown reason may
// still succeed later.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case IsAuth(err):
		return KindAuth
	case IsPermanent(err):
		return KindPermanent
	case IsTranslation(err):
		return KindTranslation
	default:
		return KindTransient
	}
}

// RetryAfter returns the delay requested by a TransientError in err, or zero.
func RetryAfter(err error) time.Duration {
	var target *TransientError
	if errors.As(err, &target) {
		return target.RetryAfter
	}
	return 0
}
