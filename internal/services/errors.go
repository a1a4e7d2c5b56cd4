package services

import (
	"errors"
	"fmt"
)

// ValidationError marks bad caller input. Never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// NewValidationError formats a validation failure.
func NewValidationError(format string, args ...interface{}) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// TransientError marks a failure that may succeed on retry (network,
// timeout, upstream quota). Quota reports additionally halt the rest of
// a bulk run to avoid compounding API cost.
type TransientError struct {
	Msg   string
	Quota bool
	Cause error
}

func (e *TransientError) Error() string { return e.Msg }
func (e *TransientError) Unwrap() error { return e.Cause }

// NewTransientError wraps err as retryable.
func NewTransientError(err error, format string, args ...interface{}) error {
	return &TransientError{Msg: fmt.Sprintf(format, args...), Cause: err}
}

// NewQuotaError wraps err as a quota/rate-limit failure.
func NewQuotaError(err error, format string, args ...interface{}) error {
	return &TransientError{Msg: fmt.Sprintf(format, args...), Quota: true, Cause: err}
}

// ConflictError marks an optimistic precondition failure (for example a
// message grabbed by a concurrent assembly). The caller must re-fetch
// and retry; the orchestrator does not.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return e.Msg }

// NewConflictError formats a conflict.
func NewConflictError(format string, args ...interface{}) error {
	return &ConflictError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsQuota reports whether err is a quota/rate-limit failure.
func IsQuota(err error) bool {
	var te *TransientError
	return errors.As(err, &te) && te.Quota
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
