// Package errors defines the error kinds raised by the storage core.
//
// Every error returned across a package boundary carries exactly one kind so
// that callers can branch with errors.Is(err, errors.ConcurrencyConflict) and
// so on. Specific conditions are sentinels bound to a kind.
package errors

import (
	stderrors "errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Error is a constant error value.
type Error string

func (e Error) Error() string {
	return string(e)
}

// kinds
const (
	ValidationError     = Error("validation error")
	ResourceExhausted   = Error("resource exhausted")
	ConcurrencyConflict = Error("concurrency conflict")
	IOFailure           = Error("io failure")
	CorruptionDetected  = Error("corruption detected")
)

// kindError binds a message or cause to a kind.
type kindError struct {
	kind  Error
	cause error
}

func (e *kindError) Error() string {
	return fmt.Sprintf("%s: %s", e.kind, e.cause)
}

func (e *kindError) Is(target error) bool {
	k, ok := target.(Error)
	return ok && k == e.kind
}

func (e *kindError) Unwrap() error { return e.cause }

func (e *kindError) Cause() error { return e.cause }

func (e *kindError) Kind() Error { return e.kind }

// Define creates a sentinel of the given kind.
func Define(kind Error, msg string) error {
	return &kindError{kind, stderrors.New(msg)}
}

// New returns a fresh error of the given kind with a stack trace.
func New(kind Error, format string, args ...interface{}) error {
	return pkgerrors.WithStack(&kindError{kind, fmt.Errorf(format, args...)})
}

// Wrap attaches kind and context to err. A nil err gives nil.
func Wrap(kind Error, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return pkgerrors.WithStack(&kindError{kind, pkgerrors.Wrapf(err, format, args...)})
}

// WithStack records the call site on a sentinel.
func WithStack(err error) error {
	return pkgerrors.WithStack(err)
}

// Wrapf adds context while keeping the kind of err.
func Wrapf(err error, format string, args ...interface{}) error {
	return pkgerrors.Wrapf(err, format, args...)
}

func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// KindOf reports the kind carried by err.
func KindOf(err error) (Error, bool) {
	var ke *kindError
	if stderrors.As(err, &ke) {
		return ke.kind, true
	}
	return "", false
}

var (
	ErrInvalidArgument  = Define(ValidationError, "invalid argument")
	ErrRecordTooLarge   = Define(ValidationError, "record too large for a page")
	ErrEmptyRecord      = Define(ValidationError, "record payload is empty")
	ErrInvalidSlot      = Define(ValidationError, "slot does not hold a record")
	ErrUnknownTxn       = Define(ValidationError, "unknown transaction")
	ErrTxnNotActive     = Define(ValidationError, "transaction is not active")
	ErrEngineClosed     = Define(ValidationError, "engine is closed")
	ErrNotEnoughSpace   = Define(ResourceExhausted, "not enough space in page")
	ErrNoFreeFrame      = Define(ResourceExhausted, "no free frame in buffer pool")
	ErrDeadlock         = Define(ConcurrencyConflict, "deadlock victim")
	ErrLockTimeout      = Define(ConcurrencyConflict, "lock wait timed out")
	ErrTxnAborted       = Define(ConcurrencyConflict, "transaction aborted")
	ErrWriteConflict    = Define(ConcurrencyConflict, "record changed after the snapshot was taken")
	ErrChecksumMismatch = Define(CorruptionDetected, "checksum mismatch")
	ErrBadLogRecord     = Define(CorruptionDetected, "malformed log record")
)
