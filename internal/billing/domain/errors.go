package billing

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptySessionID is returned when a session id is empty.
	ErrEmptySessionID = errors.New("billing: empty session id")
	// ErrNilSession is returned when saving a nil session.
	ErrNilSession = errors.New("billing: nil session")
	// ErrNilStore is returned when a service is built without a store.
	ErrNilStore = errors.New("billing: nil store")
)

// Kind sentinels. Errors produced by this package match exactly one of them
// through errors.Is.
var (
	ErrValidation = errors.New("billing: validation")
	ErrNotFound   = errors.New("billing: not found")
	ErrConflict   = errors.New("billing: concurrent modification")
	ErrIntegrity  = errors.New("billing: integrity violation")
)

// Kind classifies an Error.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindIntegrity  Kind = "integrity"
)

// Error carries the kind, the failing operation and a caller-facing message.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s (%s)", msg, e.Kind)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Op, msg, e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches the kind sentinels.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrConflict:
		return e.Kind == KindConflict
	case ErrIntegrity:
		return e.Kind == KindIntegrity
	}
	return false
}

// NewError builds an Error.
func NewError(kind Kind, op, message string, cause error) error {
	return &Error{
		Kind:    kind,
		Op:      strings.TrimSpace(op),
		Message: strings.TrimSpace(message),
		Cause:   cause,
	}
}

// ValidationError reports bad caller input. Nothing was mutated.
func ValidationError(op, format string, args ...any) error {
	return NewError(KindValidation, op, fmt.Sprintf(format, args...), nil)
}

// NotFoundError reports a missing record.
func NotFoundError(op, format string, args ...any) error {
	return NewError(KindNotFound, op, fmt.Sprintf(format, args...), nil)
}

// ConflictError reports a concurrent writer; the caller should re-read and retry.
func ConflictError(op, format string, args ...any) error {
	return NewError(KindConflict, op, fmt.Sprintf(format, args...), nil)
}

// IntegrityError reports a broken invariant detected before commit.
func IntegrityError(op, format string, args ...any) error {
	return NewError(KindIntegrity, op, fmt.Sprintf(format, args...), nil)
}

// WrapConflict tags an infrastructure error as retryable.
func WrapConflict(op string, cause error) error {
	if cause == nil {
		return nil
	}
	return NewError(KindConflict, op, "", cause)
}

// WrapIntegrity tags an infrastructure error as an integrity violation.
func WrapIntegrity(op string, cause error) error {
	if cause == nil {
		return nil
	}
	return NewError(KindIntegrity, op, "", cause)
}

// IsRetryable reports whether the caller may retry the whole call.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// KindOf returns the kind of err, or "" when err is not a billing error.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}
