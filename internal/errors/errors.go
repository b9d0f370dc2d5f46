// Package errors provides kinded errors for the agent.
//
// Kinds split failures into the ones a later pass can repair (a command
// failed, a device was not ready, the transition lock was held) and the ones
// it cannot (a malformed desired-state document).
package errors

import (
	"errors"
	"fmt"
)

// Kind defines the category of error.
type Kind int

const (
	KindUnknown Kind = iota
	KindInternal
	KindValidation
	KindNotFound
	KindDeviceNotReady
	KindCommandFailed
	KindLockContention
	KindInvalidDesired
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindDeviceNotReady:
		return "device_not_ready"
	case KindCommandFailed:
		return "command_failed"
	case KindLockContention:
		return "lock_contention"
	case KindInvalidDesired:
		return "invalid_desired"
	default:
		return "unknown"
	}
}

// Error represents a structured agent error.
type Error struct {
	Kind       Kind
	Message    string
	Underlying error
	Attributes map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Underlying)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// New creates a new Error of the specified kind.
func New(kind Kind, msg string) error {
	return &Error{
		Kind:    kind,
		Message: msg,
	}
}

// Errorf creates a new Error of the specified kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error as a new Error of the specified kind.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:       kind,
		Message:    msg,
		Underlying: err,
	}
}

// Wrapf wraps an existing error with a formatted message.
func Wrapf(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:       kind,
		Message:    fmt.Sprintf(format, args...),
		Underlying: err,
	}
}

// Attr attaches an attribute to an error. If the error is not an *Error, it wraps it as KindInternal.
func Attr(err error, key string, val any) error {
	if err == nil {
		return nil
	}

	var e *Error
	if !errors.As(err, &e) {
		e = &Error{
			Kind:       KindInternal,
			Message:    err.Error(),
			Underlying: err,
		}
	}

	if e.Attributes == nil {
		e.Attributes = make(map[string]any)
	}
	e.Attributes[key] = val
	return e
}

// GetKind returns the Kind of the outermost *Error in the chain, or KindUnknown.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// GetAttributes returns all attributes in the error chain. Outer values win.
func GetAttributes(err error) map[string]any {
	attrs := make(map[string]any)
	var e *Error

	tempErr := err
	for tempErr != nil {
		if !errors.As(tempErr, &e) {
			break
		}
		for k, v := range e.Attributes {
			if _, ok := attrs[k]; !ok {
				attrs[k] = v
			}
		}
		tempErr = e.Underlying
	}

	return attrs
}

// Retryable reports whether the next scheduled pass may succeed where this one failed.
func Retryable(err error) bool {
	switch GetKind(err) {
	case KindDeviceNotReady, KindCommandFailed, KindLockContention:
		return true
	}
	return false
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Join returns an error that wraps the given errors.
func Join(errs ...error) error {
	return errors.Join(errs...)
}
