package errors

import (
	goerrors "errors"
	"fmt"
)

// New returns a new error. If arguments are given, the message is formatted
// with them.
func New(format string, a ...interface{}) error {
	msg := format
	if len(a) != 0 {
		msg = fmt.Sprintf(format, a...)
	}
	return &baseError{msg}
}

type baseError struct {
	msg string
}

func (err *baseError) Error() string {
	return err.msg
}

// WithContext wraps `err` with a short description of what was being
// attempted when it occurred. It returns nil if `err` is nil.
func WithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return contextError{context: context, err: err}
}

type contextError struct {
	context string
	err     error
}

func (err contextError) Error() string {
	return fmt.Sprintf("%s: %s", err.context, err.err)
}

func (err contextError) Unwrap() error {
	return err.err
}

// FriendlyError is an error whose message is meant to be read by an
// operator as-is, without the context chain that led to it.
type FriendlyError struct {
	msg string
}

// NewFriendlyError creates a FriendlyError from a format template.
func NewFriendlyError(template string, a ...interface{}) error {
	msg := template
	if len(a) != 0 {
		msg = fmt.Sprintf(template, a...)
	}
	return FriendlyError{msg}
}

func (err FriendlyError) Error() string {
	return err.msg
}

// FriendlyMessage returns the operator-facing message.
func (err FriendlyError) FriendlyMessage() string {
	return err.msg
}

type friendlyError interface {
	FriendlyMessage() string
}

// RootCause strips the context added by WithContext and returns the
// original error.
func RootCause(err error) error {
	for {
		ctxErr, ok := err.(contextError)
		if !ok {
			return err
		}
		err = ctxErr.err
	}
}

// GetPrintableMessage returns the friendly message if the root cause of
// `err` has one. Otherwise, the full error string is returned.
func GetPrintableMessage(err error) string {
	if friendly, ok := RootCause(err).(friendlyError); ok {
		return friendly.FriendlyMessage()
	}
	return err.Error()
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return goerrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return goerrors.As(err, target)
}
