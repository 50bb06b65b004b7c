package apperr

import (
	"errors"
	"fmt"
)

// Error is a classified failure with an optional underlying cause.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error with the same code, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, message string, cause error) error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func Validation(msg string) error         { return New(CodeValidation, msg) }
func Forbidden(msg string) error          { return New(CodeForbidden, msg) }
func NotFound(msg string) error           { return New(CodeNotFound, msg) }
func FailedPrecondition(msg string) error { return New(CodeFailedPrecondition, msg) }

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Transport wraps a network or remote failure unless it is already classified.
func Transport(op string, cause error) error {
	var e *Error
	if errors.As(cause, &e) {
		return cause
	}
	return Wrap(CodeTransport, op+" failed", cause)
}
