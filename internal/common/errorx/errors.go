package errorx

import (
	"errors"
	"fmt"
	"maps"
)

// Category groups error codes by the layer that produced them
type Category string

const (
	CategoryConnection Category = "connection"
	CategorySession    Category = "session"
	CategoryProtocol   Category = "protocol"
	CategoryValidation Category = "validation"
	CategoryNotFound   Category = "not_found"
	CategoryTimeout    Category = "timeout"
	CategoryInternal   Category = "internal"
)

// Error is a typed error with a stable machine-readable code and structured context
type Error struct {
	Code     string         `json:"code"`
	Category Category       `json:"category"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	cause    error
}

// New creates a new error definition
func New(code string, category Category, message string) *Error {
	return &Error{
		Code:     code,
		Category: category,
		Message:  message,
	}
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target carries the same code. Copies made by the
// With* helpers therefore still match their sentinel.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func (e *Error) clone() *Error {
	c := *e
	if e.Details != nil {
		c.Details = maps.Clone(e.Details)
	}
	return &c
}

// WithDetail returns a copy of the error carrying an extra detail
func (e *Error) WithDetail(key string, value any) *Error {
	c := e.clone()
	if c.Details == nil {
		c.Details = make(map[string]any)
	}
	c.Details[key] = value
	return c
}

// WithMessage returns a copy of the error with a formatted message
func (e *Error) WithMessage(format string, args ...any) *Error {
	c := e.clone()
	c.Message = fmt.Sprintf(format, args...)
	return c
}

// Wrap returns a copy of the error wrapping cause
func (e *Error) Wrap(cause error) *Error {
	c := e.clone()
	c.cause = cause
	return c
}

// As extracts an *Error from err
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of err, or the internal error code for untyped errors
func CodeOf(err error) string {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ErrInternal.Code
}

// Retryable reports whether err is a transient transport failure
func Retryable(err error) bool {
	e, ok := As(err)
	if !ok {
		return false
	}
	switch e.Category {
	case CategoryConnection, CategoryTimeout:
		return e.Code != ErrConnectionFailed.Code
	default:
		return false
	}
}
