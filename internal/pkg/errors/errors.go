// Package errors provides error handling utilities for the render farm.
// Includes error wrapping with context, stack traces, and error codes for
// the marketplace, query and render failure taxonomy.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Code represents an error code for categorization.
type Code string

// Generic error codes.
const (
	CodeInternal    Code = "INTERNAL_ERROR"
	CodeValidation  Code = "VALIDATION_ERROR"
	CodeNotFound    Code = "NOT_FOUND"
	CodeTimeout     Code = "TIMEOUT"
	CodeUnavailable Code = "UNAVAILABLE"
)

// Domain error codes.
const (
	// CodeQuerySyntax marks a malformed offer filter. Fatal to that query only.
	CodeQuerySyntax Code = "QUERY_SYNTAX"
	// CodeOfferUnavailable marks a lost rental race. Recoverable.
	CodeOfferUnavailable Code = "OFFER_UNAVAILABLE"
	// CodeMarketplace marks any other non-2xx from the provider.
	CodeMarketplace Code = "MARKETPLACE_ERROR"
	// CodeRenderTimeout marks a render that exceeded its time budget.
	CodeRenderTimeout Code = "RENDER_TIMEOUT"
	// CodeRenderFailure marks a render that exited non-zero or produced nothing.
	CodeRenderFailure Code = "RENDER_FAILURE"
	// CodeStaleTask marks a task reclaimed by the monitor.
	CodeStaleTask Code = "STALE_TASK"
)

// Error is a custom error type with additional context.
type Error struct {
	// Code is the error code for categorization.
	Code Code
	// Message is the human-readable error message.
	Message string
	// Op is the operation that failed (e.g., "marketplace.create").
	Op string
	// Err is the underlying error.
	Err error
	// Fields contains additional context fields.
	Fields map[string]any
	// Stack contains the stack trace at error creation.
	Stack []Frame
}

// Frame represents a single stack frame.
type Frame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder

	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}

	if e.Code != "" {
		b.WriteString("[")
		b.WriteString(string(e.Code))
		b.WriteString("] ")
	}

	b.WriteString(e.Message)

	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}

	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target matches this error. Two errors match when
// they carry the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithField adds a field to the error.
func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// HTTPStatus returns the HTTP status used when the error reaches the status API.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeValidation, CodeQuerySyntax:
		return 400
	case CodeNotFound:
		return 404
	case CodeOfferUnavailable:
		return 409
	case CodeMarketplace:
		return 502
	case CodeUnavailable:
		return 503
	case CodeTimeout, CodeRenderTimeout, CodeStaleTask:
		return 504
	default:
		return 500
	}
}

// StackTrace returns the stack trace as a formatted string.
func (e *Error) StackTrace() string {
	if len(e.Stack) == 0 {
		return ""
	}

	var b strings.Builder
	for _, f := range e.Stack {
		fmt.Fprintf(&b, "  %s:%d %s\n", f.File, f.Line, f.Function)
	}
	return b.String()
}

// New creates a new error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates a new error with formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context.
// The code of a wrapped *Error is preserved.
func Wrap(err error, op string, message string) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return &Error{
			Code:    e.Code,
			Message: message,
			Op:      op,
			Err:     err,
			Fields:  e.Fields,
			Stack:   captureStack(2),
		}
	}

	return &Error{
		Code:    CodeInternal,
		Message: message,
		Op:      op,
		Err:     err,
		Stack:   captureStack(2),
	}
}

// WrapWithCode wraps an error with a specific code.
func WrapWithCode(err error, code Code, op string, message string) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:    code,
		Message: message,
		Op:      op,
		Err:     err,
		Stack:   captureStack(2),
	}
}

// Validation creates a validation error.
func Validation(message string) *Error {
	return New(CodeValidation, message)
}

// Validationf creates a validation error with formatted message.
func Validationf(format string, args ...any) *Error {
	return Newf(CodeValidation, format, args...)
}

// QuerySyntax creates a query syntax error naming the offending text.
func QuerySyntax(message, near string) *Error {
	return New(CodeQuerySyntax, fmt.Sprintf("%s near %q", message, near)).
		WithField("near", near)
}

// OfferUnavailable reports that another renter claimed the offer first.
func OfferUnavailable(offerID int64, status int, body string) *Error {
	return New(CodeOfferUnavailable, fmt.Sprintf("offer %d no longer available", offerID)).
		WithField("offer_id", offerID).
		WithField("status", status).
		WithField("body", body)
}

// Marketplace reports an unexpected response from the marketplace API.
func Marketplace(op string, status int, body string) *Error {
	e := New(CodeMarketplace, fmt.Sprintf("unexpected status %d", status)).
		WithField("status", status).
		WithField("body", body)
	e.Op = op
	return e
}

// RenderTimeout reports that a render phase exceeded its budget.
func RenderTimeout(phase string, err error) *Error {
	e := WrapWithCode(err, CodeRenderTimeout, "render."+phase, "time budget exceeded")
	if e == nil {
		e = New(CodeRenderTimeout, "time budget exceeded")
		e.Op = "render." + phase
	}
	return e.WithField("phase", phase)
}

// RenderFailure reports a failed render.
func RenderFailure(op string, err error) *Error {
	if err == nil {
		e := New(CodeRenderFailure, "render failed")
		e.Op = op
		return e
	}
	return WrapWithCode(err, CodeRenderFailure, op, "render failed")
}

// StaleTask reports a task the monitor reclaimed after its worker went silent.
func StaleTask(taskID string, age fmt.Stringer) *Error {
	return New(CodeStaleTask, fmt.Sprintf("task %s in progress for %s", taskID, age)).
		WithField("task_id", taskID)
}

// NotFound creates a not found error.
func NotFound(resource string, id string) *Error {
	return New(CodeNotFound, fmt.Sprintf("%s not found: %s", resource, id)).
		WithField("resource", resource).
		WithField("id", id)
}

// GetCode extracts the error code from an error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// GetHTTPStatus extracts the HTTP status from an error.
func GetHTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return 500
}

// GetFields extracts fields from an error.
func GetFields(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) && e.Fields != nil {
		return e.Fields
	}
	return nil
}

// IsCode checks if an error has a specific code.
func IsCode(err error, code Code) bool {
	return err != nil && GetCode(err) == code
}

// IsQuerySyntax checks if an error is a malformed query.
func IsQuerySyntax(err error) bool { return IsCode(err, CodeQuerySyntax) }

// IsOfferUnavailable checks if an error is a lost rental race.
func IsOfferUnavailable(err error) bool { return IsCode(err, CodeOfferUnavailable) }

// IsMarketplace checks if an error is an unexpected marketplace response.
func IsMarketplace(err error) bool { return IsCode(err, CodeMarketplace) }

// IsRenderTimeout checks if an error is a render timeout.
func IsRenderTimeout(err error) bool {
	return IsCode(err, CodeRenderTimeout) || IsCode(err, CodeStaleTask)
}

// IsRenderFailure checks if an error is a render failure.
func IsRenderFailure(err error) bool { return IsCode(err, CodeRenderFailure) }

// captureStack captures the current stack trace.
func captureStack(skip int) []Frame {
	const maxDepth = 32
	var pcs [maxDepth]uintptr
	n := runtime.Callers(skip+1, pcs[:])

	frames := make([]Frame, 0, n)
	callersFrames := runtime.CallersFrames(pcs[:n])

	for {
		frame, more := callersFrames.Next()

		if strings.Contains(frame.File, "runtime/") {
			if !more {
				break
			}
			continue
		}

		frames = append(frames, Frame{
			File:     frame.File,
			Line:     frame.Line,
			Function: frame.Function,
		})

		if !more || len(frames) >= 10 {
			break
		}
	}

	return frames
}

// As is a convenience wrapper for errors.As.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Is is a convenience wrapper for errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
