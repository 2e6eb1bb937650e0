// Package apperr defines the stable error codes surfaced by the API.
//
// Validation and authorization failures are returned to the caller
// immediately and are never retried. Transient provider failures are
// retried at the step that failed and converted to a processing error
// once attempts are exhausted.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeTenantNotFound     Code = "TenantNotFound"
	CodeTenantSuspended    Code = "TenantSuspended"
	CodeNoCategoryAccess   Code = "NoCategoryAccess"
	CodeLastAdminForbidden Code = "LastAdminForbidden"
	CodeMimeNotAllowed     Code = "MimeNotAllowed"
	CodeTooLarge           Code = "TooLarge"
	CodeEmptyContent       Code = "EmptyContent"
	CodeCategoryInUse      Code = "CategoryInUse"
	CodeInvalidArgument    Code = "InvalidArgument"
	CodeIngestFailed       Code = "IngestFailed"
	CodeObjectNotFound     Code = "ObjectNotFound"
	CodeContentBlocked     Code = "ContentBlocked"
	CodeRateLimited        Code = "RateLimited"
	CodeInternalError      Code = "InternalError"
)

type Error struct {
	Code    Code
	Message string
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap keeps the underlying cause reachable via errors.Is/As while
// presenting a stable code to the caller.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches any *Error carrying the same code, so sentinel-style
// comparisons like errors.Is(err, apperr.New(CodeTooLarge, "")) work.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// CodeOf extracts the stable code from an error chain, defaulting to
// InternalError for anything untyped.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternalError
}

// IsCode reports whether the error chain carries the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// HTTPStatus maps a code to the status returned by the API layer.
func HTTPStatus(code Code) int {
	switch code {
	case CodeTenantNotFound, CodeObjectNotFound:
		return http.StatusNotFound
	case CodeTenantSuspended, CodeNoCategoryAccess, CodeLastAdminForbidden:
		return http.StatusForbidden
	case CodeMimeNotAllowed, CodeEmptyContent, CodeCategoryInUse, CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeContentBlocked:
		return http.StatusOK
	case CodeIngestFailed, CodeInternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
