// Package apperrors defines the error taxonomy shared by the store, the
// gamification engine, the aggregator and the HTTP layer.
//
// Errors carry a machine-readable Code. Codes are grouped into a Kind so callers
// can decide between retrying (Transient), surfacing immediately (Permission),
// default-initializing (NotFound) or aborting (Validation).
package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeUnavailable      Code = "unavailable"
	CodeDeadlineExceeded Code = "deadline-exceeded"
	CodeNetwork          Code = "network-request-failed"
	CodePermissionDenied Code = "permission-denied"
	CodeNotFound         Code = "not-found"
	CodeInvalidArgument  Code = "invalid-argument"
	CodeAborted          Code = "aborted"
	CodeInternal         Code = "internal"
)

// Kind groups codes by how callers are expected to react.
type Kind string

const (
	KindTransient  Kind = "transient"
	KindPermission Kind = "permission"
	KindNotFound   Kind = "not_found"
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindInternal   Kind = "internal"
)

// Kind returns the taxonomy group of the code.
func (c Code) Kind() Kind {
	switch c {
	case CodeUnavailable, CodeDeadlineExceeded, CodeNetwork:
		return KindTransient
	case CodePermissionDenied:
		return KindPermission
	case CodeNotFound:
		return KindNotFound
	case CodeInvalidArgument:
		return KindValidation
	case CodeAborted:
		return KindConflict
	default:
		return KindInternal
	}
}

// HTTPStatus maps the code to a response status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeNotFound:
		return http.StatusNotFound
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeAborted:
		return http.StatusConflict
	case CodeUnavailable, CodeNetwork:
		return http.StatusServiceUnavailable
	case CodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Error is a coded error with the operation that produced it.
type Error struct {
	Code    Code
	Op      string
	Message string
	cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Op == "" && t.Message == "" && t.cause == nil && e.Code == t.Code
	}
	return false
}

// Sentinels for errors.Is comparisons.
var (
	ErrUnavailable      = &Error{Code: CodeUnavailable}
	ErrDeadlineExceeded = &Error{Code: CodeDeadlineExceeded}
	ErrNetwork          = &Error{Code: CodeNetwork}
	ErrPermissionDenied = &Error{Code: CodePermissionDenied}
	ErrNotFound         = &Error{Code: CodeNotFound}
	ErrInvalidArgument  = &Error{Code: CodeInvalidArgument}
	ErrAborted          = &Error{Code: CodeAborted}
	ErrInternal         = &Error{Code: CodeInternal}
)

// New returns a coded error without a cause.
func New(code Code, op, message string) *Error {
	return &Error{Code: code, Op: op, Message: message}
}

// Wrap attaches a code and operation to cause.
func Wrap(code Code, op string, cause error) *Error {
	return &Error{Code: code, Op: op, cause: cause}
}

// NotFound builds a not-found error.
func NotFound(op, message string) *Error {
	return New(CodeNotFound, op, message)
}

// Validation builds an invalid-argument error.
func Validation(op, message string) *Error {
	return New(CodeInvalidArgument, op, message)
}

// Unavailable wraps cause as a transient unavailable error.
func Unavailable(op string, cause error) *Error {
	return Wrap(CodeUnavailable, op, cause)
}

// CodeOf extracts the code of err. Context errors are mapped so that callers
// applying a retry whitelist treat deadlines as transient.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeDeadlineExceeded
	}
	return CodeInternal
}

// KindOf returns the taxonomy group of err.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return CodeOf(err).Kind()
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// IsNotFound reports whether err signals an absent document.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// HTTPStatus returns the response status for err.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return CodeOf(err).HTTPStatus()
}

// UserMessage returns the message shown to end users for err.
func UserMessage(err error) string {
	switch CodeOf(err) {
	case CodePermissionDenied:
		return "No tienes permisos para realizar esta acción"
	case CodeNotFound:
		return "El recurso solicitado no existe"
	case CodeNetwork, CodeUnavailable, CodeDeadlineExceeded:
		return "Error de conexión. Verifica tu conexión a internet"
	case CodeInvalidArgument:
		return "Los datos enviados no son válidos"
	default:
		return "Ha ocurrido un error inesperado"
	}
}
