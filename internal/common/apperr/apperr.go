// Package apperr provides the control plane's error-kind vocabulary,
// mirroring the abstract error kinds of the external contract so that
// every layer (Store, Driver, Dispatcher, Ingress) can classify and
// propagate failures uniformly.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the abstract error kinds of the error-handling design.
type Kind string

const (
	KindBadRequest         Kind = "BAD_REQUEST"
	KindVerificationFailed Kind = "VERIFICATION_FAILED"
	KindWorkerUnavailable  Kind = "WORKER_UNAVAILABLE"
	KindPrepareFailed      Kind = "PREPARE_FAILED"
	KindStreamError        Kind = "STREAM_ERROR"
	KindPersistError       Kind = "PERSIST_ERROR"
	KindDeliverError       Kind = "DELIVER_ERROR"
	KindPushError          Kind = "PUSH_ERROR"
	KindCanceled           Kind = "CANCELED"
	KindNotFound           Kind = "NOT_FOUND"
	KindConflict           Kind = "CONFLICT"
	KindInternal           Kind = "INTERNAL_ERROR"
)

var httpStatus = map[Kind]int{
	KindBadRequest:         http.StatusBadRequest,
	KindVerificationFailed: http.StatusUnauthorized,
	KindWorkerUnavailable:  http.StatusServiceUnavailable,
	KindPrepareFailed:      http.StatusBadGateway,
	KindStreamError:        http.StatusBadGateway,
	KindPersistError:       http.StatusInternalServerError,
	KindDeliverError:       http.StatusInternalServerError,
	KindPushError:          http.StatusInternalServerError,
	KindCanceled:           http.StatusConflict,
	KindNotFound:           http.StatusNotFound,
	KindConflict:           http.StatusConflict,
	KindInternal:           http.StatusInternalServerError,
}

// AppError is a classified error carrying an HTTP-facing status.
type AppError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a bare AppError of the given kind.
func New(kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message}
}

// Wrap creates an AppError of the given kind wrapping err.
func Wrap(kind Kind, message string, err error) *AppError {
	return &AppError{Kind: kind, Message: message, Err: err}
}

func BadRequest(message string) *AppError         { return New(KindBadRequest, message) }
func VerificationFailed(message string) *AppError { return New(KindVerificationFailed, message) }
func WorkerUnavailable(message string, err error) *AppError {
	return Wrap(KindWorkerUnavailable, message, err)
}
func PrepareFailed(message string) *AppError { return New(KindPrepareFailed, message) }
func StreamError(message string, err error) *AppError {
	return Wrap(KindStreamError, message, err)
}
func PersistError(message string, err error) *AppError {
	return Wrap(KindPersistError, message, err)
}
func DeliverError(message string, err error) *AppError {
	return Wrap(KindDeliverError, message, err)
}
func PushError(message string, err error) *AppError { return Wrap(KindPushError, message, err) }
func Canceled(message string) *AppError             { return New(KindCanceled, message) }
func NotFound(resource, id string) *AppError {
	return New(KindNotFound, fmt.Sprintf("%s with id %q not found", resource, id))
}
func Conflict(message string) *AppError { return New(KindConflict, message) }
func Internal(message string, err error) *AppError {
	return Wrap(KindInternal, message, err)
}

// As extracts the *AppError from err, if any.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or KindInternal if err is not an
// *AppError.
func KindOf(err error) Kind {
	if appErr, ok := As(err); ok {
		return appErr.Kind
	}
	return KindInternal
}

// HTTPStatus returns the HTTP status code associated with err's kind.
func HTTPStatus(err error) int {
	if appErr, ok := As(err); ok {
		if status, known := httpStatus[appErr.Kind]; known {
			return status
		}
	}
	return http.StatusInternalServerError
}

// IsNotFound reports whether err is a KindNotFound AppError.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}
