package errs

import (
	"errors"
	"net/http"
)

// Kind is the closed set of client-facing error codes.
type Kind string

const (
	KindInvalidTenantAuth        Kind = "INVALID_TENANT_AUTH"
	KindTenantAlreadyInitialized Kind = "TENANT_ALREADY_INITIALIZED"
	KindInvalidDriver            Kind = "INVALID_DRIVER"
	KindInvalidDatabaseURL       Kind = "INVALID_DATABASE_URL"
	KindInvalidTenantID          Kind = "INVALID_TENANT_ID"
	KindEncryptionRequired       Kind = "ENCRYPTION_REQUIRED"
	KindUnsupportedEncryption    Kind = "UNSUPPORTED_ENCRYPTION_VERSION"
	KindDecryptionFailed         Kind = "DECRYPTION_FAILED"
	KindInvalidRequest           Kind = "INVALID_REQUEST"
	KindInvalidParameters        Kind = "INVALID_PARAMETERS"
	KindInvalidTimestamp         Kind = "INVALID_TIMESTAMP"
	KindInvalidUserID            Kind = "INVALID_USER_ID"
	KindTaskNotFound             Kind = "TASK_NOT_FOUND"
	KindTaskUUIDConflict         Kind = "TASK_UUID_CONFLICT"
	KindTaskAlreadyCompleted     Kind = "TASK_ALREADY_COMPLETED"
	KindTransportConfig          Kind = "TRANSPORT_CONFIG_ERROR"
	KindContentGeneration        Kind = "CONTENT_GENERATION_ERROR"
	KindDeliveryFailed           Kind = "DELIVERY_FAILED"
	KindConfig                   Kind = "CONFIG_ERROR"
	KindInternal                 Kind = "INTERNAL_ERROR"
)

var statusByKind = map[Kind]int{
	KindInvalidTenantAuth:        http.StatusUnauthorized,
	KindTenantAlreadyInitialized: http.StatusConflict,
	KindInvalidDriver:            http.StatusBadRequest,
	KindInvalidDatabaseURL:       http.StatusBadRequest,
	KindInvalidTenantID:          http.StatusBadRequest,
	KindEncryptionRequired:       http.StatusBadRequest,
	KindUnsupportedEncryption:    http.StatusBadRequest,
	KindDecryptionFailed:         http.StatusBadRequest,
	KindInvalidRequest:           http.StatusBadRequest,
	KindInvalidParameters:        http.StatusBadRequest,
	KindInvalidTimestamp:         http.StatusBadRequest,
	KindInvalidUserID:            http.StatusBadRequest,
	KindTaskNotFound:             http.StatusNotFound,
	KindTaskUUIDConflict:         http.StatusConflict,
	KindTaskAlreadyCompleted:     http.StatusConflict,
	KindTransportConfig:          http.StatusInternalServerError,
	KindContentGeneration:        http.StatusInternalServerError,
	KindDeliveryFailed:           http.StatusInternalServerError,
	KindConfig:                   http.StatusInternalServerError,
	KindInternal:                 http.StatusInternalServerError,
}

// HTTPStatus returns the response status code for the kind.
func (k Kind) HTTPStatus() int {
	if s, ok := statusByKind[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is a classified error that is safe to render to a caller.
type Error struct {
	Kind    Kind
	Message string
	Details any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, msg string) *Error { return &Error{Kind: kind, Message: msg} }

// Wrap builds a classified error around a cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// WithDetails attaches caller-safe details.
func (e *Error) WithDetails(d any) *Error {
	e.Details = d
	return e
}

// KindOf classifies any error. Unknown errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrUnauthorized):
		return KindInvalidTenantAuth
	case errors.Is(err, ErrDecryptionFailed):
		return KindDecryptionFailed
	case errors.Is(err, ErrNotFound):
		return KindTaskNotFound
	case errors.Is(err, ErrAlreadyExists):
		return KindTaskUUIDConflict
	case errors.Is(err, ErrNotPending):
		return KindTaskAlreadyCompleted
	}
	return KindInternal
}

// Public returns the kind, a caller-safe message and details for err.
// Internal errors never expose their cause.
func Public(err error) (Kind, string, any) {
	kind := KindOf(err)
	var e *Error
	if errors.As(err, &e) && kind != KindInternal {
		return kind, e.Message, e.Details
	}
	switch kind {
	case KindInvalidTenantAuth:
		return kind, "invalid or expired credentials", nil
	case KindDecryptionFailed:
		return kind, "authentication failed", nil
	case KindTaskNotFound:
		return kind, "task not found", nil
	case KindTaskUUIDConflict:
		return kind, "task uuid already exists", nil
	case KindTaskAlreadyCompleted:
		return kind, "task is no longer pending", nil
	}
	return KindInternal, "internal error", nil
}
