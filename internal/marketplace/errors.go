package marketplace

import (
	"errors"
	"net/http"
	"strings"
)

const (
	ErrCodeRegistryNotFound = "MARKETPLACE_REGISTRY_NOT_FOUND"
	ErrCodeItemNotFound     = "MARKETPLACE_ITEM_NOT_FOUND"
	ErrCodeRegistryDisabled = "MARKETPLACE_REGISTRY_DISABLED"
	ErrCodeValidation       = "MARKETPLACE_VALIDATION_FAILED"
	ErrCodeUpstream         = "MARKETPLACE_UPSTREAM_FAILED"
	ErrCodeDecryption       = "MARKETPLACE_DECRYPTION_FAILED"
	ErrCodeInternal         = "MARKETPLACE_INTERNAL_ERROR"
)

// Error is the package error type. Every public operation returns either a
// *Error or a wrapped one so that callers can map failures to HTTP statuses
// without inspecting message text.
type Error struct {
	code       string
	httpStatus int
	message    string
	cause      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := strings.TrimSpace(e.message)
	if msg != "" {
		return msg
	}
	if e.cause != nil {
		return e.cause.Error()
	}
	return "marketplace operation failed"
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func (e *Error) Code() string {
	if e == nil {
		return ""
	}
	return strings.TrimSpace(e.code)
}

func (e *Error) HTTPStatus() int {
	if e == nil || e.httpStatus <= 0 {
		return http.StatusInternalServerError
	}
	return e.httpStatus
}

func newMarketplaceError(code string, status int, message string, cause error) *Error {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	return &Error{
		code:       strings.TrimSpace(code),
		httpStatus: status,
		message:    strings.TrimSpace(message),
		cause:      cause,
	}
}

func AsMarketplaceError(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var out *Error
	if errors.As(err, &out) && out != nil {
		return out, true
	}
	return nil, false
}

func ErrorStatus(err error) int {
	if me, ok := AsMarketplaceError(err); ok {
		return me.HTTPStatus()
	}
	return http.StatusInternalServerError
}

func ErrorCode(err error) string {
	if me, ok := AsMarketplaceError(err); ok {
		return me.Code()
	}
	return ""
}

func errNotFound(message string) *Error {
	return newMarketplaceError(ErrCodeRegistryNotFound, http.StatusNotFound, message, nil)
}

func errValidation(message string, cause error) *Error {
	return newMarketplaceError(ErrCodeValidation, http.StatusBadRequest, message, cause)
}

func errUpstream(message string, cause error) *Error {
	return newMarketplaceError(ErrCodeUpstream, http.StatusServiceUnavailable, message, cause)
}
