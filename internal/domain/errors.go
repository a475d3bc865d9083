package domain

import (
	"errors"
	"fmt"
)

// Error codes sent to clients.
const (
	ErrCodeInvalidToken      = "INVALID_TOKEN"
	ErrCodeUserNotFound      = "USER_NOT_FOUND"
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodePersistenceFailed = "PERSISTENCE_FAILED"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeInternalError     = "INTERNAL_ERROR"
)

// Error is a failure reported to the originating client as a structured value.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches errors by code so wrapped copies compare equal to the sentinels.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// Public returns the error as the client sees it. A directory miss after
// a valid token is reported as an invalid token.
func (e *Error) Public() *Error {
	if e.Code == ErrCodeUserNotFound {
		return ErrInvalidToken
	}
	return e
}

var (
	ErrInvalidToken      = &Error{Code: ErrCodeInvalidToken, Message: "invalid token"}
	ErrUserNotFound      = &Error{Code: ErrCodeUserNotFound, Message: "user not found"}
	ErrInvalidRequest    = &Error{Code: ErrCodeInvalidRequest, Message: "invalid request"}
	ErrPersistenceFailed = &Error{Code: ErrCodePersistenceFailed, Message: "failed to persist message"}
	ErrUnauthorized      = &Error{Code: ErrCodeUnauthorized, Message: "not authenticated"}
	ErrInternal          = &Error{Code: ErrCodeInternalError, Message: "internal error"}
)

// NewError creates an error with the given code and message.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// InvalidRequest returns an INVALID_REQUEST error carrying a specific reason.
func InvalidRequest(message string) *Error {
	return &Error{Code: ErrCodeInvalidRequest, Message: message}
}

// AsError converts any error to the client-facing taxonomy, mapping unknown
// errors to INTERNAL_ERROR.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Public()
	}
	return ErrInternal
}

// CodeOf returns the code of err as raised, before Public mapping.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternalError
}
