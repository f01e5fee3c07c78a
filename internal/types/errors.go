// Package types provides unified type definitions for the Drover client
// 这个包提供统一的错误类型定义，消除不同模块间的类型重复
package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents unified error codes
// 统一的错误码定义
type ErrorCode string

const (
	ErrConfiguration        ErrorCode = "CONFIGURATION_ERROR"
	ErrAuthenticationDenied ErrorCode = "AUTHENTICATION_DENIED"
	ErrServerError          ErrorCode = "SERVER_ERROR"
	ErrCacheCorrupt         ErrorCode = "CACHE_CORRUPT"
	ErrTransport            ErrorCode = "TRANSPORT_ERROR"
	ErrNegotiateUnavailable ErrorCode = "NEGOTIATE_UNAVAILABLE"
)

// String returns the string representation of the error code
func (e ErrorCode) String() string {
	return string(e)
}

// Error represents detailed error information
// 错误详细信息
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Cause   error     `json:"-"`
}

// Error returns a formatted error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error with the given code and message
func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates a new error wrapping an underlying cause
func WrapError(code ErrorCode, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// IsCode reports whether err (or any error it wraps) carries the given code
// 判断错误链中是否包含指定错误码
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
