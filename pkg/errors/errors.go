// Package errors provides a structured error system for cdffs with error codes, categories, and context.
package errors

import (
	stderr "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for cdffs operations.
type ErrorCode string

const (
	// Configuration errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"

	// Connection errors (transient by default)
	ErrCodeConnectionFailed  ErrorCode = "CONNECTION_FAILED"
	ErrCodeConnectionTimeout ErrorCode = "CONNECTION_TIMEOUT"
	ErrCodeNetworkError      ErrorCode = "NETWORK_ERROR"

	// Storage backend errors
	ErrCodeFileNotFound ErrorCode = "FILE_NOT_FOUND"
	ErrCodeServerError  ErrorCode = "SERVER_ERROR"
	ErrCodeStorageRead  ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite ErrorCode = "STORAGE_WRITE"

	// Path translation errors
	ErrCodePathInvalid ErrorCode = "PATH_INVALID"

	// Operation errors
	ErrCodeOperationCanceled  ErrorCode = "OPERATION_CANCELED"
	ErrCodeDownloadExhausted  ErrorCode = "DOWNLOAD_EXHAUSTED"
	ErrCodeUploadSession      ErrorCode = "UPLOAD_SESSION"
	ErrCodeNotSupported       ErrorCode = "NOT_SUPPORTED"

	// Authentication errors (never retried)
	ErrCodeAuthenticationFailed ErrorCode = "AUTHENTICATION_FAILED"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryConnection    ErrorCategory = "connection"
	CategoryStorage       ErrorCategory = "storage"
	CategoryPath          ErrorCategory = "path"
	CategoryOperation     ErrorCategory = "operation"
	CategoryAuth          ErrorCategory = "auth"
	CategoryInternal      ErrorCategory = "internal"
)

// CdffsError represents a structured error with context and metadata.
type CdffsError struct {
	Code     ErrorCode     `json:"code"`
	Category ErrorCategory `json:"category"`
	Message  string        `json:"message"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	// Retryable marks errors the retry controller may attempt again.
	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *CdffsError) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *CdffsError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *CdffsError) Is(target error) bool {
	if cdfErr, ok := target.(*CdffsError); ok {
		return e.Code == cdfErr.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *CdffsError) String() string {
	parts := []string{
		fmt.Sprintf("Code=%s", e.Code),
		fmt.Sprintf("Category=%s", e.Category),
		fmt.Sprintf("Message=%q", e.Message),
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}
	return fmt.Sprintf("CdffsError{%s}", strings.Join(parts, ", "))
}

// NewError creates a new cdffs error with default values.
func NewError(code ErrorCode, message string) *CdffsError {
	return &CdffsError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Retryable: IsRetryableByDefault(code),
	}
}

// Newf creates a new cdffs error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *CdffsError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "INVALID_CONFIG") || strings.HasPrefix(codeStr, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(codeStr, "CONNECTION_") || strings.HasPrefix(codeStr, "NETWORK_"):
		return CategoryConnection
	case strings.HasPrefix(codeStr, "FILE_") || strings.HasPrefix(codeStr, "STORAGE_") ||
		strings.HasPrefix(codeStr, "SERVER_"):
		return CategoryStorage
	case strings.HasPrefix(codeStr, "PATH_"):
		return CategoryPath
	case strings.HasPrefix(codeStr, "OPERATION_") || strings.HasPrefix(codeStr, "DOWNLOAD_") ||
		strings.HasPrefix(codeStr, "UPLOAD_") || strings.HasPrefix(codeStr, "NOT_SUPPORTED"):
		return CategoryOperation
	case strings.HasPrefix(codeStr, "AUTHENTICATION_"):
		return CategoryAuth
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
// Authentication and not-found errors are never retryable.
func IsRetryableByDefault(code ErrorCode) bool {
	retryableCodes := map[ErrorCode]bool{
		ErrCodeConnectionTimeout: true,
		ErrCodeConnectionFailed:  true,
		ErrCodeNetworkError:      true,
		ErrCodeServerError:       true,
	}
	return retryableCodes[code]
}

// IsTerminal reports whether an error code can never succeed on a later
// attempt. A terminal code anywhere in a cause chain refuses retry even
// when a retryable code wraps it.
func IsTerminal(code ErrorCode) bool {
	switch code {
	case ErrCodeAuthenticationFailed, ErrCodeFileNotFound, ErrCodePathInvalid,
		ErrCodeInvalidConfig, ErrCodeConfigValidation, ErrCodeNotSupported,
		ErrCodeOperationCanceled:
		return true
	}
	return false
}

// WithContext adds contextual information to an error.
func (e *CdffsError) WithContext(key, value string) *CdffsError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithComponent sets the component for an error.
func (e *CdffsError) WithComponent(component string) *CdffsError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error.
func (e *CdffsError) WithOperation(operation string) *CdffsError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause.
func (e *CdffsError) WithCause(cause error) *CdffsError {
	e.Cause = cause
	return e
}

// WithRetryable overrides the default retryable flag.
func (e *CdffsError) WithRetryable(retryable bool) *CdffsError {
	e.Retryable = retryable
	return e
}

// As delegates to the standard library errors.As; re-exported so callers
// of this package do not need both imports.
func As(err error, target interface{}) bool {
	return stderr.As(err, target)
}

// CodeOf extracts the error code from an error chain, or INTERNAL_ERROR
// when the chain carries no CdffsError.
func CodeOf(err error) ErrorCode {
	var cdfErr *CdffsError
	if As(err, &cdfErr) {
		return cdfErr.Code
	}
	return ErrCodeInternalError
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code ErrorCode) bool {
	var cdfErr *CdffsError
	if As(err, &cdfErr) {
		return cdfErr.Code == code
	}
	return false
}
