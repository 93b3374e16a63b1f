package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode identifies a class of failure
type ErrorCode string

const (
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// session and protocol
	ErrCodeNotConnected      ErrorCode = "NOT_CONNECTED"
	ErrCodeTransportFailure  ErrorCode = "TRANSPORT_FAILURE"
	ErrCodeProtocolViolation ErrorCode = "PROTOCOL_VIOLATION"
	ErrCodeWindowTimeout     ErrorCode = "WINDOW_TIMEOUT"

	// persistence and sinks
	ErrCodePersistenceFailure ErrorCode = "PERSISTENCE_FAILURE"
	ErrCodeDBConnection       ErrorCode = "DB_CONNECTION_ERROR"
	ErrCodeCacheConnection    ErrorCode = "CACHE_CONNECTION_ERROR"
	ErrCodeLockHeld           ErrorCode = "LOCK_HELD"
)

// ErrorSeverity describes how bad an error is
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// AppError is the error type returned across package boundaries
type AppError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Severity  ErrorSeverity          `json:"severity"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Cause     error                  `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Severity:  getSeverityByCode(code),
		Timestamp: time.Now(),
		Cause:     cause,
		Context:   make(map[string]interface{}),
	}
}

// NewAppErrorWithDetails creates an application error carrying details
func NewAppErrorWithDetails(code ErrorCode, message, details string, cause error) *AppError {
	err := NewAppError(code, message, cause)
	err.Details = details
	return err
}

// WithContext attaches a key/value to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func getSeverityByCode(code ErrorCode) ErrorSeverity {
	switch code {
	case ErrCodeInternal, ErrCodeProtocolViolation, ErrCodeTransportFailure:
		return SeverityCritical
	case ErrCodePersistenceFailure, ErrCodeDBConnection, ErrCodeWindowTimeout:
		return SeverityHigh
	case ErrCodeCacheConnection, ErrCodeLockHeld, ErrCodeNotConnected:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// IsRetryable reports whether the operation may be attempted again
func (e *AppError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeWindowTimeout, ErrCodeDBConnection, ErrCodeCacheConnection, ErrCodeLockHeld:
		return true
	default:
		return false
	}
}

// Transport wraps a socket level failure
func Transport(message string, cause error) *AppError {
	return NewAppError(ErrCodeTransportFailure, message, cause)
}

// Protocol reports a reply that violated the wire contract
func Protocol(message, details string) *AppError {
	return NewAppErrorWithDetails(ErrCodeProtocolViolation, message, details, nil)
}

// Persistence wraps a storage failure
func Persistence(message string, cause error) *AppError {
	return NewAppError(ErrCodePersistenceFailure, message, cause)
}

// InvalidInput reports a bad argument or configuration value
func InvalidInput(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, nil)
}

// WrapError wraps a standard error as an application error
func WrapError(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return NewAppError(code, message, err)
}

// GetAppError returns the first AppError in err's chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// HasCode reports whether err carries an AppError with the given code
func HasCode(err error, code ErrorCode) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Code == code
}

func IsTransportFailure(err error) bool   { return HasCode(err, ErrCodeTransportFailure) }
func IsProtocolViolation(err error) bool  { return HasCode(err, ErrCodeProtocolViolation) }
func IsPersistenceFailure(err error) bool { return HasCode(err, ErrCodePersistenceFailure) }
func IsWindowTimeout(err error) bool      { return HasCode(err, ErrCodeWindowTimeout) }
