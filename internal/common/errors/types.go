package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// ErrTypeFetch represents a network failure reaching the credential or key-set endpoint
	ErrTypeFetch ErrorType = "fetch"
	// ErrTypeAuthRejected represents a non-2xx answer from the credential endpoint
	ErrTypeAuthRejected ErrorType = "auth_rejected"
	// ErrTypeDeserialization represents a malformed response or record body
	ErrTypeDeserialization ErrorType = "deserialization"
	// ErrTypeCache represents an unreachable backend or an invalid stored record
	ErrTypeCache ErrorType = "cache"
	// ErrTypeCrypto represents a decryption or authentication failure
	ErrTypeCrypto ErrorType = "crypto"
	// ErrTypeValidation represents validation errors
	ErrTypeValidation ErrorType = "validation"
	// ErrTypeConfig represents configuration errors
	ErrTypeConfig ErrorType = "config"
	// ErrTypeInternal represents internal errors
	ErrTypeInternal ErrorType = "internal"
)

// AppError represents a structured error
type AppError struct {
	Type       ErrorType              `json:"type"`
	Message    string                 `json:"message"`
	Code       string                 `json:"code,omitempty"`
	StatusCode int                    `json:"status_code,omitempty"`
	Cause      error                  `json:"-"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	parts := []string{string(e.Type), e.Message}

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}

	if e.StatusCode != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause=%v", e.Cause))
	}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		contextParts := make([]string, 0, len(keys))
		for _, k := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, fmt.Sprintf("context={%s}", strings.Join(contextParts, ", ")))
	}

	return strings.Join(parts, ": ")
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCode adds an error code
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

// FetchError creates a new fetch error
func FetchError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeFetch,
		Message: msg,
		Cause:   cause,
	}
}

// AuthRejectedError creates an error for a rejected credential exchange
func AuthRejectedError(statusCode int, msg string) *AppError {
	return &AppError{
		Type:       ErrTypeAuthRejected,
		Message:    msg,
		StatusCode: statusCode,
	}
}

// DeserializationError creates a new deserialization error
func DeserializationError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeDeserialization,
		Message: msg,
		Cause:   cause,
	}
}

// CacheError creates a new cache error
func CacheError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeCache,
		Message: msg,
		Cause:   cause,
	}
}

// CryptoError creates a new crypto error
func CryptoError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeCrypto,
		Message: msg,
		Cause:   cause,
	}
}

// ValidationError creates a new validation error
func ValidationError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeValidation,
		Message: msg,
	}
}

// ConfigError creates a new configuration error
func ConfigError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeConfig,
		Message: msg,
	}
}

// InternalError creates a new internal error
func InternalError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeInternal,
		Message: msg,
		Cause:   cause,
	}
}

// IsType reports whether any error in err's chain is an AppError of errType
func IsType(err error, errType ErrorType) bool {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return false
	}
	return appErr.Type == errType
}

// GetType returns the type of the first AppError in err's chain, otherwise ErrTypeInternal
func GetType(err error) ErrorType {
	if err == nil {
		return ""
	}

	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return ErrTypeInternal
	}

	return appErr.Type
}

// StatusCode returns the upstream HTTP status carried by an auth rejection.
func StatusCode(err error) (int, bool) {
	var appErr *AppError
	if !stderrors.As(err, &appErr) || appErr.StatusCode == 0 {
		return 0, false
	}
	return appErr.StatusCode, true
}
