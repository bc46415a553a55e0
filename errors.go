package credvault

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. Every error returned by this package matches exactly one of
// these via errors.Is.
var (
	ErrValidation     = errors.New("validation failed")
	ErrConflict       = errors.New("already exists")
	ErrAuthentication = errors.New("authentication failed")
	ErrNotFound       = errors.New("not found")
	ErrStorage        = errors.New("storage failure")
	ErrClosed         = errors.New("store closed")
)

// Error codes carried in AuthError.Code and in JSON error bodies
const (
	ErrCodeInvalidEmail   = "invalid_email"
	ErrCodeWeakPassword   = "weak_password"
	ErrCodeMissingField   = "missing_field"
	ErrCodeEmailExists    = "email_exists"
	ErrCodeInvalidCreds   = "invalid_credentials"
	ErrCodeInvalidToken   = "invalid_token"
	ErrCodeNotConnected   = "not_connected"
	ErrCodeStorageFailure = "storage_failure"
	ErrCodeInvalidRequest = "invalid_request"
)

// AuthError is a classified error with a machine readable code and an
// optional offending field.
type AuthError struct {
	Kind    error
	Code    string
	Message string
	Field   string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap exposes both the kind and the underlying cause to errors.Is/As.
func (e *AuthError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// NewAuthError creates an AuthError of the given kind
func NewAuthError(kind error, code, message, field string) *AuthError {
	return &AuthError{Kind: kind, Code: code, Message: message, Field: field}
}

func validationError(code, message, field string) *AuthError {
	return NewAuthError(ErrValidation, code, message, field)
}

func invalidCredentials() *AuthError {
	return NewAuthError(ErrAuthentication, ErrCodeInvalidCreds, "Invalid credentials", "")
}

// StorageError wraps a persistence failure so it classifies as ErrStorage.
// Errors that are already classified pass through unchanged.
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if classified(err) {
		return err
	}
	return &AuthError{Kind: ErrStorage, Code: ErrCodeStorageFailure, Message: op, Err: err}
}

func classified(err error) bool {
	for _, kind := range []error{ErrValidation, ErrConflict, ErrAuthentication, ErrNotFound, ErrStorage, ErrClosed} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// HTTPStatus maps an error to the status code returned at the HTTP boundary
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCode returns the machine code for err, falling back to a code
// derived from its kind.
func ErrorCode(err error) string {
	var authErr *AuthError
	if errors.As(err, &authErr) && authErr.Code != "" {
		return authErr.Code
	}
	switch {
	case errors.Is(err, ErrValidation):
		return ErrCodeInvalidRequest
	case errors.Is(err, ErrConflict):
		return ErrCodeEmailExists
	case errors.Is(err, ErrAuthentication):
		return ErrCodeInvalidCreds
	case errors.Is(err, ErrNotFound):
		return ErrCodeNotConnected
	default:
		return ErrCodeStorageFailure
	}
}
