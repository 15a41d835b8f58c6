package common

import "errors"

// AppError represents an error with an attached code and HTTP status.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
	Details    any
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap allows errors.Is/As to inspect the underlying error.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(code, message string, status int, err error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// WithDetails attaches machine-usable details to the error and returns it.
func (e *AppError) WithDetails(details any) *AppError {
	if e == nil {
		return nil
	}
	e.Details = details
	return e
}

// ErrValidation builds a 400 validation error.
func ErrValidation(message string) *AppError {
	return NewAppError("VALIDATION_ERROR", message, 400, nil)
}

// ErrNotFound builds a 404 error.
func ErrNotFound(message string) *AppError {
	return NewAppError("NOT_FOUND", message, 404, nil)
}

// ErrConflict builds a 409 error.
func ErrConflict(message string) *AppError {
	return NewAppError("CONFLICT", message, 409, nil)
}

// ErrUnauthorized builds a 401 error.
func ErrUnauthorized(message string) *AppError {
	return NewAppError("UNAUTHORIZED", message, 401, nil)
}

// ErrForbidden builds a 403 error.
func ErrForbidden(message string) *AppError {
	return NewAppError("FORBIDDEN", message, 403, nil)
}

// ErrGateway builds a 502 error wrapping a provider failure.
func ErrGateway(message string, err error) *AppError {
	return NewAppError("GATEWAY_ERROR", message, 502, err)
}

// ErrInternal builds a 500 error wrapping an unexpected failure.
func ErrInternal(err error) *AppError {
	return NewAppError("INTERNAL", "internal server error", 500, err)
}

// IsAppError checks whether the error is an AppError.
func IsAppError(err error) bool {
	var target *AppError
	return errors.As(err, &target)
}
