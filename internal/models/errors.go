package models

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
)

// Error codes carried by AppError.
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeNotFound         = "NOT_FOUND"
	CodeConflict         = "CONFLICT"
	CodeProtectedSubject = "PROTECTED_SUBJECT"
	CodeLimitExceeded    = "LIMIT_EXCEEDED"
	CodeWrongPassword    = "WRONG_PASSWORD"
	CodeBlocked          = "BLOCKED"
	CodeProtectedRoom    = "PROTECTED_ROOM"
	CodeTransient        = "TRANSIENT"
	CodeInternal         = "INTERNAL_ERROR"
)

// ErrorResponse represents a standardized API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// AppError represents a custom application error
type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Predefined error constructors
func NewNotFoundError(resource string, id interface{}) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s with ID %v not found", resource, id),
	}
}

func NewValidationError(message string) *AppError {
	return &AppError{
		Code:    CodeValidation,
		Message: message,
	}
}

func NewUnauthorizedError(message string) *AppError {
	return &AppError{
		Code:    CodeUnauthorized,
		Message: message,
	}
}

func NewConflictError(message string) *AppError {
	return &AppError{
		Code:    CodeConflict,
		Message: message,
	}
}

func NewProtectedSubjectError(message string) *AppError {
	return &AppError{
		Code:    CodeProtectedSubject,
		Message: message,
	}
}

func NewLimitExceededError(message string) *AppError {
	return &AppError{
		Code:    CodeLimitExceeded,
		Message: message,
	}
}

func NewWrongPasswordError() *AppError {
	return &AppError{
		Code:    CodeWrongPassword,
		Message: "Wrong password",
	}
}

func NewBlockedError() *AppError {
	return &AppError{
		Code:    CodeBlocked,
		Message: "You are blocked by this user",
	}
}

func NewProtectedRoomError(roomID string) *AppError {
	return &AppError{
		Code:    CodeProtectedRoom,
		Message: fmt.Sprintf("room %s cannot be deleted", roomID),
	}
}

func NewTransientError(message string, err error) *AppError {
	return &AppError{
		Code:    CodeTransient,
		Message: message,
		Err:     err,
	}
}

func NewInternalError(err error) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: "Internal server error",
		Err:     err,
	}
}

// CodeOf returns the AppError code in err's chain, or CodeInternal.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given AppError code.
func IsCode(err error, code string) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

// PublicMessage is the text safe to show a client. Internal causes stay in logs.
func PublicMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "Internal server error"
}

// RespondWithError creates a standardized error response
func RespondWithError(c *fiber.Ctx, status int, err error) error {
	var response ErrorResponse

	var appErr *AppError
	if errors.As(err, &appErr) {
		response = ErrorResponse{
			Error: appErr.Message,
			Code:  appErr.Code,
		}
		if appErr.Err != nil && appErr.Code != CodeInternal {
			response.Details = appErr.Err.Error()
		}
	} else {
		response = ErrorResponse{
			Error: err.Error(),
		}
	}

	return c.Status(status).JSON(response)
}

// StatusFor maps an AppError code onto an HTTP status.
func StatusFor(err error) int {
	switch CodeOf(err) {
	case CodeValidation:
		return fiber.StatusBadRequest
	case CodeUnauthorized, CodeWrongPassword, CodeBlocked, CodeProtectedSubject, CodeProtectedRoom:
		return fiber.StatusForbidden
	case CodeNotFound:
		return fiber.StatusNotFound
	case CodeConflict:
		return fiber.StatusConflict
	case CodeLimitExceeded:
		return fiber.StatusTooManyRequests
	case CodeTransient:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}
