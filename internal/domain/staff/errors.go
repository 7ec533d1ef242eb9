package staff

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("staff user not found")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUnauthenticated    = errors.New("authentication required")
	ErrForbidden          = errors.New("this action requires a platform administrator")
	ErrDuplicateUsername  = errors.New("username already exists")
	ErrInvalidResetToken  = errors.New("reset code is invalid or has expired")
)

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}
