// Package pipeline holds the error taxonomy shared by the ingestion consumers,
// the persistence gateway, the publishers and the directory client.
package pipeline

import (
	"errors"
	"fmt"
)

// Error is a categorized pipeline failure. Consumers decide between ack,
// requeue and dead-letter from Code alone.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

const (
	// ErrCodeMalformed marks a payload that can never be processed.
	ErrCodeMalformed = "MALFORMED"

	// ErrCodeDuplicate marks a message whose effect is already persisted.
	ErrCodeDuplicate = "DUPLICATE"

	// ErrCodeStorage marks a transient database failure.
	ErrCodeStorage = "STORAGE"

	// ErrCodeConstraint marks a referential constraint failure. The
	// referenced row may still arrive, so it is retried like storage errors.
	ErrCodeConstraint = "CONSTRAINT"

	ErrCodeNotFound    = "NOT_FOUND"
	ErrCodeUnavailable = "UNAVAILABLE"
	ErrCodeDelivery    = "DELIVERY"

	ErrCodeConfiguration = "CONFIGURATION"
)

func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

func NewErrorWithCause(code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     cause,
	}
}

// CodeOf returns the code of the outermost pipeline error in err's chain,
// or the empty string when there is none.
func CodeOf(err error) string {
	var pErr *Error
	if errors.As(err, &pErr) {
		return pErr.Code
	}
	return ""
}

func IsMalformed(err error) bool   { return CodeOf(err) == ErrCodeMalformed }
func IsDuplicate(err error) bool   { return CodeOf(err) == ErrCodeDuplicate }
func IsNotFound(err error) bool    { return CodeOf(err) == ErrCodeNotFound }
func IsUnavailable(err error) bool { return CodeOf(err) == ErrCodeUnavailable }
func IsConstraint(err error) bool  { return CodeOf(err) == ErrCodeConstraint }

// Retryable reports whether redelivering the same message could succeed.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case ErrCodeMalformed, ErrCodeDuplicate, ErrCodeConfiguration:
		return false
	}
	return true
}
