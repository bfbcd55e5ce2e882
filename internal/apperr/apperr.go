// Package apperr holds the error kinds surfaced to API callers.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError is a caller mistake (insufficient stock, inactive product,
// timer in the wrong state...). Never retried.
type ValidationError struct {
	Msg     string
	Details []string
}

func (e *ValidationError) Error() string {
	if len(e.Details) == 0 {
		return e.Msg
	}
	return e.Msg + ": " + strings.Join(e.Details, "; ")
}

// NotFoundError names the missing resource kind and id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func Validation(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ValidationList carries one message per offending line.
func ValidationList(msg string, details []string) error {
	return &ValidationError{Msg: msg, Details: details}
}

func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// Details returns the per-line messages of a validation error, if any.
func Details(err error) []string {
	var v *ValidationError
	if errors.As(err, &v) {
		return v.Details
	}
	return nil
}
