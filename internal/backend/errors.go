package backend

import (
	"errors"
	"fmt"
)

// Error codes attached to backend errors. Database implementations use SQLSTATE
// values where one exists.
const (
	CodeInsufficientPrivilege = "42501"
	CodeUniqueViolation       = "23505"
	CodeNoRows                = "PGRST116"
	CodeInvalidCredentials    = "invalid_credentials"
	CodeUnavailable           = "unavailable"
)

// ErrInvalidCredentials is returned by SignIn when email or password do not match.
var ErrInvalidCredentials = &Error{Op: "sign_in", Code: CodeInvalidCredentials, Message: "invalid login credentials"}

// Error is the single failure type surfaced by backends.
type Error struct {
	Op      string
	Table   string
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("backend: %s %s: %s", e.Op, e.Table, e.Message)
	}
	return fmt.Sprintf("backend: %s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// Wrap builds an *Error for op/table, keeping err as the cause.
func Wrap(op, table string, err error) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return err
	}
	return &Error{Op: op, Table: table, Message: err.Error(), Err: err}
}

// CodeOf returns the code of a backend error, or "".
func CodeOf(err error) string {
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

// IsPermissionDenied reports whether err is a row-level security or grant failure.
func IsPermissionDenied(err error) bool {
	return CodeOf(err) == CodeInsufficientPrivilege
}

// IsUniqueViolation reports whether err broke a unique constraint.
func IsUniqueViolation(err error) bool {
	return CodeOf(err) == CodeUniqueViolation
}

// Message extracts the human readable message from err.
func Message(err error) string {
	var be *Error
	if errors.As(err, &be) {
		return be.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
