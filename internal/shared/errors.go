package shared

import "errors"

var (
	// ErrCSRFTokenMissing occurs when the request carries no CSRF token.
	ErrCSRFTokenMissing = errors.New("csrf token missing")
	// ErrCSRFTokenMismatch occurs when the supplied token differs from the session's.
	ErrCSRFTokenMismatch = errors.New("csrf token mismatch")
	// ErrSessionMissing occurs when a handler runs without the session middleware.
	ErrSessionMissing = errors.New("session missing")
)
