package adguard

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a remote call failure. The reconciler uses the kind
// to decide whether a per-rule failure is worth reporting as retryable.
type ErrorKind string

const (
	// KindTransient covers connection errors, timeouts and 5xx responses.
	// Retried with backoff inside the client.
	KindTransient ErrorKind = "transient"

	// KindAuth covers rejected or expired sessions. The client re-authenticates
	// once; a second rejection surfaces with this kind.
	KindAuth ErrorKind = "auth"

	// KindValidation covers 4xx responses. Never retried.
	KindValidation ErrorKind = "validation"
)

// Error is a classified failure from the AdGuard Home API.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("adguard %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a transient AdGuard failure.
func IsTransient(err error) bool {
	return kindOf(err) == KindTransient
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	return kindOf(err) == KindAuth
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	return kindOf(err) == KindValidation
}

func kindOf(err error) ErrorKind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}
