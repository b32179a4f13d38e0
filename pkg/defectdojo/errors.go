package defectdojo

import (
	"errors"
	"fmt"
)

// AuthError means no session could be established. It aborts the whole run.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("defectdojo authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// BackendError is any non-2xx answer from the backend.
type BackendError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("defectdojo %s %s returned %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// IsAuthError reports whether err came from Authenticate.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
