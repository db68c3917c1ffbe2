package api

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated is returned without any network attempt when an
	// operation needs a token and the client has none.
	ErrUnauthenticated = errors.New("api: not authenticated")
	// ErrExhaustedRetries wraps the last transient failure once the retry
	// policy is spent.
	ErrExhaustedRetries = errors.New("api: retries exhausted")
	// ErrDecodeAmbiguous means the response decoded but not into the shape the
	// caller expects (e.g. text where a number was required).
	ErrDecodeAmbiguous = errors.New("api: unexpected response shape")
	// ErrAccountNotFound is login's answer for an unregistered account.
	ErrAccountNotFound = errors.New("api: account not found")
)

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Retryable reports whether the server signalled a transient condition.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == 408 || e.Code == 429
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}
