package connectors

import (
	"errors"
	"fmt"
	"net/http"
)

// ConnectionError reports missing or invalid connection credentials.
type ConnectionError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *ConnectionError) Error() string {
	msg := "connection error"
	if e.Provider != "" {
		msg += " (" + e.Provider + ")"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// APIError is an unexpected response from a provider API. Err keeps the
// underlying SDK or transport error when there is one.
type APIError struct {
	Provider   string
	Operation  string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %s", e.Provider, e.Operation, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s: %s", e.Provider, e.Operation, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// Unavailable reports whether the status code means the endpoint is not
// enabled for the account.
func Unavailable(statusCode int) bool {
	return statusCode == http.StatusForbidden || statusCode == http.StatusNotFound
}

// IsConnectionError reports whether err is or wraps a *ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
