package usage

import (
	"errors"
	"fmt"
	"net"
	"net/http"
)

type ErrorType string

const (
	ErrorNetwork   ErrorType = "network"
	ErrorAuth      ErrorType = "auth"
	ErrorRateLimit ErrorType = "rate_limit"
	ErrorServer    ErrorType = "server"
	ErrorUnknown   ErrorType = "unknown"
)

// FetchError is the classified outcome of a failed usage request.
type FetchError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code,omitempty"`
	Retryable  bool      `json:"retryable"`
	Err        error     `json:"-"`
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s error (HTTP %d): %s", e.Type, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Type, e.Message)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a FetchError the backoff loop may retry.
func IsRetryable(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}

// IsAuth reports whether err requires the user to sign in again.
func IsAuth(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Type == ErrorAuth
}

func classifyStatus(status int, body []byte) *FetchError {
	msg := summarizeBody(body)
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch {
	case status == http.StatusUnauthorized:
		return &FetchError{Type: ErrorAuth, StatusCode: status, Message: msg, Retryable: false}
	case status == http.StatusTooManyRequests:
		return &FetchError{Type: ErrorRateLimit, StatusCode: status, Message: msg, Retryable: true}
	case status >= 500:
		return &FetchError{Type: ErrorServer, StatusCode: status, Message: msg, Retryable: true}
	case status >= 400:
		return &FetchError{Type: ErrorUnknown, StatusCode: status, Message: msg, Retryable: false}
	default:
		return &FetchError{Type: ErrorUnknown, StatusCode: status, Message: msg, Retryable: true}
	}
}

// classifyTransport maps connection, DNS and timeout failures. The request
// timeout surfaces here too, so it is retried like any other network error.
func classifyTransport(err error) *FetchError {
	msg := err.Error()
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		msg = "request timed out: " + msg
	}
	return &FetchError{Type: ErrorNetwork, Message: msg, Retryable: true, Err: err}
}

func authFailure(msg string, err error) *FetchError {
	return &FetchError{Type: ErrorAuth, Message: msg, Retryable: false, Err: err}
}
