package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
)

// ErrorClass categorizes LLM call failures for retry decisions.
type ErrorClass int

const (
	// ClassUnknown is any failure that does not match a known class.
	ClassUnknown ErrorClass = iota
	// ClassRateLimit is a provider 429.
	ClassRateLimit
	// ClassTimeout is a deadline or network-level timeout.
	ClassTimeout
	// ClassNetwork is a connection-level failure before or during transfer.
	ClassNetwork
	// ClassServer is a provider 5xx.
	ClassServer
	// ClassAuth is a provider 401/403. Retrying cannot help.
	ClassAuth
	// ClassBadRequest is a provider 4xx other than 429/401/403.
	// Indicates a malformed request, not a transient condition.
	ClassBadRequest
)

// String returns the class name for logging.
func (c ErrorClass) String() string {
	switch c {
	case ClassRateLimit:
		return "rate_limit"
	case ClassTimeout:
		return "timeout"
	case ClassNetwork:
		return "network"
	case ClassServer:
		return "server"
	case ClassAuth:
		return "auth"
	case ClassBadRequest:
		return "bad_request"
	default:
		return "unknown"
	}
}

// APIError is a non-2xx response from a provider.
type APIError struct {
	Provider string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.Status, e.Body)
}

// Class maps the HTTP status to an error class.
func (e *APIError) Class() ErrorClass {
	switch {
	case e.Status == http.StatusTooManyRequests:
		return ClassRateLimit
	case e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden:
		return ClassAuth
	case e.Status == http.StatusRequestTimeout:
		return ClassTimeout
	case e.Status >= 500:
		return ClassServer
	case e.Status >= 400:
		return ClassBadRequest
	default:
		return ClassUnknown
	}
}

// Classify determines the error class of an LLM call failure.
//
// context.Canceled is deliberately ClassUnknown: cancellation means the
// caller aborted, and aborts must never be retried.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ClassUnknown
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ClassTimeout
		}
		return ClassNetwork
	}

	// A stream that dies mid-body surfaces as an unexpected EOF.
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return ClassNetwork
	}

	return ClassUnknown
}

// IsRetryable reports whether the failure class warrants a retry with
// backoff. Rate limits, timeouts, network failures, and server errors
// are transient; auth and bad-request failures are not.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case ClassRateLimit, ClassTimeout, ClassNetwork, ClassServer:
		return true
	default:
		return false
	}
}
