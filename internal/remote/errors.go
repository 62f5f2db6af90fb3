package remote

import "fmt"

// APIError is the structured failure returned by every client call.
//
// Retryable errors (network faults, timeouts, 5xx, auth) leave their
// queue entry in place for a later attempt. Terminal errors (validation
// failures, permanently rejected payloads) dead-letter the entry
// immediately.
type APIError struct {
	// Retryable marks transient failures worth another attempt.
	Retryable bool `json:"retryable"`

	// Auth marks authentication/authorization failures. These are
	// retryable at the run level (after re-login) but abort the current
	// sync run, since every subsequent call would fail the same way.
	Auth bool `json:"-"`

	// Status is the HTTP status code, 0 for transport-level failures.
	Status int `json:"-"`

	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("sync api: %s (status %d)", e.Message, e.Status)
	}
	return "sync api: " + e.Message
}

// IsRetryable reports whether err is a retryable *APIError. Unknown error
// types are treated as retryable so a classification gap can never
// silently dead-letter good data.
func IsRetryable(err error) bool {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr.Retryable
	}
	return true
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Auth
}
