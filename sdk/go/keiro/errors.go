// Package keiro provides a Go client for the keiro workflow coordination API.
package keiro

import (
	"errors"
	"fmt"
)

// Error represents an error from the keiro API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("keiro: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func hasStatus(err error, status int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == status
	}
	return false
}

func hasCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool { return hasStatus(err, 404) }

// IsInvalidInput returns true if the server rejected the request body.
func IsInvalidInput(err error) bool { return hasCode(err, "INVALID_INPUT") }

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool { return hasStatus(err, 429) }

// IsConflict returns true if the error is a 409, which includes an
// Idempotency-Key reused with a different body.
func IsConflict(err error) bool { return hasStatus(err, 409) }

// IsNoValidNextNodes returns true if an advance found nothing to run.
func IsNoValidNextNodes(err error) bool { return hasCode(err, "NO_VALID_NEXT_NODES") }
