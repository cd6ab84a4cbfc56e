package cloudflare

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransport classifies network failures, timeouts and non-retryable
	// HTTP statuses that are left after the retry budget is spent.
	ErrTransport = errors.New("transport error")
	// ErrAPI classifies well-formed responses that carry success=false.
	ErrAPI          = errors.New("api error")
	ErrZoneNotFound = errors.New("zone not found")
)

type TransportError struct {
	Method   string
	URL      string
	Status   int // 0 when no response was received
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	base := fmt.Sprintf("%s %s", e.Method, e.URL)
	if e.Status != 0 {
		base += fmt.Sprintf(": status %d", e.Status)
	}
	base += fmt.Sprintf(" after %d attempt(s)", e.Attempts)
	if e.Err != nil {
		base += fmt.Sprintf(": %v", e.Err)
	}
	return base
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

type APIError struct {
	Op       string
	Messages []string
}

func (e *APIError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("%s: api reported failure", e.Op)
	}
	return fmt.Sprintf("%s: api reported failure: %s", e.Op, strings.Join(e.Messages, "; "))
}

func (e *APIError) Is(target error) bool {
	return target == ErrAPI
}
