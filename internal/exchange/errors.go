package exchange

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Worker error taxonomy. Network failures never leak raw out of a
// worker; they surface as one of these so callers can decide between
// retry, backoff and giving up on the client.
var (
	// ErrInvalidClient means the exchange rejected the credentials.
	// Terminal for the client until an operator re-validates.
	ErrInvalidClient = errors.New("invalid client credentials")

	// ErrExchangeUnavailable covers 5xx responses and connectivity
	// loss. Recoverable with backoff.
	ErrExchangeUnavailable = errors.New("exchange unavailable")

	// ErrExchangeMaintenance is a planned outage variant of
	// ErrExchangeUnavailable.
	ErrExchangeMaintenance = errors.New("exchange maintenance")
)

// RateLimitError reports a 429 with the retry time supplied by the
// response when available.
type RateLimitError struct {
	RetryAt time.Time
}

func (e *RateLimitError) Error() string {
	if e.RetryAt.IsZero() {
		return "rate limit exceeded"
	}
	return fmt.Sprintf("rate limit exceeded, retry at %s", e.RetryAt.Format(time.RFC3339))
}

// ResponseError is any remaining 4xx. The offending operation surfaces
// it wrapped to its caller.
type ResponseError struct {
	Status int
	Body   string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("exchange responded %d: %s", e.Status, e.Body)
}

// ClassifyStatus maps an HTTP status to the worker error taxonomy.
// 2xx returns nil.
func ClassifyStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrInvalidClient
	case status == http.StatusTooManyRequests:
		return &RateLimitError{}
	case status >= 500:
		return ErrExchangeUnavailable
	default:
		return &ResponseError{Status: status, Body: truncate(string(body), 256)}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
