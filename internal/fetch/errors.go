package fetch

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrMaxRetries = errors.New("max retries exceeded")
)

// FetchError is returned for responses the client does not treat as success.
// Header and Body are kept so callers can act on protocol signals such as
// the replacement shape handle carried by a 409.
type FetchError struct {
	Status int
	Header http.Header
	Body   []byte
	URL    string
}

func (e *FetchError) Error() string {
	if len(e.Body) > 0 {
		return fmt.Sprintf("unexpected status %d from %s: %s", e.Status, e.URL, string(e.Body))
	}
	return fmt.Sprintf("unexpected status %d from %s", e.Status, e.URL)
}

// Retryable reports whether the status is worth retrying.
func (e *FetchError) Retryable() bool {
	return isRetryableStatus(e.Status)
}

func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Status
	}
	return 0
}
