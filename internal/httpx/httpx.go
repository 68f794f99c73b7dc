// Package httpx provides the shared HTTP client for external services.
package httpx

import (
	"net/http"
	"time"
)

const DefaultTimeout = 120 * time.Second

// NewClient returns an HTTP client with the given timeout. A zero or negative
// timeout uses DefaultTimeout.
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}
