package resilience

import (
	"fmt"
	"net/http"
)

// ResilientHTTPClient wraps an http.Client with circuit breaker protection
type ResilientHTTPClient struct {
	client *http.Client
	cb     *CircuitBreaker
}

// NewResilientHTTPClient creates a new HTTP client with circuit breaker protection
func NewResilientHTTPClient(client *http.Client, cb *CircuitBreaker) *ResilientHTTPClient {
	return &ResilientHTTPClient{client: client, cb: cb}
}

// Breaker exposes the underlying breaker for registration and tests
func (rc *ResilientHTTPClient) Breaker() *CircuitBreaker {
	return rc.cb
}

// Do executes an HTTP request through the circuit breaker. 5xx and 429
// responses count as failures: a rate-limited provider should be given time
// to recover instead of being hammered. On those statuses the body is closed
// and only the error is returned.
func (rc *ResilientHTTPClient) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := rc.cb.Execute(func() error {
		r, err := rc.client.Do(req)
		if err != nil {
			return err
		}
		if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
			r.Body.Close()
			return fmt.Errorf("upstream returned HTTP %d", r.StatusCode)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
