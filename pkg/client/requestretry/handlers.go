/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package requestretry

import (
	"context"
	"net/http"
	"time"

	"github.com/popvision/popvision-go/pkg/client/util/backoff"
)

const (
	// DefaultMaxServerErrorRetries bounds retries of 5xx responses.
	DefaultMaxServerErrorRetries = 3
	// DefaultServerErrorBaseDelay is the delay before the first 5xx retry; it doubles per retry.
	DefaultServerErrorBaseDelay = time.Second
)

// ServerErrorStatuses are the transient statuses retried with backoff.
var ServerErrorStatuses = []int{
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// InvalidateOnce returns a Handler that calls invalidate and retries on the first failure, and
// gives up on the second. It backs both the 401 (drop cached token) and the 404 (drop cached
// config) policies.
func InvalidateOnce(invalidate func()) Handler {
	return func(_ context.Context, _ int, failedAttempts int) bool {
		if failedAttempts > 1 {
			return false
		}
		invalidate()
		return true
	}
}

// ExponentialBackoff returns a Handler that sleeps base*2^(n-1) before the n-th retry and gives
// up after maxRetries retries.
func ExponentialBackoff(sleep backoff.Sleeper, base time.Duration, maxRetries int) Handler {
	return func(ctx context.Context, _ int, failedAttempts int) bool {
		if failedAttempts > maxRetries {
			return false
		}
		return sleep(ctx, base*time.Duration(1<<(failedAttempts-1))) == nil
	}
}

// StandardHandlers returns the handler table shared by every endpoint: a single token refresh on
// 401 and capped exponential backoff on transient server errors. Endpoint-specific 404 handling
// is registered by the endpoint itself.
func StandardHandlers(invalidateToken func(), sleep backoff.Sleeper) map[int]Handler {
	handlers := map[int]Handler{
		http.StatusUnauthorized: InvalidateOnce(invalidateToken),
	}
	serverErrors := ExponentialBackoff(sleep, DefaultServerErrorBaseDelay, DefaultMaxServerErrorRetries)
	for _, status := range ServerErrorStatuses {
		handlers[status] = serverErrors
	}
	return handlers
}

// WithHandlers registers every entry of handlers.
func WithHandlers(handlers map[int]Handler) Option {
	return func(c *Client) {
		for status, h := range handlers {
			c.handlers[status] = h
		}
	}
}
