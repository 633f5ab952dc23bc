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

// Package apierror holds the error types surfaced by the client to its callers.
package apierror

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrNotConnected is returned by operations invoked on a session that is not connected.
	ErrNotConnected = errors.New("endpoint is not connected")
	// ErrNotReachable is returned when no backend of a pop or dataset service can serve a request.
	ErrNotReachable = errors.New("endpoint not reachable")
	// ErrCallbackUnsupported is returned by the synchronous adapter for callback-driven job options.
	ErrCallbackUnsupported = errors.New("on-ready callbacks are not supported by the synchronous client")
	// ErrJobTimeout is returned when a job exceeds its total timeout.
	ErrJobTimeout = errors.New("job timed out")
	// ErrBodyNotReplayable is returned when a request must be retried but its body was a one-shot stream.
	ErrBodyNotReplayable = errors.New("request body cannot be replayed")
)

// maxBodyExcerpt bounds the response body kept on an HTTPError.
const maxBodyExcerpt = 512

// HTTPError is returned for a response with a status code >= 400.
type HTTPError struct {
	StatusCode int
	Method     string
	URL        string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// NewHTTPError builds an HTTPError from resp, consuming up to maxBodyExcerpt bytes of its body.
// The caller still owns closing resp.Body.
func NewHTTPError(resp *http.Response) *HTTPError {
	e := &HTTPError{StatusCode: resp.StatusCode}
	if resp.Request != nil {
		e.Method = resp.Request.Method
		if resp.Request.URL != nil {
			e.URL = resp.Request.URL.Redacted()
		}
	}
	if resp.Body != nil {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyExcerpt))
		e.Body = strings.TrimSpace(string(b))
	}
	return e
}

// StatusCode returns the HTTP status carried by err, or 0 when err is not an HTTPError.
func StatusCode(err error) int {
	var herr *HTTPError
	if errors.As(err, &herr) {
		return herr.StatusCode
	}
	return 0
}

// IsStatus reports whether err carries the given HTTP status code.
func IsStatus(err error, code int) bool {
	return StatusCode(err) == code
}

// ProtocolError reports a response the client cannot interpret, e.g. an unexpected status from
// a polling endpoint. It is never retried.
type ProtocolError struct {
	Operation  string
	StatusCode int
	Detail     string
}

func (e *ProtocolError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("protocol error in %s: unexpected status %d: %s", e.Operation, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("protocol error in %s: unexpected status %d", e.Operation, e.StatusCode)
}

// BackendStatus is a debug view of one load-balanced backend.
type BackendStatus struct {
	BaseURL    string
	PipelineID string
	// LastError is the zero time when the backend has not failed since its last success.
	LastError time.Time
}

func (b BackendStatus) String() string {
	if b.LastError.IsZero() {
		return fmt.Sprintf("%s/pipelines/%s (healthy)", b.BaseURL, b.PipelineID)
	}
	return fmt.Sprintf("%s/pipelines/%s (errored at %s)", b.BaseURL, b.PipelineID, b.LastError.Format(time.RFC3339Nano))
}

// NotReachableError is returned when every backend is in its error cool-down even after a forced
// config refresh, or when the last backend tried still failed at the transport level or with 404
// once the retries ran out. It matches ErrNotReachable and Cause with errors.Is and errors.As.
type NotReachableError struct {
	Target   string
	Backends []BackendStatus
	// Cause is the failure of the last attempt, nil when no attempt could be made.
	Cause error
}

func (e *NotReachableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: %v", ErrNotReachable, e.Target, e.Cause)
	}
	parts := make([]string, 0, len(e.Backends))
	for _, b := range e.Backends {
		parts = append(parts, b.String())
	}
	return fmt.Sprintf("%s %s: no healthy backend in [%s]", ErrNotReachable, e.Target, strings.Join(parts, ", "))
}

func (e *NotReachableError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrNotReachable}
	}
	return []error{ErrNotReachable, e.Cause}
}
