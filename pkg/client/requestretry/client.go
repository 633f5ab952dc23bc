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

// Package requestretry issues authenticated HTTP requests and retries failures according to a
// per-status-code handler table.
package requestretry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/popvision/popvision-go/internal/telemetry/logging"
	"github.com/popvision/popvision-go/pkg/client/apierror"
	"github.com/popvision/popvision-go/pkg/client/auth"
)

// StatusTransportFailure is the handler-table key used for connection-level failures. A dead
// backend or stale config looks like "not found", so such failures consult the 404 handler.
const StatusTransportFailure = http.StatusNotFound

// Handler decides whether a failed attempt is retried. failedAttempts counts the failures with
// this status code within the current Do call, starting at 1. A handler may block (backoff) and
// must honor ctx.
type Handler func(ctx context.Context, status int, failedAttempts int) bool

// Request describes one logical request. It may be sent several times.
type Request struct {
	Method string
	// URL is used when Target is nil.
	URL string
	// Target resolves the URL before every attempt, letting the caller pick a different
	// backend after a failure.
	Target func(ctx context.Context) (string, error)
	// Body returns a fresh reader per attempt. Nil means no body.
	Body func() (io.Reader, error)
	// NoRetry disables the handler table, for bodies that cannot be replayed.
	NoRetry     bool
	ContentType string
	Accept      string
	Header      http.Header
	// Timeout bounds each attempt, including reading the response body. Zero means none.
	Timeout time.Duration
	// Handlers extends or overrides the client's handler table for this request. A nil entry
	// disables the client handler for that status.
	Handlers map[int]Handler
	// Observe is called after each attempt that reached the network, with the status (0 on
	// transport failure).
	Observe func(status int, err error)
	// Operation labels the request in metrics and telemetry.
	Operation string
	// SkipObserver excludes the request from the client-wide Observer.
	SkipObserver bool
}

// BytesBody returns a replayable Body for b.
func BytesBody(b []byte) func() (io.Reader, error) {
	return func() (io.Reader, error) {
		return bytes.NewReader(b), nil
	}
}

// OneShotBody returns a Body for a stream that can be sent once. Requests using it should set
// NoRetry; a second attempt fails with apierror.ErrBodyNotReplayable.
func OneShotBody(r io.Reader) func() (io.Reader, error) {
	var once sync.Once
	return func() (io.Reader, error) {
		var (
			out io.Reader
			err = apierror.ErrBodyNotReplayable
		)
		once.Do(func() {
			out, err = r, nil
		})
		return out, err
	}
}

// Attempt is reported to the client-wide Observer after every attempt.
type Attempt struct {
	Operation string
	Method    string
	Host      string
	Status    int
	Err       error
	Number    int
	Started   time.Time
	Duration  time.Duration
	Retried   bool
}

// Observer receives every attempt made by a Client.
type Observer func(Attempt)

// Client sends requests with a bearer token from its credential provider.
type Client struct {
	httpClient *http.Client
	tokens     auth.Provider
	handlers   map[int]Handler
	observer   Observer
	clock      clock.PassiveClock
	logger     logr.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHandler registers h for status.
func WithHandler(status int, h Handler) Option {
	return func(c *Client) {
		c.handlers[status] = h
	}
}

// WithObserver installs a client-wide attempt observer.
func WithObserver(o Observer) Option {
	return func(c *Client) {
		c.observer = o
	}
}

// WithClock overrides the clock used for attempt timing.
func WithClock(clk clock.PassiveClock) Option {
	return func(c *Client) {
		c.clock = clk
	}
}

// NewClient returns a Client. tokens may be nil for unauthenticated use.
func NewClient(httpClient *http.Client, tokens auth.Provider, logger logr.Logger, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Client{
		httpClient: httpClient,
		tokens:     tokens,
		handlers:   map[int]Handler{},
		clock:      clock.RealClock{},
		logger:     logging.OrDiscard(logger).WithName("request-client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HTTPClient returns the underlying HTTP client.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// Do sends req until it succeeds or a handler declines to retry. On success the caller owns
// the response body. Responses with status >= 400 are returned as *apierror.HTTPError.
func (c *Client) Do(ctx context.Context, req *Request) (*http.Response, error) {
	failures := map[int]int{}
	for number := 1; ; number++ {
		out := c.attempt(ctx, req)
		if out.err == nil {
			c.observe(req, number, out, false)
			return out.resp, nil
		}
		if out.local || req.NoRetry || ctx.Err() != nil {
			c.observe(req, number, out, false)
			return nil, out.err
		}

		key := out.status
		if key == 0 {
			key = StatusTransportFailure
		}
		handler := c.handlerFor(req, key)
		if handler == nil {
			c.observe(req, number, out, false)
			return nil, out.err
		}
		class := failureClass(key)
		failures[class]++
		retry := handler(ctx, key, failures[class])
		c.observe(req, number, out, retry)
		if !retry {
			return nil, out.err
		}
		c.logger.V(logging.VERBOSE).Info("Retrying request",
			"operation", req.Operation, "method", req.Method, "status", out.status,
			"failedAttempts", failures[class], "error", out.err.Error())
	}
}

// failureClass groups the statuses whose failures share one retry budget within a call. All
// server errors count together.
func failureClass(status int) int {
	for _, s := range ServerErrorStatuses {
		if status == s {
			return http.StatusInternalServerError
		}
	}
	return status
}

func (c *Client) handlerFor(req *Request, status int) Handler {
	if h, ok := req.Handlers[status]; ok {
		return h
	}
	return c.handlers[status]
}

// outcome is the result of one round trip. status is 0 when no HTTP response was received.
// local marks errors raised before anything was sent; those are never retried.
type outcome struct {
	resp     *http.Response
	status   int
	host     string
	started  time.Time
	duration time.Duration
	err      error
	local    bool
}

func (c *Client) attempt(ctx context.Context, req *Request) outcome {
	out := outcome{started: c.clock.Now()}
	finish := func() outcome {
		out.duration = c.clock.Since(out.started)
		if req.Observe != nil && !out.local {
			req.Observe(out.status, out.err)
		}
		return out
	}
	fail := func(err error) outcome {
		out.err = err
		out.local = true
		return finish()
	}

	url := req.URL
	if req.Target != nil {
		target, err := req.Target(ctx)
		if err != nil {
			return fail(err)
		}
		url = target
	}

	var body io.Reader
	if req.Body != nil {
		b, err := req.Body()
		if err != nil {
			return fail(err)
		}
		body = b
	}

	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if req.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, url, body)
	if err != nil {
		cancel()
		return fail(fmt.Errorf("failed to create request: %w", err))
	}
	out.host = httpReq.URL.Host
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	if req.Accept != "" {
		httpReq.Header.Set("Accept", req.Accept)
	}
	if c.tokens != nil {
		token, err := c.tokens.BearerToken(ctx)
		if err != nil {
			cancel()
			return fail(fmt.Errorf("failed to acquire access token: %w", err))
		}
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	c.logger.V(logging.TRACE).Info("Sending request", "method", req.Method, "url", httpReq.URL.Redacted())
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		out.err = err
		return finish()
	}
	out.status = resp.StatusCode
	if resp.StatusCode >= http.StatusBadRequest {
		out.err = apierror.NewHTTPError(resp)
		_ = resp.Body.Close()
		cancel()
		return finish()
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	out.resp = resp
	return finish()
}

func (c *Client) observe(req *Request, number int, out outcome, retried bool) {
	if c.observer == nil || req.SkipObserver {
		return
	}
	c.observer(Attempt{
		Operation: req.Operation,
		Method:    req.Method,
		Host:      out.host,
		Status:    out.status,
		Err:       out.err,
		Number:    number,
		Started:   out.started,
		Duration:  out.duration,
		Retried:   retried,
	})
}

// cancelOnClose releases a per-attempt timeout once the caller is done with the body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
