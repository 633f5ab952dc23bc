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

// Package endpoint connects to pop workers and to the dataset service. Both endpoint kinds share
// a session that owns the HTTP client, the credentials, the retry policy, the job scheduler and
// the telemetry exporter for the duration of a connection.
package endpoint

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/popvision/popvision-go/internal/telemetry/logging"
	"github.com/popvision/popvision-go/pkg/client/apierror"
	"github.com/popvision/popvision-go/pkg/client/auth"
	"github.com/popvision/popvision-go/pkg/client/config"
	"github.com/popvision/popvision-go/pkg/client/jobs"
	"github.com/popvision/popvision-go/pkg/client/metrics"
	"github.com/popvision/popvision-go/pkg/client/requestretry"
	"github.com/popvision/popvision-go/pkg/client/telemetry"
	"github.com/popvision/popvision-go/pkg/client/util/backoff"
	"github.com/popvision/popvision-go/pkg/tracing"
)

// State is the connection state of an endpoint.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Disconnecting:
		return "DISCONNECTING"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// SessionLifecycle is implemented by WorkerEndpoint and DataEndpoint.
type SessionLifecycle interface {
	// Connect resolves the endpoint configuration and prepares the session. On failure nothing
	// stays open.
	Connect(ctx context.Context) error
	// Disconnect waits up to timeout for executing jobs, cancels the rest and releases every
	// resource. A non-positive timeout uses the configured default.
	Disconnect(ctx context.Context, timeout time.Duration) error
	// Request sends a request through the retry policy of the session.
	Request(ctx context.Context, req *requestretry.Request) (*http.Response, error)
	// State reports the connection state.
	State() State
}

var (
	_ SessionLifecycle = &WorkerEndpoint{}
	_ SessionLifecycle = &DataEndpoint{}
	_ auth.Provider    = &session{}
)

// settings are shared by both endpoint kinds.
type settings struct {
	newHTTPClient func() *http.Client
	clock         clock.WithTicker
	sleeper       backoff.Sleeper
	telemetry     *telemetry.Config
	changeEvents  bool
}

// Option customizes an endpoint.
type Option func(*settings)

// WithHTTPClient supplies the HTTP client factory. A new client is created for every connection
// and its idle connections are closed at disconnect.
func WithHTTPClient(newClient func() *http.Client) Option {
	return func(s *settings) {
		s.newHTTPClient = newClient
	}
}

// WithClock overrides the clock used for token expiry, config staleness, polling and telemetry.
func WithClock(clk clock.WithTicker) Option {
	return func(s *settings) {
		s.clock = clk
	}
}

// WithTelemetry overrides the telemetry exporter configuration.
func WithTelemetry(cfg *telemetry.Config) Option {
	return func(s *settings) {
		s.telemetry = cfg
	}
}

// WithoutChangeEvents keeps a DataEndpoint from opening the change event WebSocket.
func WithoutChangeEvents() Option {
	return func(s *settings) {
		s.changeEvents = false
	}
}

// withSleeper replaces the server error backoff; tests use it to skip the delays.
func withSleeper(sleep backoff.Sleeper) Option {
	return func(s *settings) {
		s.sleeper = sleep
	}
}

func newSettings(opts []Option) *settings {
	s := &settings{
		newHTTPClient: func() *http.Client {
			return &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
		},
		clock:        clock.RealClock{},
		changeEvents: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sleeper == nil {
		s.sleeper = backoff.ClockSleeper(s.clock)
	}
	return s
}

// session is the connection-scoped state shared by both endpoint kinds.
type session struct {
	kind     string
	options  *config.Options
	settings *settings
	logger   logr.Logger

	scheduler *jobs.Scheduler

	mu         sync.Mutex
	state      State
	httpClient *http.Client
	tokens     *auth.TokenSource
	client     *requestretry.Client
	exporter   *telemetry.Exporter
}

func newSession(kind string, options *config.Options, logger logr.Logger, opts []Option) *session {
	if options == nil {
		options = config.Default()
	}
	logger = logging.OrDiscard(logger).WithName(kind + "-endpoint")
	s := &session{
		kind:      kind,
		options:   options,
		settings:  newSettings(opts),
		logger:    logger,
		scheduler: jobs.NewScheduler(options.JobQueueLength, logger),
	}
	s.scheduler.Close()
	return s
}

// State reports the connection state.
func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// connect opens the HTTP client and credentials, registers handlers on top of the standard
// ones and runs resolve. Any failure tears everything down again.
func (s *session) connect(ctx context.Context, handlers map[int]requestretry.Handler, resolve func(ctx context.Context) error) (err error) {
	s.mu.Lock()
	if s.state != Disconnected {
		state := s.state
		s.mu.Unlock()
		if state == Connected {
			return nil
		}
		return fmt.Errorf("cannot connect %s endpoint while %s", s.kind, state)
	}
	s.state = Connecting
	s.mu.Unlock()

	ctx, span := tracing.StartSpan(ctx, tracing.OperationConnect, attribute.String(tracing.AttrEndpointKind, s.kind))
	defer func() { tracing.EndSpan(span, err) }()

	httpClient := s.settings.newHTTPClient()
	tokens := auth.NewTokenSource(s.options.Auth(), httpClient, s.logger, auth.WithClock(s.settings.clock))
	var exporter *telemetry.Exporter
	client := requestretry.NewClient(httpClient, tokens, s.logger,
		requestretry.WithClock(s.settings.clock),
		requestretry.WithHandlers(requestretry.StandardHandlers(tokens.Invalidate, s.settings.sleeper)),
		requestretry.WithHandlers(handlers),
		requestretry.WithObserver(func(a requestretry.Attempt) {
			metrics.RecordAttempt(a.Operation, a.Status, a.Duration, a.Retried)
			exporter.Observe(a)
		}))
	exporter = telemetry.New(s.telemetryConfig(), client, strings.TrimSuffix(s.options.URL, "/")+"/events", s.logger,
		telemetry.WithClock(s.settings.clock))

	s.mu.Lock()
	s.httpClient, s.tokens, s.client, s.exporter = httpClient, tokens, client, exporter
	s.mu.Unlock()

	if err := resolve(ctx); err != nil {
		httpClient.CloseIdleConnections()
		s.mu.Lock()
		s.httpClient, s.tokens, s.client, s.exporter = nil, nil, nil, nil
		s.state = Disconnected
		s.mu.Unlock()
		return fmt.Errorf("failed to connect %s endpoint: %w", s.kind, err)
	}

	exporter.Start()
	s.scheduler.Reopen()
	s.mu.Lock()
	s.state = Connected
	s.mu.Unlock()
	s.logger.V(logging.DEFAULT).Info("Connected", "auth", tokens.Mode().String())
	return nil
}

func (s *session) telemetryConfig() *telemetry.Config {
	if s.settings.telemetry != nil {
		return s.settings.telemetry
	}
	cfg := telemetry.ConfigFromEnv()
	if s.options.Telemetry.Disabled {
		cfg.Disabled = true
	}
	if d := s.options.Telemetry.FlushInterval.Duration; d > 0 {
		cfg.FlushInterval = d
	}
	return cfg
}

// disconnect drains jobs, then runs teardown steps concurrently with the telemetry flush and
// finally closes the HTTP client. Step failures are combined; a drain timeout is only logged.
func (s *session) disconnect(ctx context.Context, timeout time.Duration, teardown ...func(ctx context.Context) error) (err error) {
	s.mu.Lock()
	if s.state != Connected {
		s.mu.Unlock()
		return nil
	}
	s.state = Disconnecting
	exporter, httpClient := s.exporter, s.httpClient
	s.mu.Unlock()

	ctx, span := tracing.StartSpan(ctx, tracing.OperationDisconnect, attribute.String(tracing.AttrEndpointKind, s.kind))
	defer func() { tracing.EndSpan(span, err) }()

	if timeout <= 0 {
		timeout = s.options.DisconnectTimeout.Duration
	}
	s.scheduler.Close()
	drainCtx, cancel := context.WithTimeout(ctx, timeout)
	if drainErr := s.scheduler.Drain(drainCtx); drainErr != nil {
		cancelled := s.scheduler.CancelAll()
		s.logger.Info("Jobs still executing at disconnect, cancelling them",
			"timeout", timeout.String(), "cancelled", cancelled)
	}
	cancel()

	flushTelemetry := func(ctx context.Context) error {
		if err := exporter.Stop(ctx); err != nil {
			s.logger.V(logging.VERBOSE).Info("Final telemetry flush failed", "error", err.Error())
		}
		return nil
	}
	steps := append([]func(context.Context) error{flushTelemetry}, teardown...)
	errs := make([]error, len(steps))
	var g errgroup.Group
	for i, step := range steps {
		i, step := i, step
		g.Go(func() error {
			errs[i] = step(ctx)
			return nil
		})
	}
	_ = g.Wait()
	err = multierr.Combine(errs...)

	httpClient.CloseIdleConnections()
	s.mu.Lock()
	s.httpClient, s.tokens, s.client, s.exporter = nil, nil, nil, nil
	s.state = Disconnected
	s.mu.Unlock()
	s.logger.V(logging.DEFAULT).Info("Disconnected")
	return err
}

// requester returns the retrying client of the current connection.
func (s *session) requester() (*requestretry.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil || s.state == Disconnected {
		return nil, apierror.ErrNotConnected
	}
	return s.client, nil
}

// BearerToken returns a token from the credentials of the current connection, so collaborators
// built once per endpoint follow reconnects.
func (s *session) BearerToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	tokens := s.tokens
	s.mu.Unlock()
	if tokens == nil {
		return "", apierror.ErrNotConnected
	}
	return tokens.BearerToken(ctx)
}

func (s *session) Invalidate() {
	s.mu.Lock()
	tokens := s.tokens
	s.mu.Unlock()
	if tokens != nil {
		tokens.Invalidate()
	}
}

// do sends req with the session defaults applied.
func (s *session) do(ctx context.Context, req *requestretry.Request) (*http.Response, error) {
	client, err := s.requester()
	if err != nil {
		return nil, err
	}
	if req.Timeout == 0 {
		req.Timeout = s.options.RequestTimeout.Duration
	}
	return client.Do(ctx, req)
}

// doJSON sends req and decodes the JSON response into out.
func (s *session) doJSON(ctx context.Context, req *requestretry.Request, out any) error {
	if req.Accept == "" {
		req.Accept = jobs.MediaTypeJSON
	}
	resp, err := s.do(ctx, req)
	if err != nil {
		return err
	}
	return requestretry.DecodeJSON(resp, out)
}

// jobOptions prepends the session defaults to the caller options.
func (s *session) jobOptions(opts []jobs.Option) []jobs.Option {
	base := []jobs.Option{
		jobs.WithLogger(s.logger),
		jobs.WithClock(s.settings.clock),
		jobs.WithMetricsCallback(func(sum jobs.Summary) {
			metrics.RecordJob(string(sum.Kind), sum.State.String(), sum.Duration)
			metrics.JobEnded(s.kind)
		}),
	}
	return append(base, opts...)
}

// submit schedules job, blocking while the session runs JobQueueLength jobs.
func (s *session) submit(ctx context.Context, job *jobs.Job) (*jobs.Job, error) {
	metrics.JobStarted(s.kind)
	if err := s.scheduler.Submit(ctx, job); err != nil {
		metrics.JobEnded(s.kind)
		return nil, err
	}
	return job, nil
}
