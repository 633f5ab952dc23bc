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

// Package telemetry buffers request traces and exports them in compact batches, best effort.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/popvision/popvision-go/internal/telemetry/logging"
	"github.com/popvision/popvision-go/pkg/client/requestretry"
)

// --- Configuration ---

type Config struct {
	// Disabled turns the exporter into a no-op.
	Disabled bool
	// FlushInterval determines how often buffered records are sent.
	FlushInterval time.Duration
	// MaxBufferSize bounds the buffered records; the oldest are dropped first.
	MaxBufferSize int
	// Client identifies the SDK in every batch.
	Client string
}

func DefaultConfig() *Config {
	return &Config{
		FlushInterval: 10 * time.Second,
		MaxBufferSize: 4096,
		Client:        "popvision-go",
	}
}

func ConfigFromEnv() *Config {
	cfg := DefaultConfig()
	if disabled := os.Getenv("POPVISION_TELEMETRY_DISABLED"); disabled != "" {
		if b, err := strconv.ParseBool(disabled); err == nil {
			cfg.Disabled = b
		}
	}
	if sizeStr := os.Getenv("POPVISION_TELEMETRY_MAX_BUFFER_SIZE"); sizeStr != "" {
		if size, err := strconv.Atoi(sizeStr); err == nil && size > 0 {
			cfg.MaxBufferSize = size
		}
	}
	if intervalStr := os.Getenv("POPVISION_TELEMETRY_FLUSH_INTERVAL_SEC"); intervalStr != "" {
		if sec, err := strconv.Atoi(intervalStr); err == nil && sec > 0 {
			cfg.FlushInterval = time.Duration(sec) * time.Second
		}
	}
	return cfg
}

// exportHandlers disables the client handlers for a batch post. A missing collector must not
// look like a stale endpoint config, and a failing one is not waited for.
var exportHandlers = func() map[int]requestretry.Handler {
	handlers := map[int]requestretry.Handler{http.StatusNotFound: nil}
	for _, status := range requestretry.ServerErrorStatuses {
		handlers[status] = nil
	}
	return handlers
}()

// Sender posts a batch. *requestretry.Client implements it.
type Sender interface {
	Do(ctx context.Context, req *requestretry.Request) (*http.Response, error)
}

// --- Exporter ---

type Exporter struct {
	config *Config
	sender Sender
	url    string
	clock  clock.WithTicker
	logger logr.Logger

	bufferMu sync.Mutex
	pending  []Record
	dropped  int

	lifecycleMu sync.Mutex
	done        chan struct{}
	stopped     chan struct{}
}

// Option customizes an Exporter.
type Option func(*Exporter)

// WithClock overrides the clock driving the flush ticker.
func WithClock(clk clock.WithTicker) Option {
	return func(e *Exporter) {
		e.clock = clk
	}
}

// New returns an Exporter posting batches to url through sender. Call Start to begin periodic
// flushing.
func New(config *Config, sender Sender, url string, logger logr.Logger, opts ...Option) *Exporter {
	if config == nil {
		config = ConfigFromEnv()
	}
	e := &Exporter{
		config: config,
		sender: sender,
		url:    url,
		clock:  clock.RealClock{},
		logger: logging.OrDiscard(logger).WithName("telemetry-exporter"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the background flush loop. It is a no-op when disabled or already started.
func (e *Exporter) Start() {
	if e.config.Disabled {
		return
	}
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	if e.done != nil {
		return
	}
	e.done = make(chan struct{})
	e.stopped = make(chan struct{})
	go e.backgroundLoop(e.done, e.stopped)
	e.logger.V(logging.DEBUG).Info("Telemetry exporter started",
		"url", e.url, "flushInterval", e.config.FlushInterval, "maxBufferSize", e.config.MaxBufferSize)
}

// Stop stops the background loop, then does a final flush bounded by ctx.
func (e *Exporter) Stop(ctx context.Context) error {
	e.lifecycleMu.Lock()
	done, stopped := e.done, e.stopped
	e.done, e.stopped = nil, nil
	e.lifecycleMu.Unlock()
	if done != nil {
		close(done)
		<-stopped
	}
	return e.Flush(ctx)
}

// backgroundLoop flushes at the configured interval.
func (e *Exporter) backgroundLoop(done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	ticker := e.clock.NewTicker(e.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			if err := e.Flush(context.Background()); err != nil {
				e.logger.V(logging.VERBOSE).Info("Telemetry flush failed", "error", err.Error())
			}
		case <-done:
			return
		}
	}
}

// Observe buffers a record of attempt. Its signature matches requestretry.Observer.
func (e *Exporter) Observe(attempt requestretry.Attempt) {
	if e.config.Disabled {
		return
	}
	r := Record{
		ID:             uuid.New(),
		Operation:      attempt.Operation,
		Method:         attempt.Method,
		Host:           attempt.Host,
		Status:         attempt.Status,
		Attempt:        attempt.Number,
		Retried:        attempt.Retried,
		StartedUnixNs:  attempt.Started.UnixNano(),
		DurationMicros: attempt.Duration.Microseconds(),
	}
	if attempt.Err != nil {
		r.Error = attempt.Err.Error()
	}

	e.bufferMu.Lock()
	defer e.bufferMu.Unlock()
	if limit := e.config.MaxBufferSize; limit > 0 && len(e.pending) >= limit {
		drop := len(e.pending) - limit + 1
		e.pending = e.pending[drop:]
		e.dropped += drop
	}
	e.pending = append(e.pending, r)
}

// Pending returns the number of buffered records.
func (e *Exporter) Pending() int {
	e.bufferMu.Lock()
	defer e.bufferMu.Unlock()
	return len(e.pending)
}

// Flush sends the buffered records in one batch. A failed batch is discarded.
func (e *Exporter) Flush(ctx context.Context) error {
	e.bufferMu.Lock()
	batch := &Batch{Version: BatchVersion, Client: e.config.Client, Dropped: e.dropped, Records: e.pending}
	e.pending = nil
	e.dropped = 0
	e.bufferMu.Unlock()

	if len(batch.Records) == 0 || e.sender == nil {
		return nil
	}

	data, err := EncodeBatch(batch)
	if err != nil {
		return err
	}
	resp, err := e.sender.Do(ctx, &requestretry.Request{
		Method:       http.MethodPost,
		URL:          e.url,
		Body:         requestretry.BytesBody(data),
		ContentType:  ContentType,
		Header:       http.Header{"Content-Encoding": []string{ContentEncoding}},
		Operation:    "telemetry",
		SkipObserver: true,
		Handlers:     exportHandlers,
	})
	if err != nil {
		return fmt.Errorf("failed to export %d telemetry records: %w", len(batch.Records), err)
	}
	_ = requestretry.DecodeJSON(resp, nil)
	e.logger.V(logging.TRACE).Info("Flushed telemetry batch", "count", len(batch.Records), "bytes", len(data))
	return nil
}
