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

// Package syncadapter exposes blocking wrappers over the endpoints for callers that do not want
// to manage contexts and goroutines. Every call is handed to a loop goroutine owned by the
// wrapper and the caller blocks until it completes. Connect starts the loop and Disconnect
// stops it.
package syncadapter

import (
	"context"
	"sync"

	"github.com/go-logr/logr"

	"github.com/popvision/popvision-go/internal/telemetry/logging"
	"github.com/popvision/popvision-go/pkg/client/apierror"
)

type task func(ctx context.Context)

// Loop runs submitted work under a context that lives until Close.
type Loop struct {
	tasks   chan task
	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
	logger  logr.Logger

	mu      sync.Mutex
	closed  bool
	running sync.WaitGroup
}

// NewLoop starts a loop.
func NewLoop(logger logr.Logger) *Loop {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Loop{
		tasks:   make(chan task),
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
		logger:  logging.OrDiscard(logger).WithName("sync-loop"),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.stopped)
	for {
		select {
		case t := <-l.tasks:
			go func() {
				defer l.running.Done()
				t(l.ctx)
			}()
		case <-l.ctx.Done():
			return
		}
	}
}

func (l *Loop) submit(t task) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return apierror.ErrNotConnected
	}
	l.running.Add(1)
	l.mu.Unlock()

	select {
	case l.tasks <- t:
		return nil
	case <-l.stopped:
		l.running.Done()
		return apierror.ErrNotConnected
	}
}

// Close cancels the loop context and waits for running work to return.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	<-l.stopped
	l.running.Wait()
	l.logger.V(logging.DEBUG).Info("Loop stopped")
}

// Do runs fn on l and blocks until it returns.
func Do[T any](l *Loop, fn func(ctx context.Context) (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	if err := l.submit(func(ctx context.Context) {
		v, err := fn(ctx)
		done <- result{v, err}
	}); err != nil {
		var zero T
		return zero, err
	}
	r := <-done
	return r.value, r.err
}

// Run is Do for work without a result.
func Run(l *Loop, fn func(ctx context.Context) error) error {
	_, err := Do(l, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
