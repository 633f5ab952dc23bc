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

// Package jobs runs uploads, URL loads, imports and inferences asynchronously and streams their
// results through a bounded queue.
//
// A Job moves through Created, Started, InProgress, then Finished or Failed, and finally Drained
// once the consumer has observed the end of its results. Results are pulled with Predict or
// pushed to a callback with Each.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"k8s.io/utils/clock"

	v1 "github.com/popvision/popvision-go/api/v1"
	"github.com/popvision/popvision-go/internal/telemetry/logging"
	"github.com/popvision/popvision-go/pkg/client/apierror"
	"github.com/popvision/popvision-go/pkg/tracing"
)

// QueueCapacity bounds the results buffered between the network reader and the consumer.
const QueueCapacity = 128

// State is the lifecycle state of a Job.
type State int32

const (
	Created State = iota
	Started
	InProgress
	Finished
	Failed
	Drained
)

func (s State) String() string {
	switch s {
	case Created:
		return "CREATED"
	case Started:
		return "STARTED"
	case InProgress:
		return "IN_PROGRESS"
	case Finished:
		return "FINISHED"
	case Failed:
		return "FAILED"
	case Drained:
		return "DRAINED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Kind names the operation a job performs.
type Kind string

const (
	KindUploadFile   Kind = "upload_file"
	KindUploadStream Kind = "upload_stream"
	KindLoadFromURL  Kind = "load_from_url"
	KindLoadAsset    Kind = "load_asset"
	KindImportAsset  Kind = "import_asset"
	KindUploadAsset  Kind = "upload_asset"
	KindInfer        Kind = "infer"
	KindEvaluate     Kind = "evaluate"
)

// Summary is reported to the metrics callback when a job's execution ends.
type Summary struct {
	ID       uuid.UUID
	Kind     Kind
	State    State
	Started  time.Time
	Duration time.Duration
	Results  int
	Err      error
}

// Emitter is handed to an execution function to publish results.
type Emitter interface {
	// Progress marks the job in progress without publishing a result.
	Progress()
	// Emit blocks until p is queued or ctx is done.
	Emit(ctx context.Context, p v1.Prediction) error
}

// ExecFunc performs the network work of a job.
type ExecFunc func(ctx context.Context, emit Emitter) error

// Job is one asynchronous operation.
type Job struct {
	id      uuid.UUID
	kind    Kind
	exec    ExecFunc
	timeout time.Duration
	onReady func(*Job)
	summary []func(Summary)
	clock   clock.PassiveClock
	logger  logr.Logger

	state     atomic.Int32
	results   chan v1.Prediction
	emitted   atomic.Int32
	readyOnce sync.Once
	cancelMu  sync.Mutex
	cancel    context.CancelFunc
	// cancelled is closed by Cancel.
	cancelled  chan struct{}
	cancelOnce sync.Once
	// done is closed once execution has ended and err is set.
	done chan struct{}
	err  error
	// drainOnce hands err to the consumer exactly once.
	drainOnce sync.Once
}

// Option customizes a Job.
type Option func(*Job)

// WithOnReady registers a callback run once, in its own goroutine, as soon as the job has a
// result or has ended.
func WithOnReady(fn func(*Job)) Option {
	return func(j *Job) {
		j.onReady = fn
	}
}

// WithTimeout bounds the total execution time of the job.
func WithTimeout(d time.Duration) Option {
	return func(j *Job) {
		j.timeout = d
	}
}

// WithMetricsCallback registers fn to receive a Summary when execution ends. Callbacks run in
// registration order.
func WithMetricsCallback(fn func(Summary)) Option {
	return func(j *Job) {
		j.summary = append(j.summary, fn)
	}
}

// WithLogger sets the job logger.
func WithLogger(logger logr.Logger) Option {
	return func(j *Job) {
		j.logger = logger
	}
}

// WithClock overrides the clock used for timing and polling deadlines.
func WithClock(clk clock.PassiveClock) Option {
	return func(j *Job) {
		j.clock = clk
	}
}

// HasOnReady reports whether opts register an on-ready callback.
func HasOnReady(opts ...Option) bool {
	probe := &Job{}
	for _, opt := range opts {
		opt(probe)
	}
	return probe.onReady != nil
}

// TimeoutOf returns the total timeout set by opts, or zero.
func TimeoutOf(opts ...Option) time.Duration {
	probe := &Job{}
	for _, opt := range opts {
		opt(probe)
	}
	return probe.timeout
}

// New returns a job in the Created state. It does nothing until Run is called.
func New(kind Kind, exec ExecFunc, opts ...Option) *Job {
	j := &Job{
		id:        uuid.New(),
		kind:      kind,
		exec:      exec,
		clock:     clock.RealClock{},
		results:   make(chan v1.Prediction, QueueCapacity),
		cancelled: make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.logger = logging.OrDiscard(j.logger).WithValues("job", j.id.String(), "kind", string(kind))
	return j
}

func (j *Job) ID() uuid.UUID { return j.id }

func (j *Job) Kind() Kind { return j.kind }

// State returns the current lifecycle state.
func (j *Job) State() State {
	return State(j.state.Load())
}

// Run executes the job in a new goroutine and calls release when execution has ended. ctx bounds
// the execution, not the consumption of results.
func (j *Job) Run(ctx context.Context, release func()) {
	ctx, cancel := context.WithCancel(ctx)
	if j.timeout > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeoutCause(ctx, j.timeout, apierror.ErrJobTimeout)
		parent := cancel
		cancel = func() {
			timeoutCancel()
			parent()
		}
	}
	j.cancelMu.Lock()
	select {
	case <-j.cancelled:
		// Cancelled before it was scheduled.
		cancel()
	default:
	}
	j.cancel = cancel
	j.cancelMu.Unlock()

	j.state.CompareAndSwap(int32(Created), int32(Started))
	go func() {
		defer release()
		defer cancel()
		j.execute(ctx)
	}()
}

func (j *Job) execute(ctx context.Context) {
	started := j.clock.Now()
	ctx, span := tracing.StartSpan(ctx, tracing.OperationJob,
		attribute.String(tracing.AttrJobKind, string(j.kind)),
		attribute.String(tracing.AttrJobID, j.id.String()))
	j.logger.V(logging.DEBUG).Info("Job started")

	err := j.exec(ctx, emitter{j})
	if err != nil && context.Cause(ctx) == apierror.ErrJobTimeout && !errors.Is(err, apierror.ErrJobTimeout) {
		err = fmt.Errorf("%w after %s: %w", apierror.ErrJobTimeout, j.timeout, err)
	}
	if err != nil && j.isCancelled() {
		err = nil
	}
	j.setResult(err)
	tracing.EndSpan(span, err)

	if len(j.summary) > 0 {
		s := Summary{
			ID:       j.id,
			Kind:     j.kind,
			State:    j.State(),
			Started:  started,
			Duration: j.clock.Since(started),
			Results:  int(j.emitted.Load()),
			Err:      err,
		}
		for _, fn := range j.summary {
			fn(s)
		}
	}
	close(j.done)
	j.ready()
}

func (j *Job) setResult(err error) {
	j.err = err
	if err != nil {
		j.state.Store(int32(Failed))
		j.logger.V(logging.DEBUG).Info("Job failed", "error", err.Error())
		return
	}
	j.state.Store(int32(Finished))
	j.logger.V(logging.DEBUG).Info("Job finished", "results", j.emitted.Load())
}

func (j *Job) ready() {
	if j.onReady == nil {
		return
	}
	j.readyOnce.Do(func() {
		go j.onReady(j)
	})
}

func (j *Job) isCancelled() bool {
	select {
	case <-j.cancelled:
		return true
	default:
		return false
	}
}

// Cancel aborts the job. Predict returns (nil, nil) from then on, even if results were buffered.
func (j *Job) Cancel() {
	j.cancelOnce.Do(func() {
		j.cancelMu.Lock()
		close(j.cancelled)
		if j.cancel != nil {
			j.cancel()
		}
		j.cancelMu.Unlock()
		j.logger.V(logging.DEBUG).Info("Job cancelled")
	})
}

// Predict returns the next result. It returns (nil, nil) once the results are exhausted or the
// job was cancelled. An execution failure is returned once, in place of the end of results.
func (j *Job) Predict(ctx context.Context) (v1.Prediction, error) {
	if j.isCancelled() {
		return nil, nil
	}
	select {
	case p := <-j.results:
		return p, nil
	default:
	}
	select {
	case p := <-j.results:
		return p, nil
	case <-j.cancelled:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-j.done:
		// Everything emitted is buffered before done is closed.
		select {
		case p := <-j.results:
			return p, nil
		default:
		}
		var err error
		j.drainOnce.Do(func() {
			j.state.Store(int32(Drained))
			err = j.err
		})
		return nil, err
	}
}

// Each calls fn for every remaining result until the results are exhausted, fn fails, or ctx is
// done.
func (j *Job) Each(ctx context.Context, fn func(v1.Prediction) error) error {
	for {
		p, err := j.Predict(ctx)
		if err != nil {
			return err
		}
		if p == nil {
			return nil
		}
		if err := fn(p); err != nil {
			return err
		}
	}
}

// Wait blocks until execution has ended and returns its error. It does not consume results.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when execution has ended.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

type emitter struct {
	j *Job
}

func (e emitter) Progress() {
	if e.j.state.CompareAndSwap(int32(Started), int32(InProgress)) {
		e.j.ready()
	}
}

func (e emitter) Emit(ctx context.Context, p v1.Prediction) error {
	e.Progress()
	select {
	case e.j.results <- p:
		e.j.emitted.Add(1)
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
