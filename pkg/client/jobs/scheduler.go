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

package jobs

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/popvision/popvision-go/internal/telemetry/logging"
	"github.com/popvision/popvision-go/pkg/client/apierror"
)

// Scheduler bounds the number of concurrently executing jobs. Submissions acquire a slot in
// submission order; a full scheduler blocks the submitter.
type Scheduler struct {
	capacity int64
	sem      *semaphore.Weighted
	logger   logr.Logger

	mu       sync.Mutex
	closed   bool
	inflight map[uuid.UUID]*Job
	wg       sync.WaitGroup
}

// NewScheduler returns a Scheduler running at most capacity jobs at once.
func NewScheduler(capacity int, logger logr.Logger) *Scheduler {
	if capacity < 1 {
		capacity = 1
	}
	return &Scheduler{
		capacity: int64(capacity),
		sem:      semaphore.NewWeighted(int64(capacity)),
		inflight: map[uuid.UUID]*Job{},
		logger:   logging.OrDiscard(logger).WithName("scheduler"),
	}
}

// Capacity returns the maximum number of concurrent jobs.
func (s *Scheduler) Capacity() int {
	return int(s.capacity)
}

// Submit waits for a free slot and starts job. ctx bounds the wait only; execution runs until
// the job ends or is cancelled, keeping ctx values.
func (s *Scheduler) Submit(ctx context.Context, job *Job) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("failed to schedule %s job: %w", job.Kind(), err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.sem.Release(1)
		return apierror.ErrNotConnected
	}
	s.inflight[job.ID()] = job
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.V(logging.TRACE).Info("Job scheduled", "job", job.ID().String(), "kind", string(job.Kind()))
	job.Run(context.WithoutCancel(ctx), func() {
		s.mu.Lock()
		delete(s.inflight, job.ID())
		s.mu.Unlock()
		s.sem.Release(1)
		s.wg.Done()
	})
	return nil
}

func (s *Scheduler) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apierror.ErrNotConnected
	}
	return nil
}

// InFlight returns the number of jobs currently executing.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Drain blocks until every submitted job has ended or ctx is done.
func (s *Scheduler) Drain(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelAll cancels every executing job and returns how many were cancelled.
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	jobs := make([]*Job, 0, len(s.inflight))
	for _, j := range s.inflight {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()
	for _, j := range jobs {
		j.Cancel()
	}
	return len(jobs)
}

// Close rejects further submissions. Executing jobs are not affected.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Reopen accepts submissions again after Close.
func (s *Scheduler) Reopen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = false
}
