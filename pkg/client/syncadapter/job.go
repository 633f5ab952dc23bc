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

package syncadapter

import (
	"context"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	v1 "github.com/popvision/popvision-go/api/v1"
	"github.com/popvision/popvision-go/pkg/client/apierror"
	"github.com/popvision/popvision-go/pkg/client/jobs"
)

// SyncJob is a blocking view of a jobs.Job.
type SyncJob struct {
	job  *jobs.Job
	loop *Loop
}

func (j *SyncJob) ID() uuid.UUID { return j.job.ID() }

func (j *SyncJob) State() jobs.State { return j.job.State() }

// Predict blocks for the next result. It returns (nil, nil) at the end of the results or after
// Cancel.
func (j *SyncJob) Predict() (v1.Prediction, error) {
	return Do(j.loop, j.job.Predict)
}

// Results blocks until the job ends and returns every remaining result.
func (j *SyncJob) Results() ([]v1.Prediction, error) {
	return Do(j.loop, func(ctx context.Context) ([]v1.Prediction, error) {
		var out []v1.Prediction
		err := j.job.Each(ctx, func(p v1.Prediction) error {
			out = append(out, p)
			return nil
		})
		return out, err
	})
}

// Wait blocks until the job ends.
func (j *SyncJob) Wait() error {
	return Run(j.loop, j.job.Wait)
}

func (j *SyncJob) Cancel() {
	j.job.Cancel()
}

// bridge owns the loop of a connected wrapper.
type bridge struct {
	logger logr.Logger

	mu   sync.Mutex
	loop *Loop
}

func (b *bridge) current() (*Loop, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loop == nil {
		return nil, apierror.ErrNotConnected
	}
	return b.loop, nil
}

// connect starts a loop and runs fn on it. The loop is stopped again when fn fails.
func (b *bridge) connect(fn func(ctx context.Context) error) error {
	b.mu.Lock()
	if b.loop != nil {
		b.mu.Unlock()
		return nil
	}
	loop := NewLoop(b.logger)
	b.loop = loop
	b.mu.Unlock()

	if err := Run(loop, fn); err != nil {
		b.mu.Lock()
		b.loop = nil
		b.mu.Unlock()
		loop.Close()
		return err
	}
	return nil
}

// disconnect runs fn on the loop and stops it.
func (b *bridge) disconnect(fn func(ctx context.Context) error) error {
	b.mu.Lock()
	loop := b.loop
	b.loop = nil
	b.mu.Unlock()
	if loop == nil {
		return nil
	}
	err := Run(loop, fn)
	loop.Close()
	return err
}

// startJob rejects on-ready callbacks, which have no meaning for a blocking caller, and runs
// start on the loop.
func (b *bridge) startJob(opts []jobs.Option, start func(ctx context.Context) (*jobs.Job, error)) (*SyncJob, error) {
	if jobs.HasOnReady(opts...) {
		return nil, apierror.ErrCallbackUnsupported
	}
	loop, err := b.current()
	if err != nil {
		return nil, err
	}
	job, err := Do(loop, start)
	if err != nil {
		return nil, err
	}
	return &SyncJob{job: job, loop: loop}, nil
}
