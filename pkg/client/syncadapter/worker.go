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
	"encoding/json"
	"io"
	"time"

	"github.com/go-logr/logr"

	v1 "github.com/popvision/popvision-go/api/v1"
	"github.com/popvision/popvision-go/internal/telemetry/logging"
	"github.com/popvision/popvision-go/pkg/client/config"
	"github.com/popvision/popvision-go/pkg/client/endpoint"
	"github.com/popvision/popvision-go/pkg/client/jobs"
)

// SyncWorkerEndpoint is a blocking endpoint.WorkerEndpoint.
type SyncWorkerEndpoint struct {
	bridge
	ep *endpoint.WorkerEndpoint
}

func NewSyncWorkerEndpoint(options *config.Options, pop json.RawMessage, logger logr.Logger, opts ...endpoint.Option) *SyncWorkerEndpoint {
	logger = logging.OrDiscard(logger)
	return &SyncWorkerEndpoint{
		bridge: bridge{logger: logger},
		ep:     endpoint.NewWorkerEndpoint(options, pop, logger, opts...),
	}
}

func (w *SyncWorkerEndpoint) Connect() error {
	return w.connect(w.ep.Connect)
}

// Disconnect waits up to timeout for executing jobs; a non-positive timeout uses the configured
// default.
func (w *SyncWorkerEndpoint) Disconnect(timeout time.Duration) error {
	return w.disconnect(func(ctx context.Context) error {
		return w.ep.Disconnect(ctx, timeout)
	})
}

func (w *SyncWorkerEndpoint) State() endpoint.State {
	return w.ep.State()
}

func (w *SyncWorkerEndpoint) Config() *v1.PopConfig {
	return w.ep.Config()
}

func (w *SyncWorkerEndpoint) Upload(path, mimeType string, opts ...jobs.Option) (*SyncJob, error) {
	return w.startJob(opts, func(ctx context.Context) (*jobs.Job, error) {
		return w.ep.Upload(ctx, path, mimeType, opts...)
	})
}

func (w *SyncWorkerEndpoint) UploadStream(stream io.Reader, mimeType string, opts ...jobs.Option) (*SyncJob, error) {
	return w.startJob(opts, func(ctx context.Context) (*jobs.Job, error) {
		return w.ep.UploadStream(ctx, stream, mimeType, opts...)
	})
}

func (w *SyncWorkerEndpoint) LoadFrom(mediaURL string, params json.RawMessage, opts ...jobs.Option) (*SyncJob, error) {
	return w.startJob(opts, func(ctx context.Context) (*jobs.Job, error) {
		return w.ep.LoadFrom(ctx, mediaURL, params, opts...)
	})
}

func (w *SyncWorkerEndpoint) LoadAsset(assetUUID string, params json.RawMessage, opts ...jobs.Option) (*SyncJob, error) {
	return w.startJob(opts, func(ctx context.Context) (*jobs.Job, error) {
		return w.ep.LoadAsset(ctx, assetUUID, params, opts...)
	})
}

func (w *SyncWorkerEndpoint) GetPop() (json.RawMessage, error) {
	loop, err := w.current()
	if err != nil {
		return nil, err
	}
	return Do(loop, w.ep.GetPop)
}

func (w *SyncWorkerEndpoint) SetPop(pop json.RawMessage) error {
	loop, err := w.current()
	if err != nil {
		return err
	}
	return Run(loop, func(ctx context.Context) error {
		return w.ep.SetPop(ctx, pop)
	})
}
