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

	"github.com/popvision/popvision-go/internal/telemetry/logging"
	"github.com/popvision/popvision-go/pkg/client/config"
	"github.com/popvision/popvision-go/pkg/client/endpoint"
	"github.com/popvision/popvision-go/pkg/client/events"
	"github.com/popvision/popvision-go/pkg/client/jobs"
)

// SyncDataEndpoint is a blocking endpoint.DataEndpoint. Change event handlers still run on the
// events reader goroutine.
type SyncDataEndpoint struct {
	bridge
	ep *endpoint.DataEndpoint
}

func NewSyncDataEndpoint(options *config.Options, logger logr.Logger, opts ...endpoint.Option) *SyncDataEndpoint {
	logger = logging.OrDiscard(logger)
	return &SyncDataEndpoint{
		bridge: bridge{logger: logger},
		ep:     endpoint.NewDataEndpoint(options, logger, opts...),
	}
}

func (d *SyncDataEndpoint) Connect() error {
	return d.connect(d.ep.Connect)
}

func (d *SyncDataEndpoint) Disconnect(timeout time.Duration) error {
	return d.disconnect(func(ctx context.Context) error {
		return d.ep.Disconnect(ctx, timeout)
	})
}

func (d *SyncDataEndpoint) State() endpoint.State {
	return d.ep.State()
}

// call runs fn on the loop of the current connection.
func call[T any](d *SyncDataEndpoint, fn func(ctx context.Context) (T, error)) (T, error) {
	loop, err := d.current()
	if err != nil {
		var zero T
		return zero, err
	}
	return Do(loop, fn)
}

func (d *SyncDataEndpoint) ListDatasets() (json.RawMessage, error) {
	return call(d, d.ep.ListDatasets)
}

func (d *SyncDataEndpoint) GetDataset(datasetUUID string) (json.RawMessage, error) {
	return call(d, func(ctx context.Context) (json.RawMessage, error) {
		return d.ep.GetDataset(ctx, datasetUUID)
	})
}

func (d *SyncDataEndpoint) CreateDataset(body any) (json.RawMessage, error) {
	return call(d, func(ctx context.Context) (json.RawMessage, error) {
		return d.ep.CreateDataset(ctx, body)
	})
}

func (d *SyncDataEndpoint) DeleteDataset(datasetUUID string) error {
	_, err := call(d, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.ep.DeleteDataset(ctx, datasetUUID)
	})
	return err
}

func (d *SyncDataEndpoint) ListAssets(datasetUUID string) (json.RawMessage, error) {
	return call(d, func(ctx context.Context) (json.RawMessage, error) {
		return d.ep.ListAssets(ctx, datasetUUID)
	})
}

func (d *SyncDataEndpoint) DeleteAsset(datasetUUID, assetUUID string) error {
	_, err := call(d, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.ep.DeleteAsset(ctx, datasetUUID, assetUUID)
	})
	return err
}

func (d *SyncDataEndpoint) ListModels() (json.RawMessage, error) {
	return call(d, d.ep.ListModels)
}

func (d *SyncDataEndpoint) GetModel(modelUUID string) (json.RawMessage, error) {
	return call(d, func(ctx context.Context) (json.RawMessage, error) {
		return d.ep.GetModel(ctx, modelUUID)
	})
}

func (d *SyncDataEndpoint) ImportAsset(datasetUUID string, body any, opts ...jobs.Option) (*SyncJob, error) {
	return d.startJob(opts, func(ctx context.Context) (*jobs.Job, error) {
		return d.ep.ImportAsset(ctx, datasetUUID, body, opts...)
	})
}

func (d *SyncDataEndpoint) UploadAsset(datasetUUID string, stream io.Reader, mimeType string, opts ...jobs.Option) (*SyncJob, error) {
	return d.startJob(opts, func(ctx context.Context) (*jobs.Job, error) {
		return d.ep.UploadAsset(ctx, datasetUUID, stream, mimeType, opts...)
	})
}

func (d *SyncDataEndpoint) Infer(modelUUID string, input any, opts ...jobs.Option) (*SyncJob, error) {
	return d.startJob(opts, func(ctx context.Context) (*jobs.Job, error) {
		return d.ep.Infer(ctx, modelUUID, input, opts...)
	})
}

func (d *SyncDataEndpoint) Evaluate(datasetUUID string, params any, opts ...jobs.Option) (*SyncJob, error) {
	return d.startJob(opts, func(ctx context.Context) (*jobs.Job, error) {
		return d.ep.Evaluate(ctx, datasetUUID, params, opts...)
	})
}

func (d *SyncDataEndpoint) SubscribeAccount(h events.Handler) events.Subscription {
	return d.ep.SubscribeAccount(h)
}

func (d *SyncDataEndpoint) Subscribe(datasetUUID string, h events.Handler) events.Subscription {
	return d.ep.Subscribe(datasetUUID, h)
}

func (d *SyncDataEndpoint) Unsubscribe(s events.Subscription) {
	d.ep.Unsubscribe(s)
}
