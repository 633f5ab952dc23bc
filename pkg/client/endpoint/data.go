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

package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	v1 "github.com/popvision/popvision-go/api/v1"
	"github.com/popvision/popvision-go/internal/telemetry/logging"
	"github.com/popvision/popvision-go/pkg/client/apierror"
	"github.com/popvision/popvision-go/pkg/client/config"
	"github.com/popvision/popvision-go/pkg/client/events"
	"github.com/popvision/popvision-go/pkg/client/jobs"
	"github.com/popvision/popvision-go/pkg/client/requestretry"
)

// DataEndpoint manages datasets, assets and models of one account and receives their change
// events.
type DataEndpoint struct {
	s           *session
	accountUUID string
	events      *events.Client

	mu        sync.Mutex
	config    *v1.DataConfig
	fetchedAt time.Time
	stale     bool
}

// NewDataEndpoint returns a disconnected endpoint for options.AccountUUID. Event handlers may be
// registered before connecting.
func NewDataEndpoint(options *config.Options, logger logr.Logger, opts ...Option) *DataEndpoint {
	s := newSession("data", options, logger, opts)
	s.logger = s.logger.WithValues("account", s.options.AccountUUID)
	d := &DataEndpoint{s: s, accountUUID: s.options.AccountUUID}
	d.events = events.NewClient("", d.accountUUID, s, s.logger, events.WithClock(s.settings.clock))
	return d
}

func (d *DataEndpoint) State() State {
	return d.s.State()
}

// Connect resolves the dataset service and opens the change event connection.
func (d *DataEndpoint) Connect(ctx context.Context) error {
	if d.accountUUID == "" {
		return errors.New("no account uuid configured")
	}
	handlers := map[int]requestretry.Handler{
		http.StatusNotFound: requestretry.InvalidateOnce(d.invalidate),
	}
	return d.s.connect(ctx, handlers, func(ctx context.Context) error {
		cfg, err := d.refresh(ctx)
		if err != nil {
			return err
		}
		if !d.s.settings.changeEvents {
			return nil
		}
		wsURL, err := events.URL(cfg.BaseURL)
		if err != nil {
			return err
		}
		d.events.SetURL(wsURL)
		return d.events.Start(ctx)
	})
}

// Disconnect drains jobs and closes the change event connection.
func (d *DataEndpoint) Disconnect(ctx context.Context, timeout time.Duration) error {
	err := d.s.disconnect(ctx, timeout, func(context.Context) error {
		d.events.Close()
		return nil
	})
	d.mu.Lock()
	d.config, d.stale = nil, false
	d.mu.Unlock()
	return err
}

// Request sends req through the retry policy of the endpoint.
func (d *DataEndpoint) Request(ctx context.Context, req *requestretry.Request) (*http.Response, error) {
	return d.s.do(ctx, req)
}

// Config returns a copy of the resolved dataset service config, or nil when not connected.
func (d *DataEndpoint) Config() *v1.DataConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.config == nil {
		return nil
	}
	c := *d.config
	return &c
}

func (d *DataEndpoint) invalidate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stale = true
	d.s.logger.V(logging.DEBUG).Info("Data config invalidated")
}

func (d *DataEndpoint) refresh(ctx context.Context) (*v1.DataConfig, error) {
	client, err := d.s.requester()
	if err != nil {
		return nil, err
	}
	u := fmt.Sprintf("%s/data/config?account_uuid=%s", strings.TrimSuffix(d.s.options.URL, "/"), url.QueryEscape(d.accountUUID))
	cfg := &v1.DataConfig{}
	if err := client.DoJSON(ctx, &requestretry.Request{
		Method:    http.MethodGet,
		URL:       u,
		Operation: "data_config",
		Timeout:   d.s.options.RequestTimeout.Duration,
		Handlers:  map[int]requestretry.Handler{http.StatusNotFound: nil},
	}, cfg); err != nil {
		return nil, fmt.Errorf("failed to resolve dataset service: %w", err)
	}
	if cfg.BaseURL == "" {
		return nil, &apierror.ProtocolError{Operation: "data_config", StatusCode: http.StatusOK, Detail: "missing base_url"}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.config = cfg
	d.fetchedAt = d.s.settings.clock.Now()
	d.stale = false
	d.s.logger.V(logging.VERBOSE).Info("Data config resolved", "baseURL", cfg.BaseURL)
	return cfg, nil
}

// baseURL returns the dataset service URL, refreshing the config when invalidated or older
// than ForceRefreshInterval.
func (d *DataEndpoint) baseURL(ctx context.Context) (string, error) {
	d.mu.Lock()
	cfg := d.config
	expired := d.stale || (d.s.options.ForceRefreshInterval.Duration > 0 &&
		d.s.settings.clock.Since(d.fetchedAt) >= d.s.options.ForceRefreshInterval.Duration)
	d.mu.Unlock()
	if cfg == nil {
		return "", apierror.ErrNotConnected
	}
	if expired {
		var err error
		if cfg, err = d.refresh(ctx); err != nil {
			return "", err
		}
	}
	return strings.TrimSuffix(cfg.BaseURL, "/"), nil
}

// request returns a request addressed to path on the dataset service, resolved per attempt.
func (d *DataEndpoint) request(method, path, operation string) requestretry.Request {
	return requestretry.Request{
		Method:    method,
		Operation: operation,
		Timeout:   d.s.options.RequestTimeout.Duration,
		Target: func(ctx context.Context) (string, error) {
			base, err := d.baseURL(ctx)
			if err != nil {
				return "", err
			}
			return base + path, nil
		},
	}
}

func (d *DataEndpoint) getJSON(ctx context.Context, path, operation string) (json.RawMessage, error) {
	req := d.request(http.MethodGet, path, operation)
	var out json.RawMessage
	if err := d.s.doJSON(ctx, &req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *DataEndpoint) ListDatasets(ctx context.Context) (json.RawMessage, error) {
	return d.getJSON(ctx, "/datasets", "list_datasets")
}

func (d *DataEndpoint) GetDataset(ctx context.Context, datasetUUID string) (json.RawMessage, error) {
	return d.getJSON(ctx, "/datasets/"+url.PathEscape(datasetUUID), "get_dataset")
}

// CreateDataset creates a dataset described by body and returns it.
func (d *DataEndpoint) CreateDataset(ctx context.Context, body any) (json.RawMessage, error) {
	req := d.request(http.MethodPost, "/datasets", "create_dataset")
	payload, err := requestretry.JSONBody(body)
	if err != nil {
		return nil, err
	}
	req.Body, req.ContentType = payload, jobs.MediaTypeJSON
	var out json.RawMessage
	if err := d.s.doJSON(ctx, &req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *DataEndpoint) DeleteDataset(ctx context.Context, datasetUUID string) error {
	req := d.request(http.MethodDelete, "/datasets/"+url.PathEscape(datasetUUID), "delete_dataset")
	return d.s.doJSON(ctx, &req, nil)
}

func (d *DataEndpoint) ListAssets(ctx context.Context, datasetUUID string) (json.RawMessage, error) {
	return d.getJSON(ctx, "/datasets/"+url.PathEscape(datasetUUID)+"/assets", "list_assets")
}

func (d *DataEndpoint) DeleteAsset(ctx context.Context, datasetUUID, assetUUID string) error {
	req := d.request(http.MethodDelete,
		"/datasets/"+url.PathEscape(datasetUUID)+"/assets/"+url.PathEscape(assetUUID), "delete_asset")
	return d.s.doJSON(ctx, &req, nil)
}

func (d *DataEndpoint) ListModels(ctx context.Context) (json.RawMessage, error) {
	return d.getJSON(ctx, "/models", "list_models")
}

func (d *DataEndpoint) GetModel(ctx context.Context, modelUUID string) (json.RawMessage, error) {
	return d.getJSON(ctx, "/models/"+url.PathEscape(modelUUID), "get_model")
}

// ImportAsset imports the asset described by body, typically a remote URL, into a dataset.
func (d *DataEndpoint) ImportAsset(ctx context.Context, datasetUUID string, body any, opts ...jobs.Option) (*jobs.Job, error) {
	client, err := d.s.requester()
	if err != nil {
		return nil, err
	}
	req := d.request(http.MethodPost, "/datasets/"+url.PathEscape(datasetUUID)+"/assets/import", string(jobs.KindImportAsset))
	return d.s.submit(ctx, jobs.ImportAsset(client, req, body, d.s.jobOptions(opts)...))
}

// UploadAsset uploads the bytes of stream as a new asset of a dataset. The upload is not retried.
func (d *DataEndpoint) UploadAsset(ctx context.Context, datasetUUID string, stream io.Reader, mimeType string, opts ...jobs.Option) (*jobs.Job, error) {
	client, err := d.s.requester()
	if err != nil {
		return nil, err
	}
	req := d.request(http.MethodPost, "/datasets/"+url.PathEscape(datasetUUID)+"/assets/upload", string(jobs.KindUploadAsset))
	return d.s.submit(ctx, jobs.UploadAsset(client, req, stream, mimeType, d.s.jobOptions(opts)...))
}

// pollSpec submits body to path and polls the request status endpoint. The polling deadline is
// the job timeout set in opts.
func (d *DataEndpoint) pollSpec(path string, kind jobs.Kind, body any, opts []jobs.Option) (jobs.PollSpec, error) {
	submit := d.request(http.MethodPost, path, string(kind))
	if body != nil {
		payload, err := requestretry.JSONBody(body)
		if err != nil {
			return jobs.PollSpec{}, err
		}
		submit.Body, submit.ContentType = payload, jobs.MediaTypeJSON
	}
	return jobs.PollSpec{
		Submit: submit,
		Status: func(requestID string) requestretry.Request {
			return d.request(http.MethodGet, "/requests/"+url.PathEscape(requestID), string(kind)+"_status")
		},
		Interval: d.s.options.PollInterval.Duration,
		Timeout:  jobs.TimeoutOf(opts...),
		Clock:    d.s.settings.clock,
	}, nil
}

// Infer runs a model on input and emits its result once available.
func (d *DataEndpoint) Infer(ctx context.Context, modelUUID string, input any, opts ...jobs.Option) (*jobs.Job, error) {
	client, err := d.s.requester()
	if err != nil {
		return nil, err
	}
	spec, err := d.pollSpec("/models/"+url.PathEscape(modelUUID)+"/infer", jobs.KindInfer, input, opts)
	if err != nil {
		return nil, err
	}
	return d.s.submit(ctx, jobs.Infer(client, spec, d.s.jobOptions(opts)...))
}

// Evaluate evaluates the models of a dataset and emits the report once available.
func (d *DataEndpoint) Evaluate(ctx context.Context, datasetUUID string, params any, opts ...jobs.Option) (*jobs.Job, error) {
	client, err := d.s.requester()
	if err != nil {
		return nil, err
	}
	spec, err := d.pollSpec("/datasets/"+url.PathEscape(datasetUUID)+"/evaluate", jobs.KindEvaluate, params, opts)
	if err != nil {
		return nil, err
	}
	return d.s.submit(ctx, jobs.Evaluate(client, spec, d.s.jobOptions(opts)...))
}

// SubscribeAccount registers h for every change event of the account.
func (d *DataEndpoint) SubscribeAccount(h events.Handler) events.Subscription {
	return d.events.SubscribeAccount(h)
}

// Subscribe registers h for change events of a dataset.
func (d *DataEndpoint) Subscribe(datasetUUID string, h events.Handler) events.Subscription {
	return d.events.Subscribe(datasetUUID, h)
}

func (d *DataEndpoint) Unsubscribe(s events.Subscription) {
	d.events.Unsubscribe(s)
}
