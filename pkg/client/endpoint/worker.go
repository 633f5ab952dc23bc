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
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	v1 "github.com/popvision/popvision-go/api/v1"
	"github.com/popvision/popvision-go/internal/telemetry/logging"
	"github.com/popvision/popvision-go/pkg/client/apierror"
	"github.com/popvision/popvision-go/pkg/client/config"
	"github.com/popvision/popvision-go/pkg/client/jobs"
	"github.com/popvision/popvision-go/pkg/client/loadbalancer"
	"github.com/popvision/popvision-go/pkg/client/metrics"
	"github.com/popvision/popvision-go/pkg/client/requestretry"
)

// sourceQuery is appended to every job submission so the worker queues frames and answers
// synchronously.
const sourceQuery = "?mode=queue&processing=sync"

// WorkerEndpoint submits media to the pipelines of one pop.
type WorkerEndpoint struct {
	s     *session
	popID string
	// pop is the definition used to provision a transient pipeline.
	pop json.RawMessage

	mu        sync.Mutex
	config    *v1.PopConfig
	fetchedAt time.Time
	stale     bool
	balancer  *loadbalancer.LoadBalancer
	// transient is the pipeline provisioned at connect, nil for named pops.
	transient *loadbalancer.Entry
}

// NewWorkerEndpoint returns a disconnected endpoint for options.PopID. A transient pop provisions
// a pipeline running pop at connect and deletes it at disconnect.
func NewWorkerEndpoint(options *config.Options, pop json.RawMessage, logger logr.Logger, opts ...Option) *WorkerEndpoint {
	s := newSession("worker", options, logger, opts)
	s.logger = s.logger.WithValues("pop", s.options.PopID)
	return &WorkerEndpoint{s: s, popID: s.options.PopID, pop: pop}
}

func (w *WorkerEndpoint) State() State {
	return w.s.State()
}

// Connect resolves the pop to its backends, provisioning a transient pipeline when needed.
func (w *WorkerEndpoint) Connect(ctx context.Context) error {
	if w.popID == "" {
		return errors.New("no pop id configured")
	}
	handlers := map[int]requestretry.Handler{
		http.StatusNotFound: requestretry.InvalidateOnce(w.invalidate),
	}
	return w.s.connect(ctx, handlers, func(ctx context.Context) error {
		if w.popID == v1.TransientPopID {
			return w.provision(ctx)
		}
		_, err := w.refresh(ctx)
		return err
	})
}

// Disconnect drains jobs and deletes the transient pipeline, if any.
func (w *WorkerEndpoint) Disconnect(ctx context.Context, timeout time.Duration) error {
	err := w.s.disconnect(ctx, timeout, w.teardown)
	w.mu.Lock()
	w.config, w.balancer, w.transient, w.stale = nil, nil, nil, false
	w.mu.Unlock()
	return err
}

// Request sends req through the retry policy of the endpoint.
func (w *WorkerEndpoint) Request(ctx context.Context, req *requestretry.Request) (*http.Response, error) {
	return w.s.do(ctx, req)
}

// Config returns a copy of the resolved pop config, or nil when not connected.
func (w *WorkerEndpoint) Config() *v1.PopConfig {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.config == nil {
		return nil
	}
	c := *w.config
	c.Endpoints = append([]v1.PopEndpoint(nil), w.config.Endpoints...)
	return &c
}

// invalidate marks the cached config stale. It backs the 404 handler.
func (w *WorkerEndpoint) invalidate() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stale = true
	w.s.logger.V(logging.DEBUG).Info("Pop config invalidated")
}

// refresh fetches the pop config and updates the load balancer.
func (w *WorkerEndpoint) refresh(ctx context.Context) (*loadbalancer.LoadBalancer, error) {
	client, err := w.s.requester()
	if err != nil {
		return nil, err
	}
	u := fmt.Sprintf("%s/pops/%s/config?auto_start=%s", strings.TrimSuffix(w.s.options.URL, "/"),
		url.PathEscape(w.popID), strconv.FormatBool(w.s.options.AutoStart))
	cfg := &v1.PopConfig{}
	if err := client.DoJSON(ctx, &requestretry.Request{
		Method:    http.MethodGet,
		URL:       u,
		Operation: "pop_config",
		Timeout:   w.s.options.RequestTimeout.Duration,
		Handlers:  map[int]requestretry.Handler{http.StatusNotFound: nil},
	}, cfg); err != nil {
		return nil, fmt.Errorf("failed to resolve pop %s: %w", w.popID, err)
	}
	endpoints := cfg.ResolvedEndpoints()
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("pop %s has no backend (status %q)", w.popID, cfg.Status)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.config = cfg
	w.fetchedAt = w.s.settings.clock.Now()
	w.stale = false
	if w.balancer == nil {
		w.balancer = loadbalancer.New(endpoints, loadbalancer.WithClock(w.s.settings.clock))
	} else {
		w.balancer.Update(endpoints)
	}
	w.s.logger.V(logging.VERBOSE).Info("Pop config resolved", "status", string(cfg.Status), "backends", len(endpoints))
	return w.balancer, nil
}

// provision resolves the worker serving transient pops and creates a pipeline on it.
func (w *WorkerEndpoint) provision(ctx context.Context) error {
	lb, err := w.refresh(ctx)
	if err != nil {
		return err
	}
	worker := lb.Next(0)
	client, err := w.s.requester()
	if err != nil {
		return err
	}
	body, err := requestretry.JSONBody(v1.CreatePipelineRequest{
		Pop:    w.pop,
		Source: v1.PipelineSource{SourceType: v1.SourceTypeNone},
	})
	if err != nil {
		return err
	}
	created := &v1.CreatePipelineResponse{}
	if err := client.DoJSON(ctx, &requestretry.Request{
		Method:      http.MethodPost,
		URL:         strings.TrimSuffix(worker.BaseURL, "/") + "/pipelines",
		Body:        body,
		ContentType: jobs.MediaTypeJSON,
		Operation:   "create_pipeline",
		Timeout:     w.s.options.RequestTimeout.Duration,
	}, created); err != nil {
		return fmt.Errorf("failed to create transient pipeline: %w", err)
	}
	if created.ID == "" {
		return &apierror.ProtocolError{Operation: "create_pipeline", StatusCode: http.StatusOK, Detail: "missing pipeline id"}
	}

	endpoint := v1.PopEndpoint{BaseURL: worker.BaseURL, PipelineID: created.ID}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.config = &v1.PopConfig{BaseURL: endpoint.BaseURL, PipelineID: endpoint.PipelineID, Status: v1.PopStatusRunning}
	w.balancer = loadbalancer.New([]v1.PopEndpoint{endpoint}, loadbalancer.WithClock(w.s.settings.clock))
	w.transient = &loadbalancer.Entry{BaseURL: endpoint.BaseURL, PipelineID: endpoint.PipelineID}
	w.s.logger.V(logging.DEFAULT).Info("Transient pipeline created", "pipeline", created.ID, "worker", worker.BaseURL)
	return nil
}

// teardown deletes the transient pipeline. Failures are logged only.
func (w *WorkerEndpoint) teardown(ctx context.Context) error {
	w.mu.Lock()
	transient := w.transient
	w.mu.Unlock()
	if transient == nil {
		return nil
	}
	client, err := w.s.requester()
	if err != nil {
		return nil
	}
	resp, err := client.Do(ctx, &requestretry.Request{
		Method:    http.MethodDelete,
		URL:       transient.PipelineURL(),
		Operation: "delete_pipeline",
		Timeout:   w.s.options.RequestTimeout.Duration,
		Handlers:  map[int]requestretry.Handler{http.StatusNotFound: nil},
	})
	if err != nil {
		w.s.logger.Info("Failed to delete transient pipeline", "pipeline", transient.PipelineID, "error", err.Error())
		return nil
	}
	_ = requestretry.DecodeJSON(resp, nil)
	return nil
}

// balancerFor returns the load balancer, refreshing the config first when forced, invalidated
// or older than ForceRefreshInterval. Transient pipelines are never re-resolved.
func (w *WorkerEndpoint) balancerFor(ctx context.Context, force bool) (*loadbalancer.LoadBalancer, error) {
	w.mu.Lock()
	lb := w.balancer
	expired := w.stale || (w.s.options.ForceRefreshInterval.Duration > 0 &&
		w.s.settings.clock.Since(w.fetchedAt) >= w.s.options.ForceRefreshInterval.Duration)
	transient := w.transient != nil
	w.mu.Unlock()

	if lb == nil {
		return nil, apierror.ErrNotConnected
	}
	if transient || !(force || expired) {
		return lb, nil
	}
	return w.refresh(ctx)
}

// jobRequest returns a request whose target is picked by the load balancer on every attempt.
// Backends that fail at the transport level or with 404 start their cool-down; server errors
// are left to the backoff handler. When a retry finds every backend cooling down, even after a
// forced refresh, it goes back to the backend of the previous attempt.
func (w *WorkerEndpoint) jobRequest(operation string) requestretry.Request {
	var (
		lb    *loadbalancer.LoadBalancer
		entry *loadbalancer.Entry
	)
	retryAfter := w.s.options.LoadBalancerRetryAfter.Duration
	return requestretry.Request{
		Operation: operation,
		Timeout:   w.s.options.RequestTimeout.Duration,
		Target: func(ctx context.Context) (string, error) {
			previous := entry
			var err error
			if lb, err = w.balancerFor(ctx, false); err != nil {
				return "", err
			}
			if entry = lb.Next(retryAfter); entry == nil {
				w.s.logger.V(logging.VERBOSE).Info("No healthy backend, forcing a config refresh")
				if lb, err = w.balancerFor(ctx, true); err != nil {
					return "", err
				}
				entry = lb.Next(retryAfter)
			}
			if entry == nil && previous != nil {
				w.s.logger.V(logging.VERBOSE).Info("No healthy backend, retrying the previous one",
					"backend", previous.PipelineURL())
				entry = previous
			}
			if entry == nil {
				metrics.RecordLoadBalancerExhausted(w.popID)
				return "", &apierror.NotReachableError{Target: "pop " + w.popID, Backends: lb.Snapshot()}
			}
			return entry.SourceURL() + sourceQuery, nil
		},
		Observe: func(status int, err error) {
			if lb == nil || entry == nil {
				return
			}
			switch {
			case err == nil:
				lb.MarkSuccess(entry)
			case status == 0 || status == http.StatusNotFound:
				lb.MarkError(entry)
			case status >= http.StatusInternalServerError:
				// Retried with backoff; the cool-down would keep the retry off the backend.
			default:
				lb.MarkSuccess(entry)
			}
		},
	}
}

// requester returns the request client wrapped so that a backend failure left after the
// retries (transport error or persistent 404) is reported as not reachable, with the load
// balancer state attached.
func (w *WorkerEndpoint) requester() (jobs.Requester, error) {
	client, err := w.s.requester()
	if err != nil {
		return nil, err
	}
	return reachability{client: client, w: w}, nil
}

type reachability struct {
	client *requestretry.Client
	w      *WorkerEndpoint
}

func (r reachability) Do(ctx context.Context, req *requestretry.Request) (*http.Response, error) {
	resp, err := r.client.Do(ctx, req)
	if err == nil || errors.Is(err, apierror.ErrNotReachable) || ctx.Err() != nil {
		return resp, err
	}
	var uerr *url.Error
	if !apierror.IsStatus(err, http.StatusNotFound) && !errors.As(err, &uerr) {
		return resp, err
	}
	r.w.mu.Lock()
	lb := r.w.balancer
	r.w.mu.Unlock()
	nerr := &apierror.NotReachableError{Target: "pop " + r.w.popID, Cause: err}
	if lb != nil {
		nerr.Backends = lb.Snapshot()
	}
	return nil, nerr
}

// Upload sends the file at path to the pop and streams its predictions. An empty mimeType is
// derived from the file extension.
func (w *WorkerEndpoint) Upload(ctx context.Context, path, mimeType string, opts ...jobs.Option) (*jobs.Job, error) {
	client, err := w.requester()
	if err != nil {
		return nil, err
	}
	return w.s.submit(ctx, jobs.UploadFile(client, w.jobRequest(string(jobs.KindUploadFile)), path, mimeType, w.s.jobOptions(opts)...))
}

// UploadStream sends the bytes of stream to the pop. The upload is not retried.
func (w *WorkerEndpoint) UploadStream(ctx context.Context, stream io.Reader, mimeType string, opts ...jobs.Option) (*jobs.Job, error) {
	client, err := w.requester()
	if err != nil {
		return nil, err
	}
	return w.s.submit(ctx, jobs.UploadStream(client, w.jobRequest(string(jobs.KindUploadStream)), stream, mimeType, w.s.jobOptions(opts)...))
}

// LoadFrom makes the pop read remote media at mediaURL.
func (w *WorkerEndpoint) LoadFrom(ctx context.Context, mediaURL string, params json.RawMessage, opts ...jobs.Option) (*jobs.Job, error) {
	client, err := w.requester()
	if err != nil {
		return nil, err
	}
	return w.s.submit(ctx, jobs.LoadFromURL(client, w.jobRequest(string(jobs.KindLoadFromURL)), mediaURL, params, w.s.jobOptions(opts)...))
}

// LoadAsset makes the pop read a stored asset.
func (w *WorkerEndpoint) LoadAsset(ctx context.Context, assetUUID string, params json.RawMessage, opts ...jobs.Option) (*jobs.Job, error) {
	client, err := w.requester()
	if err != nil {
		return nil, err
	}
	return w.s.submit(ctx, jobs.LoadAsset(client, w.jobRequest(string(jobs.KindLoadAsset)), assetUUID, params, w.s.jobOptions(opts)...))
}

// popURL addresses the pop definition: the pipeline itself for a transient pop, the named pop on
// the API otherwise.
func (w *WorkerEndpoint) popURL() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.config == nil {
		return "", apierror.ErrNotConnected
	}
	if w.transient != nil {
		return w.transient.PipelineURL() + "/pop", nil
	}
	return strings.TrimSuffix(w.s.options.URL, "/") + "/pops/" + url.PathEscape(w.popID), nil
}

// GetPop returns the pop definition.
func (w *WorkerEndpoint) GetPop(ctx context.Context) (json.RawMessage, error) {
	u, err := w.popURL()
	if err != nil {
		return nil, err
	}
	var pop json.RawMessage
	if err := w.s.doJSON(ctx, &requestretry.Request{Method: http.MethodGet, URL: u, Operation: "get_pop"}, &pop); err != nil {
		return nil, err
	}
	return pop, nil
}

// SetPop replaces the pop definition and marks the cached config stale, since the change may
// move the pop to other backends.
func (w *WorkerEndpoint) SetPop(ctx context.Context, pop json.RawMessage) error {
	u, err := w.popURL()
	if err != nil {
		return err
	}
	if err := w.s.doJSON(ctx, &requestretry.Request{
		Method:      http.MethodPut,
		URL:         u,
		Body:        requestretry.BytesBody(pop),
		ContentType: jobs.MediaTypeJSON,
		Operation:   "set_pop",
	}, nil); err != nil {
		return err
	}
	w.invalidate()
	return nil
}
