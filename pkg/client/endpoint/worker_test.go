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
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	v1 "github.com/popvision/popvision-go/api/v1"
	"github.com/popvision/popvision-go/internal/telemetry/logging"
	"github.com/popvision/popvision-go/pkg/client/apierror"
	"github.com/popvision/popvision-go/pkg/client/config"
	"github.com/popvision/popvision-go/pkg/client/jobs"
	"github.com/popvision/popvision-go/pkg/client/telemetry"
)

const waitTimeout = 5 * time.Second

// fakeAPI serves authentication, pop config and telemetry. Every other request goes to backend,
// so the same server also plays the worker.
type fakeAPI struct {
	server  *httptest.Server
	tokens  atomic.Int32
	configs atomic.Int32

	mu        sync.Mutex
	requests  []string
	popConfig v1.PopConfig
	backend   http.HandlerFunc
	telemetry []string
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{}
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.server.Close)
	f.setPopConfig(v1.PopConfig{Endpoints: []v1.PopEndpoint{{BaseURL: f.server.URL, PipelineID: "p1"}}})
	return f
}

func (f *fakeAPI) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests = append(f.requests, r.Method+" "+r.URL.RequestURI())
	cfg, backend := f.popConfig, f.backend
	f.mu.Unlock()

	switch {
	case r.URL.Path == "/authentication/token":
		n := f.tokens.Add(1)
		_ = json.NewEncoder(w).Encode(v1.AccessToken{AccessToken: fmt.Sprintf("tok-%d", n), ExpiresIn: 3600})
	case strings.HasPrefix(r.URL.Path, "/pops/") && strings.HasSuffix(r.URL.Path, "/config"):
		f.configs.Add(1)
		_ = json.NewEncoder(w).Encode(cfg)
	case r.URL.Path == "/events" && r.Method == http.MethodPost:
		data, _ := io.ReadAll(r.Body)
		batch, err := telemetry.DecodeBatch(data)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		for _, rec := range batch.Records {
			f.telemetry = append(f.telemetry, rec.Operation)
		}
		f.mu.Unlock()
	case backend != nil:
		backend(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeAPI) setBackend(h http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backend = h
}

func (f *fakeAPI) setPopConfig(cfg v1.PopConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.popConfig = cfg
}

func (f *fakeAPI) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func jsonl(lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", jobs.MediaTypeJSONL)
		for _, l := range lines {
			_, _ = io.WriteString(w, l+"\n")
		}
	}
}

func testOptions(url string) *config.Options {
	opts := config.Default()
	opts.URL = url
	opts.PopID = "pop-1"
	opts.AccountUUID = "acct-1"
	opts.PollInterval.Duration = time.Millisecond
	return opts
}

func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func newWorker(t *testing.T, opts *config.Options, extra ...Option) *WorkerEndpoint {
	t.Helper()
	base := []Option{WithTelemetry(&telemetry.Config{Disabled: true}), withSleeper(noSleep)}
	w := NewWorkerEndpoint(opts, json.RawMessage(`{"nodes":[]}`), logging.NewTestLogger(), append(base, extra...)...)
	t.Cleanup(func() { _ = w.Disconnect(context.Background(), time.Second) })
	return w
}

func results(t *testing.T, j *jobs.Job) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	var got []string
	require.NoError(t, j.Each(ctx, func(p v1.Prediction) error {
		got = append(got, string(p))
		return nil
	}))
	return got
}

func TestWorkerLoadFrom(t *testing.T) {
	api := newFakeAPI(t)
	api.setBackend(jsonl(`{"a":1}`, `{"a":2}`))
	w := newWorker(t, testOptions(api.server.URL),
		WithTelemetry(&telemetry.Config{FlushInterval: time.Hour, MaxBufferSize: 100, Client: "test"}))
	ctx := context.Background()

	require.Equal(t, Disconnected, w.State())
	require.NoError(t, w.Connect(ctx))
	require.Equal(t, Connected, w.State())
	require.Equal(t, "p1", w.Config().Endpoints[0].PipelineID)

	j, err := w.LoadFrom(ctx, "http://media/cat.mp4", nil)
	require.NoError(t, err)
	require.Equal(t, []string{`{"a":1}`, `{"a":2}`}, results(t, j))

	require.NoError(t, w.Disconnect(ctx, time.Second))
	require.Equal(t, Disconnected, w.State())
	require.Subset(t, api.seen(), []string{
		"GET /pops/pop-1/config?auto_start=true",
		"PATCH /pipelines/p1/source?mode=queue&processing=sync",
		"POST /events",
	})
	api.mu.Lock()
	defer api.mu.Unlock()
	require.Subset(t, api.telemetry, []string{"pop_config", string(jobs.KindLoadFromURL)})
}

func TestWorkerRefreshesTokenOnUnauthorized(t *testing.T) {
	tests := []struct {
		name          string
		rejectedFirst int32
		wantErr       bool
	}{
		{name: "single 401 is recovered", rejectedFirst: 1},
		{name: "two 401s surface", rejectedFirst: 2, wantErr: true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			api := newFakeAPI(t)
			var sourceCalls atomic.Int32
			var auths sync.Map
			api.setBackend(func(rw http.ResponseWriter, r *http.Request) {
				n := sourceCalls.Add(1)
				auths.Store(n, r.Header.Get("Authorization"))
				if n <= test.rejectedFirst {
					http.Error(rw, "expired", http.StatusUnauthorized)
					return
				}
				jsonl(`{"ok":true}`)(rw, r)
			})
			opts := testOptions(api.server.URL)
			opts.SecretKey = "secret"
			w := newWorker(t, opts)
			ctx := context.Background()
			require.NoError(t, w.Connect(ctx))

			j, err := w.LoadFrom(ctx, "http://media/cat.mp4", nil)
			require.NoError(t, err)
			if test.wantErr {
				_, err := j.Predict(ctx)
				require.True(t, apierror.IsStatus(err, http.StatusUnauthorized), "got %v", err)
				return
			}
			require.Equal(t, []string{`{"ok":true}`}, results(t, j))
			first, _ := auths.Load(int32(1))
			second, _ := auths.Load(int32(2))
			require.Equal(t, "Bearer tok-1", first)
			require.Equal(t, "Bearer tok-2", second)
		})
	}
}

func TestWorkerFailsOverToHealthyBackend(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	api := newFakeAPI(t)
	api.setBackend(jsonl(`{"from":"live"}`))
	api.setPopConfig(v1.PopConfig{Endpoints: []v1.PopEndpoint{
		{BaseURL: dead.URL, PipelineID: "dead"},
		{BaseURL: api.server.URL, PipelineID: "live"},
	}})
	w := newWorker(t, testOptions(api.server.URL))
	ctx := context.Background()
	require.NoError(t, w.Connect(ctx))

	j, err := w.LoadFrom(ctx, "http://media/cat.mp4", nil)
	require.NoError(t, err)
	require.Equal(t, []string{`{"from":"live"}`}, results(t, j))
	require.EqualValues(t, 2, api.configs.Load(), "the transport failure forces one config refresh")
	require.Contains(t, api.seen(), "PATCH /pipelines/live/source?mode=queue&processing=sync")
}

func TestWorkerNotReachable(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	api := newFakeAPI(t)
	api.setPopConfig(v1.PopConfig{BaseURL: dead.URL, PipelineID: "p1"})
	w := newWorker(t, testOptions(api.server.URL))
	ctx := context.Background()
	require.NoError(t, w.Connect(ctx))

	j, err := w.LoadFrom(ctx, "http://media/cat.mp4", nil)
	require.NoError(t, err)
	_, err = j.Predict(ctx)
	require.ErrorIs(t, err, apierror.ErrNotReachable)
	var nerr *apierror.NotReachableError
	require.ErrorAs(t, err, &nerr)
	require.Len(t, nerr.Backends, 1)
	require.False(t, nerr.Backends[0].LastError.IsZero())
	var uerr *url.Error
	require.ErrorAs(t, err, &uerr, "the transport failure of the last attempt is kept")

	// The backend is still cooling down, so the next job is refused without a request.
	j, err = w.LoadFrom(ctx, "http://media/cat.mp4", nil)
	require.NoError(t, err)
	_, err = j.Predict(ctx)
	require.ErrorAs(t, err, &nerr)
	require.Nil(t, nerr.Cause)
	require.Contains(t, err.Error(), "no healthy backend")
}

// countingBackend answers the first len(statuses) source requests with those statuses and the
// rest with a prediction.
func countingBackend(calls *atomic.Int32, statuses ...int) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1))
		if n <= len(statuses) {
			http.Error(rw, "backend failure", statuses[n-1])
			return
		}
		jsonl(`{"ok":true}`)(rw, r)
	}
}

func TestWorkerRetriesSingleBackend(t *testing.T) {
	tests := []struct {
		name       string
		statuses   []int
		wantCalls  int32
		wantStatus int
	}{
		{
			name:      "server error then success",
			statuses:  []int{http.StatusServiceUnavailable},
			wantCalls: 2,
		},
		{
			name:      "server errors up to the retry limit",
			statuses:  []int{http.StatusInternalServerError, http.StatusBadGateway, http.StatusGatewayTimeout},
			wantCalls: 4,
		},
		{
			name:       "server errors past the retry limit",
			statuses:   []int{503, 503, 503, 503, 503},
			wantCalls:  4,
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:      "stale backend retried once",
			statuses:  []int{http.StatusNotFound},
			wantCalls: 2,
		},
		{
			name:       "persistent not found",
			statuses:   []int{http.StatusNotFound, http.StatusNotFound},
			wantCalls:  2,
			wantStatus: http.StatusNotFound,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			api := newFakeAPI(t)
			var calls atomic.Int32
			api.setBackend(countingBackend(&calls, test.statuses...))
			w := newWorker(t, testOptions(api.server.URL))
			ctx := context.Background()
			require.NoError(t, w.Connect(ctx))

			j, err := w.LoadFrom(ctx, "http://media/cat.mp4", nil)
			require.NoError(t, err)
			if test.wantStatus == 0 {
				require.Equal(t, []string{`{"ok":true}`}, results(t, j))
			} else {
				_, err := j.Predict(ctx)
				require.True(t, apierror.IsStatus(err, test.wantStatus), "got %v", err)
			}
			require.Equal(t, test.wantCalls, calls.Load())
		})
	}
}

func TestWorkerServerErrorKeepsBackendHealthy(t *testing.T) {
	api := newFakeAPI(t)
	var calls atomic.Int32
	api.setBackend(countingBackend(&calls, 503, 503, 503, 503))
	w := newWorker(t, testOptions(api.server.URL))
	ctx := context.Background()
	require.NoError(t, w.Connect(ctx))

	j, err := w.LoadFrom(ctx, "http://media/cat.mp4", nil)
	require.NoError(t, err)
	_, err = j.Predict(ctx)
	require.True(t, apierror.IsStatus(err, http.StatusServiceUnavailable), "got %v", err)
	require.NotErrorIs(t, err, apierror.ErrNotReachable)

	j, err = w.LoadFrom(ctx, "http://media/cat.mp4", nil)
	require.NoError(t, err)
	require.Equal(t, []string{`{"ok":true}`}, results(t, j))
	require.EqualValues(t, 5, calls.Load())
}

func TestWorkerRefreshesConfigAfterInterval(t *testing.T) {
	api := newFakeAPI(t)
	api.setBackend(jsonl(`{}`))
	clk := testingclock.NewFakeClock(time.Now())
	opts := testOptions(api.server.URL)
	w := newWorker(t, opts, WithClock(clk))
	ctx := context.Background()
	require.NoError(t, w.Connect(ctx))

	submit := func() {
		t.Helper()
		j, err := w.LoadFrom(ctx, "http://media/cat.mp4", nil)
		require.NoError(t, err)
		require.Equal(t, []string{`{}`}, results(t, j))
	}

	submit()
	require.EqualValues(t, 1, api.configs.Load())
	clk.Step(opts.ForceRefreshInterval.Duration - time.Second)
	submit()
	require.EqualValues(t, 1, api.configs.Load(), "the config is still fresh")
	clk.Step(time.Second)
	submit()
	require.EqualValues(t, 2, api.configs.Load(), "an expired config is fetched again")
	submit()
	require.EqualValues(t, 2, api.configs.Load())
}

func TestWorkerBoundsConcurrentJobs(t *testing.T) {
	api := newFakeAPI(t)
	release := make(chan struct{})
	var releaseOnce sync.Once
	unblock := func() { releaseOnce.Do(func() { close(release) }) }
	t.Cleanup(unblock)
	api.setBackend(func(rw http.ResponseWriter, r *http.Request) {
		<-release
		jsonl(`{}`)(rw, r)
	})
	opts := testOptions(api.server.URL)
	opts.JobQueueLength = 2
	w := newWorker(t, opts)
	ctx := context.Background()
	require.NoError(t, w.Connect(ctx))

	var started []*jobs.Job
	for i := 0; i < 2; i++ {
		j, err := w.LoadFrom(ctx, "http://media/cat.mp4", nil)
		require.NoError(t, err, "job %d fits the queue", i)
		started = append(started, j)
	}

	full, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := w.LoadFrom(full, "http://media/cat.mp4", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unblock()
	for _, j := range started {
		require.Equal(t, []string{`{}`}, results(t, j))
	}
	j, err := w.LoadFrom(ctx, "http://media/cat.mp4", nil)
	require.NoError(t, err)
	require.Equal(t, []string{`{}`}, results(t, j))
}

// closeRecorder reports whether the HTTP client of a session was closed.
type closeRecorder struct {
	http.RoundTripper
	closed atomic.Bool
}

func (c *closeRecorder) CloseIdleConnections() {
	c.closed.Store(true)
	if ci, ok := c.RoundTripper.(interface{ CloseIdleConnections() }); ok {
		ci.CloseIdleConnections()
	}
}

func TestDisconnectCancelsHungJobs(t *testing.T) {
	api := newFakeAPI(t)
	api.setBackend(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	transport := &closeRecorder{RoundTripper: http.DefaultTransport.(*http.Transport).Clone()}
	w := newWorker(t, testOptions(api.server.URL), WithHTTPClient(func() *http.Client {
		return &http.Client{Transport: transport}
	}))
	ctx := context.Background()
	require.NoError(t, w.Connect(ctx))

	j, err := w.LoadFrom(ctx, "http://media/stream", nil)
	require.NoError(t, err)

	disconnected := make(chan error, 1)
	go func() { disconnected <- w.Disconnect(ctx, 10*time.Millisecond) }()
	select {
	case err := <-disconnected:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("disconnect hung on an executing job")
	}

	require.True(t, transport.closed.Load())
	require.Equal(t, Disconnected, w.State())
	waitCtx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	require.NoError(t, j.Wait(waitCtx), "a cancelled job ends without error")

	_, err = w.LoadFrom(ctx, "http://media/stream", nil)
	require.ErrorIs(t, err, apierror.ErrNotConnected)
}

func TestTransientPipeline(t *testing.T) {
	api := newFakeAPI(t)
	api.setBackend(func(rw http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/pipelines":
			req := v1.CreatePipelineRequest{}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Source.SourceType != v1.SourceTypeNone {
				http.Error(rw, "bad pipeline request", http.StatusBadRequest)
				return
			}
			_ = json.NewEncoder(rw).Encode(v1.CreatePipelineResponse{ID: "tp-1"})
		case r.Method == http.MethodDelete:
			rw.WriteHeader(http.StatusNoContent)
		case r.URL.Path == "/pipelines/tp-1/pop":
			_, _ = io.WriteString(rw, `{"nodes":[]}`)
		default:
			jsonl(`{"t":1}`)(rw, r)
		}
	})
	api.setPopConfig(v1.PopConfig{BaseURL: api.server.URL, PipelineID: "shared"})
	opts := testOptions(api.server.URL)
	opts.PopID = v1.TransientPopID
	w := newWorker(t, opts)
	ctx := context.Background()
	require.NoError(t, w.Connect(ctx))
	require.Equal(t, "tp-1", w.Config().PipelineID)

	j, err := w.LoadFrom(ctx, "http://media/cat.mp4", nil)
	require.NoError(t, err)
	require.Equal(t, []string{`{"t":1}`}, results(t, j))
	pop, err := w.GetPop(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"nodes":[]}`, string(pop))

	require.NoError(t, w.Disconnect(ctx, time.Second))
	require.Subset(t, api.seen(), []string{
		"GET /pops/transient/config?auto_start=true",
		"POST /pipelines",
		"PATCH /pipelines/tp-1/source?mode=queue&processing=sync",
		"DELETE /pipelines/tp-1",
	})
}

func TestConnectFailureLeavesSessionClosed(t *testing.T) {
	api := newFakeAPI(t)
	api.setPopConfig(v1.PopConfig{Status: v1.PopStatusStopped})
	transport := &closeRecorder{RoundTripper: http.DefaultTransport.(*http.Transport).Clone()}
	w := newWorker(t, testOptions(api.server.URL), WithHTTPClient(func() *http.Client {
		return &http.Client{Transport: transport}
	}))

	err := w.Connect(context.Background())
	require.ErrorContains(t, err, "has no backend")
	require.Equal(t, Disconnected, w.State())
	require.True(t, transport.closed.Load())
	_, err = w.LoadFrom(context.Background(), "http://media/cat.mp4", nil)
	require.ErrorIs(t, err, apierror.ErrNotConnected)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "CONNECTED", Connected.String())
	require.Equal(t, "State(9)", State(9).String())
}
