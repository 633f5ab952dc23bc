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
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	v1 "github.com/popvision/popvision-go/api/v1"
	"github.com/popvision/popvision-go/internal/telemetry/logging"
	"github.com/popvision/popvision-go/pkg/client/apierror"
	"github.com/popvision/popvision-go/pkg/client/config"
	"github.com/popvision/popvision-go/pkg/client/endpoint"
	"github.com/popvision/popvision-go/pkg/client/jobs"
	"github.com/popvision/popvision-go/pkg/client/telemetry"
)

// newPopServer serves a pop config pointing back at itself and streams two predictions for
// every source request.
func newPopServer(t *testing.T) *httptest.Server {
	t.Helper()
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/pops/") && strings.HasSuffix(r.URL.Path, "/config"):
			_ = json.NewEncoder(w).Encode(v1.PopConfig{
				Endpoints: []v1.PopEndpoint{{BaseURL: server.URL, PipelineID: "p1"}},
			})
		case r.URL.Path == "/pipelines/p1/source":
			w.Header().Set("Content-Type", jobs.MediaTypeJSONL)
			_, _ = io.WriteString(w, "{\"n\":1}\n{\"n\":2}\n")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newSyncWorker(t *testing.T, url string) *SyncWorkerEndpoint {
	t.Helper()
	opts := config.Default()
	opts.URL = url
	opts.PopID = "pop-1"
	return NewSyncWorkerEndpoint(opts, nil, logging.NewTestLogger(),
		endpoint.WithTelemetry(&telemetry.Config{Disabled: true}))
}

func TestSyncWorkerLoadFrom(t *testing.T) {
	server := newPopServer(t)
	w := newSyncWorker(t, server.URL)

	_, err := w.LoadFrom("http://media/a.mp4", nil)
	require.ErrorIs(t, err, apierror.ErrNotConnected)

	require.NoError(t, w.Connect())
	require.Equal(t, endpoint.Connected, w.State())

	j, err := w.LoadFrom("http://media/a.mp4", nil)
	require.NoError(t, err)
	first, err := j.Predict()
	require.NoError(t, err)
	require.JSONEq(t, `{"n":1}`, string(first))
	rest, err := j.Results()
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.JSONEq(t, `{"n":2}`, string(rest[0]))
	require.Equal(t, jobs.Drained, j.State())

	require.NoError(t, w.Disconnect(time.Second))
	require.Equal(t, endpoint.Disconnected, w.State())
	_, err = w.GetPop()
	require.ErrorIs(t, err, apierror.ErrNotConnected)
}

func TestSyncWorkerRejectsOnReady(t *testing.T) {
	server := newPopServer(t)
	w := newSyncWorker(t, server.URL)
	require.NoError(t, w.Connect())
	defer func() { _ = w.Disconnect(time.Second) }()

	_, err := w.LoadFrom("http://media/a.mp4", nil, jobs.WithOnReady(func(*jobs.Job) {}))
	require.ErrorIs(t, err, apierror.ErrCallbackUnsupported)
}

func TestSyncWorkerConnectFailure(t *testing.T) {
	server := newPopServer(t)
	opts := config.Default()
	opts.URL = server.URL
	w := NewSyncWorkerEndpoint(opts, nil, logging.NewTestLogger(),
		endpoint.WithTelemetry(&telemetry.Config{Disabled: true}))

	require.Error(t, w.Connect(), "a pop id is required")
	_, err := w.current()
	require.ErrorIs(t, err, apierror.ErrNotConnected)
}
