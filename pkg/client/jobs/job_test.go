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
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	v1 "github.com/popvision/popvision-go/api/v1"
	"github.com/popvision/popvision-go/internal/telemetry/logging"
	"github.com/popvision/popvision-go/pkg/client/apierror"
	"github.com/popvision/popvision-go/pkg/client/requestretry"
)

type requesterFunc func(ctx context.Context, req *requestretry.Request) (*http.Response, error)

func (f requesterFunc) Do(ctx context.Context, req *requestretry.Request) (*http.Response, error) {
	return f(ctx, req)
}

func respond(status int, body io.Reader) *http.Response {
	return &http.Response{StatusCode: status, Body: io.NopCloser(body), Header: http.Header{}}
}

func staticBody(body string) Requester {
	return requesterFunc(func(context.Context, *requestretry.Request) (*http.Response, error) {
		return respond(http.StatusOK, strings.NewReader(body)), nil
	})
}

func run(t *testing.T, j *Job) {
	t.Helper()
	j.Run(context.Background(), func() {})
}

func drain(t *testing.T, j *Job) []string {
	t.Helper()
	var got []string
	require.NoError(t, j.Each(context.Background(), func(p v1.Prediction) error {
		got = append(got, string(p))
		return nil
	}))
	return got
}

func TestStreamedResults(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{
			name: "two lines",
			body: "{\"a\":1}\n{\"a\":2}\n",
			want: []string{`{"a":1}`, `{"a":2}`},
		},
		{
			name: "single document",
			body: `{"asset":"x"}`,
			want: []string{`{"asset":"x"}`},
		},
		{
			name: "empty body",
			body: "",
			want: nil,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			j := LoadFromURL(staticBody(test.body), requestretry.Request{URL: "http://worker"}, "http://media/cat.jpg", nil)
			require.Equal(t, Created, j.State())
			run(t, j)

			require.Equal(t, test.want, drain(t, j))
			require.Equal(t, Drained, j.State())

			p, err := j.Predict(context.Background())
			require.NoError(t, err)
			require.Nil(t, p)
		})
	}
}

func TestPredictReturnsNilAfterLastResult(t *testing.T) {
	j := LoadFromURL(staticBody("{\"a\":1}\n{\"a\":2}\n"), requestretry.Request{URL: "http://worker"}, "http://media", nil)
	run(t, j)
	ctx := context.Background()

	first, err := j.Predict(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(first))
	second, err := j.Predict(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"a":2}`, string(second))
	end, err := j.Predict(ctx)
	require.NoError(t, err)
	require.Nil(t, end)
}

func TestCancelMidStream(t *testing.T) {
	pr, pw := io.Pipe()
	requester := requesterFunc(func(ctx context.Context, _ *requestretry.Request) (*http.Response, error) {
		go func() {
			<-ctx.Done()
			pw.CloseWithError(ctx.Err())
		}()
		return respond(http.StatusOK, pr), nil
	})
	j := UploadStream(requester, requestretry.Request{URL: "http://worker"}, strings.NewReader("frame"), "image/jpeg")
	run(t, j)

	go func() {
		_, _ = io.WriteString(pw, "{\"frame\":1}\n")
	}()
	ctx := context.Background()
	p, err := j.Predict(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"frame":1}`, string(p))
	require.Equal(t, InProgress, j.State())

	j.Cancel()
	for i := 0; i < 3; i++ {
		p, err = j.Predict(ctx)
		require.NoError(t, err)
		require.Nil(t, p)
	}
	require.NoError(t, j.Wait(ctx))
	require.Equal(t, Finished, j.State())
}

func TestCancelBeforeRun(t *testing.T) {
	j := New(KindInfer, func(ctx context.Context, _ Emitter) error {
		<-ctx.Done()
		return ctx.Err()
	})
	j.Cancel()
	run(t, j)
	require.NoError(t, j.Wait(context.Background()))
	p, err := j.Predict(context.Background())
	require.NoError(t, err)
	require.Nil(t, p)
}

func TestFailureIsDeliveredThroughQueue(t *testing.T) {
	failure := &apierror.HTTPError{StatusCode: http.StatusBadRequest}
	requester := requesterFunc(func(context.Context, *requestretry.Request) (*http.Response, error) {
		return nil, failure
	})
	j := LoadAsset(requester, requestretry.Request{URL: "http://worker"}, "asset-1", nil)
	run(t, j)

	ctx := context.Background()
	_, err := j.Predict(ctx)
	require.ErrorIs(t, err, failure)
	require.Equal(t, Drained, j.State())
	require.ErrorIs(t, j.Wait(ctx), failure)

	p, err := j.Predict(ctx)
	require.NoError(t, err, "the failure is reported once")
	require.Nil(t, p)
}

func TestMalformedStreamFails(t *testing.T) {
	j := LoadFromURL(staticBody("{\"a\":1}\nnot-json\n"), requestretry.Request{URL: "http://worker"}, "http://media", nil)
	run(t, j)

	ctx := context.Background()
	p, err := j.Predict(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(p))
	_, err = j.Predict(ctx)
	require.ErrorContains(t, err, "failed to decode result")
	require.Equal(t, Drained, j.State())
}

func TestTimeout(t *testing.T) {
	j := New(KindInfer, func(ctx context.Context, _ Emitter) error {
		<-ctx.Done()
		return ctx.Err()
	}, WithTimeout(10*time.Millisecond))
	run(t, j)

	err := j.Wait(context.Background())
	require.ErrorIs(t, err, apierror.ErrJobTimeout)
	require.Equal(t, Failed, j.State())
}

func TestCallbacks(t *testing.T) {
	ready := make(chan *Job, 1)
	summaries := make(chan Summary, 1)
	j := ImportAsset(staticBody(`{"uuid":"a1"}`), requestretry.Request{URL: "http://data/assets"}, map[string]string{"url": "http://media"},
		WithOnReady(func(j *Job) { ready <- j }),
		WithMetricsCallback(func(s Summary) { summaries <- s }),
		WithLogger(logging.NewTestLogger()))
	run(t, j)

	select {
	case got := <-ready:
		require.Equal(t, j.ID(), got.ID())
	case <-time.After(5 * time.Second):
		t.Fatal("on-ready callback was not invoked")
	}
	require.Equal(t, []string{`{"uuid":"a1"}`}, drain(t, j))

	s := <-summaries
	require.Equal(t, KindImportAsset, s.Kind)
	require.Equal(t, Finished, s.State)
	require.Equal(t, 1, s.Results)
	require.NoError(t, s.Err)
	require.True(t, HasOnReady(WithOnReady(func(*Job) {})))
	require.False(t, HasOnReady(WithTimeout(time.Second)))
	require.Equal(t, time.Second, TimeoutOf(WithOnReady(func(*Job) {}), WithTimeout(time.Second)))
}

func TestEachStopsOnCallbackError(t *testing.T) {
	j := LoadFromURL(staticBody("{\"a\":1}\n{\"a\":2}\n"), requestretry.Request{URL: "http://worker"}, "http://media", nil)
	run(t, j)
	stop := errors.New("stop")
	calls := 0
	err := j.Each(context.Background(), func(v1.Prediction) error {
		calls++
		return stop
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, 1, calls)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "IN_PROGRESS", InProgress.String())
	require.Equal(t, "DRAINED", Drained.String())
	require.Equal(t, "State(42)", State(42).String())
}
