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

package requestretry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/popvision/popvision-go/internal/telemetry/logging"
	"github.com/popvision/popvision-go/pkg/client/apierror"
)

// fakeTokens hands out "token-<generation>" and bumps the generation on Invalidate.
type fakeTokens struct {
	generation  atomic.Int32
	invalidated atomic.Int32
}

func (f *fakeTokens) BearerToken(context.Context) (string, error) {
	return fmt.Sprintf("token-%d", f.generation.Load()), nil
}

func (f *fakeTokens) Invalidate() {
	f.invalidated.Add(1)
	f.generation.Add(1)
}

// recordingSleeper records requested delays without sleeping.
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return ctx.Err()
}

// scriptedServer replies with the given statuses in order, then 200.
func scriptedServer(t *testing.T, statuses ...int) (*httptest.Server, *[]string) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls int
		auths []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		i := calls
		calls++
		auths = append(auths, r.Header.Get("Authorization"))
		mu.Unlock()
		if i < len(statuses) {
			http.Error(w, "scripted failure", statuses[i])
			return
		}
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	t.Cleanup(server.Close)
	return server, &auths
}

func newTestClient(server *httptest.Server, tokens *fakeTokens, sleeper *recordingSleeper, opts ...Option) *Client {
	opts = append([]Option{WithHandlers(StandardHandlers(tokens.Invalidate, sleeper.sleep))}, opts...)
	return NewClient(server.Client(), tokens, logging.NewTestLogger(), opts...)
}

func TestDoRetriesUnauthorizedOnce(t *testing.T) {
	tests := []struct {
		name            string
		statuses        []int
		wantErrStatus   int
		wantAuths       []string
		wantInvalidates int32
	}{
		{
			name:            "single 401 is recovered transparently",
			statuses:        []int{http.StatusUnauthorized},
			wantAuths:       []string{"Bearer token-0", "Bearer token-1"},
			wantInvalidates: 1,
		},
		{
			name:            "two consecutive 401s are fatal",
			statuses:        []int{http.StatusUnauthorized, http.StatusUnauthorized},
			wantErrStatus:   http.StatusUnauthorized,
			wantAuths:       []string{"Bearer token-0", "Bearer token-1"},
			wantInvalidates: 1,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			server, auths := scriptedServer(t, test.statuses...)
			tokens := &fakeTokens{}
			client := newTestClient(server, tokens, &recordingSleeper{})

			var out map[string]bool
			err := client.DoJSON(context.Background(), &Request{Method: http.MethodGet, URL: server.URL}, &out)
			if test.wantErrStatus != 0 {
				require.Error(t, err)
				require.True(t, apierror.IsStatus(err, test.wantErrStatus), "got %v", err)
			} else {
				require.NoError(t, err)
				require.True(t, out["ok"])
			}
			if diff := cmp.Diff(test.wantAuths, *auths); diff != "" {
				t.Errorf("Unexpected authorization headers (-want +got): %s", diff)
			}
			require.Equal(t, test.wantInvalidates, tokens.invalidated.Load())
		})
	}
}

func TestDoBacksOffOnServerErrors(t *testing.T) {
	tests := []struct {
		name       string
		statuses   []int
		wantErr    bool
		wantDelays []time.Duration
	}{
		{
			name:       "recovers after three failures",
			statuses:   []int{http.StatusServiceUnavailable, http.StatusServiceUnavailable, http.StatusServiceUnavailable},
			wantDelays: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		},
		{
			name:       "fourth failure surfaces",
			statuses:   []int{http.StatusBadGateway, http.StatusBadGateway, http.StatusBadGateway, http.StatusBadGateway},
			wantErr:    true,
			wantDelays: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		},
		{
			name:       "mixed server errors share one retry budget",
			statuses:   []int{http.StatusInternalServerError, http.StatusServiceUnavailable, http.StatusInternalServerError, http.StatusServiceUnavailable},
			wantErr:    true,
			wantDelays: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		},
		{
			name:       "client errors are not retried",
			statuses:   []int{http.StatusBadRequest},
			wantErr:    true,
			wantDelays: nil,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			server, _ := scriptedServer(t, test.statuses...)
			sleeper := &recordingSleeper{}
			client := newTestClient(server, &fakeTokens{}, sleeper)

			resp, err := client.Do(context.Background(), &Request{Method: http.MethodGet, URL: server.URL})
			if test.wantErr {
				require.Error(t, err)
				require.Equal(t, test.statuses[len(test.statuses)-1], apierror.StatusCode(err))
			} else {
				require.NoError(t, err)
				_ = resp.Body.Close()
			}
			if diff := cmp.Diff(test.wantDelays, sleeper.delays); diff != "" {
				t.Errorf("Unexpected backoff delays (-want +got): %s", diff)
			}
		})
	}
}

func TestDoTreatsTransportFailureAsNotFound(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()
	live, _ := scriptedServer(t)

	var invalidations atomic.Int32
	target := deadURL
	client := NewClient(live.Client(), nil, logging.NewTestLogger(),
		WithHandler(http.StatusNotFound, InvalidateOnce(func() {
			invalidations.Add(1)
			target = live.URL
		})))

	var statuses []int
	resp, err := client.Do(context.Background(), &Request{
		Method: http.MethodGet,
		Target: func(context.Context) (string, error) { return target, nil },
		Observe: func(status int, _ error) {
			statuses = append(statuses, status)
		},
	})
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.EqualValues(t, 1, invalidations.Load())
	require.Equal(t, []int{0, http.StatusOK}, statuses)
}

func TestDoWithoutHandlerFailsImmediately(t *testing.T) {
	server, auths := scriptedServer(t, http.StatusNotFound)
	client := NewClient(server.Client(), nil, logging.NewTestLogger())

	_, err := client.Do(context.Background(), &Request{Method: http.MethodGet, URL: server.URL})
	require.True(t, apierror.IsStatus(err, http.StatusNotFound))
	require.Len(t, *auths, 1)
	require.Empty(t, (*auths)[0], "no provider means no authorization header")
}

func TestDoNoRetryKeepsOriginalError(t *testing.T) {
	server, auths := scriptedServer(t, http.StatusServiceUnavailable)
	sleeper := &recordingSleeper{}
	client := newTestClient(server, &fakeTokens{}, sleeper)

	_, err := client.Do(context.Background(), &Request{
		Method:  http.MethodPost,
		URL:     server.URL,
		Body:    OneShotBody(strings.NewReader("frame")),
		NoRetry: true,
	})
	require.True(t, apierror.IsStatus(err, http.StatusServiceUnavailable))
	require.Len(t, *auths, 1)
	require.Empty(t, sleeper.delays)
}

func TestOneShotBody(t *testing.T) {
	body := OneShotBody(strings.NewReader("x"))
	r, err := body()
	require.NoError(t, err)
	require.NotNil(t, r)
	_, err = body()
	require.ErrorIs(t, err, apierror.ErrBodyNotReplayable)
}

func TestObserverSeesEveryAttempt(t *testing.T) {
	server, _ := scriptedServer(t, http.StatusInternalServerError)
	var attempts []Attempt
	client := newTestClient(server, &fakeTokens{}, &recordingSleeper{}, WithObserver(func(a Attempt) {
		attempts = append(attempts, a)
	}))

	resp, err := client.Do(context.Background(), &Request{Method: http.MethodGet, URL: server.URL, Operation: "probe"})
	require.NoError(t, err)
	_ = resp.Body.Close()

	require.Len(t, attempts, 2)
	require.Equal(t, http.StatusInternalServerError, attempts[0].Status)
	require.True(t, attempts[0].Retried)
	require.Equal(t, 1, attempts[0].Number)
	require.Equal(t, http.StatusOK, attempts[1].Status)
	require.Equal(t, "probe", attempts[1].Operation)
	require.Equal(t, strings.TrimPrefix(server.URL, "http://"), attempts[1].Host)

	attempts = nil
	resp, err = client.Do(context.Background(), &Request{Method: http.MethodGet, URL: server.URL, SkipObserver: true})
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Empty(t, attempts)
}
