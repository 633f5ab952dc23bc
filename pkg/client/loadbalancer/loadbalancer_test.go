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

package loadbalancer

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	v1 "github.com/popvision/popvision-go/api/v1"
	"github.com/popvision/popvision-go/pkg/client/apierror"
)

func endpoints(names ...string) []v1.PopEndpoint {
	out := make([]v1.PopEndpoint, 0, len(names))
	for _, n := range names {
		out = append(out, v1.PopEndpoint{BaseURL: "http://" + n, PipelineID: n})
	}
	return out
}

func pick(lb *LoadBalancer, retryAfter time.Duration, calls int) []string {
	var got []string
	for i := 0; i < calls; i++ {
		e := lb.Next(retryAfter)
		if e == nil {
			got = append(got, "<nil>")
			continue
		}
		got = append(got, e.PipelineID)
	}
	return got
}

func TestNext(t *testing.T) {
	tests := []struct {
		name       string
		endpoints  []string
		errored    []int
		retryAfter time.Duration
		advance    time.Duration
		calls      int
		want       []string
	}{
		{
			name:       "round robin over healthy entries",
			endpoints:  []string{"a", "b", "c"},
			retryAfter: time.Minute,
			calls:      4,
			want:       []string{"a", "b", "c", "a"},
		},
		{
			name:       "errored entry is skipped",
			endpoints:  []string{"a", "b", "c"},
			errored:    []int{1},
			retryAfter: time.Second,
			calls:      3,
			want:       []string{"a", "c", "a"},
		},
		{
			name:       "errored entry returns after cool-down",
			endpoints:  []string{"a", "b"},
			errored:    []int{1},
			retryAfter: time.Second,
			advance:    time.Second,
			calls:      3,
			want:       []string{"a", "b", "a"},
		},
		{
			name:       "all entries cooling down",
			endpoints:  []string{"a", "b"},
			errored:    []int{0, 1},
			retryAfter: time.Minute,
			calls:      2,
			want:       []string{"<nil>", "<nil>"},
		},
		{
			name:       "no entries",
			retryAfter: time.Minute,
			calls:      1,
			want:       []string{"<nil>"},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			clk := testingclock.NewFakePassiveClock(time.Now())
			lb := New(endpoints(test.endpoints...), WithClock(clk))
			for _, i := range test.errored {
				lb.MarkError(lb.entries[i])
			}
			clk.SetTime(clk.Now().Add(test.advance))

			if diff := cmp.Diff(test.want, pick(lb, test.retryAfter, test.calls)); diff != "" {
				t.Errorf("Unexpected picks (-want +got): %s", diff)
			}
		})
	}
}

func TestCoolDownWindow(t *testing.T) {
	clk := testingclock.NewFakePassiveClock(time.Now())
	lb := New(endpoints("e1", "e2"), WithClock(clk))
	lb.MarkError(lb.entries[1])

	for i := 0; i < 5; i++ {
		require.Equal(t, "e1", lb.Next(60*time.Second).PipelineID)
		clk.SetTime(clk.Now().Add(10 * time.Second))
	}

	// The cursor sits on e2 since every scan went past it.
	clk.SetTime(clk.Now().Add(10 * time.Second))
	require.Equal(t, []string{"e2", "e1"}, pick(lb, 60*time.Second, 2))

	lb.MarkError(lb.entries[1])
	lb.MarkSuccess(lb.entries[1])
	require.Equal(t, []string{"e2", "e1"}, pick(lb, 60*time.Second, 2))
}

func TestUpdateKeepsCoolDown(t *testing.T) {
	clk := testingclock.NewFakePassiveClock(time.Now())
	lb := New(endpoints("a", "b"), WithClock(clk))
	failed := lb.entries[0]
	lb.MarkError(failed)

	lb.Update(endpoints("a", "b", "c"))
	require.Same(t, failed, lb.entries[0])
	require.Equal(t, []string{"b", "c", "b"}, pick(lb, time.Minute, 3))

	lb.Update(endpoints("c"))
	require.Equal(t, 1, lb.Len())
	require.Equal(t, []string{"c", "c"}, pick(lb, time.Minute, 2))

	lb.Update(nil)
	require.Nil(t, lb.Next(time.Minute))
}

func TestSnapshot(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	clk := testingclock.NewFakePassiveClock(now)
	lb := New(endpoints("a", "b"), WithClock(clk))
	lb.MarkError(lb.entries[0])

	want := []apierror.BackendStatus{
		{BaseURL: "http://a", PipelineID: "a", LastError: now},
		{BaseURL: "http://b", PipelineID: "b"},
	}
	if diff := cmp.Diff(want, lb.Snapshot()); diff != "" {
		t.Errorf("Unexpected snapshot (-want +got): %s", diff)
	}
	require.Equal(t, "http://a/pipelines/a/source", lb.entries[0].SourceURL())
}

func TestConcurrentUse(t *testing.T) {
	lb := New(endpoints("a", "b", "c"))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				e := lb.Next(time.Millisecond)
				if e == nil {
					continue
				}
				if j%2 == 0 {
					lb.MarkError(e)
				} else {
					lb.MarkSuccess(e)
				}
			}
		}()
	}
	wg.Wait()
	require.Len(t, lb.Snapshot(), 3)
}
