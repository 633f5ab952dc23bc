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

// Package loadbalancer rotates requests across the backend replicas of a pop, skipping replicas
// that failed recently.
package loadbalancer

import (
	"strings"
	"sync"
	"time"

	"k8s.io/utils/clock"

	v1 "github.com/popvision/popvision-go/api/v1"
	"github.com/popvision/popvision-go/pkg/client/apierror"
)

// Entry is one backend replica. Entries are only mutated through their LoadBalancer.
type Entry struct {
	BaseURL    string
	PipelineID string

	lastError time.Time
}

// SourceURL returns the job submission URL of the entry.
func (e *Entry) SourceURL() string {
	return strings.TrimSuffix(e.BaseURL, "/") + "/pipelines/" + e.PipelineID + "/source"
}

// PipelineURL returns the URL of the pipeline resource on the entry.
func (e *Entry) PipelineURL() string {
	return strings.TrimSuffix(e.BaseURL, "/") + "/pipelines/" + e.PipelineID
}

// LoadBalancer picks backends round-robin. It is safe for concurrent use.
type LoadBalancer struct {
	mu      sync.Mutex
	entries []*Entry
	cursor  int
	clock   clock.PassiveClock
}

// Option customizes a LoadBalancer.
type Option func(*LoadBalancer)

// WithClock overrides the clock used to stamp and age errors.
func WithClock(clk clock.PassiveClock) Option {
	return func(lb *LoadBalancer) {
		lb.clock = clk
	}
}

// New returns a LoadBalancer over endpoints, all initially healthy.
func New(endpoints []v1.PopEndpoint, opts ...Option) *LoadBalancer {
	lb := &LoadBalancer{clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(lb)
	}
	lb.entries = make([]*Entry, 0, len(endpoints))
	for _, ep := range endpoints {
		lb.entries = append(lb.entries, &Entry{BaseURL: ep.BaseURL, PipelineID: ep.PipelineID})
	}
	return lb
}

// Update replaces the entries with endpoints after a config refresh. Entries present before and
// after keep their identity and cool-down, so a backend that just failed is not picked again.
func (lb *LoadBalancer) Update(endpoints []v1.PopEndpoint) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	existing := make(map[v1.PopEndpoint]*Entry, len(lb.entries))
	for _, e := range lb.entries {
		existing[v1.PopEndpoint{BaseURL: e.BaseURL, PipelineID: e.PipelineID}] = e
	}
	entries := make([]*Entry, 0, len(endpoints))
	for _, ep := range endpoints {
		if e, ok := existing[ep]; ok {
			entries = append(entries, e)
			continue
		}
		entries = append(entries, &Entry{BaseURL: ep.BaseURL, PipelineID: ep.PipelineID})
	}
	lb.entries = entries
	if len(entries) == 0 || lb.cursor >= len(entries) {
		lb.cursor = 0
	}
}

// Len returns the number of entries.
func (lb *LoadBalancer) Len() int {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return len(lb.entries)
}

// Next returns the first entry at or after the cursor whose last error is unset or older than
// retryAfter, and moves the cursor past it. It returns nil when every entry is cooling down.
func (lb *LoadBalancer) Next(retryAfter time.Duration) *Entry {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	n := len(lb.entries)
	now := lb.clock.Now()
	for i := 0; i < n; i++ {
		idx := (lb.cursor + i) % n
		e := lb.entries[idx]
		if e.lastError.IsZero() || now.Sub(e.lastError) >= retryAfter {
			lb.cursor = (idx + 1) % n
			return e
		}
	}
	return nil
}

// MarkError starts the cool-down of e.
func (lb *LoadBalancer) MarkError(e *Entry) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	e.lastError = lb.clock.Now()
}

// MarkSuccess clears the cool-down of e.
func (lb *LoadBalancer) MarkSuccess(e *Entry) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	e.lastError = time.Time{}
}

// Snapshot returns the state of every entry, for error reports.
func (lb *LoadBalancer) Snapshot() []apierror.BackendStatus {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	out := make([]apierror.BackendStatus, 0, len(lb.entries))
	for _, e := range lb.entries {
		out = append(out, apierror.BackendStatus{BaseURL: e.BaseURL, PipelineID: e.PipelineID, LastError: e.lastError})
	}
	return out
}
