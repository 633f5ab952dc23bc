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

// Package backoff provides a resettable exponential delay sequence.
package backoff

import (
	"context"
	"math"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"
)

// Backoff yields Initial, Initial*Factor, Initial*Factor^2, ... capped at Cap, for an unbounded
// number of steps. Reset restarts the sequence. Safe for concurrent use.
type Backoff struct {
	mu      sync.Mutex
	initial wait.Backoff
	current wait.Backoff
}

// New returns a Backoff. A zero cap means uncapped.
func New(initial time.Duration, factor float64, limit time.Duration) *Backoff {
	b := wait.Backoff{
		Duration: initial,
		Factor:   factor,
		Cap:      limit,
		// Steps only bounds how often the delay grows; once Cap is reached wait.Backoff keeps
		// returning it.
		Steps: math.MaxInt32,
	}
	return &Backoff{initial: b, current: b}
}

// Next returns the delay to wait before the upcoming attempt and advances the sequence.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current.Step()
}

// Current returns the delay Next would return, without advancing.
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current.Duration
}

// Reset restarts the sequence at the initial delay.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.initial
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// ClockSleeper returns a Sleeper driven by clk.
func ClockSleeper(clk clock.Clock) Sleeper {
	return func(ctx context.Context, d time.Duration) error {
		if d <= 0 {
			return ctx.Err()
		}
		t := clk.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C():
			return nil
		}
	}
}
