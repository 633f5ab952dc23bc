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

// Package metrics instruments the client with Prometheus metrics. Nothing is exported until
// Register is called.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "popvision"
	Subsystem = "client"

	// TransportErrorCode labels attempts that received no HTTP response.
	TransportErrorCode = "transport_error"
)

var (
	requestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "request_total",
			Help:      "Counter of request attempts broken out by operation and response code.",
		},
		[]string{"operation", "code"},
	)

	requestLatencies = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "request_duration_seconds",
			Help:      "Request attempt latency distribution in seconds for each operation.",
			Buckets: []float64{0.005, 0.025, 0.05, 0.1, 0.2, 0.4, 0.6, 0.8, 1.0, 1.25, 1.5, 2, 3,
				4, 5, 6, 8, 10, 15, 20, 30, 45, 60, 120, 180, 240, 300, 600},
		},
		[]string{"operation"},
	)

	retryCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "request_retries_total",
			Help:      "Counter of failed attempts that were retried, by operation and response code.",
		},
		[]string{"operation", "code"},
	)

	jobCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "job_total",
			Help:      "Counter of completed jobs by kind and final state.",
		},
		[]string{"kind", "state"},
	)

	jobLatencies = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "job_duration_seconds",
			Help:      "Job execution time distribution in seconds for each kind.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"kind"},
	)

	jobsInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "jobs_in_flight",
			Help:      "Number of jobs currently executing per endpoint kind.",
		},
		[]string{"endpoint"},
	)

	eventCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "change_events_total",
			Help:      "Counter of change events received, by change type.",
		},
		[]string{"change_type"},
	)

	reconnectCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "change_event_reconnects_total",
			Help:      "Counter of change event connection attempts after an unexpected closure.",
		},
	)

	exhaustedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "loadbalancer_exhausted_total",
			Help:      "Counter of backend selections that found every backend cooling down.",
		},
		[]string{"endpoint"},
	)
)

var registerMetrics sync.Once

// Register registers all metrics with registerer. Only the first call has an effect.
func Register(registerer prometheus.Registerer) {
	registerMetrics.Do(func() {
		registerer.MustRegister(requestCounter)
		registerer.MustRegister(requestLatencies)
		registerer.MustRegister(retryCounter)
		registerer.MustRegister(jobCounter)
		registerer.MustRegister(jobLatencies)
		registerer.MustRegister(jobsInFlight)
		registerer.MustRegister(eventCounter)
		registerer.MustRegister(reconnectCounter)
		registerer.MustRegister(exhaustedCounter)
	})
}

// Code returns the code label of an attempt status.
func Code(status int) string {
	if status == 0 {
		return TransportErrorCode
	}
	return strconv.Itoa(status)
}

// RecordAttempt records one request attempt.
func RecordAttempt(operation string, status int, elapsed time.Duration, retried bool) {
	code := Code(status)
	requestCounter.WithLabelValues(operation, code).Inc()
	requestLatencies.WithLabelValues(operation).Observe(elapsed.Seconds())
	if retried {
		retryCounter.WithLabelValues(operation, code).Inc()
	}
}

// RecordJob records the end of a job.
func RecordJob(kind, state string, elapsed time.Duration) {
	jobCounter.WithLabelValues(kind, state).Inc()
	jobLatencies.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// JobStarted and JobEnded track the jobs executing on an endpoint.
func JobStarted(endpoint string) {
	jobsInFlight.WithLabelValues(endpoint).Inc()
}

func JobEnded(endpoint string) {
	jobsInFlight.WithLabelValues(endpoint).Dec()
}

// RecordChangeEvent records a received change event.
func RecordChangeEvent(changeType string) {
	eventCounter.WithLabelValues(changeType).Inc()
}

// RecordReconnect records a change event reconnect attempt.
func RecordReconnect() {
	reconnectCounter.Inc()
}

// RecordLoadBalancerExhausted records a backend selection that found no healthy backend.
func RecordLoadBalancerExhausted(endpoint string) {
	exhaustedCounter.WithLabelValues(endpoint).Inc()
}
