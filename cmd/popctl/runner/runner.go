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

// Package runner implements popctl: it connects to a pop, runs every argument through it and
// prints the predictions as JSON lines.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/popvision/popvision-go/internal/telemetry/logging"
	"github.com/popvision/popvision-go/pkg/client/config"
	"github.com/popvision/popvision-go/pkg/client/endpoint"
	"github.com/popvision/popvision-go/pkg/client/metrics"
	"github.com/popvision/popvision-go/pkg/client/options"
	"github.com/popvision/popvision-go/pkg/client/syncadapter"
	"github.com/popvision/popvision-go/pkg/tracing"
)

type Runner struct {
	stdout io.Writer
	// endpointOptions are appended to the worker endpoint options.
	endpointOptions []endpoint.Option
	// initLogging is skipped by tests, which keep their own logger.
	initLogging bool
	registerer  prometheus.Registerer
	gatherer    prometheus.Gatherer
}

func NewRunner() *Runner {
	return &Runner{
		stdout:      os.Stdout,
		initLogging: true,
		registerer:  prometheus.DefaultRegisterer,
		gatherer:    prometheus.DefaultGatherer,
	}
}

// WithStdout redirects the predictions.
func (r *Runner) WithStdout(w io.Writer) *Runner {
	r.stdout = w
	return r
}

// WithEndpointOptions customizes the worker endpoint.
func (r *Runner) WithEndpointOptions(opts ...endpoint.Option) *Runner {
	r.endpointOptions = append(r.endpointOptions, opts...)
	return r
}

// Run parses args and processes every source they name. A source is a media URL when it has
// an http or https scheme and a local file otherwise.
func (r *Runner) Run(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("popctl", pflag.ContinueOnError)
	clientFlags := &options.ClientFlags{}
	diagnostics := &options.DiagnosticsFlags{}
	if err := clientFlags.AddFlags(fs); err != nil {
		return err
	}
	if err := diagnostics.AddFlags(fs); err != nil {
		return err
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	sources := fs.Args()
	if len(sources) == 0 {
		return errors.New("no sources given; pass media URLs or file paths")
	}

	logger := ctrl.Log.WithName("popctl")
	if r.initLogging {
		logger = logging.InitLogging(diagnostics.Verbosity, diagnostics.Development)
		ctrl.SetLogger(logger)
	}
	ctx = log.IntoContext(ctx, logger)

	opts, err := config.Load(clientFlags.ConfigFile)
	if err != nil {
		return err
	}
	clientFlags.Apply(fs, opts)
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger.V(logging.VERBOSE).Info("Configuration loaded",
		"url", opts.URL, "pop", opts.PopID, "authMode", opts.Auth().Mode().String())

	tracing.SetErrorLogger(logger)
	shutdownTracing, err := tracing.Initialize(ctx, tracing.NewConfigFromEnv())
	if err != nil {
		return err
	}
	defer shutdownTracing()

	metrics.Register(r.registerer)
	if diagnostics.MetricsAddr != "" {
		stop := serveMetrics(ctx, diagnostics.MetricsAddr, r.gatherer)
		defer stop()
	}

	return r.process(ctx, opts, sources)
}

func (r *Runner) process(ctx context.Context, opts *config.Options, sources []string) (err error) {
	logger := log.FromContext(ctx)
	w := syncadapter.NewSyncWorkerEndpoint(opts, nil, logger, r.endpointOptions...)
	if err := w.Connect(); err != nil {
		return fmt.Errorf("failed to connect to pop %q: %w", opts.PopID, err)
	}
	defer func() {
		err = errors.Join(err, w.Disconnect(opts.DisconnectTimeout.Duration))
	}()

	// Disconnect cancels the predictions still being read.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			logger.Info("Interrupted, disconnecting")
			_ = w.Disconnect(opts.DisconnectTimeout.Duration)
		case <-stop:
		}
	}()

	out := bufio.NewWriter(r.stdout)
	defer out.Flush()
	for _, source := range sources {
		job, err := submit(w, source)
		if err != nil {
			return fmt.Errorf("failed to submit %s: %w", source, err)
		}
		logger.V(logging.DEBUG).Info("Job submitted", "source", source, "job", job.ID())
		count := 0
		for {
			p, err := job.Predict()
			if err != nil {
				return fmt.Errorf("%s: %w", source, err)
			}
			if p == nil {
				break
			}
			count++
			if _, err := fmt.Fprintf(out, "%s\n", p); err != nil {
				return err
			}
		}
		logger.V(logging.VERBOSE).Info("Source done", "source", source, "predictions", count)
	}
	return ctx.Err()
}

func submit(w *syncadapter.SyncWorkerEndpoint, source string) (*syncadapter.SyncJob, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return w.LoadFrom(source, nil)
	}
	return w.Upload(source, "")
}

// serveMetrics exposes gatherer on addr until the returned func is called.
func serveMetrics(ctx context.Context, addr string, gatherer prometheus.Gatherer) func() {
	logger := log.FromContext(ctx).WithName("metrics")
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(err, "Metrics listener failed", "addr", addr)
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.V(logging.DEBUG).Info("Metrics listener shutdown failed", "error", err.Error())
		}
	}
}
