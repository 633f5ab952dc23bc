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

// Package config holds the client options and loads them from defaults, a YAML profile and
// the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/popvision/popvision-go/pkg/client/auth"
)

const (
	DefaultURL                    = "https://api.popvision.dev"
	DefaultComputeURL             = "https://compute.popvision.dev"
	DefaultJobQueueLength         = 1024
	DefaultForceRefreshInterval   = time.Hour
	DefaultLoadBalancerRetryAfter = 30 * time.Second
	DefaultPollInterval           = time.Second
	DefaultDisconnectTimeout      = 30 * time.Second
	DefaultTelemetryFlushInterval = 10 * time.Second
)

// Environment variables read by ApplyEnv.
const (
	EnvURL            = "POPVISION_URL"
	EnvSecretKey      = "POPVISION_SECRET_KEY"
	EnvAccessToken    = "POPVISION_ACCESS_TOKEN"
	EnvAPIKey         = "POPVISION_API_KEY"
	EnvComputeURL     = "POPVISION_COMPUTE_URL"
	EnvAccountID      = "POPVISION_ACCOUNT_ID"
	EnvPopID          = "POPVISION_POP_ID"
	EnvJobQueueLength = "POPVISION_JOB_QUEUE_LENGTH"
)

// Options configures a client session.
type Options struct {
	// URL of the API.
	URL string `json:"url,omitempty"`

	// ComputeURL of the compute session broker used with an API key.
	// +optional
	ComputeURL string `json:"computeUrl,omitempty"`

	// SecretKey is exchanged for short-lived access tokens.
	// +optional
	SecretKey string `json:"secretKey,omitempty"`

	// AccessToken is used as is and never refreshed.
	// +optional
	AccessToken string `json:"accessToken,omitempty"`

	// APIKey authenticates against the compute session broker.
	// +optional
	APIKey string `json:"apiKey,omitempty"`

	// AccountUUID selects the account of data endpoints.
	// +optional
	AccountUUID string `json:"accountUuid,omitempty"`

	// PopID selects the pop of worker endpoints. "transient" provisions an ephemeral pipeline.
	// +optional
	PopID string `json:"popId,omitempty"`

	// AutoStart asks the service to start a stopped pop when resolving its config.
	AutoStart bool `json:"autoStart"`

	// JobQueueLength bounds the jobs executing concurrently per endpoint.
	JobQueueLength int `json:"jobQueueLength,omitempty"`

	// ForceRefreshInterval is the maximum age of a cached endpoint config.
	ForceRefreshInterval metav1.Duration `json:"forceRefreshInterval,omitempty"`

	// LoadBalancerRetryAfter is the cool-down of a failed backend.
	LoadBalancerRetryAfter metav1.Duration `json:"loadBalancerRetryAfter,omitempty"`

	// PollInterval is the delay between status polls of asynchronous requests.
	PollInterval metav1.Duration `json:"pollInterval,omitempty"`

	// RequestTimeout bounds each request attempt. Zero means no timeout.
	// +optional
	RequestTimeout metav1.Duration `json:"requestTimeout,omitempty"`

	// DisconnectTimeout bounds how long disconnecting waits for executing jobs.
	DisconnectTimeout metav1.Duration `json:"disconnectTimeout,omitempty"`

	// Telemetry configures request trace export.
	// +optional
	Telemetry TelemetryOptions `json:"telemetry,omitempty"`
}

type TelemetryOptions struct {
	// +optional
	Disabled bool `json:"disabled,omitempty"`
	// +optional
	FlushInterval metav1.Duration `json:"flushInterval,omitempty"`
}

// Default returns the default options.
func Default() *Options {
	return &Options{
		URL:                    DefaultURL,
		ComputeURL:             DefaultComputeURL,
		AutoStart:              true,
		JobQueueLength:         DefaultJobQueueLength,
		ForceRefreshInterval:   metav1.Duration{Duration: DefaultForceRefreshInterval},
		LoadBalancerRetryAfter: metav1.Duration{Duration: DefaultLoadBalancerRetryAfter},
		PollInterval:           metav1.Duration{Duration: DefaultPollInterval},
		DisconnectTimeout:      metav1.Duration{Duration: DefaultDisconnectTimeout},
		Telemetry: TelemetryOptions{
			FlushInterval: metav1.Duration{Duration: DefaultTelemetryFlushInterval},
		},
	}
}

// Load returns the default options overlaid with the YAML profile at path, when path is not
// empty, and then with the environment.
func Load(path string) (*Options, error) {
	opts := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := opts.Merge(data); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}
	if err := opts.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return opts, nil
}

// Merge overlays the YAML or JSON document data. Unknown fields are rejected.
func (o *Options) Merge(data []byte) error {
	return yaml.UnmarshalStrict(data, o)
}

// ApplyEnv overlays the variables found by lookup.
func (o *Options) ApplyEnv(lookup func(string) (string, bool)) error {
	strings := map[string]*string{
		EnvURL:         &o.URL,
		EnvSecretKey:   &o.SecretKey,
		EnvAccessToken: &o.AccessToken,
		EnvAPIKey:      &o.APIKey,
		EnvComputeURL:  &o.ComputeURL,
		EnvAccountID:   &o.AccountUUID,
		EnvPopID:       &o.PopID,
	}
	for name, dst := range strings {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	if v, ok := lookup(EnvJobQueueLength); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvJobQueueLength, v, err)
		}
		o.JobQueueLength = n
	}
	return nil
}

// Validate reports every invalid option.
func (o *Options) Validate() error {
	var errs []error
	if _, err := url.ParseRequestURI(o.URL); err != nil || o.URL == "" {
		errs = append(errs, fmt.Errorf("url %q is not an absolute URL", o.URL))
	}
	if o.APIKey != "" {
		if _, err := url.ParseRequestURI(o.ComputeURL); err != nil {
			errs = append(errs, fmt.Errorf("computeUrl %q is not an absolute URL", o.ComputeURL))
		}
	}
	if o.JobQueueLength <= 0 {
		errs = append(errs, fmt.Errorf("jobQueueLength must be positive, got %d", o.JobQueueLength))
	}
	for name, d := range map[string]time.Duration{
		"forceRefreshInterval":   o.ForceRefreshInterval.Duration,
		"loadBalancerRetryAfter": o.LoadBalancerRetryAfter.Duration,
		"pollInterval":           o.PollInterval.Duration,
		"requestTimeout":         o.RequestTimeout.Duration,
		"disconnectTimeout":      o.DisconnectTimeout.Duration,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", name, d))
		}
	}
	return errors.Join(errs...)
}

// Auth returns the credential configuration. Precedence between credentials is applied by
// auth.Config.Mode.
func (o *Options) Auth() auth.Config {
	return auth.Config{
		AccessToken: o.AccessToken,
		APIKey:      o.APIKey,
		ComputeURL:  o.ComputeURL,
		SecretKey:   o.SecretKey,
		BaseURL:     o.URL,
	}
}
