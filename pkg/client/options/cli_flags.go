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

package options

import (
	"time"

	"github.com/spf13/pflag"

	"github.com/popvision/popvision-go/internal/telemetry/logging"
	"github.com/popvision/popvision-go/pkg/client/config"
)

var (
	//
	// Connection
	//
	ConfigFile = Flag{
		Name:     "config",
		DefValue: "",
		Usage:    "Path of a YAML profile. Environment variables and flags take precedence over it.",
	}
	URL = Flag{
		Name:     "url",
		DefValue: config.DefaultURL,
		Usage:    "Base URL of the API.",
	}
	PopID = Flag{
		Name:      "pop-id",
		Shorthand: "p",
		DefValue:  "",
		Usage:     "Pop to connect to. Use 'transient' to provision an ephemeral pipeline.",
	}
	AccountID = Flag{
		Name:     "account-id",
		DefValue: "",
		Usage:    "Account UUID used by dataset operations.",
	}
	AutoStart = Flag{
		Name:     "auto-start",
		DefValue: true,
		Usage:    "Ask the service to start a stopped pop while resolving its config.",
	}
	Token = Flag{
		Name:       "token",
		DefValue:   "",
		Usage:      "Access token.",
		Deprecated: true,
		ReplacedBy: "the POPVISION_ACCESS_TOKEN environment variable",
	}

	//
	// Jobs
	//
	JobQueueLength = Flag{
		Name:     "job-queue-length",
		DefValue: config.DefaultJobQueueLength,
		Usage:    "Maximum number of jobs executing concurrently.",
	}
	PollInterval = Flag{
		Name:     "poll-interval",
		DefValue: config.DefaultPollInterval,
		Usage:    "Delay between status polls of asynchronous inferences.",
	}
	RequestTimeout = Flag{
		Name:     "request-timeout",
		DefValue: time.Duration(0),
		Usage:    "Timeout of a single request attempt. Zero disables it.",
	}
	DisconnectTimeout = Flag{
		Name:     "disconnect-timeout",
		DefValue: config.DefaultDisconnectTimeout,
		Usage:    "How long disconnecting waits for executing jobs before cancelling them.",
	}
	TelemetryDisabled = Flag{
		Name:     "telemetry-disabled",
		DefValue: false,
		Usage:    "Disable request trace export.",
	}

	//
	// Diagnostics
	//
	Verbosity = Flag{
		Name:     "v",
		DefValue: logging.DEFAULT,
		Usage:    "Number for the log level verbosity.",
	}
	Development = Flag{
		Name:     "zap-devel",
		DefValue: false,
		Usage:    "Enable development logging (console encoder, debug level).",
	}
	MetricsAddr = Flag{
		Name:     "metrics-bind-address",
		DefValue: "",
		Usage:    "Address to serve Prometheus metrics on, e.g. ':9090'. Empty disables the listener.",
	}
)

// ClientFlags holds the values of the connection and job flags.
type ClientFlags struct {
	ConfigFile        string
	URL               string
	PopID             string
	AccountID         string
	AutoStart         bool
	Token             string
	JobQueueLength    int
	PollInterval      time.Duration
	RequestTimeout    time.Duration
	DisconnectTimeout time.Duration
	TelemetryDisabled bool
}

var clientFlags = []Flag{
	ConfigFile, URL, PopID, AccountID, AutoStart, Token,
	JobQueueLength, PollInterval, RequestTimeout, DisconnectTimeout, TelemetryDisabled,
}

// AddFlags registers the client flags with fs.
func (c *ClientFlags) AddFlags(fs *pflag.FlagSet) error {
	return AddFlags(fs, clientFlags, map[string]any{
		ConfigFile.Name:        &c.ConfigFile,
		URL.Name:               &c.URL,
		PopID.Name:             &c.PopID,
		AccountID.Name:         &c.AccountID,
		AutoStart.Name:         &c.AutoStart,
		Token.Name:             &c.Token,
		JobQueueLength.Name:    &c.JobQueueLength,
		PollInterval.Name:      &c.PollInterval,
		RequestTimeout.Name:    &c.RequestTimeout,
		DisconnectTimeout.Name: &c.DisconnectTimeout,
		TelemetryDisabled.Name: &c.TelemetryDisabled,
	})
}

// Apply overlays the flags set on the command line onto opts. Flags left at their default do
// not override the profile or the environment.
func (c *ClientFlags) Apply(fs *pflag.FlagSet, opts *config.Options) {
	for _, name := range Changed(fs, clientFlags) {
		switch name {
		case URL.Name:
			opts.URL = c.URL
		case PopID.Name:
			opts.PopID = c.PopID
		case AccountID.Name:
			opts.AccountUUID = c.AccountID
		case AutoStart.Name:
			opts.AutoStart = c.AutoStart
		case Token.Name:
			opts.AccessToken = c.Token
		case JobQueueLength.Name:
			opts.JobQueueLength = c.JobQueueLength
		case PollInterval.Name:
			opts.PollInterval.Duration = c.PollInterval
		case RequestTimeout.Name:
			opts.RequestTimeout.Duration = c.RequestTimeout
		case DisconnectTimeout.Name:
			opts.DisconnectTimeout.Duration = c.DisconnectTimeout
		case TelemetryDisabled.Name:
			opts.Telemetry.Disabled = c.TelemetryDisabled
		}
	}
}

// DiagnosticsFlags holds the values of the logging and metrics flags.
type DiagnosticsFlags struct {
	Verbosity   int
	Development bool
	MetricsAddr string
}

// AddFlags registers the diagnostics flags with fs.
func (d *DiagnosticsFlags) AddFlags(fs *pflag.FlagSet) error {
	return AddFlags(fs, []Flag{Verbosity, Development, MetricsAddr}, map[string]any{
		Verbosity.Name:   &d.Verbosity,
		Development.Name: &d.Development,
		MetricsAddr.Name: &d.MetricsAddr,
	})
}
