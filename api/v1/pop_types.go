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

// Package v1 contains the JSON wire types exchanged with the inference and dataset services.
// Domain payloads (predictions, datasets, assets, models) are carried as opaque JSON.
package v1

import "encoding/json"

// TransientPopID is the pop identifier that requests an ephemeral pipeline provisioned at
// connect time and torn down at disconnect.
const TransientPopID = "transient"

// PopStatus is the lifecycle status reported by the config resolution call.
type PopStatus string

const (
	PopStatusRunning  PopStatus = "running"
	PopStatusPending  PopStatus = "pending"
	PopStatusStopped  PopStatus = "stopped"
	PopStatusErrored  PopStatus = "error"
	PopStatusStarting PopStatus = "starting"
)

// PopConfig is returned by GET {base}/pops/{pop_id}/config.
//
// In development mode BaseURL and PipelineID address a single backend. In production mode
// Endpoints lists every load-balanced backend and BaseURL may be empty.
type PopConfig struct {
	// BaseURL of the worker serving this pop.
	// +optional
	BaseURL string `json:"base_url,omitempty"`

	// PipelineID of the pipeline on BaseURL.
	// +optional
	PipelineID string `json:"pipeline_id,omitempty"`

	// Name of the pop, informational.
	// +optional
	Name string `json:"name,omitempty"`

	// Status of the pop.
	// +optional
	Status PopStatus `json:"status,omitempty"`

	// Endpoints of a production (load-balanced) pop.
	// +optional
	Endpoints []PopEndpoint `json:"endpoints,omitempty"`
}

// PopEndpoint is one backend replica of a production pop.
type PopEndpoint struct {
	BaseURL    string `json:"base_url"`
	PipelineID string `json:"pipeline_id"`
}

// ResolvedEndpoints returns the endpoints to load-balance across. A development-mode config
// yields its single BaseURL/PipelineID pair.
func (c *PopConfig) ResolvedEndpoints() []PopEndpoint {
	if len(c.Endpoints) > 0 {
		return c.Endpoints
	}
	if c.BaseURL == "" || c.PipelineID == "" {
		return nil
	}
	return []PopEndpoint{{BaseURL: c.BaseURL, PipelineID: c.PipelineID}}
}

// DataConfig is returned by GET {base}/data/config.
type DataConfig struct {
	BaseURL string `json:"base_url"`
	// +optional
	AccountUUID string `json:"account_uuid,omitempty"`
}

// PipelineSource describes where a transient pipeline reads from.
type PipelineSource struct {
	SourceType string `json:"sourceType"`
}

// CreatePipelineRequest provisions a transient pipeline on a worker.
type CreatePipelineRequest struct {
	Pop                json.RawMessage `json:"pop,omitempty"`
	Source             PipelineSource  `json:"source"`
	IdleTimeoutSeconds int             `json:"idleTimeoutSeconds,omitempty"`
	Logging            []string        `json:"logging,omitempty"`
	VideoOutput        string          `json:"videoOutput,omitempty"`
}

// CreatePipelineResponse is returned when a transient pipeline has been provisioned.
type CreatePipelineResponse struct {
	ID string `json:"id"`
}

// SourceRequest is the JSON body of a PATCH {backend}/pipelines/{id}/source call that points the
// pipeline at remote media instead of uploaded bytes.
type SourceRequest struct {
	SourceType string `json:"sourceType"`
	// +optional
	URL string `json:"url,omitempty"`
	// +optional
	AssetUUID string `json:"assetUuid,omitempty"`
	// +optional
	Params json.RawMessage `json:"params,omitempty"`
}

const (
	SourceTypeURL   = "URL"
	SourceTypeAsset = "ASSET_UUID"
	SourceTypeNone  = "NONE"
)

// Prediction is a single inference result. Its schema belongs to the service.
type Prediction = json.RawMessage

// AsyncRequestAccepted is the body of a 202 response from a polling endpoint.
type AsyncRequestAccepted struct {
	RequestID string `json:"request_id"`
}
