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

package v1

import "encoding/json"

// ChangeType discriminates change events pushed over the events WebSocket.
type ChangeType string

const (
	ChangeDatasetAdded           ChangeType = "dataset_added"
	ChangeDatasetRemoved         ChangeType = "dataset_removed"
	ChangeDatasetModified        ChangeType = "dataset_modified"
	ChangeDatasetVersionModified ChangeType = "dataset_version_modified"
	ChangeAssetAdded             ChangeType = "asset_added"
	ChangeAssetRemoved           ChangeType = "asset_removed"
	ChangeAssetStatusModified    ChangeType = "asset_status_modified"
	ChangeAssetAnnotationChanged ChangeType = "asset_annotation_modified"
	ChangeModelAdded             ChangeType = "model_added"
	ChangeModelRemoved           ChangeType = "model_removed"
	ChangeModelModified          ChangeType = "model_modified"
	ChangeModelStatusModified    ChangeType = "model_status_modified"
	ChangeModelProgress          ChangeType = "model_progress"
	ChangeWorkflowTaskStarted    ChangeType = "workflow_task_started"
	ChangeWorkflowTaskSucceeded  ChangeType = "workflow_task_succeeded"
	ChangeWorkflowTaskFailed     ChangeType = "workflow_task_failed"
)

// ChangeEvent is a server-pushed notification of a state transition.
type ChangeEvent struct {
	ChangeType ChangeType `json:"change_type"`
	// +optional
	AccountUUID string `json:"account_uuid,omitempty"`
	// +optional
	DatasetUUID string `json:"dataset_uuid,omitempty"`
	// +optional
	DatasetVersion *int `json:"dataset_version,omitempty"`
	// +optional
	AssetUUID string `json:"asset_uuid,omitempty"`
	// +optional
	ModelUUID string `json:"model_uuid,omitempty"`
	// +optional
	WorkflowTaskName string `json:"workflow_task_name,omitempty"`

	// Raw holds the complete frame so handlers can read fields this type does not model.
	Raw json.RawMessage `json:"-"`
}

// AuthorizationFrame is optionally sent as the first frame of an events connection.
type AuthorizationFrame struct {
	Authorization string `json:"authorization"`
}

// SubscriptionTarget names the channel of a subscribe or unsubscribe frame. Exactly one field is set.
type SubscriptionTarget struct {
	// +optional
	AccountUUID string `json:"account_uuid,omitempty"`
	// +optional
	DatasetUUID string `json:"dataset_uuid,omitempty"`
}

// SubscriptionFrame subscribes to or unsubscribes from a channel.
type SubscriptionFrame struct {
	// +optional
	Subscribe *SubscriptionTarget `json:"subscribe,omitempty"`
	// +optional
	Unsubscribe *SubscriptionTarget `json:"unsubscribe,omitempty"`
}
