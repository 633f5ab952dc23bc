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

// SecretKeyRequest is posted to {base}/authentication/token.
type SecretKeyRequest struct {
	SecretKey string `json:"secret_key"`
}

// AccessToken is returned by the secret key exchange.
type AccessToken struct {
	AccessToken string `json:"access_token"`
	// ExpiresIn is the token lifetime in seconds.
	ExpiresIn int    `json:"expires_in"`
	TokenType string `json:"token_type,omitempty"`
}

// ComputeToken is returned by {compute_url}/v1/auth/authenticate.
type ComputeToken struct {
	AccessToken string `json:"access_token"`
	// ExpiresAt is an RFC 3339 timestamp.
	// +optional
	ExpiresAt string `json:"expires_at,omitempty"`
	// +optional
	ExpiresIn int `json:"expires_in,omitempty"`
}
