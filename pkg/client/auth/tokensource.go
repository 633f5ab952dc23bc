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

// Package auth produces bearer tokens for requests to the inference and dataset services.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/golang-jwt/jwt/v5"
	"k8s.io/utils/clock"

	v1 "github.com/popvision/popvision-go/api/v1"
	"github.com/popvision/popvision-go/internal/telemetry/logging"
	"github.com/popvision/popvision-go/pkg/client/apierror"
)

// ExpiryMargin is subtracted from a secret key token's lifetime so it is refreshed before the
// server starts rejecting it.
const ExpiryMargin = 60 * time.Second

// Provider is consumed by the request client.
type Provider interface {
	// BearerToken returns the token to send, or "" for an unauthenticated request.
	BearerToken(ctx context.Context) (string, error)
	// Invalidate drops any cached exchanged token so the next BearerToken call exchanges again.
	Invalidate()
}

// Mode identifies how a TokenSource obtains its token.
type Mode int

const (
	ModeNone Mode = iota
	ModeStatic
	ModeSecretKey
	ModeCompute
)

func (m Mode) String() string {
	switch m {
	case ModeStatic:
		return "static"
	case ModeSecretKey:
		return "secret-key"
	case ModeCompute:
		return "compute"
	default:
		return "none"
	}
}

// Config selects the credential source. Precedence is AccessToken, then APIKey (compute
// session), then SecretKey.
type Config struct {
	// AccessToken is used verbatim and never refreshed.
	AccessToken string
	// APIKey is the long-lived key exchanged for a machine-to-machine token at ComputeURL.
	APIKey     string
	ComputeURL string
	// SecretKey is exchanged for a short-lived token at BaseURL.
	SecretKey string
	BaseURL   string
}

// Mode reports which source the configuration selects.
func (c Config) Mode() Mode {
	switch {
	case c.AccessToken != "":
		return ModeStatic
	case c.APIKey != "":
		return ModeCompute
	case c.SecretKey != "":
		return ModeSecretKey
	default:
		return ModeNone
	}
}

type cachedToken struct {
	value string
	// deadline is the zero time when the token carries no known expiry.
	deadline time.Time
}

func (t *cachedToken) validAt(now time.Time) bool {
	return t != nil && (t.deadline.IsZero() || now.Before(t.deadline))
}

// TokenSource implements Provider. Token exchanges are serialized so concurrent callers share
// one exchange.
type TokenSource struct {
	config     Config
	mode       Mode
	httpClient *http.Client
	clock      clock.PassiveClock
	logger     logr.Logger

	mu     sync.Mutex
	cached *cachedToken
}

var _ Provider = &TokenSource{}

// Option customizes a TokenSource.
type Option func(*TokenSource)

// WithClock overrides the clock used for expiry decisions.
func WithClock(clk clock.PassiveClock) Option {
	return func(ts *TokenSource) {
		ts.clock = clk
	}
}

// NewTokenSource returns a TokenSource performing exchanges with httpClient.
func NewTokenSource(config Config, httpClient *http.Client, logger logr.Logger, opts ...Option) *TokenSource {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	ts := &TokenSource{
		config:     config,
		mode:       config.Mode(),
		httpClient: httpClient,
		clock:      clock.RealClock{},
		logger:     logging.OrDiscard(logger).WithName("token-source"),
	}
	for _, opt := range opts {
		opt(ts)
	}
	return ts
}

// Mode reports the credential source in use.
func (ts *TokenSource) Mode() Mode {
	return ts.mode
}

// BearerToken implements Provider.
func (ts *TokenSource) BearerToken(ctx context.Context) (string, error) {
	switch ts.mode {
	case ModeStatic:
		return ts.config.AccessToken, nil
	case ModeNone:
		return "", nil
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := ts.clock.Now()
	if ts.cached.validAt(now) {
		return ts.cached.value, nil
	}

	var (
		token *cachedToken
		err   error
	)
	if ts.mode == ModeCompute {
		token, err = ts.exchangeAPIKey(ctx, now)
	} else {
		token, err = ts.exchangeSecretKey(ctx, now)
	}
	if err != nil {
		return "", err
	}
	ts.cached = token
	ts.logger.V(logging.DEBUG).Info("Acquired access token", "mode", ts.mode.String(), "deadline", token.deadline)
	return token.value, nil
}

// Invalidate implements Provider. A static token is unaffected.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.cached != nil {
		ts.logger.V(logging.VERBOSE).Info("Invalidating cached access token", "mode", ts.mode.String())
	}
	ts.cached = nil
}

func (ts *TokenSource) exchangeSecretKey(ctx context.Context, now time.Time) (*cachedToken, error) {
	body, err := json.Marshal(v1.SecretKeyRequest{SecretKey: ts.config.SecretKey})
	if err != nil {
		return nil, err
	}
	url := strings.TrimSuffix(ts.config.BaseURL, "/") + "/authentication/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	token := v1.AccessToken{}
	if err := ts.doJSON(req, &token); err != nil {
		return nil, fmt.Errorf("secret key exchange failed: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("secret key exchange returned an empty access token")
	}
	return &cachedToken{
		value:    token.AccessToken,
		deadline: now.Add(time.Duration(token.ExpiresIn)*time.Second - ExpiryMargin),
	}, nil
}

func (ts *TokenSource) exchangeAPIKey(ctx context.Context, now time.Time) (*cachedToken, error) {
	url := strings.TrimSuffix(ts.config.ComputeURL, "/") + "/v1/auth/authenticate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create compute authentication request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+ts.config.APIKey)
	req.Header.Set("Accept", "application/json")

	token := v1.ComputeToken{}
	if err := ts.doJSON(req, &token); err != nil {
		return nil, fmt.Errorf("compute session authentication failed: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("compute session authentication returned an empty access token")
	}
	return &cachedToken{value: token.AccessToken, deadline: computeDeadline(token, now)}, nil
}

// computeDeadline prefers the explicit expires_at, then expires_in, then the token's own exp
// claim. A token with none of these stays cached until invalidated.
func computeDeadline(token v1.ComputeToken, now time.Time) time.Time {
	if token.ExpiresAt != "" {
		if at, err := time.Parse(time.RFC3339, token.ExpiresAt); err == nil {
			return at.Add(-ExpiryMargin)
		}
	}
	if token.ExpiresIn > 0 {
		return now.Add(time.Duration(token.ExpiresIn)*time.Second - ExpiryMargin)
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token.AccessToken, &claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Add(-ExpiryMargin)
	}
	return time.Time{}
}

func (ts *TokenSource) doJSON(req *http.Request, out any) error {
	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= http.StatusBadRequest {
		return apierror.NewHTTPError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", req.URL.Path, err)
	}
	return nil
}
