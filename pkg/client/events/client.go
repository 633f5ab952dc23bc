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

// Package events receives dataset, asset and model change events over a WebSocket and fans them
// out to registered handlers. Lost connections are re-established with exponential backoff and
// every subscription is re-sent.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"

	v1 "github.com/popvision/popvision-go/api/v1"
	"github.com/popvision/popvision-go/internal/telemetry/logging"
	"github.com/popvision/popvision-go/pkg/client/auth"
	"github.com/popvision/popvision-go/pkg/client/metrics"
	"github.com/popvision/popvision-go/pkg/client/util/backoff"
)

const (
	ReconnectInitialDelay = time.Second
	ReconnectFactor       = 1.5
	ReconnectMaxDelay     = 60 * time.Second

	writeTimeout = 10 * time.Second
)

// Handler receives change events. Handlers for one dataset are called in frame order from the
// reader goroutine and must not block for long.
type Handler func(event *v1.ChangeEvent)

// Subscription identifies a registered handler.
type Subscription struct {
	id uuid.UUID
	// datasetUUID is empty for account-wide handlers.
	datasetUUID string
}

// URL derives the events WebSocket URL from an HTTP(S) base URL.
func URL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid events base URL %q: %w", base, err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported events base URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/events"
	return u.String(), nil
}

// Client maintains the events connection and the subscription registry.
type Client struct {
	url         string
	accountUUID string
	tokens      auth.Provider
	dialer      *websocket.Dialer
	backoff     *backoff.Backoff
	sleep       backoff.Sleeper
	logger      logr.Logger

	mu       sync.Mutex
	account  map[uuid.UUID]Handler
	datasets map[string]map[uuid.UUID]Handler
	conn     *websocket.Conn
	cancel   context.CancelFunc
	done     chan struct{}

	writeMu sync.Mutex
}

// Option customizes a Client.
type Option func(*Client)

// WithDialer overrides the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		c.dialer = d
	}
}

// WithClock sets the clock that times reconnect delays.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		c.sleep = backoff.ClockSleeper(clk)
	}
}

// withSleeper replaces the reconnect delay; tests use it to observe and skip backoff.
func withSleeper(s backoff.Sleeper) Option {
	return func(c *Client) {
		c.sleep = s
	}
}

// NewClient returns a Client for the events endpoint at wsURL. accountUUID, when set, is
// subscribed on every connection. tokens may be nil.
func NewClient(wsURL, accountUUID string, tokens auth.Provider, logger logr.Logger, opts ...Option) *Client {
	c := &Client{
		url:         wsURL,
		accountUUID: accountUUID,
		tokens:      tokens,
		dialer:      websocket.DefaultDialer,
		backoff:     backoff.New(ReconnectInitialDelay, ReconnectFactor, ReconnectMaxDelay),
		sleep:       backoff.ClockSleeper(clock.RealClock{}),
		logger:      logging.OrDiscard(logger).WithName("events"),
		account:     map[uuid.UUID]Handler{},
		datasets:    map[string]map[uuid.UUID]Handler{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start dials the events endpoint, subscribes and starts reading. A failed first dial is
// returned; later failures are retried in the background until Close.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	c.mu.Lock()
	c.cancel, c.done = cancel, done
	c.mu.Unlock()
	go c.run(runCtx, conn, done)
	return nil
}

// Close stops reconnecting and closes the connection.
func (c *Client) Close() {
	c.mu.Lock()
	cancel, done, conn := c.cancel, c.done, c.conn
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
	}
	cancel()
	<-done
	c.logger.V(logging.DEBUG).Info("Events connection closed")
}

// SubscribeAccount registers h for every event of the account.
func (c *Client) SubscribeAccount(h Handler) Subscription {
	s := Subscription{id: uuid.New()}
	c.mu.Lock()
	c.account[s.id] = h
	c.mu.Unlock()
	return s
}

// Subscribe registers h for events of datasetUUID. The first handler of a dataset subscribes
// the connection to it.
func (c *Client) Subscribe(datasetUUID string, h Handler) Subscription {
	s := Subscription{id: uuid.New(), datasetUUID: datasetUUID}
	c.mu.Lock()
	handlers, ok := c.datasets[datasetUUID]
	if !ok {
		handlers = map[uuid.UUID]Handler{}
		c.datasets[datasetUUID] = handlers
	}
	handlers[s.id] = h
	conn := c.conn
	c.mu.Unlock()

	if !ok && conn != nil {
		c.send(conn, v1.SubscriptionFrame{Subscribe: &v1.SubscriptionTarget{DatasetUUID: datasetUUID}})
	}
	return s
}

// Unsubscribe removes the handler of s. Removing the last handler of a dataset unsubscribes the
// connection from it.
func (c *Client) Unsubscribe(s Subscription) {
	c.mu.Lock()
	if s.datasetUUID == "" {
		delete(c.account, s.id)
		c.mu.Unlock()
		return
	}
	handlers := c.datasets[s.datasetUUID]
	delete(handlers, s.id)
	last := len(handlers) == 0
	if last {
		delete(c.datasets, s.datasetUUID)
	}
	conn := c.conn
	c.mu.Unlock()

	if last && conn != nil {
		c.send(conn, v1.SubscriptionFrame{Unsubscribe: &v1.SubscriptionTarget{DatasetUUID: s.datasetUUID}})
	}
}

// Datasets returns the subscribed dataset UUIDs, sorted.
func (c *Client) Datasets() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sets.List(sets.KeySet(c.datasets))
}

// SetURL changes the events endpoint used by the next dial. Handlers registered before the
// owner knew the URL are kept.
func (c *Client) SetURL(wsURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.url = wsURL
}

// connect dials, authorizes and sends every subscription.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	target := c.url
	c.mu.Unlock()
	conn, _, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", target, err)
	}

	frames := []any{}
	if c.tokens != nil {
		token, err := c.tokens.BearerToken(ctx)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to authorize events connection: %w", err)
		}
		if token != "" {
			frames = append(frames, v1.AuthorizationFrame{Authorization: "Bearer " + token})
		}
	}
	if c.accountUUID != "" {
		frames = append(frames, v1.SubscriptionFrame{Subscribe: &v1.SubscriptionTarget{AccountUUID: c.accountUUID}})
	}

	// Frames of concurrent Subscribe calls queue behind the initial ones.
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	for _, dataset := range sets.List(sets.KeySet(c.datasets)) {
		frames = append(frames, v1.SubscriptionFrame{Subscribe: &v1.SubscriptionTarget{DatasetUUID: dataset}})
	}
	c.conn = conn
	c.mu.Unlock()

	for _, f := range frames {
		if err := writeFrame(conn, f); err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			_ = conn.Close()
			return nil, err
		}
	}
	c.logger.V(logging.DEBUG).Info("Events connection established", "url", target, "frames", len(frames))
	return conn, nil
}

func (c *Client) send(conn *websocket.Conn, frame any) {
	if err := c.write(conn, frame); err != nil {
		// The reader notices the broken connection and resubscribes after reconnecting.
		c.logger.V(logging.VERBOSE).Info("Failed to send subscription frame", "error", err.Error())
	}
}

func (c *Client) write(conn *websocket.Conn, frame any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(conn, frame)
}

func writeFrame(conn *websocket.Conn, frame any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("failed to write events frame: %w", err)
	}
	return nil
}

// run reads frames until ctx is done, reconnecting after unexpected closures. Reconnection is
// attempted indefinitely; only the delay is capped.
func (c *Client) run(ctx context.Context, conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		current := conn
		stop := context.AfterFunc(ctx, func() { _ = current.Close() })
		err := c.read(conn)
		stop()
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		c.logger.Info("Events connection lost", "error", err.Error())

		for {
			delay := c.backoff.Next()
			c.logger.V(logging.VERBOSE).Info("Reconnecting events", "delay", delay)
			if err := c.sleep(ctx, delay); err != nil {
				return
			}
			metrics.RecordReconnect()
			next, err := c.connect(ctx)
			if err == nil {
				conn = next
				break
			}
			if ctx.Err() != nil {
				return
			}
			c.logger.V(logging.VERBOSE).Info("Events reconnect failed", "error", err.Error())
		}
	}
}

// read dispatches frames until the connection fails.
func (c *Client) read(conn *websocket.Conn) error {
	first := true
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if first {
			first = false
			c.backoff.Reset()
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	event := &v1.ChangeEvent{}
	if err := json.Unmarshal(data, event); err != nil {
		c.logger.V(logging.VERBOSE).Info("Ignoring malformed events frame", "error", err.Error())
		return
	}
	if event.ChangeType == "" {
		c.logger.V(logging.TRACE).Info("Ignoring events frame without change type")
		return
	}
	event.Raw = json.RawMessage(data)
	metrics.RecordChangeEvent(string(event.ChangeType))

	// Handlers are copied so they may subscribe or unsubscribe while being called.
	c.mu.Lock()
	handlers := make([]Handler, 0, len(c.account)+len(c.datasets[event.DatasetUUID]))
	for _, h := range c.account {
		handlers = append(handlers, h)
	}
	if event.DatasetUUID != "" {
		for _, h := range c.datasets[event.DatasetUUID] {
			handlers = append(handlers, h)
		}
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
}
