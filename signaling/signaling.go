/* SPDX-License-Identifier: MPL-2.0
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package signaling implements the persistent websocket channel to the
// MeshTalk call-coordination server: request/response calls with correlated
// replies, server-pushed event dispatch, and automatic reconnection with
// capped exponential backoff.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/meshtalk/meshtalk-go-sdk/meshtalksdk"
)

// Config holds the configuration for the signaling channel
type Config struct {
	AckTimeout       time.Duration // Window for the server hello after the auth frame
	RequestTimeout   time.Duration // Budget for each correlated request
	PingInterval     time.Duration // Interval between websocket ping messages
	PongTimeout      time.Duration // Timeout for receiving a pong response
	BackoffTimeReset time.Duration // Initial delay before the first reconnect attempt
	BackoffTimeMax   time.Duration // Cap on the delay between reconnect attempts
	TokenMargin      time.Duration // Refresh the token if it expires within this margin
}

// DefaultConfig returns the default configuration for the signaling channel
func DefaultConfig() *Config {
	return &Config{
		AckTimeout:       10 * time.Second,
		RequestTimeout:   10 * time.Second,
		PingInterval:     30 * time.Second,
		PongTimeout:      10 * time.Second,
		BackoffTimeReset: 1 * time.Second,
		BackoffTimeMax:   30 * time.Second,
		TokenMargin:      1 * time.Minute,
	}
}

// Status describes the observable state of the channel.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	// StatusDegraded means the transport dropped but the channel is
	// reconnecting. Consumers are notified, not torn down — an in-progress
	// call may still be recoverable on the same call id.
	StatusDegraded Status = "degraded"
)

// EventHandler receives a server-pushed event. Handlers run synchronously on
// the read loop so that events are delivered in arrival order; they must not
// block.
type EventHandler func(event string, data json.RawMessage)

// StatusHandler receives channel status transitions.
type StatusHandler func(status Status)

// frame is the wire envelope for every message on the channel.
type frame struct {
	ID         string          `json:"id,omitempty"`
	Type       string          `json:"type"` // auth, hello, request, response, event
	Event      string          `json:"event,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      *ServerError    `json:"error,omitempty"`
	TrackingID string          `json:"trackingId,omitempty"`
}

// pendingReply resolves one in-flight request: either the correlated frame
// or the reason the channel could not deliver one.
type pendingReply struct {
	frame *frame
	err   error
}

const (
	frameAuth     = "auth"
	frameHello    = "hello"
	frameRequest  = "request"
	frameResponse = "response"
	frameEvent    = "event"
)

// Channel is the signaling client for websocket communication with the
// call-coordination server.
type Channel struct {
	core   *meshtalksdk.Client
	config *Config
	log    *logrus.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	status     Status
	closing    bool
	lastToken  string
	generation int // bumped per socket instance; stale loops exit

	writeMu sync.Mutex // serializes websocket writes

	pendingMu sync.Mutex
	pending   map[string]chan pendingReply

	handlerMu      sync.Mutex
	eventHandlers  []EventHandler
	statusHandlers []StatusHandler

	closeCh chan struct{}
}

// New creates a new signaling channel bound to the core client.
func New(core *meshtalksdk.Client, config *Config) *Channel {
	if config == nil {
		config = DefaultConfig()
	}

	return &Channel{
		core:    core,
		config:  config,
		log:     core.Logger(),
		status:  StatusDisconnected,
		pending: make(map[string]chan pendingReply),
		closeCh: make(chan struct{}),
	}
}

// Name returns the plugin name
func (c *Channel) Name() string {
	return "signaling"
}

// Status returns the current channel status.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// IsConnected returns whether the channel is currently open.
func (c *Channel) IsConnected() bool {
	return c.Status() == StatusConnected
}

// OnEvent registers a handler for server-pushed events and returns a
// remover. The handler set lives on the Channel, not on the underlying
// socket: the per-socket read loop is installed exactly once per socket
// instance, so handlers survive reconnects without re-registration.
// Re-registering the same handler after a reconnect is both unnecessary and
// a bug — it would deliver every event twice.
func (c *Channel) OnEvent(handler EventHandler) (remove func()) {
	c.handlerMu.Lock()
	c.eventHandlers = append(c.eventHandlers, handler)
	idx := len(c.eventHandlers) - 1
	c.handlerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.handlerMu.Lock()
			c.eventHandlers[idx] = nil
			c.handlerMu.Unlock()
		})
	}
}

// OnStatus registers a handler for channel status transitions and returns a
// remover.
func (c *Channel) OnStatus(handler StatusHandler) (remove func()) {
	c.handlerMu.Lock()
	c.statusHandlers = append(c.statusHandlers, handler)
	idx := len(c.statusHandlers) - 1
	c.handlerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.handlerMu.Lock()
			c.statusHandlers[idx] = nil
			c.handlerMu.Unlock()
		})
	}
}

// Connect establishes the channel. It is idempotent if the channel is
// already open or a connection attempt is in progress. The server must
// acknowledge the auth frame within the ack window or the attempt fails
// with ErrConnectTimeout.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.status {
	case StatusConnected:
		c.mu.Unlock()
		return nil
	case StatusConnecting, StatusDegraded:
		c.mu.Unlock()
		return nil
	}
	c.closing = false
	c.closeCh = make(chan struct{})
	c.mu.Unlock()

	c.setStatus(StatusConnecting)

	if err := c.dialAndHandshake(ctx); err != nil {
		c.setStatus(StatusDisconnected)
		return err
	}

	return nil
}

// Disconnect closes the channel and stops reconnection. In-flight requests
// fail with ErrChannelClosed. Safe to call when already disconnected.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	if c.status == StatusDisconnected && c.conn == nil {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.generation++
	conn := c.conn
	c.conn = nil
	select {
	case <-c.closeCh:
	default:
		close(c.closeCh)
	}
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "disconnected by client"))
		_ = conn.Close()
	}

	c.failPending(ErrChannelClosed)
	c.setStatus(StatusDisconnected)
	return nil
}

// Request sends a correlated request and waits for the server's reply.
// It fails with ErrRequestTimeout after the request budget, with the
// server's ServerError if the reply carries one, or with the context's
// error if ctx is done first.
func (c *Channel) Request(ctx context.Context, event string, payload interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	connected := c.status == StatusConnected
	c.mu.Unlock()
	if !connected || conn == nil {
		return nil, ErrNotConnected
	}

	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
		}
		data = b
	}

	id := uuid.New().String()
	f := &frame{
		ID:         id,
		Type:       frameRequest,
		Event:      event,
		Data:       data,
		TrackingID: fmt.Sprintf("meshtalk-go-sdk_%s", uuid.New().String()),
	}

	replyCh := make(chan pendingReply, 1)
	c.pendingMu.Lock()
	c.pending[id] = replyCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.writeFrame(conn, f); err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", event, err)
	}

	timer := time.NewTimer(c.config.RequestTimeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		if reply.err != nil {
			return nil, fmt.Errorf("%s: %w", event, reply.err)
		}
		if reply.frame.Error != nil {
			return nil, fmt.Errorf("%s failed: %w", event, reply.frame.Error)
		}
		return reply.frame.Data, nil
	case <-timer.C:
		c.log.WithFields(logrus.Fields{"event": event, "id": id}).Warn("Signaling request timed out")
		return nil, fmt.Errorf("%s: %w", event, ErrRequestTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RequestInto sends a correlated request and unmarshals the reply into out.
// A nil out discards the reply body.
func (c *Channel) RequestInto(ctx context.Context, event string, payload, out interface{}) error {
	data, err := c.Request(ctx, event, payload)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s reply: %w", event, err)
	}
	return nil
}

// ---- connection internals ----

// dialAndHandshake performs one dial + auth + hello exchange and, on
// success, installs the read loop and keepalive for the new socket.
func (c *Channel) dialAndHandshake(ctx context.Context) error {
	// Reuse the cached token across reconnects; only go back to the
	// provider when it is about to expire.
	c.mu.Lock()
	token := c.lastToken
	c.mu.Unlock()
	if token == "" || meshtalksdk.TokenExpired(token, c.config.TokenMargin) {
		fresh, err := c.core.AccessToken(ctx)
		if err != nil {
			return fmt.Errorf("failed to get access token: %w", err)
		}
		token = fresh
		c.mu.Lock()
		c.lastToken = token
		c.mu.Unlock()
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.config.AckTimeout}
	headers := map[string][]string{
		"Authorization": {"Bearer " + token},
		"TrackingID":    {fmt.Sprintf("meshtalk-go-sdk_%d", time.Now().UnixMilli())},
	}

	conn, _, err := dialer.DialContext(ctx, c.core.Config.SignalingURL, headers)
	if err != nil {
		return fmt.Errorf("failed to connect to signaling server: %w", err)
	}

	if err := c.authenticate(conn, token); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.generation++
	gen := c.generation
	// Capture under the lock: Connect replaces c.closeCh on reuse, and a
	// goroutine from a previous session must keep watching its own channel.
	closeCh := c.closeCh
	c.mu.Unlock()

	c.setStatus(StatusConnected)

	// The read loop is the single listener set for this socket instance.
	// It is installed exactly once here; installing it again on the same
	// socket would silently split frame delivery.
	go c.readLoop(conn, gen)
	go c.keepalive(conn, gen, closeCh)

	return nil
}

// authenticate sends the auth frame and waits for the server hello.
func (c *Channel) authenticate(conn *websocket.Conn, token string) error {
	authData, _ := json.Marshal(map[string]string{"token": token})
	auth := &frame{
		ID:   uuid.New().String(),
		Type: frameAuth,
		Data: authData,
	}
	if err := c.writeFrame(conn, auth); err != nil {
		return fmt.Errorf("failed to send auth frame: %w", err)
	}

	deadline := time.Now().Add(c.config.AckTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return err
	}
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
		}

		var f frame
		if err := json.Unmarshal(message, &f); err != nil {
			continue
		}
		switch f.Type {
		case frameHello:
			return nil
		case "error":
			if f.Error != nil {
				return fmt.Errorf("signaling handshake rejected: %w", f.Error)
			}
			return fmt.Errorf("signaling handshake rejected")
		}
	}
}

// readLoop reads frames from one socket instance until it dies, then hands
// off to the reconnect loop unless the client is closing.
func (c *Channel) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.handleConnectionLoss(conn, gen, err)
			return
		}

		var f frame
		if err := json.Unmarshal(message, &f); err != nil {
			c.log.WithField("error", err).Debug("Dropping unparseable signaling frame")
			continue
		}

		switch f.Type {
		case frameResponse:
			c.pendingMu.Lock()
			replyCh, ok := c.pending[f.ID]
			c.pendingMu.Unlock()
			if ok {
				replyCh <- pendingReply{frame: &f}
			}
		case frameEvent:
			c.dispatchEvent(&f)
		}
	}
}

// dispatchEvent delivers a server-pushed event to the handler set,
// synchronously and in arrival order.
func (c *Channel) dispatchEvent(f *frame) {
	c.handlerMu.Lock()
	handlers := make([]EventHandler, len(c.eventHandlers))
	copy(handlers, c.eventHandlers)
	c.handlerMu.Unlock()

	c.log.WithField("event", f.Event).Debug("Signaling event received")
	for _, h := range handlers {
		if h != nil {
			h(f.Event, f.Data)
		}
	}
}

// handleConnectionLoss marks the channel degraded and starts the unbounded
// reconnect loop, unless the loss came from a deliberate Disconnect or a
// stale socket generation.
func (c *Channel) handleConnectionLoss(conn *websocket.Conn, gen int, cause error) {
	c.mu.Lock()
	if c.closing || gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	closeCh := c.closeCh
	c.mu.Unlock()

	conn.Close()
	c.failPending(ErrNotConnected)

	c.log.WithField("error", cause).Warn("Signaling transport lost, reconnecting")
	c.setStatus(StatusDegraded)

	go c.reconnectLoop(closeCh)
}

// reconnectLoop retries indefinitely with capped exponential backoff. The
// channel stays degraded, never torn down: a call in progress may still be
// recoverable on the same call id once the server pushes a rejoin.
// closeCh belongs to the session the loop was started for; Disconnect closes
// it, and a later Connect starts a fresh session with a fresh channel.
func (c *Channel) reconnectLoop(closeCh chan struct{}) {
	backoff := c.config.BackoffTimeReset

	for {
		select {
		case <-closeCh:
			return
		case <-time.After(backoff):
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.config.AckTimeout)
		err := c.dialAndHandshake(ctx)
		cancel()
		if err == nil {
			c.log.Info("Signaling transport restored")
			return
		}

		c.log.WithFields(logrus.Fields{"error": err, "backoff": backoff}).Warn("Signaling reconnect failed")
		backoff *= 2
		if backoff > c.config.BackoffTimeMax {
			backoff = c.config.BackoffTimeMax
		}
	}
}

// keepalive runs the websocket ping cycle for one socket instance.
func (c *Channel) keepalive(conn *websocket.Conn, gen int, closeCh chan struct{}) {
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Time{})
	})

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			stale := gen != c.generation
			c.mu.Unlock()
			if stale {
				return
			}
			if err := conn.SetReadDeadline(time.Now().Add(c.config.PongTimeout)); err != nil {
				return
			}
			c.writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, []byte(fmt.Sprintf("%d", time.Now().UnixMilli())))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-closeCh:
			return
		}
	}
}

// writeFrame serializes and writes one frame, holding the write mutex.
func (c *Channel) writeFrame(conn *websocket.Conn, f *frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, b)
}

// failPending unblocks every in-flight request with the given error.
func (c *Channel) failPending(err error) {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		select {
		case ch <- pendingReply{err: err}:
		default:
		}
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

// setStatus updates the status and notifies status handlers.
func (c *Channel) setStatus(s Status) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	c.mu.Unlock()

	c.handlerMu.Lock()
	handlers := make([]StatusHandler, len(c.statusHandlers))
	copy(handlers, c.statusHandlers)
	c.handlerMu.Unlock()

	for _, h := range handlers {
		if h != nil {
			h(s)
		}
	}
}
