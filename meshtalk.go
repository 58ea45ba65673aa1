/* SPDX-License-Identifier: MPL-2.0
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package meshtalk is the top-level client for the MeshTalk real-time call
// platform. It wires the core client, the signaling channel, the calling
// plugin, and the audio router together; each part can also be used on its
// own.
package meshtalk

import (
	"sync"

	"github.com/meshtalk/meshtalk-go-sdk/audioroute"
	"github.com/meshtalk/meshtalk-go-sdk/calling"
	"github.com/meshtalk/meshtalk-go-sdk/meshtalksdk"
	"github.com/meshtalk/meshtalk-go-sdk/signaling"
)

// Client is the top-level client for the MeshTalk platform
type Client struct {
	// Core client shared by all plugins
	core *meshtalksdk.Client

	// Mutex for thread-safe lazy initialization of plugins
	mu sync.Mutex

	signalingClient *signaling.Channel
	callingClient   *calling.Client
	audioRouter     *audioroute.Router
}

// NewClient creates a new MeshTalk client with the given access token and
// optional configuration
func NewClient(accessToken string, config *meshtalksdk.Config) (*Client, error) {
	return NewClientWithTokenProvider(meshtalksdk.StaticTokenProvider(accessToken), config)
}

// NewClientWithTokenProvider creates a new MeshTalk client that fetches its
// token on demand, so long-lived clients can rotate credentials.
func NewClientWithTokenProvider(tokens meshtalksdk.TokenProvider, config *meshtalksdk.Config) (*Client, error) {
	core, err := meshtalksdk.NewClient(tokens, config)
	if err != nil {
		return nil, err
	}
	return &Client{core: core}, nil
}

// Core returns the underlying core client
func (c *Client) Core() *meshtalksdk.Client {
	return c.core
}

// Signaling returns the signaling channel plugin
func (c *Client) Signaling() *signaling.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signalingLocked()
}

func (c *Client) signalingLocked() *signaling.Channel {
	if c.signalingClient == nil {
		c.signalingClient = signaling.New(c.core, nil)
		c.core.RegisterPlugin(c.signalingClient)
	}
	return c.signalingClient
}

// Calling returns the calling plugin, creating it (and its signaling
// channel) on first use. The audio router follows the call lifecycle
// automatically: a new active call re-probes routes, a terminal call
// returns to the earpiece.
func (c *Client) Calling(config *calling.Config) (*calling.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.callingClient != nil {
		return c.callingClient, nil
	}

	channel := c.signalingLocked()
	callingClient, err := calling.New(c.core, channel, config)
	if err != nil {
		return nil, err
	}
	c.core.RegisterPlugin(callingClient)

	callingClient.OnCallStateChange(newRouteFollower(c.audioRouterLocked()))

	c.callingClient = callingClient
	return c.callingClient, nil
}

// newRouteFollower returns a call-state handler that drives the audio router
// on status edges: entering active re-probes routes, reaching a terminal
// status returns to the earpiece. Snapshots that keep the same status (mute
// toggles, duration ticks) do not re-trigger discovery.
func newRouteFollower(router *audioroute.Router) func(calling.CallState) {
	var mu sync.Mutex
	prev := calling.CallStatusIdle
	return func(state calling.CallState) {
		mu.Lock()
		last := prev
		prev = state.Status
		mu.Unlock()
		if state.Status == last {
			return
		}
		switch {
		case state.Status == calling.CallStatusActive:
			router.CallStarted()
		case state.Status.Terminal():
			router.CallEnded()
		}
	}
}

// AudioRoutes returns the audio output router
func (c *Client) AudioRoutes() *audioroute.Router {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioRouterLocked()
}

func (c *Client) audioRouterLocked() *audioroute.Router {
	if c.audioRouter == nil {
		c.audioRouter = audioroute.New(nil)
	}
	return c.audioRouter
}
