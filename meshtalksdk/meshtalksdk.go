/* SPDX-License-Identifier: MPL-2.0
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package meshtalksdk provides the core client shared by all MeshTalk SDK
// plugins: configuration, authentication token access, and logging.
package meshtalksdk

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// TokenProvider supplies the access token used for the signaling handshake.
// Token storage and refresh live outside the SDK; implementations may block
// while a refresh is in flight, so a context is passed through.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenProvider wraps a fixed token string as a TokenProvider.
type StaticTokenProvider string

// Token returns the wrapped token.
func (s StaticTokenProvider) Token(_ context.Context) (string, error) {
	if s == "" {
		return "", fmt.Errorf("access token cannot be empty")
	}
	return string(s), nil
}

// Plugin represents a MeshTalk SDK plugin
type Plugin interface {
	// Name returns the name of the plugin
	Name() string
}

// Config holds the configuration for the core MeshTalk client
type Config struct {
	// SignalingURL is the websocket URL of the call-coordination server
	SignalingURL string

	// Timeout is the default budget for signaling requests
	Timeout time.Duration

	// Logger is the logger for SDK operations. If nil, the logrus standard
	// logger is used.
	Logger *logrus.Logger
}

// DefaultConfig returns a default configuration for the MeshTalk client
func DefaultConfig() *Config {
	return &Config{
		SignalingURL: "wss://signaling.meshtalk.io/v1/socket",
		Timeout:      10 * time.Second,
	}
}

// Client is the core MeshTalk client struct
type Client struct {
	// Token provider for the signaling handshake
	tokenProvider TokenProvider

	// Plugins registered with the client
	plugins map[string]Plugin

	// Configuration for the client
	Config *Config

	// Logger for SDK operations
	logger *logrus.Logger
}

// NewClient creates a new core client with the given token provider and
// optional configuration
func NewClient(tokens TokenProvider, config *Config) (*Client, error) {
	if tokens == nil {
		return nil, fmt.Errorf("token provider cannot be nil")
	}

	if config == nil {
		config = DefaultConfig()
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}

	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	client := &Client{
		tokenProvider: tokens,
		plugins:       make(map[string]Plugin),
		Config:        config,
		logger:        logger,
	}

	return client, nil
}

// AccessToken fetches the current access token from the token provider.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	return c.tokenProvider.Token(ctx)
}

// Logger returns the logger used by the SDK.
func (c *Client) Logger() *logrus.Logger {
	return c.logger
}

// RegisterPlugin registers a plugin with the client
func (c *Client) RegisterPlugin(plugin Plugin) {
	c.plugins[plugin.Name()] = plugin
}

// GetPlugin returns a plugin by name
func (c *Client) GetPlugin(name string) (Plugin, bool) {
	plugin, ok := c.plugins[name]
	return plugin, ok
}
