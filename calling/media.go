/* SPDX-License-Identifier: MPL-2.0
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"encoding/json"

	"github.com/meshtalk/meshtalk-go-sdk/capture"
)

// MediaKind distinguishes audio and video streams.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// TransportDirection distinguishes the send and receive network paths.
type TransportDirection string

const (
	DirectionSend TransportDirection = "send"
	DirectionRecv TransportDirection = "recv"
)

// Device wraps the client-side media-session engine. It is loaded once per
// call with the server router's capabilities and then mints transports.
// Implementations must make Close-like operations on derived objects
// idempotent: closing a transport twice, or one that never connected, is a
// no-op.
type Device interface {
	// Load configures the device against the router's RTP capabilities.
	// Loading an already-loaded device is a no-op.
	Load(routerCaps json.RawMessage) error

	// Loaded reports whether Load has succeeded.
	Loaded() bool

	// RTPCapabilities returns the device's receive capabilities, sent to
	// the server when consuming.
	RTPCapabilities() json.RawMessage

	// CreateTransport builds the local half of a transport from the
	// server-supplied parameters.
	CreateTransport(dir TransportDirection, info TransportInfo) (Transport, error)

	// Close releases everything the device minted. Idempotent.
	Close() error
}

// Transport is one negotiated network path (send or receive) for a call.
type Transport interface {
	ID() string
	Direction() TransportDirection

	// LocalParameters returns the DTLS/ICE parameters for the
	// connectTransport handshake with the server.
	LocalParameters() (json.RawMessage, error)

	// SetRemoteParameters applies the server's half of the handshake.
	SetRemoteParameters(params json.RawMessage) error

	// Produce registers a local capture track on a send transport and
	// returns its producer.
	Produce(track capture.Track) (Producer, error)

	// Consume binds a receive transport to a remote producer using the
	// parameters the server granted. Consumers start paused.
	Consume(opts ConsumerOptions) (Consumer, error)

	// Close releases the transport and everything on it. Idempotent.
	Close() error
}

// Producer is a local outbound stream registered with the session.
type Producer interface {
	ID() string
	Kind() MediaKind

	// RTPParameters returns the parameters announced to the server in the
	// produce handshake.
	RTPParameters() json.RawMessage

	// Pause stops sending without releasing the capture track, Resume
	// restarts it. Toggling mute/camera reuses the producer this way; the
	// track is only re-acquired after a full Close.
	Pause() error
	Resume() error
	Paused() bool

	// Close releases the producer and stops its capture track. Idempotent.
	Close() error
}

// ConsumerOptions carries the server's grant for consuming one remote
// producer.
type ConsumerOptions struct {
	ID            string
	ProducerID    string
	Kind          MediaKind
	RTPParameters json.RawMessage
}

// Consumer is a local inbound handle bound to one remote producer.
type Consumer interface {
	ID() string
	ProducerID() string
	Kind() MediaKind

	// Resume unpauses the consumer. Consumers are created paused and must
	// be resumed explicitly after the server-side resume succeeds.
	Resume() error

	// Close releases the consumer. Idempotent.
	Close() error
}

// DeviceFactory mints one Device per call session.
type DeviceFactory func() (Device, error)
