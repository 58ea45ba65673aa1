/* SPDX-License-Identifier: MPL-2.0
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package signaling

import (
	"errors"
	"fmt"
)

// Sentinel errors for signaling channel operations.
// These enable reliable error classification using errors.Is().
var (
	// ErrNotConnected indicates the channel is not currently open.
	ErrNotConnected = errors.New("signaling channel not connected")

	// ErrConnectTimeout indicates the server did not acknowledge the
	// handshake within the ack window.
	ErrConnectTimeout = errors.New("signaling connect timed out waiting for server ack")

	// ErrRequestTimeout indicates no correlated reply arrived within the
	// request budget.
	ErrRequestTimeout = errors.New("signaling request timed out")

	// ErrChannelClosed indicates the channel was closed by the client while
	// a request was in flight.
	ErrChannelClosed = errors.New("signaling channel closed")
)

// ServerError is a structured error returned by the call-coordination server
// in a correlated reply. Consumers can use errors.As(err, &serverErr) to
// access the code and tracking ID regardless of wrapping.
type ServerError struct {
	// Code is the machine-readable error code from the server.
	Code string `json:"code"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// TrackingID is the server-side tracking identifier for support debugging.
	TrackingID string `json:"trackingId,omitempty"`
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	msg := fmt.Sprintf("server error: %s", e.Code)
	if e.Message != "" {
		msg += " - " + e.Message
	}
	if e.TrackingID != "" {
		msg += " (trackingId: " + e.TrackingID + ")"
	}
	return msg
}
