/* SPDX-License-Identifier: MPL-2.0
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package capture acquires local microphone and camera tracks. The calling
// plugin consumes it through the MediaCapture interface only, so tests and
// headless hosts can substitute their own sources.
package capture

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

// Kind of a captured track.
const (
	KindAudio = "audio"
	KindVideo = "video"
)

// ErrNoDevice indicates no capture device is available on this host.
var ErrNoDevice = errors.New("no capture device available")

// Track is one live capture track. Stop releases the hardware; a stopped
// track cannot be restarted — acquire a new one instead.
type Track interface {
	// Kind returns KindAudio or KindVideo.
	Kind() string

	// TrackLocal exposes the track for attachment to a transport.
	TrackLocal() webrtc.TrackLocal

	// Stop releases the underlying hardware capture. Idempotent.
	Stop() error
}

// MediaCapture acquires local media tracks. Acquisition may prompt the user
// for permission and therefore takes a context.
type MediaCapture interface {
	// AudioTrack opens the microphone.
	AudioTrack(ctx context.Context) (Track, error)

	// VideoTrack opens a camera. front selects the front-facing camera
	// where the platform distinguishes one.
	VideoTrack(ctx context.Context, front bool) (Track, error)
}

// New returns the default MediaCapture for this platform.
func New() MediaCapture {
	return newPlatformCapture()
}
