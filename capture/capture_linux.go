/* SPDX-License-Identifier: MPL-2.0
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

//go:build linux && cgo

package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// platformCapture acquires tracks through pion/mediadevices (V4L2 + malgo).
type platformCapture struct {
	mu       sync.Mutex
	selector *mediadevices.CodecSelector
}

func newPlatformCapture() MediaCapture {
	return &platformCapture{}
}

// codecSelector lazily builds the VP8+Opus codec selector. Encoder params
// are immutable after first use, so one selector serves all tracks.
func (p *platformCapture) codecSelector() (*mediadevices.CodecSelector, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.selector != nil {
		return p.selector, nil
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to init VP8 encoder: %w", err)
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to init Opus encoder: %w", err)
	}

	p.selector = mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)
	return p.selector, nil
}

// AudioTrack opens the default microphone.
func (p *platformCapture) AudioTrack(_ context.Context) (Track, error) {
	selector, err := p.codecSelector()
	if err != nil {
		return nil, err
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: selector,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
	}

	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, ErrNoDevice
	}
	return &deviceTrack{kind: KindAudio, track: tracks[0]}, nil
}

// VideoTrack opens a camera. Desktop V4L2 devices do not report a facing
// direction, so front is ignored here; switching cameras re-acquires
// whatever device enumerates first.
func (p *platformCapture) VideoTrack(_ context.Context, front bool) (Track, error) {
	selector, err := p.codecSelector()
	if err != nil {
		return nil, err
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only — MJPEG camera nodes can emit malformed
			// frames that poison the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		},
		Codec: selector,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
	}

	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, ErrNoDevice
	}

	logrus.WithFields(logrus.Fields{"front": front, "tracks": len(tracks)}).Debug("Camera capture started")
	return &deviceTrack{kind: KindVideo, track: tracks[0]}, nil
}

// deviceTrack wraps a mediadevices track as a capture.Track.
type deviceTrack struct {
	kind  string
	track mediadevices.Track

	mu      sync.Mutex
	stopped bool
}

func (t *deviceTrack) Kind() string { return t.kind }

func (t *deviceTrack) TrackLocal() webrtc.TrackLocal { return t.track }

func (t *deviceTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return nil
	}
	t.stopped = true
	return t.track.Close()
}
