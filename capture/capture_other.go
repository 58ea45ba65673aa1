/* SPDX-License-Identifier: MPL-2.0
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

//go:build !linux || !cgo

package capture

import "context"

// platformCapture on non-Linux platforms reports no devices. Hardware
// capture via pion/mediadevices needs platform drivers (V4L2/malgo on
// Linux); hosts on other platforms inject their own MediaCapture.
type platformCapture struct{}

func newPlatformCapture() MediaCapture {
	return platformCapture{}
}

func (platformCapture) AudioTrack(_ context.Context) (Track, error) {
	return nil, ErrNoDevice
}

func (platformCapture) VideoTrack(_ context.Context, _ bool) (Track, error) {
	return nil, ErrNoDevice
}
