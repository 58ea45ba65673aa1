/* SPDX-License-Identifier: MPL-2.0
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import "errors"

// Sentinel errors for call actions. Policy errors surface immediately to
// the caller of the action and are never retried.
var (
	// ErrBusy indicates a call is already connecting, ringing, or active.
	ErrBusy = errors.New("a call is already in progress")

	// ErrNoRingingCall indicates accept/reject with nothing ringing.
	ErrNoRingingCall = errors.New("no ringing call")

	// ErrNoActiveCall indicates a mid-call action with no active call.
	ErrNoActiveCall = errors.New("no active call")

	// ErrNotCallee indicates accept was called by the calling side.
	ErrNotCallee = errors.New("only the callee can accept a call")

	// ErrAlreadyVideo indicates an upgrade on a call that already has video.
	ErrAlreadyVideo = errors.New("call is already a video call")

	// ErrNotVideoCall indicates a camera action on an audio-only call.
	ErrNotVideoCall = errors.New("not a video call")

	// ErrNegotiationFailed indicates media setup exhausted its retry budget.
	ErrNegotiationFailed = errors.New("media negotiation failed")

	// ErrSetupAborted indicates media setup stopped because the call left
	// the active status mid-sequence.
	ErrSetupAborted = errors.New("media setup aborted: call no longer active")
)
