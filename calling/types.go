/* SPDX-License-Identifier: MPL-2.0
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import "encoding/json"

// CallStatus is the lifecycle status of the one call a client can hold.
type CallStatus string

const (
	CallStatusIdle       CallStatus = "idle"
	CallStatusConnecting CallStatus = "connecting"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusActive     CallStatus = "active"
	CallStatusEnded      CallStatus = "ended"
	CallStatusRejected   CallStatus = "rejected"
	CallStatusMissed     CallStatus = "missed"
	CallStatusError      CallStatus = "error"
)

// Terminal reports whether the status ends the call. After a terminal
// status the state settles briefly, then resets to idle.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusEnded, CallStatusRejected, CallStatusMissed, CallStatusError:
		return true
	}
	return false
}

// ParticipantStatus is the per-participant status in a group call.
type ParticipantStatus string

const (
	ParticipantRinging      ParticipantStatus = "ringing"
	ParticipantActive       ParticipantStatus = "active"
	ParticipantLeft         ParticipantStatus = "left"
	ParticipantDisconnected ParticipantStatus = "disconnected"
	ParticipantDeclined     ParticipantStatus = "declined"
	ParticipantOffline      ParticipantStatus = "offline"
)

// GroupParticipant is one remote member of a group call.
type GroupParticipant struct {
	UserID   string            `json:"userId"`
	UserName string            `json:"userName"`
	IsMuted  bool              `json:"isMuted"`
	Status   ParticipantStatus `json:"status"`
}

// normalizeParticipants validates a participant list at the deserialization
// boundary: a server that omits the status field means the invitee is still
// being rung. An empty status must never reach the state machine — the
// all-declined check matches on the enum values.
func normalizeParticipants(list []GroupParticipant) []GroupParticipant {
	for i := range list {
		if list[i].Status == "" {
			list[i].Status = ParticipantRinging
		}
	}
	return list
}

// CallState is the single authoritative call record. Subscribers receive
// value copies; only the calling Client mutates the live instance.
type CallState struct {
	Status CallStatus `json:"status"`

	// CallID is assigned by the signaling server; empty when idle.
	CallID   string `json:"callId,omitempty"`
	IsCaller bool   `json:"isCaller"`

	// 1:1 peer identity; empty for group calls.
	RemoteUserID   string `json:"remoteUserId,omitempty"`
	RemoteUserName string `json:"remoteUserName,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`

	IsMuted     bool `json:"isMuted"`
	IsPeerMuted bool `json:"isPeerMuted"`

	IsVideoCall    bool `json:"isVideoCall"`
	IsCameraOn     bool `json:"isCameraOn"`
	IsFrontCamera  bool `json:"isFrontCamera"`
	IsPeerCameraOn bool `json:"isPeerCameraOn"`

	// Duration in whole seconds, ticking only while active.
	Duration int `json:"duration"`

	IsGroupCall  bool               `json:"isGroupCall"`
	GroupName    string             `json:"groupName,omitempty"`
	Participants []GroupParticipant `json:"participants,omitempty"`

	// Error is the last advisory or fatal message; cleared on recovery.
	Error string `json:"error,omitempty"`
}

// snapshot returns a value copy safe to hand to subscribers.
func (s *CallState) snapshot() CallState {
	out := *s
	if s.Participants != nil {
		out.Participants = make([]GroupParticipant, len(s.Participants))
		copy(out.Participants, s.Participants)
	}
	return out
}

// ActiveParticipants counts joined remote participants plus the local user,
// the number a UI shows as "in call".
func (s CallState) ActiveParticipants() int {
	n := 1
	for _, p := range s.Participants {
		if p.Status == ParticipantActive {
			n++
		}
	}
	return n
}

// ---- Wire request/response payloads ----

type initiateRequest struct {
	CalleeID       string `json:"calleeId"`
	CallerName     string `json:"callerName"`
	ConversationID string `json:"conversationId"`
	IsVideoCall    bool   `json:"isVideoCall"`
}

type initiateResponse struct {
	CallID string `json:"callId"`
}

type initiateGroupRequest struct {
	ParticipantIDs []string `json:"participantIds"`
	CallerName     string   `json:"callerName"`
	ConversationID string   `json:"conversationId"`
	GroupName      string   `json:"groupName"`
	IsVideoCall    bool     `json:"isVideoCall"`
}

type initiateGroupResponse struct {
	CallID       string             `json:"callId"`
	Participants []GroupParticipant `json:"participants"`
}

type callRef struct {
	CallID string `json:"callId"`
}

type toggleMuteRequest struct {
	CallID  string `json:"callId"`
	IsMuted bool   `json:"isMuted"`
}

type toggleCameraRequest struct {
	CallID     string `json:"callId"`
	IsCameraOn bool   `json:"isCameraOn"`
}

// ---- Media negotiation wire payloads ----

type createTransportRequest struct {
	CallID    string `json:"callId"`
	Direction string `json:"direction"` // "send" or "recv"
}

// TransportInfo carries the server's half of a transport: its id plus the
// ICE/DTLS parameters the local device needs to build the network path.
type TransportInfo struct {
	ID             string          `json:"id"`
	ICEParameters  json.RawMessage `json:"iceParameters,omitempty"`
	ICECandidates  json.RawMessage `json:"iceCandidates,omitempty"`
	DTLSParameters json.RawMessage `json:"dtlsParameters,omitempty"`
}

type connectTransportRequest struct {
	CallID         string          `json:"callId"`
	Direction      string          `json:"direction"`
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
}

type connectTransportResponse struct {
	DTLSParameters json.RawMessage `json:"dtlsParameters,omitempty"`
}

type produceRequest struct {
	CallID        string          `json:"callId"`
	Kind          string          `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
}

type produceResponse struct {
	ProducerID string `json:"producerId"`
}

type consumeRequest struct {
	CallID          string          `json:"callId"`
	ProducerID      string          `json:"producerId"`
	RTPCapabilities json.RawMessage `json:"rtpCapabilities"`
}

type consumeResponse struct {
	ConsumerID    string          `json:"consumerId"`
	ProducerID    string          `json:"producerId"`
	Kind          string          `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
}

type resumeConsumerRequest struct {
	CallID     string `json:"callId"`
	ConsumerID string `json:"consumerId"`
}

type existingProducersResponse struct {
	Producers []NewProducerEvent `json:"producers"`
}
