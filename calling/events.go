/* SPDX-License-Identifier: MPL-2.0
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"encoding/json"
	"fmt"
)

// ---- Signaling request event names ----

const (
	reqInitiate          = "call:initiate"
	reqInitiateGroup     = "call:initiateGroup"
	reqAccept            = "call:accept"
	reqJoinGroup         = "call:joinGroup"
	reqReject            = "call:reject"
	reqEnd               = "call:end"
	reqLeaveGroup        = "call:leaveGroup"
	reqToggleMute        = "call:toggleMute"
	reqToggleCamera      = "call:toggleCamera"
	reqUpgradeToVideo    = "call:upgradeToVideo"
	reqForceCleanup      = "call:forceCleanup"
	reqRouterCaps        = "getRouterRtpCapabilities"
	reqCreateTransport   = "createTransport"
	reqConnectTransport  = "connectTransport"
	reqProduce           = "produce"
	reqConsume           = "consume"
	reqResumeConsumer    = "resumeConsumer"
	reqExistingProducers = "getExistingProducers"
)

// ---- Server-pushed event names ----

const (
	evIncoming            = "call:incoming"
	evAccepted            = "call:accepted"
	evRejected            = "call:rejected"
	evEnded               = "call:ended"
	evTimeout             = "call:timeout"
	evNewProducer         = "call:newProducer"
	evPeerMuteChanged     = "call:peerMuteChanged"
	evPeerCameraChanged   = "call:peerCameraChanged"
	evUpgradedToVideo     = "call:upgradedToVideo"
	evParticipantJoined   = "call:participantJoined"
	evParticipantLeft     = "call:participantLeft"
	evParticipantDeclined = "call:participantDeclined"
	evPeerDisconnected    = "call:peerDisconnected"
	evPeerReconnected     = "call:peerReconnected"
	evRejoin              = "call:rejoin"
	evWaitingForPeers     = "call:waitingForPeers"
)

// ---- Typed server event payloads ----
//
// Every server push is decoded into one of these at the signaling boundary;
// nothing downstream touches raw JSON.

// IncomingCallEvent announces a call this client is being invited to.
type IncomingCallEvent struct {
	CallID         string `json:"callId"`
	CallerID       string `json:"callerId"`
	CallerName     string `json:"callerName"`
	ConversationID string `json:"conversationId"`
	IsVideoCall    bool   `json:"isVideoCall"`
	IsGroupCall    bool   `json:"isGroupCall"`
	GroupName      string `json:"groupName,omitempty"`
}

// AcceptedEvent says the remote peer accepted our outgoing call.
type AcceptedEvent struct {
	CallID string `json:"callId"`
	UserID string `json:"userId,omitempty"`
}

// RejectedEvent says the remote peer rejected our outgoing call.
type RejectedEvent struct {
	CallID string `json:"callId"`
}

// EndedEvent says the server or remote peer ended the call.
type EndedEvent struct {
	CallID string `json:"callId"`
	Reason string `json:"reason,omitempty"`
}

// TimeoutEvent says the call rang out unanswered.
type TimeoutEvent struct {
	CallID string `json:"callId"`
}

// NewProducerEvent announces a remote outbound stream available to consume.
type NewProducerEvent struct {
	CallID         string `json:"callId,omitempty"`
	ProducerID     string `json:"producerId"`
	ProducerUserID string `json:"producerUserId"`
	Kind           string `json:"kind"`
}

// PeerMuteChangedEvent reflects the remote peer's mute flag.
type PeerMuteChangedEvent struct {
	CallID  string `json:"callId"`
	UserID  string `json:"userId,omitempty"`
	IsMuted bool   `json:"isMuted"`
}

// PeerCameraChangedEvent reflects the remote peer's camera flag.
type PeerCameraChangedEvent struct {
	CallID     string `json:"callId"`
	UserID     string `json:"userId,omitempty"`
	IsCameraOn bool   `json:"isCameraOn"`
}

// UpgradedToVideoEvent says the call was upgraded from audio to video.
type UpgradedToVideoEvent struct {
	CallID string `json:"callId"`
}

// ParticipantJoinedEvent says a group participant went active.
type ParticipantJoinedEvent struct {
	CallID   string `json:"callId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

// ParticipantLeftEvent says a group participant left.
type ParticipantLeftEvent struct {
	CallID string `json:"callId"`
	UserID string `json:"userId"`
}

// ParticipantDeclinedEvent says an invited group participant declined.
type ParticipantDeclinedEvent struct {
	CallID string `json:"callId"`
	UserID string `json:"userId"`
}

// PeerDisconnectedEvent says a peer's transport dropped; the server holds
// the call open for a reconnect grace window.
type PeerDisconnectedEvent struct {
	CallID string `json:"callId"`
	UserID string `json:"userId,omitempty"`
}

// PeerReconnectedEvent clears a prior PeerDisconnectedEvent.
type PeerReconnectedEvent struct {
	CallID string `json:"callId"`
	UserID string `json:"userId,omitempty"`
}

// RejoinEvent reattaches this client to its still-active call after a
// signaling reconnect. Authorization is entirely server-side; the client
// only honors it for the call id it already holds.
type RejoinEvent struct {
	CallID string `json:"callId"`
}

// WaitingForPeersEvent says the group call is open but nobody joined yet.
type WaitingForPeersEvent struct {
	CallID string `json:"callId"`
}

// decodeServerEvent turns a raw server push into its typed payload.
// Unknown events decode to nil and are skipped by the caller.
func decodeServerEvent(event string, data json.RawMessage) (interface{}, error) {
	var payload interface{}
	switch event {
	case evIncoming:
		payload = &IncomingCallEvent{}
	case evAccepted:
		payload = &AcceptedEvent{}
	case evRejected:
		payload = &RejectedEvent{}
	case evEnded:
		payload = &EndedEvent{}
	case evTimeout:
		payload = &TimeoutEvent{}
	case evNewProducer:
		payload = &NewProducerEvent{}
	case evPeerMuteChanged:
		payload = &PeerMuteChangedEvent{}
	case evPeerCameraChanged:
		payload = &PeerCameraChangedEvent{}
	case evUpgradedToVideo:
		payload = &UpgradedToVideoEvent{}
	case evParticipantJoined:
		payload = &ParticipantJoinedEvent{}
	case evParticipantLeft:
		payload = &ParticipantLeftEvent{}
	case evParticipantDeclined:
		payload = &ParticipantDeclinedEvent{}
	case evPeerDisconnected:
		payload = &PeerDisconnectedEvent{}
	case evPeerReconnected:
		payload = &PeerReconnectedEvent{}
	case evRejoin:
		payload = &RejoinEvent{}
	case evWaitingForPeers:
		payload = &WaitingForPeersEvent{}
	default:
		return nil, nil
	}

	if err := json.Unmarshal(data, payload); err != nil {
		return nil, fmt.Errorf("malformed %s payload: %w", event, err)
	}
	return payload, nil
}

// ---- Emitter event keys ----

// EventKey identifies a calling-plugin event delivered to subscribers.
type EventKey string

const (
	// EventCallStateChange carries a CallState snapshot.
	EventCallStateChange EventKey = "call_state_change"
	// EventIncomingCall carries an *IncomingCallEvent.
	EventIncomingCall EventKey = "incoming_call"
	// EventRemoteMedia carries a Consumer whose stream just became live.
	EventRemoteMedia EventKey = "remote_media"
)
