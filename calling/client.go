/* SPDX-License-Identifier: MPL-2.0
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package calling implements the MeshTalk call client: a single-call state
// machine, media negotiation against the call router, and recovery from
// transient signaling loss. A client holds at most one call at a time;
// everything it learns is published as CallState snapshots.
package calling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"

	"github.com/meshtalk/meshtalk-go-sdk/capture"
	"github.com/meshtalk/meshtalk-go-sdk/meshtalksdk"
	"github.com/meshtalk/meshtalk-go-sdk/signaling"
)

// PluginName is the name used to register this plugin with the core client.
const PluginName = "calling"

// Channel is the slice of the signaling channel the calling plugin depends
// on. *signaling.Channel satisfies it.
type Channel interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	Request(ctx context.Context, event string, payload interface{}) (json.RawMessage, error)
	OnEvent(handler signaling.EventHandler) (remove func())
	OnStatus(handler signaling.StatusHandler) (remove func())
}

// Config holds the configuration for the calling plugin.
type Config struct {
	// UserID and UserName identify the local user to call peers.
	UserID   string
	UserName string

	// DeviceFactory mints the per-call media device. Defaults to the
	// pion-backed NewWebRTCDevice.
	DeviceFactory DeviceFactory

	// Capture acquires microphone and camera tracks. Defaults to the
	// platform capture from the capture package.
	Capture capture.MediaCapture

	// SettleDelay is how long a terminal status stays visible before the
	// state resets to idle.
	SettleDelay time.Duration

	// RejoinWait is how long to wait for the server's rejoin push after a
	// signaling reconnect before declaring an in-flight call lost.
	RejoinWait time.Duration

	// Logger for plugin operations. If nil, the core client's logger is
	// used.
	Logger *logrus.Logger
}

// DefaultConfig returns the default calling configuration.
func DefaultConfig() *Config {
	return &Config{
		SettleDelay: 2 * time.Second,
		RejoinWait:  5 * time.Second,
	}
}

// FSM transition names. The machine states are the CallStatus values.
const (
	trDial     = "dial"
	trIncoming = "incoming"
	trRing     = "ring"
	trActivate = "activate"
	trEnd      = "end"
	trReject   = "reject"
	trMiss     = "miss"
	trFail     = "fail"
	trReset    = "reset"
)

func newCallMachine() *fsm.FSM {
	return fsm.NewFSM(
		string(CallStatusIdle),
		fsm.Events{
			{Name: trDial, Src: []string{string(CallStatusIdle)}, Dst: string(CallStatusConnecting)},
			{Name: trIncoming, Src: []string{string(CallStatusIdle)}, Dst: string(CallStatusRinging)},
			{Name: trRing, Src: []string{string(CallStatusConnecting)}, Dst: string(CallStatusRinging)},
			{Name: trActivate, Src: []string{string(CallStatusConnecting), string(CallStatusRinging)}, Dst: string(CallStatusActive)},
			{Name: trEnd, Src: []string{string(CallStatusConnecting), string(CallStatusRinging), string(CallStatusActive)}, Dst: string(CallStatusEnded)},
			{Name: trReject, Src: []string{string(CallStatusConnecting), string(CallStatusRinging)}, Dst: string(CallStatusRejected)},
			// Missed covers both an unanswered ring and a group call whose
			// every invitee declined; the latter is already active.
			{Name: trMiss, Src: []string{string(CallStatusConnecting), string(CallStatusRinging), string(CallStatusActive)}, Dst: string(CallStatusMissed)},
			{Name: trFail, Src: []string{string(CallStatusConnecting), string(CallStatusRinging), string(CallStatusActive)}, Dst: string(CallStatusError)},
			{Name: trReset, Src: []string{string(CallStatusEnded), string(CallStatusRejected), string(CallStatusMissed), string(CallStatusError)}, Dst: string(CallStatusIdle)},
		},
		fsm.Callbacks{},
	)
}

// Client is the calling plugin. All mutation of the call record happens
// under one mutex, so subscribers observe transitions in order.
type Client struct {
	channel Channel
	config  *Config
	log     *logrus.Entry
	emitter *EventEmitter

	listeners sync.Once

	mu      sync.Mutex
	machine *fsm.FSM
	state   CallState
	neg     *negotiator

	// generation identifies one call record; it advances when a record is
	// created and again when it is cleaned up. Timers and the media setup
	// goroutine carry the generation they were started for and become
	// no-ops when it has moved on.
	generation uint64

	durationStop   chan struct{}
	settleTimer    *time.Timer
	rejoinTimer    *time.Timer
	awaitingRejoin bool
	wasDegraded    bool
}

// New creates a Calling plugin instance backed by the given signaling
// channel.
func New(core *meshtalksdk.Client, channel Channel, config *Config) (*Client, error) {
	if channel == nil {
		return nil, errors.New("calling: signaling channel is required")
	}

	def := DefaultConfig()
	if config == nil {
		config = def
	}
	cfg := *config
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = def.SettleDelay
	}
	if cfg.RejoinWait <= 0 {
		cfg.RejoinWait = def.RejoinWait
	}
	if cfg.DeviceFactory == nil {
		cfg.DeviceFactory = NewWebRTCDevice
	}
	if cfg.Capture == nil {
		cfg.Capture = capture.New()
	}
	logger := cfg.Logger
	if logger == nil && core != nil {
		logger = core.Logger()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Client{
		channel: channel,
		config:  &cfg,
		log:     logger.WithField("plugin", PluginName),
		emitter: NewEventEmitter(),
		machine: newCallMachine(),
		state:   CallState{Status: CallStatusIdle},
	}, nil
}

// Name returns the plugin name.
func (c *Client) Name() string {
	return PluginName
}

// Connect installs the signaling listeners and connects the channel.
// Listeners are installed once and survive reconnects.
func (c *Client) Connect(ctx context.Context) error {
	c.listeners.Do(func() {
		c.channel.OnEvent(c.handleSignal)
		c.channel.OnStatus(c.handleChannelStatus)
	})
	return c.channel.Connect(ctx)
}

// Disconnect ends any call in progress, then closes the signaling channel.
func (c *Client) Disconnect() error {
	if err := c.EndCall(context.Background()); err != nil && !errors.Is(err, ErrNoActiveCall) {
		c.log.WithField("error", err).Warn("Failed to end call before disconnect")
	}
	return c.channel.Disconnect()
}

// GetState returns a snapshot of the current call record.
func (c *Client) GetState() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.snapshot()
}

// OnCallStateChange subscribes to call record snapshots and returns a
// remover.
func (c *Client) OnCallStateChange(handler func(CallState)) (remove func()) {
	return c.emitter.On(EventCallStateChange, func(data interface{}) {
		if s, ok := data.(CallState); ok {
			handler(s)
		}
	})
}

// OnIncomingCall subscribes to incoming-call announcements and returns a
// remover. The handler fires only when this client is free to take the
// call; a busy client auto-rejects instead.
func (c *Client) OnIncomingCall(handler func(IncomingCallEvent)) (remove func()) {
	return c.emitter.On(EventIncomingCall, func(data interface{}) {
		if ev, ok := data.(IncomingCallEvent); ok {
			handler(ev)
		}
	})
}

// OnRemoteMedia subscribes to remote streams going live and returns a
// remover.
func (c *Client) OnRemoteMedia(handler func(Consumer)) (remove func()) {
	return c.emitter.On(EventRemoteMedia, func(data interface{}) {
		if cons, ok := data.(Consumer); ok {
			handler(cons)
		}
	})
}

// InitiateCall starts a 1:1 call. The record moves to connecting
// immediately and to ringing once the server acknowledges.
func (c *Client) InitiateCall(ctx context.Context, calleeID, calleeName, conversationID string, isVideo bool) error {
	c.mu.Lock()
	if !c.transitionLocked(trDial) {
		c.mu.Unlock()
		return ErrBusy
	}
	c.generation++
	gen := c.generation
	c.state = CallState{
		Status:         CallStatusConnecting,
		IsCaller:       true,
		RemoteUserID:   calleeID,
		RemoteUserName: calleeName,
		ConversationID: conversationID,
		IsVideoCall:    isVideo,
		IsFrontCamera:  true,
	}
	snap := c.state.snapshot()
	c.mu.Unlock()
	c.publish(snap)

	// Clear any stale server-side call record left by a crashed session.
	if _, err := c.channel.Request(ctx, reqForceCleanup, nil); err != nil {
		c.log.WithField("error", err).Debug("Stale-call cleanup failed")
	}

	raw, err := c.channel.Request(ctx, reqInitiate, initiateRequest{
		CalleeID:       calleeID,
		CallerName:     c.config.UserName,
		ConversationID: conversationID,
		IsVideoCall:    isVideo,
	})
	if err != nil {
		c.failCall(gen, "failed to start call: "+err.Error())
		return err
	}

	var resp initiateResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		c.failCall(gen, "malformed initiate reply")
		return err
	}

	c.mu.Lock()
	if c.generation != gen || c.state.Status != CallStatusConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state.CallID = resp.CallID
	c.neg = c.newNegotiatorLocked(resp.CallID, true)
	c.transitionLocked(trRing)
	snap = c.state.snapshot()
	c.mu.Unlock()
	c.publish(snap)
	return nil
}

// InitiateGroupCall starts a group call. The server's reply confirms the
// invites went out, which is enough to go active: there is no caller-side
// ringing wait, participants join an already-open call.
func (c *Client) InitiateGroupCall(ctx context.Context, participantIDs []string, groupName, conversationID string, isVideo bool) error {
	c.mu.Lock()
	if !c.transitionLocked(trDial) {
		c.mu.Unlock()
		return ErrBusy
	}
	c.generation++
	gen := c.generation
	c.state = CallState{
		Status:         CallStatusConnecting,
		IsCaller:       true,
		ConversationID: conversationID,
		IsVideoCall:    isVideo,
		IsFrontCamera:  true,
		IsGroupCall:    true,
		GroupName:      groupName,
	}
	snap := c.state.snapshot()
	c.mu.Unlock()
	c.publish(snap)

	if _, err := c.channel.Request(ctx, reqForceCleanup, nil); err != nil {
		c.log.WithField("error", err).Debug("Stale-call cleanup failed")
	}

	raw, err := c.channel.Request(ctx, reqInitiateGroup, initiateGroupRequest{
		ParticipantIDs: participantIDs,
		CallerName:     c.config.UserName,
		ConversationID: conversationID,
		GroupName:      groupName,
		IsVideoCall:    isVideo,
	})
	if err != nil {
		c.failCall(gen, "failed to start group call: "+err.Error())
		return err
	}

	var resp initiateGroupResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		c.failCall(gen, "malformed group initiate reply")
		return err
	}

	c.mu.Lock()
	if c.generation != gen || c.state.Status != CallStatusConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state.CallID = resp.CallID
	c.state.Participants = normalizeParticipants(resp.Participants)
	c.neg = c.newNegotiatorLocked(resp.CallID, true)
	c.activateLocked()
	snap = c.state.snapshot()
	c.mu.Unlock()
	c.publish(snap)
	return nil
}

// AcceptCall answers the ringing incoming call and starts media setup.
func (c *Client) AcceptCall(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Status != CallStatusRinging {
		c.mu.Unlock()
		return ErrNoRingingCall
	}
	if c.state.IsCaller {
		c.mu.Unlock()
		return ErrNotCallee
	}
	callID := c.state.CallID
	group := c.state.IsGroupCall
	c.mu.Unlock()

	event := reqAccept
	if group {
		event = reqJoinGroup
	}
	if _, err := c.channel.Request(ctx, event, callRef{CallID: callID}); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state.CallID != callID || c.state.Status != CallStatusRinging {
		c.mu.Unlock()
		return nil
	}
	c.activateLocked()
	snap := c.state.snapshot()
	c.mu.Unlock()
	c.publish(snap)
	return nil
}

// RejectCall declines the ringing incoming call. The record goes to
// rejected locally even if the server request fails.
func (c *Client) RejectCall(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Status != CallStatusRinging {
		c.mu.Unlock()
		return ErrNoRingingCall
	}
	if c.state.IsCaller {
		c.mu.Unlock()
		return ErrNotCallee
	}
	callID := c.state.CallID
	c.transitionLocked(trReject)
	neg, snap := c.finishLocked()
	c.mu.Unlock()

	if neg != nil {
		neg.close()
	}
	if _, err := c.channel.Request(ctx, reqReject, callRef{CallID: callID}); err != nil {
		c.log.WithField("error", err).Warn("Failed to send reject")
	}
	c.publish(snap)
	return nil
}

// EndCall hangs up the call in progress. Local cleanup happens first; the
// server notification is best effort.
func (c *Client) EndCall(ctx context.Context) error {
	c.mu.Lock()
	callID := c.state.CallID
	group := c.state.IsGroupCall
	if !c.transitionLocked(trEnd) {
		c.mu.Unlock()
		return ErrNoActiveCall
	}
	neg, snap := c.finishLocked()
	c.mu.Unlock()

	if neg != nil {
		neg.close()
	}
	event := reqEnd
	if group {
		event = reqLeaveGroup
	}
	if callID != "" {
		if _, err := c.channel.Request(ctx, event, callRef{CallID: callID}); err != nil {
			c.log.WithField("error", err).Warn("Failed to send hangup")
		}
	}
	c.publish(snap)
	return nil
}

// ToggleMute flips the microphone. The producer pause is authoritative;
// the server notification only feeds the peers' UI.
func (c *Client) ToggleMute(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Status != CallStatusActive || c.neg == nil {
		c.mu.Unlock()
		return ErrNoActiveCall
	}
	neg := c.neg
	callID := c.state.CallID
	muted := !c.state.IsMuted
	c.mu.Unlock()

	if err := neg.setMuted(muted); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state.CallID != callID {
		c.mu.Unlock()
		return nil
	}
	c.state.IsMuted = muted
	snap := c.state.snapshot()
	c.mu.Unlock()

	if _, err := c.channel.Request(ctx, reqToggleMute, toggleMuteRequest{CallID: callID, IsMuted: muted}); err != nil {
		c.log.WithField("error", err).Warn("Failed to announce mute change")
	}
	c.publish(snap)
	return nil
}

// ToggleCamera flips the camera on a video call. Turning the camera off
// pauses the producer; the capture track is only re-acquired when the
// producer was fully closed.
func (c *Client) ToggleCamera(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Status != CallStatusActive || c.neg == nil {
		c.mu.Unlock()
		return ErrNoActiveCall
	}
	if !c.state.IsVideoCall {
		c.mu.Unlock()
		return ErrNotVideoCall
	}
	neg := c.neg
	callID := c.state.CallID
	on := !c.state.IsCameraOn
	c.mu.Unlock()

	if err := neg.setCamera(ctx, on); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state.CallID != callID {
		c.mu.Unlock()
		return nil
	}
	c.state.IsCameraOn = on
	snap := c.state.snapshot()
	c.mu.Unlock()

	if _, err := c.channel.Request(ctx, reqToggleCamera, toggleCameraRequest{CallID: callID, IsCameraOn: on}); err != nil {
		c.log.WithField("error", err).Warn("Failed to announce camera change")
	}
	c.publish(snap)
	return nil
}

// SwitchCamera swaps between the front and back camera. With the camera
// off it only flips the preference for the next capture.
func (c *Client) SwitchCamera(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Status != CallStatusActive || c.neg == nil {
		c.mu.Unlock()
		return ErrNoActiveCall
	}
	if !c.state.IsVideoCall {
		c.mu.Unlock()
		return ErrNotVideoCall
	}
	neg := c.neg
	callID := c.state.CallID
	c.mu.Unlock()

	front, err := neg.switchCamera(ctx)

	c.mu.Lock()
	if c.state.CallID == callID {
		c.state.IsFrontCamera = front
	}
	snap := c.state.snapshot()
	c.mu.Unlock()
	c.publish(snap)
	return err
}

// UpgradeToVideo turns an active audio call into a video call for both
// sides. A camera failure downgrades gracefully: the call becomes video
// but this side's camera stays off.
func (c *Client) UpgradeToVideo(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Status != CallStatusActive || c.neg == nil {
		c.mu.Unlock()
		return ErrNoActiveCall
	}
	if c.state.IsVideoCall {
		c.mu.Unlock()
		return ErrAlreadyVideo
	}
	neg := c.neg
	callID := c.state.CallID
	c.mu.Unlock()

	if _, err := c.channel.Request(ctx, reqUpgradeToVideo, callRef{CallID: callID}); err != nil {
		return err
	}

	cameraOn := true
	if err := neg.produceVideo(ctx); err != nil {
		c.log.WithField("error", err).Warn("Camera unavailable for upgraded call")
		cameraOn = false
	}

	c.mu.Lock()
	if c.state.CallID != callID {
		c.mu.Unlock()
		return nil
	}
	c.state.IsVideoCall = true
	c.state.IsCameraOn = cameraOn
	snap := c.state.snapshot()
	c.mu.Unlock()
	c.publish(snap)
	return nil
}

// ---- internal machinery ----

func (c *Client) publish(snap CallState) {
	c.emitter.Emit(EventCallStateChange, snap)
}

// transitionLocked attempts an FSM transition and mirrors the resulting
// machine state into the call record. Returns false on an illegal
// transition.
func (c *Client) transitionLocked(name string) bool {
	if err := c.machine.Event(context.Background(), name); err != nil {
		return false
	}
	c.state.Status = CallStatus(c.machine.Current())
	return true
}

func (c *Client) newNegotiatorLocked(callID string, front bool) *negotiator {
	gen := c.generation
	statusOK := func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.generation == gen && c.state.Status == CallStatusActive
	}
	onRemoteMedia := func(cons Consumer) {
		c.emitter.Emit(EventRemoteMedia, cons)
	}
	return newNegotiator(c.channel, c.config.DeviceFactory, c.config.Capture,
		callID, front, statusOK, onRemoteMedia, c.log)
}

// activateLocked moves the record to active, starts the duration ticker,
// and kicks off media setup.
func (c *Client) activateLocked() {
	if !c.transitionLocked(trActivate) {
		return
	}
	c.startDurationLocked()
	c.startMediaSetupLocked()
}

func (c *Client) startDurationLocked() {
	if c.durationStop != nil {
		return
	}
	stop := make(chan struct{})
	c.durationStop = stop
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.mu.Lock()
				if c.state.Status != CallStatusActive {
					c.mu.Unlock()
					continue
				}
				c.state.Duration++
				snap := c.state.snapshot()
				c.mu.Unlock()
				c.publish(snap)
			}
		}
	}()
}

func (c *Client) startMediaSetupLocked() {
	if c.neg == nil {
		c.neg = c.newNegotiatorLocked(c.state.CallID, c.state.IsFrontCamera)
	}
	gen := c.generation
	neg := c.neg
	callID := c.state.CallID
	isVideo := c.state.IsVideoCall
	group := c.state.IsGroupCall
	go c.runMediaSetup(gen, neg, callID, isVideo, group)
}

// runMediaSetup drives the negotiation with its retry budget. Exhaustion
// kills the call: a connected state without media is worse than a clean
// failure.
func (c *Client) runMediaSetup(gen uint64, neg *negotiator, callID string, isVideo, group bool) {
	ctx := context.Background()
	abort := func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.generation != gen || c.state.Status != CallStatusActive
	}

	err := defaultSetupRetry(abort).run(ctx, c.log, func(ctx context.Context) error {
		return neg.setup(ctx, isVideo)
	})
	if errors.Is(err, ErrSetupAborted) {
		return
	}
	if err != nil {
		event := reqEnd
		if group {
			event = reqLeaveGroup
		}
		if _, reqErr := c.channel.Request(ctx, event, callRef{CallID: callID}); reqErr != nil {
			c.log.WithField("error", reqErr).Warn("Failed to send hangup after setup failure")
		}
		c.failCall(gen, ErrNegotiationFailed.Error()+": "+err.Error())
		return
	}

	c.mu.Lock()
	if c.generation != gen || c.state.Status != CallStatusActive {
		c.mu.Unlock()
		return
	}
	c.state.IsCameraOn = isVideo && neg.hasVideo()
	snap := c.state.snapshot()
	c.mu.Unlock()
	c.publish(snap)
}

// failCall moves the identified call record to the error status and cleans
// up. A stale generation makes it a no-op.
func (c *Client) failCall(gen uint64, msg string) {
	c.mu.Lock()
	if c.generation != gen || !c.transitionLocked(trFail) {
		c.mu.Unlock()
		return
	}
	c.state.Error = msg
	neg, snap := c.finishLocked()
	c.mu.Unlock()

	if neg != nil {
		neg.close()
	}
	c.publish(snap)
}

// terminate moves the identified call to a terminal status and cleans up.
func (c *Client) terminate(callID, transition, reason string) {
	c.mu.Lock()
	if c.state.CallID == "" || c.state.CallID != callID || !c.transitionLocked(transition) {
		c.mu.Unlock()
		return
	}
	if reason != "" {
		c.state.Error = reason
	}
	neg, snap := c.finishLocked()
	c.mu.Unlock()

	if neg != nil {
		neg.close()
	}
	c.publish(snap)
}

// finishLocked detaches everything owned by the current call record after
// a terminal transition and schedules the settle back to idle. Returns the
// negotiator (for the caller to close outside the lock) and the snapshot to
// publish.
func (c *Client) finishLocked() (*negotiator, CallState) {
	if c.durationStop != nil {
		close(c.durationStop)
		c.durationStop = nil
	}
	if c.rejoinTimer != nil {
		c.rejoinTimer.Stop()
		c.rejoinTimer = nil
	}
	c.awaitingRejoin = false

	neg := c.neg
	c.neg = nil
	c.generation++

	gen := c.generation
	if c.settleTimer != nil {
		c.settleTimer.Stop()
	}
	c.settleTimer = time.AfterFunc(c.config.SettleDelay, func() {
		c.settleToIdle(gen)
	})
	return neg, c.state.snapshot()
}

// settleToIdle resets a terminal record to idle after the settle delay.
func (c *Client) settleToIdle(gen uint64) {
	c.mu.Lock()
	if c.generation != gen || !c.state.Status.Terminal() {
		c.mu.Unlock()
		return
	}
	c.transitionLocked(trReset)
	c.state = CallState{Status: CallStatusIdle}
	snap := c.state.snapshot()
	c.mu.Unlock()
	c.publish(snap)
}

// ---- server event handling ----

// handleSignal runs on the signaling read loop. Anything that needs a
// request round-trip is pushed to a goroutine so the read loop stays free
// to deliver the reply.
func (c *Client) handleSignal(event string, data json.RawMessage) {
	payload, err := decodeServerEvent(event, data)
	if err != nil {
		c.log.WithFields(logrus.Fields{"event": event, "error": err}).Warn("Dropping malformed server event")
		return
	}
	if payload == nil {
		return
	}

	switch ev := payload.(type) {
	case *IncomingCallEvent:
		c.handleIncoming(ev)
	case *AcceptedEvent:
		c.handleAccepted(ev)
	case *RejectedEvent:
		c.terminate(ev.CallID, trReject, "")
	case *EndedEvent:
		c.terminate(ev.CallID, trEnd, "")
	case *TimeoutEvent:
		c.terminate(ev.CallID, trMiss, "")
	case *NewProducerEvent:
		c.handleNewProducer(ev)
	case *PeerMuteChangedEvent:
		c.handlePeerMuteChanged(ev)
	case *PeerCameraChangedEvent:
		c.handlePeerCameraChanged(ev)
	case *UpgradedToVideoEvent:
		c.handleUpgradedToVideo(ev)
	case *ParticipantJoinedEvent:
		c.handleParticipantJoined(ev)
	case *ParticipantLeftEvent:
		c.handleParticipantLeft(ev)
	case *ParticipantDeclinedEvent:
		c.handleParticipantDeclined(ev)
	case *PeerDisconnectedEvent:
		c.handlePeerDisconnected(ev)
	case *PeerReconnectedEvent:
		c.handlePeerReconnected(ev)
	case *RejoinEvent:
		c.handleRejoin(ev)
	case *WaitingForPeersEvent:
		c.log.WithField("callId", ev.CallID).Debug("Waiting for participants to join")
	}
}

func (c *Client) handleIncoming(ev *IncomingCallEvent) {
	c.mu.Lock()
	if c.state.Status != CallStatusIdle {
		c.mu.Unlock()
		// Busy: decline so the caller is not left ringing against a
		// client that can never answer.
		c.log.WithField("callId", ev.CallID).Info("Busy, auto-rejecting incoming call")
		go func() {
			if _, err := c.channel.Request(context.Background(), reqReject, callRef{CallID: ev.CallID}); err != nil {
				c.log.WithField("error", err).Warn("Failed to auto-reject")
			}
		}()
		return
	}

	c.transitionLocked(trIncoming)
	c.generation++
	c.state = CallState{
		Status:         CallStatusRinging,
		CallID:         ev.CallID,
		IsCaller:       false,
		RemoteUserID:   ev.CallerID,
		RemoteUserName: ev.CallerName,
		ConversationID: ev.ConversationID,
		IsVideoCall:    ev.IsVideoCall,
		IsFrontCamera:  true,
		IsGroupCall:    ev.IsGroupCall,
		GroupName:      ev.GroupName,
	}
	c.neg = c.newNegotiatorLocked(ev.CallID, true)
	snap := c.state.snapshot()
	c.mu.Unlock()

	c.publish(snap)
	c.emitter.Emit(EventIncomingCall, *ev)
}

func (c *Client) handleAccepted(ev *AcceptedEvent) {
	c.mu.Lock()
	if c.state.CallID != ev.CallID || !c.state.IsCaller ||
		(c.state.Status != CallStatusRinging && c.state.Status != CallStatusConnecting) {
		c.mu.Unlock()
		return
	}
	c.activateLocked()
	snap := c.state.snapshot()
	c.mu.Unlock()
	c.publish(snap)
}

func (c *Client) handleNewProducer(ev *NewProducerEvent) {
	c.mu.Lock()
	if ev.CallID != "" && c.state.CallID != ev.CallID {
		c.mu.Unlock()
		return
	}
	neg := c.neg
	c.mu.Unlock()
	if neg == nil {
		return
	}
	// Off the read loop: consuming needs request round-trips.
	go neg.handleNewProducer(context.Background(), *ev)
}

func (c *Client) handlePeerMuteChanged(ev *PeerMuteChangedEvent) {
	c.mu.Lock()
	if c.state.CallID != ev.CallID {
		c.mu.Unlock()
		return
	}
	if c.state.IsGroupCall {
		c.updateParticipantLocked(ev.UserID, func(p *GroupParticipant) {
			p.IsMuted = ev.IsMuted
		})
	} else {
		c.state.IsPeerMuted = ev.IsMuted
	}
	snap := c.state.snapshot()
	c.mu.Unlock()
	c.publish(snap)
}

func (c *Client) handlePeerCameraChanged(ev *PeerCameraChangedEvent) {
	c.mu.Lock()
	if c.state.CallID != ev.CallID {
		c.mu.Unlock()
		return
	}
	c.state.IsPeerCameraOn = ev.IsCameraOn
	snap := c.state.snapshot()
	c.mu.Unlock()
	c.publish(snap)
}

func (c *Client) handleUpgradedToVideo(ev *UpgradedToVideoEvent) {
	c.mu.Lock()
	if c.state.CallID != ev.CallID || c.state.IsVideoCall {
		c.mu.Unlock()
		return
	}
	// The peer made it a video call; our camera stays off until the user
	// turns it on.
	c.state.IsVideoCall = true
	snap := c.state.snapshot()
	c.mu.Unlock()
	c.publish(snap)
}

func (c *Client) handleParticipantJoined(ev *ParticipantJoinedEvent) {
	c.mu.Lock()
	if c.state.CallID != ev.CallID {
		c.mu.Unlock()
		return
	}
	if !c.updateParticipantLocked(ev.UserID, func(p *GroupParticipant) {
		p.Status = ParticipantActive
		if ev.UserName != "" {
			p.UserName = ev.UserName
		}
	}) {
		c.state.Participants = append(c.state.Participants, GroupParticipant{
			UserID:   ev.UserID,
			UserName: ev.UserName,
			Status:   ParticipantActive,
		})
	}
	snap := c.state.snapshot()
	c.mu.Unlock()
	c.publish(snap)
}

func (c *Client) handleParticipantLeft(ev *ParticipantLeftEvent) {
	c.mu.Lock()
	if c.state.CallID != ev.CallID {
		c.mu.Unlock()
		return
	}
	c.updateParticipantLocked(ev.UserID, func(p *GroupParticipant) {
		p.Status = ParticipantLeft
	})
	neg := c.neg
	callID := c.state.CallID
	lastOut := c.state.IsGroupCall && c.state.Status == CallStatusActive && c.groupEmptyLocked()
	snap := c.state.snapshot()
	c.mu.Unlock()

	if neg != nil {
		neg.closeConsumersFor(ev.UserID)
	}
	c.publish(snap)

	if lastOut {
		c.log.WithField("callId", callID).Info("Last participant left, ending call")
		c.terminate(callID, trEnd, "")
	}
}

func (c *Client) handleParticipantDeclined(ev *ParticipantDeclinedEvent) {
	c.mu.Lock()
	if c.state.CallID != ev.CallID {
		c.mu.Unlock()
		return
	}
	c.updateParticipantLocked(ev.UserID, func(p *GroupParticipant) {
		p.Status = ParticipantDeclined
	})

	// Nobody left who is in the call or could still join: the call rang
	// out (everyone declined) or emptied (the rest already left).
	empty := c.state.IsGroupCall && c.groupEmptyLocked()
	transition := trMiss
	if empty {
		for _, p := range c.state.Participants {
			if p.Status != ParticipantDeclined {
				transition = trEnd
				break
			}
		}
	}
	callID := c.state.CallID
	snap := c.state.snapshot()
	c.mu.Unlock()
	c.publish(snap)

	if empty {
		c.terminate(callID, transition, "")
	}
}

// groupEmptyLocked reports whether no remote participant is in the call or
// could still join it: everyone is declined, left, or offline.
func (c *Client) groupEmptyLocked() bool {
	for _, p := range c.state.Participants {
		switch p.Status {
		case ParticipantRinging, ParticipantActive, ParticipantDisconnected:
			return false
		}
	}
	return true
}

func (c *Client) handlePeerDisconnected(ev *PeerDisconnectedEvent) {
	c.mu.Lock()
	if c.state.CallID != ev.CallID {
		c.mu.Unlock()
		return
	}
	if c.state.IsGroupCall {
		c.updateParticipantLocked(ev.UserID, func(p *GroupParticipant) {
			p.Status = ParticipantDisconnected
		})
	} else {
		// The peer's producers are dead while they are gone; show them
		// as muted until they come back.
		c.state.IsPeerMuted = true
	}
	c.state.Error = "peer connection lost, waiting for reconnect"
	snap := c.state.snapshot()
	c.mu.Unlock()
	c.publish(snap)
}

func (c *Client) handlePeerReconnected(ev *PeerReconnectedEvent) {
	c.mu.Lock()
	if c.state.CallID != ev.CallID {
		c.mu.Unlock()
		return
	}
	if c.state.IsGroupCall {
		c.updateParticipantLocked(ev.UserID, func(p *GroupParticipant) {
			p.Status = ParticipantActive
		})
	} else {
		c.state.IsPeerMuted = false
	}
	c.state.Error = ""
	snap := c.state.snapshot()
	c.mu.Unlock()
	c.publish(snap)
}

// handleRejoin reattaches to the call after a signaling reconnect. Only the
// call id this client already holds is honored; anything else is a stale or
// hostile push.
func (c *Client) handleRejoin(ev *RejoinEvent) {
	c.mu.Lock()
	if c.state.CallID == "" || c.state.CallID != ev.CallID {
		c.mu.Unlock()
		c.log.WithField("callId", ev.CallID).Warn("Ignoring rejoin for a call this client does not hold")
		return
	}
	c.awaitingRejoin = false
	if c.rejoinTimer != nil {
		c.rejoinTimer.Stop()
		c.rejoinTimer = nil
	}
	if c.state.Status != CallStatusActive {
		c.mu.Unlock()
		return
	}
	c.state.Error = ""
	c.log.WithField("callId", ev.CallID).Info("Rejoining call, rebuilding media")
	c.startMediaSetupLocked()
	snap := c.state.snapshot()
	c.mu.Unlock()
	c.publish(snap)
}

// handleChannelStatus reacts to signaling transport transitions while a
// call is in progress.
func (c *Client) handleChannelStatus(status signaling.Status) {
	switch status {
	case signaling.StatusDegraded:
		c.mu.Lock()
		c.wasDegraded = true
		inCall := c.state.Status == CallStatusConnecting ||
			c.state.Status == CallStatusRinging ||
			c.state.Status == CallStatusActive
		if !inCall {
			c.mu.Unlock()
			return
		}
		// The media transports were negotiated over the lost session and
		// cannot be trusted; release them now, a rejoin rebuilds.
		neg := c.neg
		c.state.Error = "signaling connection lost, attempting to reconnect"
		snap := c.state.snapshot()
		c.mu.Unlock()

		if neg != nil {
			go neg.releaseMedia()
		}
		c.publish(snap)

	case signaling.StatusConnected:
		c.mu.Lock()
		if !c.wasDegraded {
			c.mu.Unlock()
			return
		}
		c.wasDegraded = false
		inCall := c.state.Status == CallStatusConnecting ||
			c.state.Status == CallStatusRinging ||
			c.state.Status == CallStatusActive
		if !inCall {
			c.mu.Unlock()
			return
		}
		// Wait for the server's rejoin push; if it never comes the server
		// no longer tracks this call.
		c.awaitingRejoin = true
		gen := c.generation
		callID := c.state.CallID
		if c.rejoinTimer != nil {
			c.rejoinTimer.Stop()
		}
		c.rejoinTimer = time.AfterFunc(c.config.RejoinWait, func() {
			c.rejoinExpired(gen, callID)
		})
		c.mu.Unlock()
	}
}

func (c *Client) rejoinExpired(gen uint64, callID string) {
	c.mu.Lock()
	if c.generation != gen || !c.awaitingRejoin {
		c.mu.Unlock()
		return
	}
	c.awaitingRejoin = false
	c.mu.Unlock()

	c.log.WithField("callId", callID).Warn("No rejoin after reconnect, call is gone")
	c.terminate(callID, trEnd, "call lost during reconnect")
}

// updateParticipantLocked applies fn to the named participant and reports
// whether one was found.
func (c *Client) updateParticipantLocked(userID string, fn func(*GroupParticipant)) bool {
	for i := range c.state.Participants {
		if c.state.Participants[i].UserID == userID {
			fn(&c.state.Participants[i])
			return true
		}
	}
	return false
}
