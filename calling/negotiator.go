/* SPDX-License-Identifier: MPL-2.0
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/meshtalk/meshtalk-go-sdk/capture"
)

// requester is the slice of the signaling channel the negotiator uses.
type requester interface {
	Request(ctx context.Context, event string, payload interface{}) (json.RawMessage, error)
}

// negotiator owns the media resources of exactly one call: the device, the
// send/receive transports, the local producers, and the consumer map. It is
// created when a call goes active and closed before the call record returns
// to idle.
type negotiator struct {
	sig           requester
	deviceFactory DeviceFactory
	capture       capture.MediaCapture
	log           *logrus.Entry

	callID string

	// statusOK is the abort guard, re-checked after every suspension point
	// in the setup sequence.
	statusOK func() bool

	// onRemoteMedia is invoked with each consumer whose stream went live.
	onRemoteMedia func(Consumer)

	mu            sync.Mutex
	device        Device
	sendTransport Transport
	recvTransport Transport
	audioProducer Producer
	videoProducer Producer
	frontCamera   bool

	// consumers is keyed by remote producer id so a producer is never
	// consumed twice and can be found when its participant leaves.
	consumers map[string]Consumer
	consuming map[string]bool   // consume round-trips in flight
	owners    map[string]string // producer id -> producing user id

	// pending queues producer notifications that arrived before the
	// receive transport existed. Drained, never dropped.
	pending []NewProducerEvent

	closed bool
}

func newNegotiator(sig requester, factory DeviceFactory, cap capture.MediaCapture,
	callID string, front bool, statusOK func() bool, onRemoteMedia func(Consumer),
	log *logrus.Entry) *negotiator {
	return &negotiator{
		sig:           sig,
		deviceFactory: factory,
		capture:       cap,
		log:           log.WithField("callId", callID),
		callID:        callID,
		frontCamera:   front,
		statusOK:      statusOK,
		onRemoteMedia: onRemoteMedia,
		consumers:     make(map[string]Consumer),
		consuming:     make(map[string]bool),
		owners:        make(map[string]string),
	}
}

// aborted reports whether the call has left the status this setup serves.
func (n *negotiator) aborted() bool {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	return closed || (n.statusOK != nil && !n.statusOK())
}

// setup runs the full negotiation sequence. It is safe to run again for the
// same call (retry, rejoin): partial resources from a previous attempt are
// released first and the device is only loaded once.
func (n *negotiator) setup(ctx context.Context, isVideo bool) error {
	n.releaseMedia()

	if n.aborted() {
		return ErrSetupAborted
	}

	// Router capabilities, then local device load.
	caps, err := n.sig.Request(ctx, reqRouterCaps, callRef{CallID: n.callID})
	if err != nil {
		return fmt.Errorf("router capabilities: %w", err)
	}
	if n.aborted() {
		return ErrSetupAborted
	}

	n.mu.Lock()
	if n.device == nil {
		dev, err := n.deviceFactory()
		if err != nil {
			n.mu.Unlock()
			return fmt.Errorf("create device: %w", err)
		}
		n.device = dev
	}
	dev := n.device
	n.mu.Unlock()

	if !dev.Loaded() {
		if err := dev.Load(caps); err != nil {
			return fmt.Errorf("load device: %w", err)
		}
	}

	// Send then receive transport, each with its connect handshake.
	send, err := n.buildTransport(ctx, dev, DirectionSend)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.sendTransport = send
	n.mu.Unlock()

	recv, err := n.buildTransport(ctx, dev, DirectionRecv)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.recvTransport = recv
	queued := n.pending
	n.pending = nil
	n.mu.Unlock()

	// Drain notifications that raced the receive transport.
	for _, ev := range queued {
		if err := n.consume(ctx, ev); err != nil {
			n.log.WithFields(logrus.Fields{"producerId": ev.ProducerID, "error": err}).
				Warn("Failed to consume queued producer")
		}
	}

	// Ask for existing producers explicitly — covers pushes missed while
	// this client was connecting.
	if err := n.consumeExisting(ctx); err != nil {
		return err
	}

	if n.aborted() {
		return ErrSetupAborted
	}

	// Local audio is mandatory; video falls back to audio-only.
	if err := n.produceAudio(ctx); err != nil {
		return fmt.Errorf("produce audio: %w", err)
	}
	if isVideo {
		if err := n.produceVideo(ctx); err != nil {
			n.log.WithField("error", err).Warn("Video capture failed, continuing audio-only")
		}
	}

	n.log.Info("Media negotiation complete")
	return nil
}

// buildTransport asks the server for transport parameters, builds the local
// half, and completes the connect handshake.
func (n *negotiator) buildTransport(ctx context.Context, dev Device, dir TransportDirection) (Transport, error) {
	raw, err := n.sig.Request(ctx, reqCreateTransport, createTransportRequest{
		CallID:    n.callID,
		Direction: string(dir),
	})
	if err != nil {
		return nil, fmt.Errorf("create %s transport: %w", dir, err)
	}
	if n.aborted() {
		return nil, ErrSetupAborted
	}

	var info TransportInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("parse %s transport info: %w", dir, err)
	}

	t, err := dev.CreateTransport(dir, info)
	if err != nil {
		return nil, fmt.Errorf("build %s transport: %w", dir, err)
	}

	local, err := t.LocalParameters()
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("%s transport parameters: %w", dir, err)
	}

	raw, err = n.sig.Request(ctx, reqConnectTransport, connectTransportRequest{
		CallID:         n.callID,
		Direction:      string(dir),
		DTLSParameters: local,
	})
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("connect %s transport: %w", dir, err)
	}
	if n.aborted() {
		t.Close()
		return nil, ErrSetupAborted
	}

	var reply connectTransportResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &reply); err != nil {
			t.Close()
			return nil, fmt.Errorf("parse connect %s reply: %w", dir, err)
		}
	}
	if len(reply.DTLSParameters) > 0 {
		if err := t.SetRemoteParameters(reply.DTLSParameters); err != nil {
			t.Close()
			return nil, fmt.Errorf("apply %s remote parameters: %w", dir, err)
		}
	}

	return t, nil
}

// consumeExisting fetches and consumes producers that predate this setup.
func (n *negotiator) consumeExisting(ctx context.Context) error {
	raw, err := n.sig.Request(ctx, reqExistingProducers, callRef{CallID: n.callID})
	if err != nil {
		return fmt.Errorf("existing producers: %w", err)
	}

	var resp existingProducersResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("parse existing producers: %w", err)
		}
	}

	for _, ev := range resp.Producers {
		if err := n.consume(ctx, ev); err != nil {
			n.log.WithFields(logrus.Fields{"producerId": ev.ProducerID, "error": err}).
				Warn("Failed to consume existing producer")
		}
	}
	return nil
}

// handleNewProducer reacts to a call:newProducer push: consume now, or queue
// if the receive transport does not exist yet.
func (n *negotiator) handleNewProducer(ctx context.Context, ev NewProducerEvent) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	if n.recvTransport == nil {
		n.pending = append(n.pending, ev)
		n.mu.Unlock()
		n.log.WithField("producerId", ev.ProducerID).Debug("Queued producer until receive transport is ready")
		return
	}
	n.mu.Unlock()

	if err := n.consume(ctx, ev); err != nil {
		n.log.WithFields(logrus.Fields{"producerId": ev.ProducerID, "error": err}).
			Warn("Failed to consume new producer")
	}
}

// consume performs the consume handshake for one remote producer: ask the
// server for a grant, bind a local consumer, resume it server- then
// client-side. The consumers map guarantees exactly-once consumption.
func (n *negotiator) consume(ctx context.Context, ev NewProducerEvent) error {
	n.mu.Lock()
	if n.closed || n.recvTransport == nil {
		n.pending = append(n.pending, ev)
		n.mu.Unlock()
		return nil
	}
	if _, ok := n.consumers[ev.ProducerID]; ok || n.consuming[ev.ProducerID] {
		n.mu.Unlock()
		return nil
	}
	n.consuming[ev.ProducerID] = true
	recv := n.recvTransport
	dev := n.device
	n.mu.Unlock()

	clear := func() {
		n.mu.Lock()
		delete(n.consuming, ev.ProducerID)
		n.mu.Unlock()
	}

	raw, err := n.sig.Request(ctx, reqConsume, consumeRequest{
		CallID:          n.callID,
		ProducerID:      ev.ProducerID,
		RTPCapabilities: dev.RTPCapabilities(),
	})
	if err != nil {
		clear()
		return fmt.Errorf("consume request: %w", err)
	}

	var grant consumeResponse
	if err := json.Unmarshal(raw, &grant); err != nil {
		clear()
		return fmt.Errorf("parse consume grant: %w", err)
	}

	consumer, err := recv.Consume(ConsumerOptions{
		ID:            grant.ConsumerID,
		ProducerID:    ev.ProducerID,
		Kind:          MediaKind(grant.Kind),
		RTPParameters: grant.RTPParameters,
	})
	if err != nil {
		clear()
		return fmt.Errorf("bind consumer: %w", err)
	}

	// Consumers start paused; resume server-side first, then locally.
	if _, err := n.sig.Request(ctx, reqResumeConsumer, resumeConsumerRequest{
		CallID:     n.callID,
		ConsumerID: consumer.ID(),
	}); err != nil {
		consumer.Close()
		clear()
		return fmt.Errorf("resume consumer: %w", err)
	}
	if err := consumer.Resume(); err != nil {
		consumer.Close()
		clear()
		return fmt.Errorf("resume local consumer: %w", err)
	}

	n.mu.Lock()
	delete(n.consuming, ev.ProducerID)
	if n.closed {
		n.mu.Unlock()
		consumer.Close()
		return nil
	}
	n.consumers[ev.ProducerID] = consumer
	n.owners[ev.ProducerID] = ev.ProducerUserID
	n.mu.Unlock()

	n.log.WithFields(logrus.Fields{"producerId": ev.ProducerID, "kind": grant.Kind}).
		Info("Remote stream consuming")
	if n.onRemoteMedia != nil {
		n.onRemoteMedia(consumer)
	}
	return nil
}

// produceAudio captures the microphone and runs the produce handshake.
func (n *negotiator) produceAudio(ctx context.Context) error {
	n.mu.Lock()
	send := n.sendTransport
	n.mu.Unlock()
	if send == nil {
		return ErrSetupAborted
	}

	track, err := n.capture.AudioTrack(ctx)
	if err != nil {
		return err
	}

	producer, err := send.Produce(track)
	if err != nil {
		track.Stop()
		return err
	}

	if err := n.announceProducer(ctx, MediaAudio, producer); err != nil {
		producer.Close()
		return err
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		producer.Close()
		return ErrSetupAborted
	}
	n.audioProducer = producer
	n.mu.Unlock()
	return nil
}

// announceProducer runs the produce handshake for one local track.
func (n *negotiator) announceProducer(ctx context.Context, kind MediaKind, producer Producer) error {
	raw, err := n.sig.Request(ctx, reqProduce, produceRequest{
		CallID:        n.callID,
		Kind:          string(kind),
		RTPParameters: producer.RTPParameters(),
	})
	if err != nil {
		return err
	}
	var resp produceResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("parse produce reply: %w", err)
		}
	}
	n.log.WithFields(logrus.Fields{"kind": kind, "producerId": resp.ProducerID}).
		Debug("Producer registered")
	return nil
}

// produceVideo captures the camera and runs the produce handshake.
// Failure is non-fatal to the call: the caller downgrades to audio-only.
func (n *negotiator) produceVideo(ctx context.Context) error {
	n.mu.Lock()
	send := n.sendTransport
	front := n.frontCamera
	n.mu.Unlock()
	if send == nil {
		return ErrSetupAborted
	}

	track, err := n.capture.VideoTrack(ctx, front)
	if err != nil {
		return err
	}

	producer, err := send.Produce(track)
	if err != nil {
		track.Stop()
		return err
	}

	if err := n.announceProducer(ctx, MediaVideo, producer); err != nil {
		producer.Close()
		return err
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		producer.Close()
		return ErrSetupAborted
	}
	n.videoProducer = producer
	n.mu.Unlock()
	return nil
}

// setMuted pauses or resumes the audio producer.
func (n *negotiator) setMuted(muted bool) error {
	n.mu.Lock()
	producer := n.audioProducer
	n.mu.Unlock()
	if producer == nil {
		return nil
	}
	if muted {
		return producer.Pause()
	}
	return producer.Resume()
}

// setCamera pauses, resumes, or (after a full stop) recreates the video
// producer.
func (n *negotiator) setCamera(ctx context.Context, on bool) error {
	n.mu.Lock()
	producer := n.videoProducer
	n.mu.Unlock()

	if producer != nil {
		if on {
			return producer.Resume()
		}
		return producer.Pause()
	}
	if !on {
		return nil
	}
	return n.produceVideo(ctx)
}

// switchCamera re-acquires the capture track on the other camera and
// replaces the video producer.
func (n *negotiator) switchCamera(ctx context.Context) (bool, error) {
	n.mu.Lock()
	n.frontCamera = !n.frontCamera
	front := n.frontCamera
	producer := n.videoProducer
	n.videoProducer = nil
	n.mu.Unlock()

	if producer != nil {
		producer.Close()
		if err := n.produceVideo(ctx); err != nil {
			return front, err
		}
	}
	return front, nil
}

// hasVideo reports whether a live video producer exists.
func (n *negotiator) hasVideo() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.videoProducer != nil
}

// muted reports the audio producer's pause state.
func (n *negotiator) muted() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.audioProducer != nil && n.audioProducer.Paused()
}

// closeConsumersFor closes the consumers owned by one participant, used
// when that participant leaves a group call.
func (n *negotiator) closeConsumersFor(userID string) {
	n.mu.Lock()
	var victims []Consumer
	for producerID, owner := range n.owners {
		if owner != userID {
			continue
		}
		if c, ok := n.consumers[producerID]; ok {
			victims = append(victims, c)
			delete(n.consumers, producerID)
		}
		delete(n.owners, producerID)
	}
	n.mu.Unlock()

	for _, c := range victims {
		c.Close()
	}
}

// releaseMedia closes transports, producers, and consumers but keeps the
// device and the pending queue, so a retry or rejoin can rebuild. Idempotent.
func (n *negotiator) releaseMedia() {
	n.mu.Lock()
	audio, video := n.audioProducer, n.videoProducer
	send, recv := n.sendTransport, n.recvTransport
	consumers := n.consumers
	n.audioProducer, n.videoProducer = nil, nil
	n.sendTransport, n.recvTransport = nil, nil
	n.consumers = make(map[string]Consumer)
	n.owners = make(map[string]string)
	n.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	if audio != nil {
		audio.Close()
	}
	if video != nil {
		video.Close()
	}
	if send != nil {
		send.Close()
	}
	if recv != nil {
		recv.Close()
	}
}

// close releases everything, including the device. Called before any
// terminal transition; closing twice, or with nothing built, is a no-op.
func (n *negotiator) close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.pending = nil
	device := n.device
	n.device = nil
	n.mu.Unlock()

	n.releaseMedia()
	if device != nil {
		device.Close()
	}
	n.log.Debug("Media resources released")
}
