/* SPDX-License-Identifier: MPL-2.0
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/meshtalk/meshtalk-go-sdk/capture"
)

// NewWebRTCDevice builds the production Device on pion/webrtc. It satisfies
// DeviceFactory.
func NewWebRTCDevice() (Device, error) {
	return &webrtcDevice{}, nil
}

type webrtcDevice struct {
	mu         sync.Mutex
	api        *webrtc.API
	routerCaps json.RawMessage
	transports []*webrtcTransport
	closed     bool
}

func (d *webrtcDevice) Load(routerCaps json.RawMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("device closed")
	}
	if d.api != nil {
		return nil
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return fmt.Errorf("register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return fmt.Errorf("register interceptors: %w", err)
	}

	d.api = webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)
	d.routerCaps = routerCaps
	return nil
}

func (d *webrtcDevice) Loaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.api != nil
}

// RTPCapabilities reports what this client can receive. The server
// intersects these with the producing side's parameters when granting a
// consume, so echoing the negotiated router capabilities is sufficient.
func (d *webrtcDevice) RTPCapabilities() json.RawMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.routerCaps
}

func (d *webrtcDevice) CreateTransport(dir TransportDirection, info TransportInfo) (Transport, error) {
	d.mu.Lock()
	api := d.api
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, errors.New("device closed")
	}
	if api == nil {
		return nil, errors.New("device not loaded")
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("peer connection: %w", err)
	}

	// Pre-declare one audio and one video transceiver in the transport's
	// direction so the initial offer already carries both media sections.
	// Produce and Consume then bind tracks to these without renegotiating.
	transceiverDir := webrtc.RTPTransceiverDirectionSendonly
	if dir == DirectionRecv {
		transceiverDir = webrtc.RTPTransceiverDirectionRecvonly
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: transceiverDir,
		}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}

	id := info.ID
	if id == "" {
		id = uuid.NewString()
	}
	t := &webrtcTransport{id: id, dir: dir, pc: pc}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		pc.Close()
		return nil, errors.New("device closed")
	}
	d.transports = append(d.transports, t)
	d.mu.Unlock()
	return t, nil
}

func (d *webrtcDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	transports := d.transports
	d.transports = nil
	d.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}
	return nil
}

type webrtcTransport struct {
	id  string
	dir TransportDirection

	mu     sync.Mutex
	pc     *webrtc.PeerConnection
	closed bool
}

func (t *webrtcTransport) ID() string                    { return t.id }
func (t *webrtcTransport) Direction() TransportDirection { return t.dir }

// LocalParameters creates and pins the local offer.
func (t *webrtcTransport) LocalParameters() (json.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.New("transport closed")
	}

	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return json.Marshal(offer)
}

// SetRemoteParameters applies the server's answer.
func (t *webrtcTransport) SetRemoteParameters(params json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("transport closed")
	}

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(params, &answer); err != nil {
		return fmt.Errorf("parse remote description: %w", err)
	}
	if err := t.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

// Produce binds a capture track to the pre-declared transceiver of its kind.
func (t *webrtcTransport) Produce(track capture.Track) (Producer, error) {
	if t.dir != DirectionSend {
		return nil, errors.New("produce on a receive transport")
	}

	kind := MediaAudio
	codecType := webrtc.RTPCodecTypeAudio
	if track.Kind() == capture.KindVideo {
		kind = MediaVideo
		codecType = webrtc.RTPCodecTypeVideo
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.New("transport closed")
	}

	sender := t.senderForKindLocked(codecType)
	if sender == nil {
		return nil, fmt.Errorf("no free %s sender", codecType)
	}
	if err := sender.ReplaceTrack(track.TrackLocal()); err != nil {
		return nil, fmt.Errorf("attach track: %w", err)
	}

	params, err := json.Marshal(sender.GetParameters())
	if err != nil {
		sender.ReplaceTrack(nil)
		return nil, fmt.Errorf("sender parameters: %w", err)
	}

	return &webrtcProducer{
		id:     uuid.NewString(),
		kind:   kind,
		params: params,
		sender: sender,
		track:  track,
	}, nil
}

func (t *webrtcTransport) senderForKindLocked(kind webrtc.RTPCodecType) *webrtc.RTPSender {
	for _, tr := range t.pc.GetTransceivers() {
		if tr.Kind() != kind {
			continue
		}
		if sender := tr.Sender(); sender != nil && sender.Track() == nil {
			return sender
		}
	}
	return nil
}

// Consume binds the server's consume grant to the receiving transceiver of
// the matching kind. The consumer starts paused.
func (t *webrtcTransport) Consume(opts ConsumerOptions) (Consumer, error) {
	if t.dir != DirectionRecv {
		return nil, errors.New("consume on a send transport")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.New("transport closed")
	}

	codecType := webrtc.RTPCodecTypeAudio
	if opts.Kind == MediaVideo {
		codecType = webrtc.RTPCodecTypeVideo
	}

	var receiver *webrtc.RTPReceiver
	for _, tr := range t.pc.GetTransceivers() {
		if tr.Kind() == codecType && tr.Receiver() != nil {
			receiver = tr.Receiver()
			break
		}
	}
	if receiver == nil {
		return nil, fmt.Errorf("no %s receiver", codecType)
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &webrtcConsumer{
		id:         id,
		producerID: opts.ProducerID,
		kind:       opts.Kind,
		receiver:   receiver,
	}, nil
}

func (t *webrtcTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	pc := t.pc
	t.mu.Unlock()
	return pc.Close()
}

type webrtcProducer struct {
	id     string
	kind   MediaKind
	params json.RawMessage

	mu     sync.Mutex
	sender *webrtc.RTPSender
	track  capture.Track
	paused bool
	closed bool
}

func (p *webrtcProducer) ID() string                     { return p.id }
func (p *webrtcProducer) Kind() MediaKind                { return p.kind }
func (p *webrtcProducer) RTPParameters() json.RawMessage { return p.params }

// Pause detaches the track from the sender without stopping capture,
// silencing the outbound stream.
func (p *webrtcProducer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.paused {
		return nil
	}
	if err := p.sender.ReplaceTrack(nil); err != nil {
		return err
	}
	p.paused = true
	return nil
}

func (p *webrtcProducer) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || !p.paused {
		return nil
	}
	if err := p.sender.ReplaceTrack(p.track.TrackLocal()); err != nil {
		return err
	}
	p.paused = false
	return nil
}

func (p *webrtcProducer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *webrtcProducer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	sender := p.sender
	track := p.track
	p.mu.Unlock()

	sender.ReplaceTrack(nil)
	return track.Stop()
}

type webrtcConsumer struct {
	id         string
	producerID string
	kind       MediaKind

	mu       sync.Mutex
	receiver *webrtc.RTPReceiver
	resumed  bool
	closed   bool
}

func (c *webrtcConsumer) ID() string         { return c.id }
func (c *webrtcConsumer) ProducerID() string { return c.producerID }
func (c *webrtcConsumer) Kind() MediaKind    { return c.kind }

func (c *webrtcConsumer) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("consumer closed")
	}
	c.resumed = true
	return nil
}

func (c *webrtcConsumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	receiver := c.receiver
	c.mu.Unlock()
	return receiver.Stop()
}
