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

	"github.com/pion/webrtc/v4"

	"github.com/meshtalk/meshtalk-go-sdk/capture"
	"github.com/meshtalk/meshtalk-go-sdk/signaling"
)

// ---- fake signaling channel ----

type fakeRequest struct {
	Event   string
	Payload json.RawMessage
}

type responder func(payload json.RawMessage) (json.RawMessage, error)

// fakeChannel is a scripted signaling channel: requests are answered from a
// responder map and recorded, events and status changes are injected by the
// test.
type fakeChannel struct {
	mu             sync.Mutex
	connected      bool
	requests       []fakeRequest
	responders     map[string]responder
	eventHandlers  []signaling.EventHandler
	statusHandlers []signaling.StatusHandler
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{responders: make(map[string]responder)}
}

func (f *fakeChannel) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Disconnect() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeChannel) Request(ctx context.Context, event string, payload interface{}) (json.RawMessage, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = b
	}

	f.mu.Lock()
	f.requests = append(f.requests, fakeRequest{Event: event, Payload: data})
	fn := f.responders[event]
	f.mu.Unlock()

	if fn == nil {
		return json.RawMessage(`{}`), nil
	}
	return fn(data)
}

func (f *fakeChannel) OnEvent(handler signaling.EventHandler) (remove func()) {
	f.mu.Lock()
	f.eventHandlers = append(f.eventHandlers, handler)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeChannel) OnStatus(handler signaling.StatusHandler) (remove func()) {
	f.mu.Lock()
	f.statusHandlers = append(f.statusHandlers, handler)
	f.mu.Unlock()
	return func() {}
}

// respond scripts the reply for one request event.
func (f *fakeChannel) respond(event string, fn responder) {
	f.mu.Lock()
	f.responders[event] = fn
	f.mu.Unlock()
}

func (f *fakeChannel) respondJSON(event, body string) {
	f.respond(event, func(json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(body), nil
	})
}

func (f *fakeChannel) respondErr(event string, err error) {
	f.respond(event, func(json.RawMessage) (json.RawMessage, error) {
		return nil, err
	})
}

// push injects a server event the way the real channel would: synchronously
// on the caller's goroutine.
func (f *fakeChannel) push(event string, payload interface{}) {
	data, _ := json.Marshal(payload)
	f.mu.Lock()
	handlers := append([]signaling.EventHandler(nil), f.eventHandlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(event, data)
	}
}

// setStatus injects a channel status transition.
func (f *fakeChannel) setStatus(st signaling.Status) {
	f.mu.Lock()
	handlers := append([]signaling.StatusHandler(nil), f.statusHandlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(st)
	}
}

func (f *fakeChannel) requestCount(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if r.Event == event {
			n++
		}
	}
	return n
}

func (f *fakeChannel) lastRequest(event string) (json.RawMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.requests) - 1; i >= 0; i-- {
		if f.requests[i].Event == event {
			return f.requests[i].Payload, true
		}
	}
	return nil, false
}

// ---- fake media stack ----

// fakeMedia owns all fake media objects a test creates, so assertions can
// sweep them for leaks after a call ends.
type fakeMedia struct {
	mu           sync.Mutex
	devices      []*fakeDevice
	tracks       []*fakeTrack
	factoryCalls int

	audioErr error
	videoErr error
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{}
}

func (m *fakeMedia) factory() (Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factoryCalls++
	d := &fakeDevice{media: m}
	m.devices = append(m.devices, d)
	return d, nil
}

// capture implements capture.MediaCapture.
func (m *fakeMedia) AudioTrack(ctx context.Context) (capture.Track, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.audioErr != nil {
		return nil, m.audioErr
	}
	tr := &fakeTrack{kind: capture.KindAudio}
	m.tracks = append(m.tracks, tr)
	return tr, nil
}

func (m *fakeMedia) VideoTrack(ctx context.Context, front bool) (capture.Track, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.videoErr != nil {
		return nil, m.videoErr
	}
	tr := &fakeTrack{kind: capture.KindVideo, front: front}
	m.tracks = append(m.tracks, tr)
	return tr, nil
}

// producersOf returns every producer of one kind across all devices.
func (m *fakeMedia) producersOf(kind MediaKind) []*fakeProducer {
	m.mu.Lock()
	devices := append([]*fakeDevice(nil), m.devices...)
	m.mu.Unlock()

	var out []*fakeProducer
	for _, d := range devices {
		d.mu.Lock()
		transports := append([]*fakeTransport(nil), d.transports...)
		d.mu.Unlock()
		for _, t := range transports {
			t.mu.Lock()
			for _, p := range t.producers {
				if p.kind == kind {
					out = append(out, p)
				}
			}
			t.mu.Unlock()
		}
	}
	return out
}

// leaks reports every media object that was not released.
func (m *fakeMedia) leaks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for i, d := range m.devices {
		out = append(out, d.leaks(fmt.Sprintf("device[%d]", i))...)
	}
	for i, tr := range m.tracks {
		if !tr.isStopped() {
			out = append(out, fmt.Sprintf("track[%d] (%s) not stopped", i, tr.kind))
		}
	}
	return out
}

type fakeDevice struct {
	media *fakeMedia

	mu         sync.Mutex
	loaded     bool
	closed     bool
	transports []*fakeTransport
}

func (d *fakeDevice) Load(routerCaps json.RawMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loaded = true
	return nil
}

func (d *fakeDevice) Loaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loaded
}

func (d *fakeDevice) RTPCapabilities() json.RawMessage {
	return json.RawMessage(`{"codecs":["opus","vp8"]}`)
}

func (d *fakeDevice) CreateTransport(dir TransportDirection, info TransportInfo) (Transport, error) {
	t := &fakeTransport{id: info.ID, dir: dir}
	d.mu.Lock()
	d.transports = append(d.transports, t)
	d.mu.Unlock()
	return t, nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDevice) leaks(name string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	if !d.closed {
		out = append(out, name+" not closed")
	}
	for i, t := range d.transports {
		out = append(out, t.leaks(fmt.Sprintf("%s.transport[%d]", name, i))...)
	}
	return out
}

type fakeTransport struct {
	id  string
	dir TransportDirection

	mu        sync.Mutex
	closed    bool
	remote    json.RawMessage
	producers []*fakeProducer
	consumers []*fakeConsumer
}

func (t *fakeTransport) ID() string                    { return t.id }
func (t *fakeTransport) Direction() TransportDirection { return t.dir }

func (t *fakeTransport) LocalParameters() (json.RawMessage, error) {
	return json.RawMessage(`{"dtls":"local"}`), nil
}

func (t *fakeTransport) SetRemoteParameters(params json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remote = params
	return nil
}

func (t *fakeTransport) Produce(track capture.Track) (Producer, error) {
	kind := MediaAudio
	if track.Kind() == capture.KindVideo {
		kind = MediaVideo
	}
	p := &fakeProducer{id: "prod-" + string(kind), kind: kind, track: track}
	t.mu.Lock()
	t.producers = append(t.producers, p)
	t.mu.Unlock()
	return p, nil
}

func (t *fakeTransport) Consume(opts ConsumerOptions) (Consumer, error) {
	c := &fakeConsumer{id: opts.ID, producerID: opts.ProducerID, kind: opts.Kind}
	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()
	return c, nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) leaks(name string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	if !t.closed {
		out = append(out, name+" not closed")
	}
	for i, p := range t.producers {
		if !p.isClosed() {
			out = append(out, fmt.Sprintf("%s.producer[%d] not closed", name, i))
		}
	}
	for i, c := range t.consumers {
		if !c.isClosed() {
			out = append(out, fmt.Sprintf("%s.consumer[%d] not closed", name, i))
		}
	}
	return out
}

type fakeProducer struct {
	id   string
	kind MediaKind

	mu     sync.Mutex
	track  capture.Track
	paused bool
	closed bool
}

func (p *fakeProducer) ID() string                     { return p.id }
func (p *fakeProducer) Kind() MediaKind                { return p.kind }
func (p *fakeProducer) RTPParameters() json.RawMessage { return json.RawMessage(`{"rtp":true}`) }

func (p *fakeProducer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	return nil
}

func (p *fakeProducer) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	return nil
}

func (p *fakeProducer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *fakeProducer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	track := p.track
	p.mu.Unlock()
	return track.Stop()
}

func (p *fakeProducer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeConsumer struct {
	id         string
	producerID string
	kind       MediaKind

	mu      sync.Mutex
	resumed bool
	closed  bool
}

func (c *fakeConsumer) ID() string         { return c.id }
func (c *fakeConsumer) ProducerID() string { return c.producerID }
func (c *fakeConsumer) Kind() MediaKind    { return c.kind }

func (c *fakeConsumer) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resumed = true
	return nil
}

func (c *fakeConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConsumer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeTrack struct {
	kind  string
	front bool

	mu      sync.Mutex
	stopped bool
}

func (t *fakeTrack) Kind() string                  { return t.kind }
func (t *fakeTrack) TrackLocal() webrtc.TrackLocal { return nil }

func (t *fakeTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	return nil
}

func (t *fakeTrack) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}
