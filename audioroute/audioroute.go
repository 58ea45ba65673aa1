/* SPDX-License-Identifier: MPL-2.0
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package audioroute selects the physical audio output during a call:
// earpiece, loudspeaker, or an external device such as a headset. Route
// availability is not synchronously knowable at call start, so the router
// re-probes opportunistically instead of trusting one snapshot.
package audioroute

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Route is one audio output path.
type Route string

const (
	RouteEarpiece Route = "earpiece"
	RouteSpeaker  Route = "speaker"
	RouteExternal Route = "external"
)

// cycleOrder is the order Cycle advances through; external is skipped when
// no external device is present.
var cycleOrder = []Route{RouteEarpiece, RouteSpeaker, RouteExternal}

// Prober reports which routes the platform currently offers. Probing may
// talk to the OS audio stack and can be slow; the Router never probes under
// its lock.
type Prober interface {
	// Available returns the routes that can be selected right now.
	Available() []Route

	// Apply activates the given route.
	Apply(route Route) error
}

// Handler receives route change notifications.
type Handler func(route Route)

// Config holds the configuration for the audio router.
type Config struct {
	// Prober discovers and applies routes. Defaults to a prober that
	// offers earpiece and speaker only.
	Prober Prober

	// DiscoveryDelay is how long after call start to re-probe, giving
	// slow external-device discovery a second chance.
	DiscoveryDelay time.Duration

	// Logger for route operations.
	Logger *logrus.Logger
}

// DefaultConfig returns the default audio route configuration.
func DefaultConfig() *Config {
	return &Config{
		DiscoveryDelay: 2 * time.Second,
	}
}

// Router tracks the current route and cycles through the available ones.
type Router struct {
	prober Prober
	delay  time.Duration
	log    *logrus.Entry

	mu        sync.Mutex
	current   Route
	available map[Route]bool
	nextID    int
	handlers  map[int]Handler
	probeTmr  *time.Timer
}

// New creates a Router. A nil config uses defaults.
func New(config *Config) *Router {
	def := DefaultConfig()
	if config == nil {
		config = def
	}
	prober := config.Prober
	if prober == nil {
		prober = basicProber{}
	}
	delay := config.DiscoveryDelay
	if delay <= 0 {
		delay = def.DiscoveryDelay
	}
	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Router{
		prober:    prober,
		delay:     delay,
		log:       logger.WithField("component", "audioroute"),
		current:   RouteEarpiece,
		available: map[Route]bool{RouteEarpiece: true, RouteSpeaker: true},
		handlers:  make(map[int]Handler),
	}
}

// Current returns the active route.
func (r *Router) Current() Route {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// OnChange registers a route change handler and returns a remover.
func (r *Router) OnChange(handler Handler) (remove func()) {
	if handler == nil {
		return func() {}
	}
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.handlers[id] = handler
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.handlers, id)
			r.mu.Unlock()
		})
	}
}

// CallStarted resets the route for a new call and schedules the delayed
// re-probe that catches slowly discovered external devices.
func (r *Router) CallStarted() {
	r.Refresh()

	r.mu.Lock()
	if r.probeTmr != nil {
		r.probeTmr.Stop()
	}
	r.probeTmr = time.AfterFunc(r.delay, r.Refresh)
	r.mu.Unlock()
}

// CallEnded cancels any pending re-probe and returns to the earpiece.
func (r *Router) CallEnded() {
	r.mu.Lock()
	if r.probeTmr != nil {
		r.probeTmr.Stop()
		r.probeTmr = nil
	}
	r.mu.Unlock()
	r.set(RouteEarpiece)
}

// Refresh re-probes availability. If the current route disappeared (a
// headset was unplugged) the router falls back to the earpiece.
func (r *Router) Refresh() {
	routes := r.prober.Available()

	avail := make(map[Route]bool, len(routes))
	for _, route := range routes {
		avail[route] = true
	}
	// The built-in routes always exist.
	avail[RouteEarpiece] = true
	avail[RouteSpeaker] = true

	r.mu.Lock()
	r.available = avail
	lost := !avail[r.current]
	r.mu.Unlock()

	if lost {
		r.log.WithField("route", r.Current()).Info("Active route disappeared, falling back to earpiece")
		r.set(RouteEarpiece)
	}
}

// Cycle advances to the next available route, skipping external when no
// external device is present, and re-probes so a just-plugged device is
// picked up on the following cycle.
func (r *Router) Cycle() Route {
	r.Refresh()

	r.mu.Lock()
	idx := 0
	for i, route := range cycleOrder {
		if route == r.current {
			idx = i
			break
		}
	}
	next := r.current
	for i := 1; i <= len(cycleOrder); i++ {
		candidate := cycleOrder[(idx+i)%len(cycleOrder)]
		if r.available[candidate] {
			next = candidate
			break
		}
	}
	r.mu.Unlock()

	r.set(next)
	return next
}

// set applies and records a route, notifying handlers on change.
func (r *Router) set(route Route) {
	r.mu.Lock()
	if r.current == route {
		r.mu.Unlock()
		return
	}
	if err := r.prober.Apply(route); err != nil {
		r.mu.Unlock()
		r.log.WithFields(logrus.Fields{"route": route, "error": err}).Warn("Failed to apply audio route")
		return
	}
	r.current = route
	handlers := make([]Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		handlers = append(handlers, h)
	}
	r.mu.Unlock()

	r.log.WithField("route", route).Debug("Audio route changed")
	for _, h := range handlers {
		h(route)
	}
}

// basicProber is the fallback prober on platforms without external-device
// discovery: earpiece and speaker, applied as a no-op.
type basicProber struct{}

func (basicProber) Available() []Route { return []Route{RouteEarpiece, RouteSpeaker} }
func (basicProber) Apply(Route) error  { return nil }
