/* SPDX-License-Identifier: MPL-2.0
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package audioroute

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProber offers a settable route list and records applies.
type fakeProber struct {
	mu      sync.Mutex
	routes  []Route
	applied []Route
	probes  int
}

func (p *fakeProber) Available() []Route {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes++
	return append([]Route(nil), p.routes...)
}

func (p *fakeProber) Apply(route Route) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applied = append(p.applied, route)
	return nil
}

func (p *fakeProber) setRoutes(routes ...Route) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routes = routes
}

func (p *fakeProber) probeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probes
}

func newTestRouter(t *testing.T, prober *fakeProber) *Router {
	t.Helper()
	return New(&Config{
		Prober:         prober,
		DiscoveryDelay: 30 * time.Millisecond,
	})
}

func TestCycleSkipsMissingExternal(t *testing.T) {
	prober := &fakeProber{}
	prober.setRoutes(RouteEarpiece, RouteSpeaker)
	r := newTestRouter(t, prober)

	require.Equal(t, RouteEarpiece, r.Current())

	assert.Equal(t, RouteSpeaker, r.Cycle())
	// No external device: the cycle wraps straight back to the earpiece.
	assert.Equal(t, RouteEarpiece, r.Cycle())
}

func TestCycleIncludesExternalWhenPresent(t *testing.T) {
	prober := &fakeProber{}
	prober.setRoutes(RouteEarpiece, RouteSpeaker, RouteExternal)
	r := newTestRouter(t, prober)

	assert.Equal(t, RouteSpeaker, r.Cycle())
	assert.Equal(t, RouteExternal, r.Cycle())
	assert.Equal(t, RouteEarpiece, r.Cycle())
}

func TestCyclePicksUpLatePluggedDevice(t *testing.T) {
	prober := &fakeProber{}
	prober.setRoutes(RouteEarpiece, RouteSpeaker)
	r := newTestRouter(t, prober)

	require.Equal(t, RouteSpeaker, r.Cycle())

	// A headset appears between cycles; the manual cycle re-probes and
	// finds it.
	prober.setRoutes(RouteEarpiece, RouteSpeaker, RouteExternal)
	assert.Equal(t, RouteExternal, r.Cycle())
}

func TestRefreshFallsBackWhenRouteDisappears(t *testing.T) {
	prober := &fakeProber{}
	prober.setRoutes(RouteEarpiece, RouteSpeaker, RouteExternal)
	r := newTestRouter(t, prober)

	r.Cycle() // speaker
	r.Cycle() // external
	require.Equal(t, RouteExternal, r.Current())

	prober.setRoutes(RouteEarpiece, RouteSpeaker)
	r.Refresh()
	assert.Equal(t, RouteEarpiece, r.Current(), "unplugging the active device must fall back to earpiece")
}

func TestOnChange(t *testing.T) {
	prober := &fakeProber{}
	prober.setRoutes(RouteEarpiece, RouteSpeaker)
	r := newTestRouter(t, prober)

	var mu sync.Mutex
	var got []Route
	remove := r.OnChange(func(route Route) {
		mu.Lock()
		got = append(got, route)
		mu.Unlock()
	})

	r.Cycle() // -> speaker
	r.Cycle() // -> earpiece
	remove()
	r.Cycle() // -> speaker, unobserved

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Route{RouteSpeaker, RouteEarpiece}, got)
}

func TestCallLifecycleProbing(t *testing.T) {
	prober := &fakeProber{}
	prober.setRoutes(RouteEarpiece, RouteSpeaker)
	r := newTestRouter(t, prober)

	r.CallStarted()
	immediate := prober.probeCount()
	require.GreaterOrEqual(t, immediate, 1, "call start must probe immediately")

	// The delayed re-probe catches slow external-device discovery.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && prober.probeCount() == immediate {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Greater(t, prober.probeCount(), immediate, "call start must schedule a delayed re-probe")

	r.Cycle()
	require.Equal(t, RouteSpeaker, r.Current())

	r.CallEnded()
	assert.Equal(t, RouteEarpiece, r.Current(), "call end must return to the earpiece")
}
