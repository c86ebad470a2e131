package bridge

import (
	"maps"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/cloneot/yjs-playground/backend/internal/event"
	"github.com/cloneot/yjs-playground/backend/internal/provider"
)

type fakeRoster struct {
	states  map[uint64]provider.State
	changed event.Signal
}

func (r *fakeRoster) States() map[uint64]provider.State { return maps.Clone(r.states) }
func (r *fakeRoster) OnChange(fn func()) func()         { return r.changed.On(fn) }

func (r *fakeRoster) set(n int) {
	r.states = make(map[uint64]provider.State, n)
	for i := range n {
		r.states[uint64(i+1)] = provider.State{}
	}
	r.changed.Emit()
}

type fakeTransport struct {
	synced event.Signal
	status event.Emitter[provider.Status]
	roster *fakeRoster
}

func newFakeTransport() *fakeTransport { return &fakeTransport{roster: &fakeRoster{}} }

func (f *fakeTransport) OnSync(fn func()) func()                   { return f.synced.On(fn) }
func (f *fakeTransport) OnStatus(fn func(provider.Status)) func()  { return f.status.On(fn) }
func (f *fakeTransport) Roster() Roster                            { return f.roster }
func (f *fakeTransport) listeners() int {
	return f.synced.Len() + f.status.Len() + f.roster.changed.Len()
}

func TestPresenceMonitor_Aggregation(t *testing.T) {
	tr := newFakeTransport()
	pm := NewPresenceMonitor()
	pm.Attach(tr)
	assert.Equal(t, pm.Signal(), ConnectionSignal{})

	tr.status.Emit(provider.StatusDisconnected)
	tr.synced.Emit()
	tr.roster.set(3)
	assert.Equal(t, pm.Signal(), ConnectionSignal{Connected: true, PeerCount: 3})

	tr.status.Emit(provider.StatusConnecting)
	assert.Equal(t, pm.Signal().Connected, false)
	tr.status.Emit(provider.StatusConnected)
	assert.Equal(t, pm.Signal().Connected, true)
}

func TestPresenceMonitor_SeedsPeerCount(t *testing.T) {
	tr := newFakeTransport()
	tr.roster.set(2)

	pm := NewPresenceMonitor()
	var seen []ConnectionSignal
	pm.Subscribe(func(s ConnectionSignal) { seen = append(seen, s) })
	pm.Attach(tr)
	assert.Equal(t, pm.Signal(), ConnectionSignal{PeerCount: 2})
	assert.Equal(t, seen, []ConnectionSignal{{PeerCount: 2}})
}

func TestPresenceMonitor_DetachAndReattach(t *testing.T) {
	tr := newFakeTransport()
	pm := NewPresenceMonitor()
	pm.Attach(tr)
	tr.synced.Emit()
	tr.roster.set(4)
	assert.Equal(t, tr.listeners(), 3)

	pm.Detach()
	pm.Detach()
	assert.Equal(t, tr.listeners(), 0)
	tr.status.Emit(provider.StatusDisconnected)
	tr.roster.set(1)
	assert.Equal(t, pm.Signal(), ConnectionSignal{Connected: true, PeerCount: 4})

	// a fresh attach starts from the initial signal
	other := newFakeTransport()
	pm.Attach(other)
	assert.Equal(t, pm.Signal(), ConnectionSignal{})
	tr.synced.Emit()
	assert.Equal(t, pm.Signal(), ConnectionSignal{})
}
