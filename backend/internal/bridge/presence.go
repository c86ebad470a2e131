package bridge

import (
	"sync"

	"github.com/cloneot/yjs-playground/backend/internal/provider"
)

// Roster is the presence roster a monitor counts and an editor draws remote
// cursors from.
type Roster = provider.Roster

// Transport is the realtime connection whose state a PresenceMonitor
// follows. *provider.WebsocketProvider satisfies it.
type Transport interface {
	OnSync(fn func()) (off func())
	OnStatus(fn func(provider.Status)) (off func())
	Roster() Roster
}

// ConnectionSignal is the combined view of a transport: whether the document
// is live and how many peers are present.
type ConnectionSignal struct {
	Connected bool
	PeerCount int
}

// PresenceMonitor folds sync, status and roster events into one
// ConnectionSignal.
type PresenceMonitor struct {
	mu     sync.Mutex
	roster Roster
	bind   binding
	mirror mirror[ConnectionSignal]
}

func NewPresenceMonitor() *PresenceMonitor {
	return &PresenceMonitor{mirror: mirror[ConnectionSignal]{
		equal: func(a, b ConnectionSignal) bool { return a == b },
	}}
}

// Attach resets the signal, follows t and seeds the peer count from the
// roster as it is now.
func (pm *PresenceMonitor) Attach(t Transport) {
	pm.Detach()

	pm.mu.Lock()
	gen := pm.bind.next()
	pm.roster = t.Roster()
	reset := pm.mirror.store(ConnectionSignal{})
	pm.bind.offs = append(pm.bind.offs,
		t.OnSync(func() { pm.update(gen, func(s *ConnectionSignal) { s.Connected = true }) }),
		t.OnStatus(func(st provider.Status) {
			pm.update(gen, func(s *ConnectionSignal) { s.Connected = st == provider.StatusConnected })
		}),
		pm.roster.OnChange(func() { pm.onRosterChange(gen) }),
	)
	pm.mu.Unlock()

	if reset {
		pm.mirror.notify(ConnectionSignal{})
	}
	pm.onRosterChange(gen)
}

func (pm *PresenceMonitor) onRosterChange(gen uint64) {
	pm.mu.Lock()
	r := pm.roster
	pm.mu.Unlock()
	if r == nil {
		return
	}
	// counted at event time, never maintained incrementally
	n := len(r.States())
	pm.update(gen, func(s *ConnectionSignal) { s.PeerCount = n })
}

func (pm *PresenceMonitor) update(gen uint64, fn func(*ConnectionSignal)) {
	pm.mu.Lock()
	if pm.bind.gen != gen {
		pm.mu.Unlock()
		return
	}
	s := pm.mirror.get()
	fn(&s)
	changed := pm.mirror.store(s)
	pm.mu.Unlock()

	if changed {
		pm.mirror.notify(s)
	}
}

func (pm *PresenceMonitor) Signal() ConnectionSignal { return pm.mirror.get() }

func (pm *PresenceMonitor) Subscribe(fn func(ConnectionSignal)) (unsubscribe func()) {
	return pm.mirror.subscribe(fn)
}

// Detach stops following the transport. The last signal stays readable.
func (pm *PresenceMonitor) Detach() {
	pm.mu.Lock()
	offs := pm.bind.release()
	pm.roster = nil
	pm.mu.Unlock()
	runAll(offs)
}
