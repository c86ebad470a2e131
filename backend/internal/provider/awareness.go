package provider

import (
	"maps"
	"reflect"
	"sync"

	"github.com/cloneot/yjs-playground/backend/internal/event"
	"github.com/cloneot/yjs-playground/backend/internal/protocol"
)

type State = protocol.State

// Roster is a queryable set of peer states that reports changes.
type Roster interface {
	States() map[uint64]State
	OnChange(fn func()) (off func())
}

// Awareness holds the presence roster of one room: this client's own state
// plus the last roster the relay sent. It is never persisted.
type Awareness struct {
	clientID uint64

	mu     sync.Mutex
	local  *State
	remote map[uint64]State

	changed event.Signal
	localCh event.Emitter[State]
}

func NewAwareness(clientID uint64) *Awareness {
	return &Awareness{clientID: clientID, remote: make(map[uint64]State)}
}

func (a *Awareness) ClientID() uint64 { return a.clientID }

// SetLocalState publishes this client's state to the roster and, through the
// provider, to peers.
func (a *Awareness) SetLocalState(s State) {
	a.mu.Lock()
	if a.local != nil && reflect.DeepEqual(*a.local, s) {
		a.mu.Unlock()
		return
	}
	a.local = &s
	a.mu.Unlock()

	a.localCh.Emit(s)
	a.changed.Emit()
}

func (a *Awareness) LocalState() (State, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.local == nil {
		return State{}, false
	}
	return *a.local, true
}

// States returns every known peer state keyed by client id, this client
// included once it has a local state.
func (a *Awareness) States() map[uint64]State {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := maps.Clone(a.remote)
	if a.local != nil {
		out[a.clientID] = *a.local
	}
	return out
}

func (a *Awareness) OnChange(fn func()) (off func()) { return a.changed.On(fn) }

func (a *Awareness) onLocalState(fn func(State)) (off func()) { return a.localCh.On(fn) }

// applyRoster replaces all remote entries with members. Our own entry in the
// roster is ignored; the local state is authoritative for it.
func (a *Awareness) applyRoster(members []protocol.Member) {
	next := make(map[uint64]State, len(members))
	for _, m := range members {
		if m.ClientID == a.clientID {
			continue
		}
		st := State{User: m.Username}
		if m.State != nil {
			st = *m.State
			if st.User == "" {
				st.User = m.Username
			}
		}
		next[m.ClientID] = st
	}

	a.mu.Lock()
	if reflect.DeepEqual(a.remote, next) {
		a.mu.Unlock()
		return
	}
	a.remote = next
	a.mu.Unlock()
	a.changed.Emit()
}

// clearRemote drops every peer, e.g. after the connection is lost.
func (a *Awareness) clearRemote() {
	a.mu.Lock()
	if len(a.remote) == 0 {
		a.mu.Unlock()
		return
	}
	a.remote = make(map[uint64]State)
	a.mu.Unlock()
	a.changed.Emit()
}
