// Package bridge binds shared document structures to local state: a mirror
// that follows the shared value and write paths that turn local edits into
// minimal document operations.
package bridge

import (
	"sync"

	"github.com/cloneot/yjs-playground/backend/internal/event"
)

// mirror is a local cache of a shared value. It is never authoritative; the
// owning bridge overwrites it from the shared structure on every change.
type mirror[T any] struct {
	mu    sync.RWMutex
	value T
	equal func(a, b T) bool
	subs  event.Emitter[T]
}

func (m *mirror[T]) get() T {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.value
}

// store replaces the value and reports whether it changed.
func (m *mirror[T]) store(v T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.equal != nil && m.equal(m.value, v) {
		return false
	}
	m.value = v
	return true
}

func (m *mirror[T]) notify(v T) { m.subs.Emit(v) }

func (m *mirror[T]) subscribe(fn func(T)) func() { return m.subs.On(fn) }

// binding tracks one attachment. Callbacks capture the generation they were
// registered under and become no-ops once it moves on.
type binding struct {
	gen  uint64
	offs []func()
}

func (b *binding) next() uint64 {
	b.gen++
	return b.gen
}

// release bumps the generation and returns the unregister functions of the
// previous attachment. Callers run them outside their lock.
func (b *binding) release() []func() {
	b.gen++
	offs := b.offs
	b.offs = nil
	return offs
}

func runAll(offs []func()) {
	for _, off := range offs {
		off()
	}
}
