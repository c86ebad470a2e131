package bridge

import (
	"maps"
	"reflect"
	"sync"

	"github.com/golang/glog"

	"github.com/cloneot/yjs-playground/backend/internal/ydoc"
)

// SharedMap is the shared record a MapBridge binds to. *ydoc.Map satisfies it.
type SharedMap interface {
	Entries() map[string]any
	Set(key string, value any)
	Delete(key string)
	Observe(fn func(ydoc.MapEvent)) (unobserve func())
}

// MapBridge mirrors a SharedMap into a local map[string]V.
//
// The mirror is rebuilt in full from the shared map on attach and on every
// change, so a missed or batched notification cannot leave it stale. Entries
// whose value is not a V are left out.
type MapBridge[V any] struct {
	mu     sync.Mutex
	m      SharedMap
	bind   binding
	mirror mirror[map[string]V]
}

func NewMapBridge[V any]() *MapBridge[V] {
	return &MapBridge[V]{mirror: mirror[map[string]V]{
		equal: func(a, b map[string]V) bool { return reflect.DeepEqual(a, b) },
		value: map[string]V{},
	}}
}

func (b *MapBridge[V]) Attach(m SharedMap) {
	b.Detach()

	b.mu.Lock()
	gen := b.bind.next()
	b.m = m
	v := b.snapshotLocked()
	changed := b.mirror.store(v)
	b.bind.offs = append(b.bind.offs, m.Observe(func(ydoc.MapEvent) { b.rebuild(gen) }))
	b.mu.Unlock()

	if changed {
		b.mirror.notify(maps.Clone(v))
	}
}

func (b *MapBridge[V]) rebuild(gen uint64) {
	b.mu.Lock()
	if b.m == nil || b.bind.gen != gen {
		b.mu.Unlock()
		return
	}
	v := b.snapshotLocked()
	changed := b.mirror.store(v)
	b.mu.Unlock()

	if changed {
		b.mirror.notify(maps.Clone(v))
	}
}

func (b *MapBridge[V]) snapshotLocked() map[string]V {
	entries := b.m.Entries()
	out := make(map[string]V, len(entries))
	for k, raw := range entries {
		v, ok := raw.(V)
		if !ok {
			glog.V(1).Infof("[bridge] skip map entry %q: %T is not %T", k, raw, v)
			continue
		}
		out[k] = v
	}
	return out
}

// Value returns a copy of the mirrored map.
func (b *MapBridge[V]) Value() map[string]V { return maps.Clone(b.mirror.get()) }

func (b *MapBridge[V]) Get(key string) (V, bool) {
	v, ok := b.mirror.get()[key]
	return v, ok
}

// SetValue writes to the shared map. The mirror follows through the change
// notification.
func (b *MapBridge[V]) SetValue(key string, v V) {
	if m := b.shared(); m != nil {
		m.Set(key, v)
	}
}

func (b *MapBridge[V]) DeleteValue(key string) {
	if m := b.shared(); m != nil {
		m.Delete(key)
	}
}

func (b *MapBridge[V]) shared() SharedMap {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.m == nil {
		glog.V(1).Info("[bridge] write on detached map bridge ignored")
	}
	return b.m
}

func (b *MapBridge[V]) Subscribe(fn func(map[string]V)) (unsubscribe func()) {
	return b.mirror.subscribe(fn)
}

func (b *MapBridge[V]) Detach() {
	b.mu.Lock()
	offs := b.bind.release()
	b.m = nil
	b.mu.Unlock()
	runAll(offs)
}
