package ydoc

import (
	"maps"
	"slices"

	"github.com/cloneot/yjs-playground/backend/internal/event"
	"github.com/cloneot/yjs-playground/backend/internal/ot/delta"
)

// TextEvent describes one transaction's effect on a text or fragment.
type TextEvent struct {
	Deltas []delta.Delta
	Origin any
	Local  bool
}

// MapEvent lists the keys one transaction touched.
type MapEvent struct {
	Keys   []string
	Origin any
	Local  bool
}

type sequence struct {
	doc       *Doc
	name      string
	kind      ChangeKind
	buf       Buffer
	observers event.Emitter[TextEvent]
}

func (s *sequence) Name() string { return s.name }
func (s *sequence) Doc() *Doc     { return s.doc }

func (s *sequence) String() string {
	s.doc.mu.Lock()
	defer s.doc.mu.Unlock()
	return s.buf.String()
}

func (s *sequence) Len() int {
	s.doc.mu.Lock()
	defer s.doc.mu.Unlock()
	return s.buf.Len()
}

func (s *sequence) Insert(pos int, text string) {
	s.ApplyDelta(delta.Delta{delta.Retain(pos), delta.Insert(text)})
}

func (s *sequence) Delete(pos, n int) {
	s.ApplyDelta(delta.Delta{delta.Retain(pos), delta.Delete(n)})
}

// ApplyDelta applies d as a single transaction. An empty delta does nothing.
func (s *sequence) ApplyDelta(d delta.Delta) {
	s.doc.transactLocal(nil, []Change{{Type: s.kind, Name: s.name, Delta: d}})
}

// Observe registers fn for every change, local or remote. fn runs after the
// change is visible through String.
func (s *sequence) Observe(fn func(TextEvent)) (unobserve func()) {
	return s.observers.On(fn)
}

// Text is a shared plain-text sequence.
type Text struct {
	sequence
}

// Fragment is shared rich text: the body the editor binds to.
type Fragment struct {
	sequence
	rich *RichBuffer
}

// InsertWith inserts formatted text.
func (f *Fragment) InsertWith(pos int, text string, attrs map[string]any) {
	f.ApplyDelta(delta.Delta{delta.Retain(pos), delta.InsertWith(text, attrs)})
}

// Format merges attrs into [pos, pos+n). A nil value clears the key.
func (f *Fragment) Format(pos, n int, attrs map[string]any) {
	f.ApplyDelta(delta.Delta{delta.Retain(pos), delta.RetainWith(n, attrs)})
}

func (f *Fragment) Runs() []Run {
	f.doc.mu.Lock()
	defer f.doc.mu.Unlock()
	return f.rich.Runs()
}

// Map is a shared string-keyed map of primitive values.
type Map struct {
	doc       *Doc
	name      string
	entries   map[string]any
	observers event.Emitter[MapEvent]
}

func (m *Map) Name() string { return m.name }

func (m *Map) Get(key string) (any, bool) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	v, ok := m.entries[key]
	return v, ok
}

func (m *Map) Set(key string, value any) {
	m.doc.transactLocal(nil, []Change{{Type: KindMap, Name: m.name, Key: key, Value: value}})
}

func (m *Map) Delete(key string) {
	m.doc.transactLocal(nil, []Change{{Type: KindMap, Name: m.name, Key: key, Deleted: true}})
}

// Entries returns a copy of the current content.
func (m *Map) Entries() map[string]any {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	return maps.Clone(m.entries)
}

func (m *Map) Keys() []string {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	return slices.Sorted(maps.Keys(m.entries))
}

func (m *Map) Len() int {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	return len(m.entries)
}

func (m *Map) Observe(fn func(MapEvent)) (unobserve func()) {
	return m.observers.On(fn)
}
