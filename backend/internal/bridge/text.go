package bridge

import (
	"sync"

	"github.com/golang/glog"

	"github.com/cloneot/yjs-playground/backend/internal/ot/delta"
	"github.com/cloneot/yjs-playground/backend/internal/ot/diff"
	"github.com/cloneot/yjs-playground/backend/internal/ydoc"
)

// SharedText is the shared sequence a TextBridge binds to. *ydoc.Text and
// *ydoc.Fragment satisfy it.
type SharedText interface {
	String() string
	ApplyDelta(d delta.Delta)
	Observe(fn func(ydoc.TextEvent)) (unobserve func())
}

// TextBridge mirrors a SharedText into a local string.
//
// Reads come from the mirror, which is overwritten from the shared text on
// every change. Writes go through SetValue, which diffs against the live
// shared text and issues one minimal delete+insert.
type TextBridge struct {
	mu     sync.Mutex
	text   SharedText
	bind   binding
	mirror mirror[string]
}

func NewTextBridge() *TextBridge {
	return &TextBridge{mirror: mirror[string]{equal: func(a, b string) bool { return a == b }}}
}

// Attach binds the bridge to t, detaching any previous text first.
func (b *TextBridge) Attach(t SharedText) {
	b.Detach()

	b.mu.Lock()
	gen := b.bind.next()
	b.text = t
	v := t.String()
	changed := b.mirror.store(v)
	b.bind.offs = append(b.bind.offs, t.Observe(func(ydoc.TextEvent) { b.refresh(gen) }))
	b.mu.Unlock()

	if changed {
		b.mirror.notify(v)
	}
}

func (b *TextBridge) refresh(gen uint64) {
	b.mu.Lock()
	if b.text == nil || b.bind.gen != gen {
		b.mu.Unlock()
		return
	}
	v := b.text.String()
	changed := b.mirror.store(v)
	b.mu.Unlock()

	if changed {
		b.mirror.notify(v)
	}
}

// Value is the mirrored string.
func (b *TextBridge) Value() string { return b.mirror.get() }

// SetValue makes the shared text equal next using the smallest edit that
// does so. Equal values issue nothing. Invalid UTF-8 in next is stored the
// way diff.Clean rewrites it.
func (b *TextBridge) SetValue(next string) {
	b.mu.Lock()
	t := b.text
	b.mu.Unlock()
	if t == nil {
		glog.V(1).Info("[bridge] SetValue on detached text bridge ignored")
		return
	}

	d := diff.Compute(t.String(), next)
	if d.IsNoop() {
		return
	}
	t.ApplyDelta(d.Delta())
}

// Subscribe registers fn for every change of the mirrored value.
func (b *TextBridge) Subscribe(fn func(string)) (unsubscribe func()) {
	return b.mirror.subscribe(fn)
}

// Detach unregisters the observer. Safe to call more than once.
func (b *TextBridge) Detach() {
	b.mu.Lock()
	offs := b.bind.release()
	b.text = nil
	b.mu.Unlock()
	runAll(offs)
}
