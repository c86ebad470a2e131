package ydoc

import (
	"sync"

	"github.com/cloneot/yjs-playground/backend/internal/ot/delta"
)

// UndoManager tracks local transactions on a set of shared types and can
// revert or reapply them. Remote changes are never undone: when a remote
// transaction commits, both stacks are moved past it, so an undo reverts
// only what the local transaction did, at the positions where it now is.
type UndoManager struct {
	doc   *Doc
	scope map[scopeKey]bool

	mu   sync.Mutex
	undo []undoItem
	redo []undoItem
	off  func()
}

// undoItem reverts the update with the given clock.
type undoItem struct {
	clock   uint64
	changes []Change
}

type scopeKey struct {
	kind ChangeKind
	name string
}

// Scope names a shared type an UndoManager watches.
type Scope interface {
	scope() scopeKey
}

func (s *sequence) scope() scopeKey { return scopeKey{s.kind, s.name} }
func (m *Map) scope() scopeKey      { return scopeKey{KindMap, m.name} }

func NewUndoManager(doc *Doc, scope ...Scope) *UndoManager {
	um := &UndoManager{doc: doc, scope: make(map[scopeKey]bool)}
	for _, s := range scope {
		um.scope[s.scope()] = true
	}
	um.off = doc.OnUpdate(um.record)
	return um
}

func (um *UndoManager) record(e UpdateEvent) {
	if !e.Local {
		um.mu.Lock()
		um.undo = um.rebaseItems(um.undo, e.steps)
		um.redo = um.rebaseItems(um.redo, e.steps)
		um.mu.Unlock()
		return
	}
	if e.Origin == um || e.Update == nil {
		return
	}
	inv := um.filter(e.inverse)
	if len(inv) == 0 {
		return
	}
	um.mu.Lock()
	um.undo = append(um.undo, undoItem{clock: e.Update.Clock, changes: inv})
	um.redo = nil
	um.mu.Unlock()
}

func (um *UndoManager) inScope(c Change) bool {
	return um.scope[scopeKey{c.Type, c.Name}]
}

func (um *UndoManager) filter(changes []Change) []Change {
	var out []Change
	for _, c := range changes {
		if um.inScope(c) {
			out = append(out, c)
		}
	}
	return out
}

func (um *UndoManager) rebaseItems(items []undoItem, steps []step) []undoItem {
	out := items[:0]
	for _, it := range items {
		if it, ok := it.rebase(steps, um.inScope); ok {
			out = append(out, it)
		}
	}
	return out
}

// rebase moves it past the steps of a remote transaction. If the transaction
// rolled back and replayed the update it reverts, it is rebuilt from the
// replay; rolled back and not replayed, it is gone.
func (it undoItem) rebase(steps []step, keep func(Change) bool) (undoItem, bool) {
	var fresh []Change
	suspended, replaying := false, false
	for _, st := range steps {
		mine := st.own && st.clock == it.clock
		if replaying && (!mine || st.rollback) {
			it.changes, fresh = fresh, nil
			suspended, replaying = false, false
		}
		switch {
		case mine && st.rollback:
			suspended = true
		case mine:
			replaying = true
			if !st.marker && keep(st.inverse) {
				fresh = append([]Change{st.inverse}, fresh...)
			}
		case suspended || st.marker:
		default:
			it.changes = transformChanges(it.changes, st)
		}
	}
	switch {
	case replaying:
		it.changes = fresh
	case suspended:
		return it, false
	}
	return it, len(it.changes) > 0
}

// transformChanges rewrites changes, which apply in order to the state before
// st, so that they apply after it. A map change loses to a remote write of
// the same key.
func transformChanges(changes []Change, st step) []Change {
	out := make([]Change, 0, len(changes))
	other := st.change.Delta
	for _, c := range changes {
		if c.Type != st.change.Type || c.Name != st.change.Name {
			out = append(out, c)
			continue
		}
		if c.Type == KindMap {
			if c.Key != st.change.Key || st.own {
				out = append(out, c)
			}
			continue
		}
		moved := delta.Transform(c.Delta, other, true)
		other = delta.Transform(other, c.Delta, false)
		if !moved.IsEmpty() {
			c.Delta = moved
			out = append(out, c)
		}
	}
	return out
}

// Undo reverts the most recent tracked local transaction that still changes
// something. It reports false when there is nothing left to undo.
func (um *UndoManager) Undo() bool {
	return um.step(&um.undo, &um.redo)
}

// Redo reapplies the most recently undone transaction.
func (um *UndoManager) Redo() bool {
	return um.step(&um.redo, &um.undo)
}

func (um *UndoManager) step(from, to *[]undoItem) bool {
	for {
		um.mu.Lock()
		if len(*from) == 0 {
			um.mu.Unlock()
			return false
		}
		item := (*from)[len(*from)-1]
		*from = (*from)[:len(*from)-1]
		um.mu.Unlock()

		u, inv, ok := um.doc.transactLocal(um, item.changes)
		if !ok {
			continue
		}
		if inv = um.filter(inv); len(inv) > 0 {
			um.mu.Lock()
			*to = append(*to, undoItem{clock: u.Clock, changes: inv})
			um.mu.Unlock()
		}
		return true
	}
}

func (um *UndoManager) CanUndo() bool {
	um.mu.Lock()
	defer um.mu.Unlock()
	return len(um.undo) > 0
}

func (um *UndoManager) CanRedo() bool {
	um.mu.Lock()
	defer um.mu.Unlock()
	return len(um.redo) > 0
}

// Clear forgets both stacks.
func (um *UndoManager) Clear() {
	um.mu.Lock()
	um.undo, um.redo = nil, nil
	um.mu.Unlock()
}

func (um *UndoManager) Close() {
	um.off()
	um.Clear()
}
