package bridge

import (
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"

	"github.com/golang/glog"

	"github.com/cloneot/yjs-playground/backend/internal/ydoc"
)

var ErrNoFragment = errors.New("editor needs a fragment")

// MountPoint is where an editor renders. Identity is compared with ==, so
// implementations should be pointers.
type MountPoint interface {
	io.Writer
}

// Editor is a live rich-text editor instance.
type Editor interface {
	Destroy()
}

// Command runs an editor action and reports whether it applied.
type Command func() bool

// Keymap binds key chords such as "Mod-z" to commands.
type Keymap map[string]Command

// EditorOptions is everything an editor is built from: the body it edits,
// the roster it draws remote cursors from, and history bound to the shared
// document.
type EditorOptions struct {
	Mount    MountPoint
	Fragment *ydoc.Fragment
	Presence Roster
	Undo     *ydoc.UndoManager
	Keymap   Keymap
}

type EditorFactory func(EditorOptions) (Editor, error)

type EditorState int

const (
	Unmounted EditorState = iota
	Mounting
	Mounted
)

func (s EditorState) String() string {
	switch s {
	case Mounting:
		return "mounting"
	case Mounted:
		return "mounted"
	default:
		return "unmounted"
	}
}

// EditorBridge owns at most one editor instance per mount point and makes
// sure it is destroyed exactly once, before any replacement is built.
type EditorBridge struct {
	factory EditorFactory

	op sync.Mutex // serializes Mount and Unmount

	mu       sync.Mutex
	state    EditorState
	mount    MountPoint
	frag     *ydoc.Fragment
	presence Roster
	editor   Editor
	undo     *ydoc.UndoManager

	ready mirror[bool]
}

func NewEditorBridge(factory EditorFactory) *EditorBridge {
	return &EditorBridge{
		factory: factory,
		ready:   mirror[bool]{equal: func(a, b bool) bool { return a == b }},
	}
}

// DefaultKeymap binds undo to Mod-z and redo to Mod-y and Mod-Shift-z.
func DefaultKeymap(um *ydoc.UndoManager) Keymap {
	return Keymap{
		"Mod-z":       um.Undo,
		"Mod-y":       um.Redo,
		"Mod-Shift-z": um.Redo,
	}
}

// Mount builds an editor on mount for frag and presence. Mounting the same
// three again is a no-op; anything else tears the current editor down first.
// A nil mount, including a nil pointer of a MountPoint type, only tears
// down. A failed build is returned and leaves the
// bridge unmounted; it is not retried.
func (b *EditorBridge) Mount(mount MountPoint, frag *ydoc.Fragment, presence Roster) error {
	b.op.Lock()
	defer b.op.Unlock()

	b.mu.Lock()
	same := b.state == Mounted && b.mount == mount && b.frag == frag && b.presence == presence
	b.mu.Unlock()
	if same {
		return nil
	}

	b.teardown()
	if isNilMount(mount) {
		return nil
	}
	if frag == nil {
		return ErrNoFragment
	}

	b.mu.Lock()
	b.state = Mounting
	b.mu.Unlock()

	um := ydoc.NewUndoManager(frag.Doc(), frag)
	ed, err := b.factory(EditorOptions{
		Mount:    mount,
		Fragment: frag,
		Presence: presence,
		Undo:     um,
		Keymap:   DefaultKeymap(um),
	})
	if err != nil || ed == nil {
		um.Close()
		b.mu.Lock()
		b.state = Unmounted
		b.mu.Unlock()
		if err == nil {
			err = errors.New("factory returned no editor")
		}
		glog.Warningf("[bridge] editor build failed: %v", err)
		return fmt.Errorf("build editor: %w", err)
	}

	b.mu.Lock()
	b.state = Mounted
	b.mount, b.frag, b.presence = mount, frag, presence
	b.editor, b.undo = ed, um
	b.mu.Unlock()

	if b.ready.store(true) {
		b.ready.notify(true)
	}
	return nil
}

// Unmount destroys the current editor. Safe to call more than once.
func (b *EditorBridge) Unmount() {
	b.op.Lock()
	defer b.op.Unlock()
	b.teardown()
}

func (b *EditorBridge) teardown() {
	b.mu.Lock()
	ed, um := b.editor, b.undo
	b.editor, b.undo = nil, nil
	b.mount, b.frag, b.presence = nil, nil, nil
	b.state = Unmounted
	b.mu.Unlock()

	if ed != nil {
		ed.Destroy()
	}
	if um != nil {
		um.Close()
	}
	if b.ready.store(false) {
		b.ready.notify(false)
	}
}

// Ready reports whether an editor is mounted and usable.
func (b *EditorBridge) Ready() bool { return b.ready.get() }

func (b *EditorBridge) OnReady(fn func(bool)) (off func()) { return b.ready.subscribe(fn) }

// Editor returns the live instance, or nil. The bridge keeps ownership.
func (b *EditorBridge) Editor() Editor {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.editor
}

func (b *EditorBridge) State() EditorState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func isNilMount(mount MountPoint) bool {
	if mount == nil {
		return true
	}
	switch v := reflect.ValueOf(mount); v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return v.IsNil()
	}
	return false
}
