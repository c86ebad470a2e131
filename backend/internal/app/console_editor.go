package app

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/cloneot/yjs-playground/backend/internal/bridge"
	"github.com/cloneot/yjs-playground/backend/internal/ot/diff"
	"github.com/cloneot/yjs-playground/backend/internal/ydoc"
)

// ConsoleEditor edits the body fragment from a terminal and renders it as
// text, bold runs in **double stars**, followed by the remote cursors.
type ConsoleEditor struct {
	out    io.Writer
	frag   *ydoc.Fragment
	roster bridge.Roster
	keymap bridge.Keymap
	self   uint64
}

// NewConsoleEditor is a bridge.EditorFactory.
func NewConsoleEditor(opts bridge.EditorOptions) (bridge.Editor, error) {
	if opts.Mount == nil {
		return nil, fmt.Errorf("console editor: no output")
	}
	return &ConsoleEditor{
		out:    opts.Mount,
		frag:   opts.Fragment,
		roster: opts.Presence,
		keymap: opts.Keymap,
		self:   opts.Fragment.Doc().ClientID(),
	}, nil
}

// SetText replaces the body with text, touching only the part that changed.
func (e *ConsoleEditor) SetText(text string) {
	d := diff.Compute(e.frag.String(), text)
	if d.IsNoop() {
		return
	}
	e.frag.ApplyDelta(d.Delta())
}

func (e *ConsoleEditor) Bold(from, n int) {
	e.frag.Format(from, n, map[string]any{"bold": true})
}

// Key runs the command bound to chord and reports whether it applied.
func (e *ConsoleEditor) Key(chord string) bool {
	cmd, ok := e.keymap[chord]
	if !ok {
		return false
	}
	return cmd()
}

func (e *ConsoleEditor) Markup() string {
	var b strings.Builder
	for _, run := range e.frag.Runs() {
		if bold, _ := run.Attrs["bold"].(bool); bold {
			b.WriteString("**" + run.Text + "**")
			continue
		}
		b.WriteString(run.Text)
	}
	return b.String()
}

// Render writes the body to w, or to the mount point when w is nil.
func (e *ConsoleEditor) Render(w io.Writer) {
	if w == nil {
		w = e.out
	}
	fmt.Fprintf(w, "Body: %s\n", e.Markup())
	if e.roster == nil {
		return
	}
	states := e.roster.States()
	for _, id := range slices.Sorted(maps.Keys(states)) {
		st := states[id]
		if id == e.self || st.Cursor == nil {
			continue
		}
		fmt.Fprintf(w, "  cursor %s: %d..%d\n", st.User, st.Cursor.Anchor, st.Cursor.Head)
	}
}

func (e *ConsoleEditor) Destroy() {
	e.keymap = nil
	e.roster = nil
}
