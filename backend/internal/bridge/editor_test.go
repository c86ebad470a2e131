package bridge

import (
	"bytes"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/cloneot/yjs-playground/backend/internal/ydoc"
)

type fakeEditor struct {
	id   int
	log  *[]string
	opts EditorOptions
}

func (e *fakeEditor) Destroy() { *e.log = append(*e.log, "destroy "+string(rune('0'+e.id))) }

type recorder struct {
	log   []string
	built []*fakeEditor
	fail  error
}

func (r *recorder) factory(opts EditorOptions) (Editor, error) {
	if r.fail != nil {
		return nil, r.fail
	}
	e := &fakeEditor{id: len(r.built) + 1, log: &r.log, opts: opts}
	r.built = append(r.built, e)
	r.log = append(r.log, "build "+string(rune('0'+e.id)))
	return e, nil
}

func TestEditorBridge_NilMountIsNoop(t *testing.T) {
	rec := &recorder{}
	b := NewEditorBridge(rec.factory)
	err := b.Mount(nil, ydoc.New().GetFragment("body"), &fakeRoster{})
	assert.Equal(t, err, nil)
	assert.Equal(t, b.State(), Unmounted)
	assert.Equal(t, b.Ready(), false)
	assert.Equal(t, len(rec.built), 0)
}

func TestEditorBridge_TypedNilMountTearsDown(t *testing.T) {
	rec := &recorder{}
	b := NewEditorBridge(rec.factory)
	body := ydoc.New().GetFragment("body")
	var mount bytes.Buffer
	assert.Equal(t, b.Mount(&mount, body, &fakeRoster{}), nil)

	var gone *bytes.Buffer
	assert.Equal(t, b.Mount(gone, body, &fakeRoster{}), nil)
	assert.Equal(t, b.State(), Unmounted)
	assert.Equal(t, b.Ready(), false)
	assert.Equal(t, rec.log, []string{"build 1", "destroy 1"})
}

func TestEditorBridge_Lifecycle(t *testing.T) {
	rec := &recorder{}
	b := NewEditorBridge(rec.factory)
	doc := ydoc.New()
	body := doc.GetFragment("body")
	roster := &fakeRoster{}
	var mount bytes.Buffer

	var readies []bool
	b.OnReady(func(r bool) { readies = append(readies, r) })

	assert.Equal(t, b.Mount(&mount, body, roster), nil)
	assert.Equal(t, b.Ready(), true)
	assert.Equal(t, b.State(), Mounted)
	assert.Equal(t, b.Editor(), Editor(rec.built[0]))

	// same identity: nothing happens
	assert.Equal(t, b.Mount(&mount, body, roster), nil)
	assert.Equal(t, len(rec.built), 1)

	// new fragment: old instance goes before the new one is built
	assert.Equal(t, b.Mount(&mount, doc.GetFragment("other"), roster), nil)
	assert.Equal(t, rec.log, []string{"build 1", "destroy 1", "build 2"})

	b.Unmount()
	b.Unmount()
	assert.Equal(t, rec.log, []string{"build 1", "destroy 1", "build 2", "destroy 2"})
	assert.Equal(t, b.Ready(), false)
	assert.Equal(t, b.Editor(), nil)
	assert.Equal(t, readies, []bool{true, false, true, false})
}

func TestEditorBridge_BuildFailure(t *testing.T) {
	rec := &recorder{fail: errors.New("malformed fragment")}
	b := NewEditorBridge(rec.factory)
	var mount bytes.Buffer

	err := b.Mount(&mount, ydoc.New().GetFragment("body"), &fakeRoster{})
	assert.NotEqual(t, err, nil)
	assert.Equal(t, errors.Is(err, rec.fail), true)
	assert.Equal(t, b.Ready(), false)
	assert.Equal(t, b.State(), Unmounted)

	err = b.Mount(&mount, nil, &fakeRoster{})
	assert.Equal(t, errors.Is(err, ErrNoFragment), true)
}

func TestEditorBridge_KeymapDrivesHistory(t *testing.T) {
	rec := &recorder{}
	b := NewEditorBridge(rec.factory)
	body := ydoc.New().GetFragment("body")
	var mount bytes.Buffer
	assert.Equal(t, b.Mount(&mount, body, &fakeRoster{}), nil)

	opts := rec.built[0].opts
	assert.Equal(t, opts.Fragment, body)

	body.Insert(0, "typed")
	assert.Equal(t, opts.Keymap["Mod-z"](), true)
	assert.Equal(t, body.String(), "")
	assert.Equal(t, opts.Keymap["Mod-Shift-z"](), true)
	assert.Equal(t, body.String(), "typed")
	assert.Equal(t, opts.Keymap["Mod-z"](), true)
	assert.Equal(t, opts.Keymap["Mod-y"](), true)
	assert.Equal(t, body.String(), "typed")

	// history is dropped with the editor
	b.Unmount()
	body.Insert(0, ">")
	assert.Equal(t, opts.Undo.CanUndo(), false)
}
