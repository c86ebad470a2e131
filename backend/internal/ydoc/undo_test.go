package ydoc

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestUndoManager_UndoRedo(t *testing.T) {
	d := New()
	text := d.GetText("title")
	um := NewUndoManager(d, text)
	defer um.Close()

	text.Insert(0, "hello")
	text.Insert(5, " world")
	assert.Equal(t, um.CanUndo(), true)

	assert.Equal(t, um.Undo(), true)
	assert.Equal(t, text.String(), "hello")
	assert.Equal(t, um.Undo(), true)
	assert.Equal(t, text.String(), "")
	assert.Equal(t, um.Undo(), false)

	assert.Equal(t, um.Redo(), true)
	assert.Equal(t, text.String(), "hello")
	assert.Equal(t, um.CanRedo(), true)

	// a fresh edit drops the redo stack
	text.Insert(0, ">")
	assert.Equal(t, um.CanRedo(), false)
	assert.Equal(t, text.String(), ">hello")
}

func TestUndoManager_Formatting(t *testing.T) {
	d := New()
	body := d.GetFragment("body")
	body.Insert(0, "abc")
	um := NewUndoManager(d, body)

	body.Format(0, 2, map[string]any{"bold": true})
	assert.Equal(t, um.Undo(), true)
	assert.Equal(t, body.Runs(), []Run{{Text: "abc"}})

	assert.Equal(t, um.Redo(), true)
	assert.Equal(t, body.Runs(), []Run{
		{Text: "ab", Attrs: map[string]any{"bold": true}},
		{Text: "c"},
	})
}

func TestUndoManager_IgnoresRemoteAndOutOfScope(t *testing.T) {
	remote := New()
	ups := collect(remote)
	remote.GetText("title").Insert(0, "remote")

	d := New()
	text := d.GetText("title")
	um := NewUndoManager(d, text)

	d.GetMap("poster").Set("url", "x")
	for _, u := range *ups {
		d.ApplyUpdate(u, "net")
	}
	assert.Equal(t, um.CanUndo(), false)
	assert.Equal(t, text.String(), "remote")

	text.Insert(6, "!")
	assert.Equal(t, um.Undo(), true)
	assert.Equal(t, text.String(), "remote")
}

func TestUndoManager_UndoAfterRemoteEdit(t *testing.T) {
	d := New(WithClientID(1))
	text := d.GetText("t")
	um := NewUndoManager(d, text)
	defer um.Close()
	text.Insert(0, "world")

	remote := New(WithClientID(2))
	ups := collect(remote)
	remote.GetText("t").Insert(0, "hello ")
	d.ApplyUpdate((*ups)[0], "net")
	assert.Equal(t, text.String(), "hello world")

	assert.Equal(t, um.Undo(), true)
	assert.Equal(t, text.String(), "hello ")

	remote.GetText("t").Insert(0, ">")
	d.ApplyUpdate((*ups)[1], "net")
	assert.Equal(t, text.String(), ">hello ")

	assert.Equal(t, um.Redo(), true)
	assert.Equal(t, text.String(), ">hello world")
}

func TestUndoManager_MapUndoLosesToRemoteWrite(t *testing.T) {
	d := New(WithClientID(1))
	poster := d.GetMap("poster")
	um := NewUndoManager(d, poster)
	defer um.Close()
	poster.Set("url", "mine")

	remote := New(WithClientID(2))
	ups := collect(remote)
	remote.GetMap("poster").Set("url", "theirs")
	d.ApplyUpdate((*ups)[0], "net")

	assert.Equal(t, um.Undo(), false)
	v, _ := poster.Get("url")
	assert.Equal(t, v, "theirs")
}

func TestUndoManager_SkipsItemsRemoteEditsEmptied(t *testing.T) {
	d := New(WithClientID(1))
	mine := collect(d)
	text := d.GetText("t")
	um := NewUndoManager(d, text)
	defer um.Close()
	text.Insert(0, "abc")
	text.Insert(3, "def")

	remote := New(WithClientID(2))
	ups := collect(remote)
	for _, u := range *mine {
		remote.ApplyUpdate(u, "net")
	}
	remote.GetText("t").Delete(3, 3)
	d.ApplyUpdate((*ups)[0], "net")
	assert.Equal(t, text.String(), "abc")

	// "def" is gone, so the next undo reverts "abc"
	assert.Equal(t, um.Undo(), true)
	assert.Equal(t, text.String(), "")

	remote.GetText("t").Delete(0, 3)
	d.ApplyUpdate((*ups)[1], "net")
	assert.Equal(t, um.Undo(), false)
	assert.Equal(t, um.CanUndo(), false)
}

func TestUndoManager_ClosedDocHasNothingToUndo(t *testing.T) {
	d := New()
	text := d.GetText("t")
	um := NewUndoManager(d, text)
	text.Insert(0, "abc")
	d.Close()

	assert.Equal(t, um.Undo(), false)
	assert.Equal(t, um.CanUndo(), false)
	assert.Equal(t, um.CanRedo(), false)
}
