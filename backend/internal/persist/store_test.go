package persist

import (
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/cloneot/yjs-playground/backend/internal/ydoc"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_SaveLoad(t *testing.T) {
	s := openTemp(t)

	doc := ydoc.New(ydoc.WithClientID(42))
	doc.GetText("title").Insert(0, "draft")
	doc.GetMap("coverPoster").Set("alt", "cover")

	err := s.Save("prosemirror", State{
		ClientID: doc.ClientID(),
		Snapshot: doc.Snapshot(),
		Log:      doc.LocalUpdates(0),
	})
	assert.Equal(t, err, nil)

	st, ok, err := s.Load("prosemirror")
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	assert.Equal(t, st.ClientID, uint64(42))
	assert.Equal(t, st.Snapshot.Texts["title"], "draft")
	assert.Equal(t, len(st.Log), 2)
	assert.Equal(t, st.Log[1].Clock, uint64(1))

	// a later save with a trimmed log replaces the old one
	err = s.Save("prosemirror", State{ClientID: 42, Snapshot: doc.Snapshot(), Log: doc.LocalUpdates(1)})
	assert.Equal(t, err, nil)
	st, _, _ = s.Load("prosemirror")
	assert.Equal(t, len(st.Log), 1)
}

func TestStore_LoadMissingAndDelete(t *testing.T) {
	s := openTemp(t)

	_, ok, err := s.Load("nope")
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, false)

	assert.Equal(t, s.Save("room", State{ClientID: 1}), nil)
	assert.Equal(t, s.Delete("room"), nil)
	assert.Equal(t, s.Delete("room"), nil)
	_, ok, _ = s.Load("room")
	assert.Equal(t, ok, false)
}
