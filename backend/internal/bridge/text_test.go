package bridge

import (
	"fmt"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/cloneot/yjs-playground/backend/internal/ot/delta"
	"github.com/cloneot/yjs-playground/backend/internal/ydoc"
)

func countUpdates(d *ydoc.Doc) *int {
	n := 0
	d.OnUpdate(func(e ydoc.UpdateEvent) {
		if e.Local {
			n++
		}
	})
	return &n
}

func TestTextBridge_RoundTrip(t *testing.T) {
	doc := ydoc.New()
	text := doc.GetText("title")
	text.Insert(0, "Hello")
	updates := countUpdates(doc)

	b := NewTextBridge()
	b.Attach(text)
	defer b.Detach()
	assert.Equal(t, b.Value(), "Hello")

	var seen []string
	b.Subscribe(func(v string) { seen = append(seen, v) })

	b.SetValue("Hxllo")
	assert.Equal(t, text.String(), "Hxllo")
	assert.Equal(t, b.Value(), "Hxllo")
	assert.Equal(t, *updates, 1)

	b.SetValue("Hxllo")
	assert.Equal(t, *updates, 1)
	assert.Equal(t, seen, []string{"Hxllo"})
}

func TestTextBridge_InvalidUTF8(t *testing.T) {
	doc := ydoc.New()
	text := doc.GetText("title")
	updates := countUpdates(doc)

	b := NewTextBridge()
	b.Attach(text)
	defer b.Detach()

	b.SetValue("a\xff")
	assert.Equal(t, text.String(), "a\uFFFD")
	assert.Equal(t, b.Value(), "a\uFFFD")

	// cleans to what is already stored
	b.SetValue("a\xfe")
	assert.Equal(t, *updates, 1)

	b.SetValue("\xffb")
	assert.Equal(t, text.String(), "\uFFFDb")
	assert.Equal(t, *updates, 2)
}

func TestTextBridge_TwoBridgesConverge(t *testing.T) {
	doc := ydoc.New()
	text := doc.GetText("title")
	updates := countUpdates(doc)

	a, b := NewTextBridge(), NewTextBridge()
	a.Attach(text)
	b.Attach(text)

	a.SetValue("shared title")
	assert.Equal(t, b.Value(), "shared title")

	b.SetValue("shared subtitle")
	assert.Equal(t, a.Value(), "shared subtitle")
	assert.Equal(t, a.Value(), text.String())
	assert.Equal(t, *updates, 2)
}

func TestTextBridge_FollowsRemoteUpdates(t *testing.T) {
	remote := ydoc.New()
	var ups []ydoc.Update
	remote.OnUpdate(func(e ydoc.UpdateEvent) { ups = append(ups, *e.Update) })
	remote.GetText("title").Insert(0, "from afar")

	doc := ydoc.New()
	b := NewTextBridge()
	b.Attach(doc.GetText("title"))
	for _, u := range ups {
		doc.ApplyUpdate(u, "net")
	}
	assert.Equal(t, b.Value(), "from afar")
}

func TestTextBridge_SettleAfterWriteUnderRemoteTraffic(t *testing.T) {
	remote := ydoc.New()
	var ups []ydoc.Update
	remote.OnUpdate(func(e ydoc.UpdateEvent) { ups = append(ups, *e.Update) })
	for range 300 {
		remote.GetText("subtitle").Insert(0, "r")
	}

	doc := ydoc.New()
	b := NewTextBridge()
	b.Attach(doc.GetText("title"))

	// another goroutine keeps delivering callbacks while we write
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, u := range ups {
			doc.ApplyUpdate(u, "net")
		}
	}()
	for i := range 50 {
		want := fmt.Sprintf("v%d", i)
		b.SetValue(want)
		doc.Settle()
		if got := b.Value(); got != want {
			t.Fatalf("mirror %q after writing %q", got, want)
		}
	}
	wg.Wait()
	assert.Equal(t, len(doc.GetText("subtitle").String()), 300)
}

func TestTextBridge_DetachStopsUpdates(t *testing.T) {
	doc := ydoc.New()
	text := doc.GetText("title")
	b := NewTextBridge()
	b.Attach(text)
	text.Insert(0, "a")

	b.Detach()
	b.Detach()
	text.Insert(1, "b")
	assert.Equal(t, b.Value(), "a")

	// writes after detach go nowhere
	b.SetValue("zzz")
	assert.Equal(t, text.String(), "ab")
}

func TestTextBridge_ReattachSwitchesText(t *testing.T) {
	doc := ydoc.New()
	title, subtitle := doc.GetText("title"), doc.GetText("subtitle")
	title.Insert(0, "T")
	subtitle.Insert(0, "S")

	b := NewTextBridge()
	b.Attach(title)
	b.Attach(subtitle)
	assert.Equal(t, b.Value(), "S")

	title.Insert(1, "!")
	assert.Equal(t, b.Value(), "S")
	subtitle.Insert(1, "?")
	assert.Equal(t, b.Value(), "S?")
}

// staleText never notifies, so the bridge mirror goes stale.
type staleText struct {
	value  string
	deltas []delta.Delta
}

func (s *staleText) String() string { return s.value }
func (s *staleText) ApplyDelta(d delta.Delta) {
	s.deltas = append(s.deltas, d)
	s.value = applyDelta(s.value, d)
}
func (s *staleText) Observe(func(ydoc.TextEvent)) func() { return func() {} }

func applyDelta(s string, d delta.Delta) string {
	r := []rune(s)
	var out []rune
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			out = append(out, r[pos:pos+op.Count]...)
			pos += op.Count
		case delta.KindDelete:
			pos += op.Count
		case delta.KindInsert:
			out = append(out, []rune(op.Text)...)
		}
	}
	return string(append(out, r[pos:]...))
}

func TestTextBridge_DiffsAgainstLiveText(t *testing.T) {
	st := &staleText{value: "abc"}
	b := NewTextBridge()
	b.Attach(st)

	// someone else changed the text behind the mirror's back
	st.value = "abcdef"
	assert.Equal(t, b.Value(), "abc")

	b.SetValue("abXdef")
	assert.Equal(t, st.value, "abXdef")
	assert.Equal(t, st.deltas, []delta.Delta{{delta.Retain(2), delta.Delete(1), delta.Insert("X")}})
}
