package ydoc

import (
	"maps"
	"strings"

	"github.com/cloneot/yjs-playground/backend/internal/ot/delta"
)

type richRune struct {
	r     rune
	attrs map[string]any // shared between runes, never mutated in place
}

// Run is a maximal stretch of text carrying the same attributes.
type Run struct {
	Text  string         `json:"text" cbor:"text"`
	Attrs map[string]any `json:"attrs,omitempty" cbor:"attrs,omitempty"`
}

// RichBuffer keeps per-rune formatting. Retain ops with attributes merge
// them into the covered runes; a nil attribute value removes the key.
type RichBuffer struct {
	runes []richRune
}

func NewRichBuffer() *RichBuffer { return &RichBuffer{} }

func (b *RichBuffer) Len() int { return len(b.runes) }

func (b *RichBuffer) String() string {
	var sb strings.Builder
	for _, rr := range b.runes {
		sb.WriteRune(rr.r)
	}
	return sb.String()
}

// Runs groups the content by formatting.
func (b *RichBuffer) Runs() []Run {
	var out []Run
	var sb strings.Builder
	var cur map[string]any
	for i, rr := range b.runes {
		if i > 0 && !delta.SameAttrs(cur, rr.attrs) {
			out = append(out, Run{Text: sb.String(), Attrs: cur})
			sb.Reset()
		}
		cur = rr.attrs
		sb.WriteRune(rr.r)
	}
	if sb.Len() > 0 {
		out = append(out, Run{Text: sb.String(), Attrs: cur})
	}
	return out
}

func (b *RichBuffer) Apply(d delta.Delta) (delta.Delta, error) {
	inverse := make(delta.Delta, 0, len(d))
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			if len(op.Attrs) == 0 {
				inverse = append(inverse, delta.Retain(op.Count))
			} else {
				inverse = append(inverse, b.format(pos, op.Count, op.Attrs)...)
			}
			pos += op.Count

		case delta.KindInsert:
			attrs := cleanAttrs(op.Attrs)
			ins := make([]richRune, 0, len(op.Text))
			for _, r := range op.Text {
				ins = append(ins, richRune{r: r, attrs: attrs})
			}
			b.runes = append(b.runes[:pos], append(ins, b.runes[pos:]...)...)
			pos += len(ins)
			inverse = append(inverse, delta.Delete(len(ins)))

		case delta.KindDelete:
			end := pos + op.Count
			for _, run := range runsOf(b.runes[pos:end]) {
				inverse = append(inverse, delta.InsertWith(run.Text, run.Attrs))
			}
			b.runes = append(b.runes[:pos], b.runes[end:]...)
		}
	}
	return inverse.Normalize(), nil
}

// format merges attrs into [pos, pos+n) and returns retains restoring the
// previous values of the touched keys.
func (b *RichBuffer) format(pos, n int, attrs map[string]any) delta.Delta {
	var inverse delta.Delta
	for i := pos; i < pos+n; i++ {
		prev := make(map[string]any, len(attrs))
		for k := range attrs {
			prev[k] = b.runes[i].attrs[k]
		}
		merged := maps.Clone(b.runes[i].attrs)
		if merged == nil {
			merged = make(map[string]any, len(attrs))
		}
		for k, v := range attrs {
			if v == nil {
				delete(merged, k)
			} else {
				merged[k] = v
			}
		}
		b.runes[i].attrs = cleanAttrs(merged)
		inverse = append(inverse, delta.RetainWith(1, prev))
	}
	return inverse.Normalize()
}

func runsOf(rs []richRune) []Run {
	tmp := RichBuffer{runes: rs}
	return tmp.Runs()
}

func cleanAttrs(attrs map[string]any) map[string]any {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if v != nil {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
