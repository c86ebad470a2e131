package delta

import (
	"reflect"
	"unicode/utf8"
)

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

type Op struct {
	Kind  Kind           `json:"kind" cbor:"kind"`                       // "retain" / "insert" / "delete"
	Count int            `json:"count,omitempty" cbor:"count,omitempty"` // retain/delete length in runes
	Text  string         `json:"text,omitempty" cbor:"text,omitempty"`   // insert text
	Attrs map[string]any `json:"attrs,omitempty" cbor:"attrs,omitempty"` // formatting (bold etc.); nil value clears a key
}

// Len is the number of runes the op covers.
func (op Op) Len() int {
	if op.Kind == KindInsert {
		return utf8.RuneCountInString(op.Text)
	}
	return op.Count
}

type Delta []Op

// "ops":[{"kind":"retain","count":5},{"kind":"insert","text":"Hello"}]

func Retain(n int) Op                              { return Op{Kind: KindRetain, Count: n} }
func RetainWith(n int, attrs map[string]any) Op    { return Op{Kind: KindRetain, Count: n, Attrs: attrs} }
func Insert(s string) Op                           { return Op{Kind: KindInsert, Text: s} }
func InsertWith(s string, attrs map[string]any) Op { return Op{Kind: KindInsert, Text: s, Attrs: attrs} }
func Delete(n int) Op                              { return Op{Kind: KindDelete, Count: n} }

// IsEmpty reports whether applying d changes nothing.
func (d Delta) IsEmpty() bool {
	for _, op := range d {
		switch op.Kind {
		case KindInsert:
			if op.Text != "" {
				return false
			}
		case KindDelete:
			if op.Count > 0 {
				return false
			}
		case KindRetain:
			if op.Count > 0 && len(op.Attrs) > 0 {
				return false
			}
		}
	}
	return true
}

// Normalize drops empty ops, merges neighbours of the same kind and attributes
// and trims a trailing plain retain.
func (d Delta) Normalize() Delta {
	out := make(Delta, 0, len(d))
	for _, op := range d {
		if op.Len() == 0 {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Kind == op.Kind && SameAttrs(out[n-1].Attrs, op.Attrs) {
			last := &out[n-1]
			if op.Kind == KindInsert {
				last.Text += op.Text
			} else {
				last.Count += op.Count
			}
			continue
		}
		out = append(out, op)
	}
	for len(out) > 0 {
		last := out[len(out)-1]
		if last.Kind != KindRetain || len(last.Attrs) > 0 {
			break
		}
		out = out[:len(out)-1]
	}
	return out
}

// SameAttrs compares two attribute sets key by key.
func SameAttrs(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || !reflect.DeepEqual(w, v) {
			return false
		}
	}
	return true
}

