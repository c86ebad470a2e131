// Package diff turns a full-value replacement into the smallest single
// delete+insert edit, so unchanged regions keep their identity in the shared
// document and concurrent edits around them survive.
package diff

import (
	"strings"
	"unicode/utf8"

	"github.com/cloneot/yjs-playground/backend/internal/ot/delta"
)

// Diff is one delete followed by one insert at the same anchor. Positions and
// lengths count runes.
type Diff struct {
	Start     int
	DeleteLen int
	Insert    string
}

// IsNoop reports whether the edit changes nothing. Callers skip the mutation
// entirely in that case.
func (d Diff) IsNoop() bool {
	return d.DeleteLen == 0 && d.Insert == ""
}

// Clean replaces every run of invalid UTF-8 bytes in s with one U+FFFD.
// Shared text holds runes, so this is the value it ends up with.
func Clean(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, string(utf8.RuneError))
}

// Compute returns the minimal edit turning current into next. The common
// prefix is found first; the common suffix scan stops before it would overlap
// the prefix, so "aa" -> "a" deletes one rune at position 1.
//
// Both inputs go through Clean first: the edit turns Clean(current) into
// Clean(next).
func Compute(current, next string) Diff {
	current, next = Clean(current), Clean(next)
	if current == next {
		return Diff{}
	}
	a, b := []rune(current), []rune(next)
	limit := min(len(a), len(b))

	p := 0
	for p < limit && a[p] == b[p] {
		p++
	}
	s := 0
	for s < limit-p && a[len(a)-1-s] == b[len(b)-1-s] {
		s++
	}
	return Diff{
		Start:     p,
		DeleteLen: len(a) - p - s,
		Insert:    string(b[p : len(b)-s]),
	}
}

// Delta renders the edit in retain/delete/insert form, delete first.
func (d Diff) Delta() delta.Delta {
	if d.IsNoop() {
		return nil
	}
	out := make(delta.Delta, 0, 3)
	if d.Start > 0 {
		out = append(out, delta.Retain(d.Start))
	}
	if d.DeleteLen > 0 {
		out = append(out, delta.Delete(d.DeleteLen))
	}
	if d.Insert != "" {
		out = append(out, delta.Insert(d.Insert))
	}
	return out
}

// Apply performs the edit on Clean(s). Out-of-range edits are clamped.
func (d Diff) Apply(s string) string {
	r := []rune(Clean(s))
	start := min(max(d.Start, 0), len(r))
	end := min(start+max(d.DeleteLen, 0), len(r))
	out := make([]rune, 0, len(r)-(end-start)+len(d.Insert))
	out = append(out, r[:start]...)
	out = append(out, []rune(d.Insert)...)
	out = append(out, r[end:]...)
	return string(out)
}
