package ydoc

import (
	"github.com/cloneot/yjs-playground/backend/internal/ot/delta"
)

// Buffer is the content store behind a sequence type.
//
// Apply assumes d has been clamped to the buffer (see clampDelta) and returns
// the delta that undoes it when applied to the result.
type Buffer interface {
	Len() int
	Apply(d delta.Delta) (inverse delta.Delta, err error)
	String() string
}

// clampDelta trims retains and deletes that run past the end of a buffer of
// length n and normalizes the result. Remote deltas computed against a
// slightly different state land inside the buffer instead of failing.
func clampDelta(d delta.Delta, n int) delta.Delta {
	out := make(delta.Delta, 0, len(d))
	remain := n
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain, delta.KindDelete:
			c := min(max(op.Count, 0), remain)
			remain -= c
			op.Count = c
			out = append(out, op)
		case delta.KindInsert:
			out = append(out, op)
		}
	}
	return out.Normalize()
}

/*
Piece table layout

Initial content "Hello world":

- original buffer: "Hello world"
- add buffer:      ""
- pieces:

[ (orig, offset=0, length=11) ]

After inserting " collaborative" at position 5:

- add buffer = " collaborative"
- pieces:

[
  (orig, offset=0, length=5),       // "Hello"
  (add,  offset=0, length=14),      // " collaborative"
  (orig, offset=5, length=6),       // " world"
]
*/
