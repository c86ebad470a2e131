package ydoc

import (
	"strings"

	"github.com/cloneot/yjs-playground/backend/internal/ot/delta"
)

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	buf    bufferKind
	offset int
	length int
}

// PieceTable stores plain text as runs over an immutable original buffer and
// an append-only add buffer. Attributes on ops are ignored.
type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
}

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	return &PieceTable{
		original: r,
		pieces:   []piece{{buf: bufOriginal, offset: 0, length: len(r)}},
	}
}

func (pt *PieceTable) Len() int {
	n := 0
	for _, p := range pt.pieces {
		n += p.length
	}
	return n
}

func (pt *PieceTable) String() string {
	var sb strings.Builder
	for _, p := range pt.pieces {
		sb.WriteString(string(pt.runes(p)))
	}
	return sb.String()
}

// Slice returns n runes starting at pos.
func (pt *PieceTable) Slice(pos, n int) string {
	var sb strings.Builder
	idx, offset := pt.locate(pos)
	for n > 0 && idx < len(pt.pieces) {
		r := pt.runes(pt.pieces[idx])[offset:]
		take := min(n, len(r))
		sb.WriteString(string(r[:take]))
		n -= take
		idx++
		offset = 0
	}
	return sb.String()
}

func (pt *PieceTable) runes(p piece) []rune {
	if p.buf == bufOriginal {
		return pt.original[p.offset : p.offset+p.length]
	}
	return pt.add[p.offset : p.offset+p.length]
}

func (pt *PieceTable) Apply(d delta.Delta) (delta.Delta, error) {
	inverse := make(delta.Delta, 0, len(d))
	pos := 0
	// retain walks forward, insert splits the piece at pos, delete trims or
	// splits the pieces it covers.
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count
			inverse = append(inverse, delta.Retain(op.Count))

		case delta.KindInsert:
			r := []rune(op.Text)
			start := len(pt.add)
			pt.add = append(pt.add, r...)
			pt.insertPiece(pos, piece{buf: bufAdd, offset: start, length: len(r)})
			pos += len(r)
			inverse = append(inverse, delta.Delete(len(r)))

		case delta.KindDelete:
			inverse = append(inverse, delta.Insert(pt.Slice(pos, op.Count)))
			pt.deleteRange(pos, op.Count)
		}
	}
	return inverse.Normalize(), nil
}

func (pt *PieceTable) insertPiece(pos int, np piece) {
	idx, offset := pt.locate(pos)
	if idx >= len(pt.pieces) {
		pt.pieces = append(pt.pieces, np)
		return
	}
	cur := pt.pieces[idx]
	left := piece{buf: cur.buf, offset: cur.offset, length: offset}
	right := piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset}

	out := make([]piece, 0, len(pt.pieces)+2)
	out = append(out, pt.pieces[:idx]...)
	if left.length > 0 {
		out = append(out, left)
	}
	out = append(out, np)
	if right.length > 0 {
		out = append(out, right)
	}
	out = append(out, pt.pieces[idx+1:]...)
	pt.pieces = out
}

func (pt *PieceTable) deleteRange(pos, count int) {
	remain := count
	idx, offset := pt.locate(pos)
	for remain > 0 && idx < len(pt.pieces) {
		cur := pt.pieces[idx]
		can := cur.length - offset
		if can <= 0 {
			idx++
			offset = 0
			continue
		}
		take := min(remain, can)

		if offset == 0 && take == cur.length {
			// whole piece goes; idx now points at the next one
			pt.pieces = append(pt.pieces[:idx], pt.pieces[idx+1:]...)
		} else {
			leftLen := offset
			rightLen := cur.length - offset - take
			out := make([]piece, 0, len(pt.pieces)+1)
			out = append(out, pt.pieces[:idx]...)
			if leftLen > 0 {
				out = append(out, piece{buf: cur.buf, offset: cur.offset, length: leftLen})
			}
			if rightLen > 0 {
				out = append(out, piece{buf: cur.buf, offset: cur.offset + offset + take, length: rightLen})
			}
			out = append(out, pt.pieces[idx+1:]...)
			pt.pieces = out
		}
		remain -= take
	}
}

// locate maps a logical position to a piece index and the offset inside it.
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
