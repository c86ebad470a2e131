package delta

import "math"

// iterator walks a delta, handing out ops split to the length asked for.
// Past the end it yields plain retains.
type iterator struct {
	ops Delta
	i   int
	off int // runes of ops[i] already handed out
}

func (it *iterator) hasNext() bool { return it.i < len(it.ops) }

func (it *iterator) peekKind() Kind {
	if !it.hasNext() {
		return KindRetain
	}
	return it.ops[it.i].Kind
}

func (it *iterator) peekLen() int {
	if !it.hasNext() {
		return math.MaxInt
	}
	return it.ops[it.i].Len() - it.off
}

func (it *iterator) next(n int) Op {
	if !it.hasNext() {
		return Retain(n)
	}
	op := it.ops[it.i]
	start := it.off
	if rest := op.Len() - start; n >= rest {
		n = rest
		it.i++
		it.off = 0
	} else {
		it.off += n
	}
	if op.Kind == KindInsert {
		if start == 0 && it.off == 0 {
			return op
		}
		op.Text = string([]rune(op.Text)[start : start+n])
		return op
	}
	op.Count = n
	return op
}

// Transform rewrites a so that it applies to the document b produced. Both
// must be written against the same document. When both insert at the same
// position, b's text ends up first if bFirst is set.
//
// Whatever a retains or deletes inside a range b deleted is dropped, and
// b's inserts are retained over.
func Transform(a, b Delta, bFirst bool) Delta {
	ai, bi := &iterator{ops: a}, &iterator{ops: b}
	out := make(Delta, 0, len(a)+len(b))
	for ai.hasNext() || bi.hasNext() {
		switch {
		case ai.peekKind() == KindInsert && (!bFirst || bi.peekKind() != KindInsert):
			out = append(out, ai.next(math.MaxInt))
		case bi.peekKind() == KindInsert:
			out = append(out, Retain(bi.next(math.MaxInt).Len()))
		default:
			n := min(ai.peekLen(), bi.peekLen())
			aop, bop := ai.next(n), bi.next(n)
			switch {
			case bop.Kind == KindDelete:
			case aop.Kind == KindDelete:
				out = append(out, aop)
			default:
				out = append(out, RetainWith(n, aop.Attrs))
			}
		}
	}
	return out.Normalize()
}
