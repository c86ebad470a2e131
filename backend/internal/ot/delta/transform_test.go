package delta

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestTransform(t *testing.T) {
	cases := []struct {
		name   string
		a, b   Delta
		bFirst bool
		want   Delta
	}{
		{
			name: "delete shifted by earlier insert",
			a:    Delta{Delete(5)},
			b:    Delta{Insert("hello ")},
			want: Delta{Retain(6), Delete(5)},
		},
		{
			name: "insert before a later insert",
			a:    Delta{Retain(1), Insert("x")},
			b:    Delta{Retain(3), Insert("y")},
			want: Delta{Retain(1), Insert("x")},
		},
		{
			name:   "tie goes to b",
			a:      Delta{Retain(2), Insert("a")},
			b:      Delta{Retain(2), Insert("bb")},
			bFirst: true,
			want:   Delta{Retain(4), Insert("a")},
		},
		{
			name: "tie goes to a",
			a:    Delta{Retain(2), Insert("a")},
			b:    Delta{Retain(2), Insert("bb")},
			want: Delta{Retain(2), Insert("a")},
		},
		{
			name: "delete shrinks inside a deleted range",
			a:    Delta{Retain(1), Delete(4)},
			b:    Delta{Retain(2), Delete(2)},
			want: Delta{Retain(1), Delete(2)},
		},
		{
			name: "delete of text b already deleted vanishes",
			a:    Delta{Retain(2), Delete(2)},
			b:    Delta{Delete(5)},
			want: Delta{},
		},
		{
			name: "format keeps its attributes",
			a:    Delta{Retain(1), RetainWith(3, map[string]any{"bold": true})},
			b:    Delta{Insert("é")},
			want: Delta{Retain(2), RetainWith(3, map[string]any{"bold": true})},
		},
		{
			name: "split multibyte insert",
			a:    Delta{Retain(1), Delete(1)},
			b:    Delta{Retain(2), Insert("안녕")},
			want: Delta{Retain(1), Delete(1)},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, Transform(tc.a, tc.b, tc.bFirst), tc.want)
		})
	}
}

func TestIterator_SplitsInserts(t *testing.T) {
	it := &iterator{ops: Delta{Insert("안녕하세요"), Retain(2)}}
	assert.Equal(t, it.next(2), Insert("안녕"))
	assert.Equal(t, it.peekLen(), 3)
	assert.Equal(t, it.next(10), Insert("하세요"))
	assert.Equal(t, it.next(1), Retain(1))
	assert.Equal(t, it.next(5), Retain(1))
	assert.Equal(t, it.hasNext(), false)
	assert.Equal(t, it.next(7), Retain(7))
}
