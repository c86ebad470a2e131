package ydoc

import (
	"testing"

	"github.com/cloneot/yjs-playground/backend/internal/ot/delta"
)

func TestPieceTable_BasicString(t *testing.T) {
	pt := NewPieceTable("Hello world")
	if got := pt.String(); got != "Hello world" {
		t.Fatalf("String() = %q, want %q", got, "Hello world")
	}
	if gotLen := pt.Len(); gotLen != len([]rune("Hello world")) {
		t.Fatalf("Len() = %d, want %d", gotLen, len([]rune("Hello world")))
	}
}

func TestPieceTable_InsertMiddle(t *testing.T) {
	pt := NewPieceTable("Hello world")

	d := delta.Delta{
		{Kind: delta.KindRetain, Count: 5},
		{Kind: delta.KindInsert, Text: " collaborative"},
	}

	inv, err := pt.Apply(d)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	want := "Hello collaborative world"
	if got := pt.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}

	if _, err := pt.Apply(inv); err != nil {
		t.Fatalf("Apply(inverse) error = %v", err)
	}
	if got := pt.String(); got != "Hello world" {
		t.Fatalf("after inverse String() = %q, want %q", got, "Hello world")
	}
}

func TestPieceTable_DeleteMiddle(t *testing.T) {
	pt := NewPieceTable("Hello collaborative world")

	// keep "Hello", drop " collaborative"
	d := delta.Delta{
		{Kind: delta.KindRetain, Count: 5},
		{Kind: delta.KindDelete, Count: 14},
	}

	inv, err := pt.Apply(d)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	want := "Hello world"
	if got := pt.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}

	if _, err := pt.Apply(inv); err != nil {
		t.Fatalf("Apply(inverse) error = %v", err)
	}
	if got := pt.String(); got != "Hello collaborative world" {
		t.Fatalf("after inverse String() = %q", got)
	}
}

func TestPieceTable_DeleteAcrossPieces(t *testing.T) {
	pt := NewPieceTable("abcdef")
	if _, err := pt.Apply(delta.Delta{delta.Retain(3), delta.Insert("XYZ")}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	// "abcXYZdef": delete "cXYZd"
	if _, err := pt.Apply(delta.Delta{delta.Retain(2), delta.Delete(5)}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got := pt.String(); got != "abef" {
		t.Fatalf("String() = %q, want %q", got, "abef")
	}
	if got := pt.Slice(1, 2); got != "be" {
		t.Fatalf("Slice(1, 2) = %q, want %q", got, "be")
	}
}

func TestClampDelta(t *testing.T) {
	got := clampDelta(delta.Delta{delta.Retain(10), delta.Insert("x"), delta.Delete(4)}, 3)
	if len(got) != 2 || got[0].Kind != delta.KindRetain || got[0].Count != 3 || got[1].Text != "x" {
		t.Fatalf("clampDelta = %+v, want retain 3 then insert x", got)
	}
}
