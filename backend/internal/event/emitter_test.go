package event

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestEmitter_OrderAndOff(t *testing.T) {
	var e Emitter[int]
	var got []string

	offA := e.On(func(v int) { got = append(got, "a") })
	e.On(func(v int) { got = append(got, "b") })

	e.Emit(1)
	assert.Equal(t, got, []string{"a", "b"})

	offA()
	offA()
	assert.Equal(t, e.Len(), 1)

	got = nil
	e.Emit(2)
	assert.Equal(t, got, []string{"b"})
}

func TestEmitter_OffDuringEmit(t *testing.T) {
	var e Emitter[string]
	calls := 0
	var off func()
	off = e.On(func(string) {
		calls++
		off()
	})
	e.Emit("x")
	e.Emit("y")
	assert.Equal(t, calls, 1)
}

func TestSignal(t *testing.T) {
	var s Signal
	n := 0
	off := s.On(func() { n++ })
	s.Emit()
	s.Emit()
	off()
	s.Emit()
	assert.Equal(t, n, 2)
	assert.Equal(t, s.Len(), 0)
}
