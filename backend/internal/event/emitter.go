// Package event is a small typed listener registry. Handlers run in
// registration order on the emitting goroutine.
package event

import (
	"maps"
	"slices"
	"sync"
)

type Emitter[T any] struct {
	mu       sync.Mutex
	nextID   uint64
	handlers map[uint64]func(T)
}

// On registers fn and returns a function that unregisters it. The returned
// function may be called any number of times.
func (e *Emitter[T]) On(fn func(T)) (off func()) {
	e.mu.Lock()
	if e.handlers == nil {
		e.handlers = make(map[uint64]func(T))
	}
	id := e.nextID
	e.nextID++
	e.handlers[id] = fn
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.handlers, id)
			e.mu.Unlock()
		})
	}
}

func (e *Emitter[T]) Emit(v T) {
	for _, fn := range e.snapshot() {
		fn(v)
	}
}

// Len is the number of registered handlers.
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers)
}

// Clear drops every handler.
func (e *Emitter[T]) Clear() {
	e.mu.Lock()
	clear(e.handlers)
	e.mu.Unlock()
}

func (e *Emitter[T]) snapshot() []func(T) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := slices.Sorted(maps.Keys(e.handlers))
	out := make([]func(T), 0, len(ids))
	for _, id := range ids {
		out = append(out, e.handlers[id])
	}
	return out
}

// Signal is an Emitter for events without a payload.
type Signal struct {
	e Emitter[struct{}]
}

func (s *Signal) On(fn func()) (off func()) {
	return s.e.On(func(struct{}) { fn() })
}

func (s *Signal) Emit()    { s.e.Emit(struct{}{}) }
func (s *Signal) Len() int { return s.e.Len() }
func (s *Signal) Clear()   { s.e.Clear() }
