// Package history stores recent motion samples of a replicated object and
// answers render-time pose queries by interpolation or bounded
// extrapolation.
package history

// Ring is a fixed-capacity circular store. When full, Add overwrites the
// oldest slot.
type Ring[T any] struct {
	items   []T
	cursor  int // next slot to write
	count   int
	last    T
	cleared bool
}

func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity), cleared: true}
}

func (r *Ring[T]) Add(v T) {
	r.items[r.cursor] = v
	r.cursor = (r.cursor + 1) % len(r.items)
	if r.count < len(r.items) {
		r.count++
	}
	r.last = v
	r.cleared = false
}

// Latest returns the most recently added value. Callers must check Len() > 0.
func (r *Ring[T]) Latest() T {
	return r.last
}

// At indexes relative to the write cursor: At(-1) is the latest value, At(-2)
// the one before it. Indices wrap within capacity. Callers must check
// Len() > 0; slots that were never written hold the zero value.
func (r *Ring[T]) At(rel int) T {
	n := len(r.items)
	idx := ((r.cursor+rel)%n + n) % n
	return r.items[idx]
}

// Clear empties the ring. A second Clear before any Add is a no-op.
func (r *Ring[T]) Clear() {
	if r.cleared {
		return
	}
	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.cursor = 0
	r.count = 0
	r.last = zero
	r.cleared = true
}

func (r *Ring[T]) Cap() int { return len(r.items) }
func (r *Ring[T]) Len() int { return r.count }

// Each visits stored values from newest to oldest by insertion order.
func (r *Ring[T]) Each(fn func(T) bool) {
	for i := 1; i <= r.count; i++ {
		if !fn(r.At(-i)) {
			return
		}
	}
}

// Values copies stored values oldest first by insertion order.
func (r *Ring[T]) Values() []T {
	out := make([]T, 0, r.count)
	for i := r.count; i >= 1; i-- {
		out = append(out, r.At(-i))
	}
	return out
}
