// Package ring provides a fixed-capacity buffer that overwrites its oldest
// entries once full
package ring

import "sync"

// Buffer is a capped FIFO safe for concurrent use
type Buffer[T any] struct {
	mu    sync.RWMutex
	items []T
	start int
	size  int
}

// New returns a buffer holding at most capacity items. A non-positive
// capacity is treated as 1
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Push appends v, evicting the oldest item when the buffer is full
func (b *Buffer[T]) Push(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := (b.start + b.size) % len(b.items)
	b.items[idx] = v
	if b.size < len(b.items) {
		b.size++
		return
	}
	b.start = (b.start + 1) % len(b.items)
}

// Len returns the number of stored items
func (b *Buffer[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Cap returns the maximum number of stored items
func (b *Buffer[T]) Cap() int {
	return len(b.items)
}

// Items returns the stored items, oldest first
func (b *Buffer[T]) Items() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]T, 0, b.size)
	for i := 0; i < b.size; i++ {
		out = append(out, b.items[(b.start+i)%len(b.items)])
	}
	return out
}

// Last returns up to n of the newest items that satisfy keep, oldest first.
// A nil keep matches everything; n <= 0 means no limit
func (b *Buffer[T]) Last(n int, keep func(T) bool) []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []T
	for i := b.size - 1; i >= 0; i-- {
		v := b.items[(b.start+i)%len(b.items)]
		if keep != nil && !keep(v) {
			continue
		}
		out = append(out, v)
		if n > 0 && len(out) == n {
			break
		}
	}
	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return out
}

// Page returns up to limit items newest first, skipping the offset newest,
// together with the number of stored items
func (b *Buffer[T]) Page(offset, limit int) ([]T, int) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []T
	for i := b.size - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, b.items[(b.start+i)%len(b.items)])
	}
	return out, b.size
}

// Clear drops every stored item
func (b *Buffer[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero T
	for i := range b.items {
		b.items[i] = zero
	}
	b.start = 0
	b.size = 0
}
