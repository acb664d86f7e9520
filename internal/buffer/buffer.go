package buffer

import (
	"sync"
)

// Buffer collects entries within a transaction.
type Buffer[T any] struct {
	mu sync.Mutex
	ts []T
}

func NewBuffer[T any]() *Buffer[T] {
	return &Buffer[T]{}
}

func (b *Buffer[T]) Add(e T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ts = append(b.ts, e)
}

// Len returns the number of buffered entries. It doubles as a mark for Truncate.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ts)
}

// Truncate drops every entry added after mark.
func (b *Buffer[T]) Truncate(mark int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if mark < 0 {
		mark = 0
	}
	if mark < len(b.ts) {
		clear(b.ts[mark:])
		b.ts = b.ts[:mark]
	}
}

func (b *Buffer[T]) Drain() []T {
	b.mu.Lock()
	es := b.ts
	b.ts = nil
	b.mu.Unlock()
	return es
}

func (b *Buffer[T]) Reset() {
	b.Drain()
}
