package logging

import (
	"sync"

	"kvbind/internal/buffer"
)

const DefaultBufferSize = 500

// Buffer keeps the most recent entries in a fixed-size ring.
type Buffer struct {
	mu   sync.Mutex
	ring *buffer.Ring[Entry]
}

func NewBuffer(size int) *Buffer {
	return &Buffer{ring: buffer.NewRing[Entry](size)}
}

func (b *Buffer) Add(entry Entry) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring.Add(entry)
}

func (b *Buffer) List() []Entry {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ring.List()
}

func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ring.Len()
}
