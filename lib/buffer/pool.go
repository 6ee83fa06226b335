package buffer

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// --------------------------------------------------------------------------
// Pool
// --------------------------------------------------------------------------

// Pool hands out fixed-size, reference-counted buffers. It is safe for concurrent
// use: buffers may be taken on one goroutine and returned on another.
type Pool struct {
	size        int
	pool        sync.Pool
	outstanding atomic.Int64
}

// NewPool creates a pool of buffers with the given size in bytes
func NewPool(size int) *Pool {
	if size <= 0 {
		panic(fmt.Sprintf("buffer size must be positive, got %d", size))
	}
	p := &Pool{size: size}
	p.pool.New = func() interface{} {
		return &Buffer{data: make([]byte, size), pool: p}
	}
	return p
}

// Get returns a buffer holding one reference
func (p *Pool) Get() *Buffer {
	b := p.pool.Get().(*Buffer)
	b.refs.Store(1)
	p.outstanding.Add(1)
	return b
}

// Size returns the size of the buffers of this pool
func (p *Pool) Size() int {
	return p.size
}

// Outstanding returns the number of buffers currently taken from the pool
func (p *Pool) Outstanding() int64 {
	return p.outstanding.Load()
}

func (p *Pool) put(b *Buffer) {
	p.outstanding.Add(-1)
	p.pool.Put(b)
}

// --------------------------------------------------------------------------
// Buffer
// --------------------------------------------------------------------------

// Buffer is a pooled byte slice with a reference count. It returns to its pool
// when the last reference is released.
type Buffer struct {
	data []byte
	refs atomic.Int32
	pool *Pool
}

// Bytes returns the whole backing slice of the buffer
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Retain adds a reference
func (b *Buffer) Retain() {
	if b.refs.Add(1) <= 1 {
		panic("retain on a released buffer")
	}
}

// Release drops a reference and recycles the buffer once no reference is left
func (b *Buffer) Release() {
	switch n := b.refs.Add(-1); {
	case n == 0:
		if b.pool != nil {
			b.pool.put(b)
		}
	case n < 0:
		panic("buffer released more often than retained")
	}
}

// Refs returns the current reference count
func (b *Buffer) Refs() int32 {
	return b.refs.Load()
}
