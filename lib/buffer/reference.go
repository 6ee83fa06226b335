package buffer

import (
	"bytes"
	"fmt"
	"io"
	"sync/atomic"
)

type segment struct {
	buf  *Buffer
	data []byte
}

// Reference is an immutable view over one or more buffer segments. It holds one
// reference on every buffer it spans. Release must be called exactly when the
// owner is done with the data; afterwards the Reference yields no data.
type Reference struct {
	segs     []segment
	length   int
	released atomic.Bool
}

// NewReference creates an empty reference. Segments are added with Append.
func NewReference() *Reference {
	return &Reference{}
}

// Wrap creates a reference over an unpooled slice
func Wrap(data []byte) *Reference {
	b := &Buffer{data: data}
	b.refs.Store(1)
	r := &Reference{}
	r.Append(b, data)
	b.Release()
	return r
}

// Append adds a segment. data must be a sub-slice of buf.Bytes().
// The reference retains buf.
func (r *Reference) Append(buf *Buffer, data []byte) {
	if r.released.Load() {
		panic("append to a released reference")
	}
	if len(data) == 0 {
		return
	}
	buf.Retain()
	r.segs = append(r.segs, segment{buf: buf, data: data})
	r.length += len(data)
}

// Len returns the number of bytes in the view
func (r *Reference) Len() int {
	if r.released.Load() {
		return 0
	}
	return r.length
}

// Segments returns the underlying slices without copying. The slices alias pooled
// memory and must not be used after Release.
func (r *Reference) Segments() [][]byte {
	if r.released.Load() {
		return nil
	}
	out := make([][]byte, len(r.segs))
	for i, s := range r.segs {
		out[i] = s.data
	}
	return out
}

// Bytes returns the content as one slice. A single segment is returned without
// copying; multiple segments are copied into a new slice.
func (r *Reference) Bytes() []byte {
	if r.released.Load() {
		return nil
	}
	switch len(r.segs) {
	case 0:
		return []byte{}
	case 1:
		return r.segs[0].data
	}
	out := make([]byte, 0, r.length)
	for _, s := range r.segs {
		out = append(out, s.data...)
	}
	return out
}

// CopyAt copies bytes starting at off into dst and returns the number of bytes copied
func (r *Reference) CopyAt(dst []byte, off int) int {
	if r.released.Load() || off < 0 {
		return 0
	}
	n := 0
	for _, s := range r.segs {
		if off >= len(s.data) {
			off -= len(s.data)
			continue
		}
		c := copy(dst[n:], s.data[off:])
		n += c
		off = 0
		if n == len(dst) {
			break
		}
	}
	return n
}

// Slice returns a new reference over [off, off+n) sharing the same buffers
func (r *Reference) Slice(off, n int) (*Reference, error) {
	if r.released.Load() {
		return nil, fmt.Errorf("slice of a released reference")
	}
	if off < 0 || n < 0 || off+n > r.length {
		return nil, fmt.Errorf("slice [%d:%d] out of range (length %d)", off, off+n, r.length)
	}

	sub := &Reference{}
	for _, s := range r.segs {
		if n == 0 {
			break
		}
		if off >= len(s.data) {
			off -= len(s.data)
			continue
		}
		end := len(s.data)
		if end-off > n {
			end = off + n
		}
		sub.Append(s.buf, s.data[off:end])
		n -= end - off
		off = 0
	}
	return sub, nil
}

// Reader returns an io.Reader over the content
func (r *Reference) Reader() io.Reader {
	readers := make([]io.Reader, 0, len(r.segs))
	for _, s := range r.Segments() {
		readers = append(readers, bytes.NewReader(s))
	}
	return io.MultiReader(readers...)
}

// Release drops the references on all buffers. Calling it more than once is a no-op.
func (r *Reference) Release() {
	if !r.released.CompareAndSwap(false, true) {
		return
	}
	for i := range r.segs {
		r.segs[i].buf.Release()
		r.segs[i] = segment{}
	}
	r.segs = nil
}

// Released reports whether Release was called
func (r *Reference) Released() bool {
	return r.released.Load()
}
