package core

import (
	"fmt"
	"github.com/ValentinKolb/dComm/comm/wire"
	"github.com/ValentinKolb/dComm/lib/buffer"
)

// maxFrameLength caps the total length a peer may announce for one frame
const maxFrameLength = 256 * 1024 * 1024

type pendingSegment struct {
	buf  *buffer.Buffer
	data []byte
}

// assembler turns the chunks read from a socket into complete frames.
//
// It keeps one buffer reference per pending chunk and hands out payload
// references that alias the same buffers. It is not safe for concurrent use.
type assembler struct {
	segs   []pendingSegment
	length int
	header [wire.MaxHeaderLength]byte
}

// add takes ownership of one reference on buf and returns all frames that are
// complete afterwards. On error the returned frames are already released.
func (a *assembler) add(buf *buffer.Buffer, data []byte) ([]*wire.Message, error) {
	if len(data) == 0 {
		buf.Release()
		return nil, nil
	}
	a.segs = append(a.segs, pendingSegment{buf: buf, data: data})
	a.length += len(data)

	var frames []*wire.Message
	fail := func(err error) ([]*wire.Message, error) {
		for _, m := range frames {
			m.Release()
		}
		return nil, err
	}

	for a.length >= wire.PrefixLength {
		a.peek(a.header[:wire.PrefixLength])
		hl, total, err := wire.PeekFrameLength(a.header[:wire.PrefixLength])
		if err != nil {
			return fail(err)
		}
		if total > maxFrameLength {
			return fail(fmt.Errorf("%w: frame of %d bytes exceeds the limit of %d", wire.ErrProtocolFormat, total, maxFrameLength))
		}
		if a.length < total {
			break
		}

		a.peek(a.header[:hl])
		h, err := wire.DecodeHeader(a.header[:hl])
		if err != nil {
			return fail(err)
		}
		a.skip(hl)
		frames = append(frames, &wire.Message{Header: h, Data: a.take(total - hl)})
	}
	return frames, nil
}

// pending returns the number of buffered bytes that do not form a complete frame yet
func (a *assembler) pending() int {
	return a.length
}

// release drops all pending chunks
func (a *assembler) release() {
	for i := range a.segs {
		a.segs[i].buf.Release()
		a.segs[i] = pendingSegment{}
	}
	a.segs = nil
	a.length = 0
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// peek copies the first len(dst) pending bytes into dst
func (a *assembler) peek(dst []byte) {
	n := 0
	for _, s := range a.segs {
		n += copy(dst[n:], s.data)
		if n == len(dst) {
			return
		}
	}
}

// take returns a reference over the next n bytes and consumes them
func (a *assembler) take(n int) *buffer.Reference {
	ref := buffer.NewReference()
	for n > 0 {
		s := a.segs[0]
		k := n
		if k > len(s.data) {
			k = len(s.data)
		}
		ref.Append(s.buf, s.data[:k])
		a.skip(k)
		n -= k
	}
	return ref
}

// skip consumes n bytes, releasing every chunk that was fully consumed
func (a *assembler) skip(n int) {
	a.length -= n
	for n > 0 {
		s := &a.segs[0]
		if n < len(s.data) {
			s.data = s.data[n:]
			return
		}
		n -= len(s.data)
		s.buf.Release()
		a.segs[0] = pendingSegment{}
		a.segs = a.segs[1:]
	}
}
