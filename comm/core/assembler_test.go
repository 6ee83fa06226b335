package core

import (
	"bytes"
	"errors"
	"github.com/ValentinKolb/dComm/comm/wire"
	"github.com/ValentinKolb/dComm/lib/buffer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net"
	"testing"
)

var (
	testLocal  = &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
	testRemote = &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9510}
)

func encodeFrame(t *testing.T, protocol wire.ProtocolID, payload []byte) []byte {
	t.Helper()
	m := wire.NewMessage(protocol, payload)
	m.Seal(testLocal, testRemote, 1)
	var out bytes.Buffer
	bufs := m.Buffers()
	_, err := bufs.WriteTo(&out)
	require.NoError(t, err)
	return out.Bytes()
}

// feed copies stream into pooled buffers in chunks of chunkSize and adds them to a
func feed(t *testing.T, a *assembler, pool *buffer.Pool, stream []byte, chunkSize int) []*wire.Message {
	t.Helper()
	var frames []*wire.Message
	for len(stream) > 0 {
		n := chunkSize
		if n > len(stream) {
			n = len(stream)
		}
		buf := pool.Get()
		copy(buf.Bytes(), stream[:n])
		out, err := a.add(buf, buf.Bytes()[:n])
		require.NoError(t, err)
		frames = append(frames, out...)
		stream = stream[n:]
	}
	return frames
}

func TestAssemblerChunking(t *testing.T) {
	payloads := [][]byte{
		[]byte("first"),
		bytes.Repeat([]byte("a"), 300),
		{},
		[]byte("last"),
	}
	var stream []byte
	for _, p := range payloads {
		stream = append(stream, encodeFrame(t, wire.ProtocolTCM, p)...)
	}

	tests := map[string]int{
		"single byte chunks": 1,
		"odd chunks":         7,
		"prefix sized":       wire.PrefixLength,
		"one chunk":          len(stream),
	}

	for name, chunkSize := range tests {
		t.Run(name, func(t *testing.T) {
			pool := buffer.NewPool(len(stream))
			a := &assembler{}

			frames := feed(t, a, pool, stream, chunkSize)
			require.Len(t, frames, len(payloads))
			for i, f := range frames {
				assert.Equal(t, wire.ProtocolTCM, f.Header.Protocol)
				assert.Equal(t, payloads[i], append([]byte{}, f.Bytes()...), "frame %d", i)
				f.Release()
			}
			assert.Equal(t, 0, a.pending())
			assert.Equal(t, int64(0), pool.Outstanding())
		})
	}
}

func TestAssemblerZeroCopy(t *testing.T) {
	pool := buffer.NewPool(4096)
	a := &assembler{}
	frame := encodeFrame(t, wire.ProtocolTCM, []byte("payload"))

	buf := pool.Get()
	copy(buf.Bytes(), frame)
	frames, err := a.add(buf, buf.Bytes()[:len(frame)])
	require.NoError(t, err)
	require.Len(t, frames, 1)

	// the payload aliases the pooled buffer
	payload := frames[0].Bytes()
	assert.Equal(t, &buf.Bytes()[len(frame)-len(payload)], &payload[0])
	assert.Equal(t, int64(1), pool.Outstanding())

	frames[0].Release()
	assert.Equal(t, int64(0), pool.Outstanding())
}

func TestAssemblerPartialFrame(t *testing.T) {
	pool := buffer.NewPool(64)
	a := &assembler{}
	frame := encodeFrame(t, wire.ProtocolTCM, bytes.Repeat([]byte("b"), 100))

	frames := feed(t, a, pool, frame[:70], 64)
	assert.Empty(t, frames)
	assert.Equal(t, 70, a.pending())
	assert.Equal(t, int64(2), pool.Outstanding())

	a.release()
	assert.Equal(t, 0, a.pending())
	assert.Equal(t, int64(0), pool.Outstanding())
}

func TestAssemblerMalformed(t *testing.T) {
	frame := encodeFrame(t, wire.ProtocolTCM, []byte("payload"))

	tests := map[string]func(b []byte){
		"bad magic":    func(b []byte) { b[4] = 0 },
		"bad checksum": func(b []byte) { b[20] ^= 0xFF },
		"bad protocol": func(b []byte) { b[3] = 42 },
	}

	for name, corrupt := range tests {
		t.Run(name, func(t *testing.T) {
			pool := buffer.NewPool(256)
			a := &assembler{}
			b := append([]byte{}, frame...)
			corrupt(b)

			buf := pool.Get()
			copy(buf.Bytes(), b)
			_, err := a.add(buf, buf.Bytes()[:len(b)])
			require.Error(t, err)
			assert.True(t, errors.Is(err, wire.ErrProtocolFormat), "unexpected error %v", err)

			a.release()
			assert.Equal(t, int64(0), pool.Outstanding())
		})
	}
}
