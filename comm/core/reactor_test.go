package core

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dComm/comm/common"
	"github.com/ValentinKolb/dComm/comm/wire"
	"github.com/ValentinKolb/dComm/lib/buffer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func testConfig() common.ReactorConfig {
	cfg := common.DefaultReactorConfig()
	cfg.Socket = common.SocketConfig{TCPNoDelay: true}
	return cfg
}

type collector struct {
	msgs chan *wire.Message
}

func newCollector() *collector {
	return &collector{msgs: make(chan *wire.Message, 1024)}
}

func (c *collector) PutMessage(_ *Connection, msg *wire.Message) error {
	c.msgs <- msg
	return nil
}

func (c *collector) next(t *testing.T) *wire.Message {
	t.Helper()
	select {
	case m := <-c.msgs:
		return m
	case <-time.After(5 * time.Second):
		t.Fatalf("Timeout waiting for message")
		return nil
	}
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) Connected(*Connection) { r.add("connected") }
func (r *recorder) EndOfFile(*Connection) { r.add("eof") }
func (r *recorder) Error(_ *Connection, _ error) { r.add("error") }
func (r *recorder) Closed(*Connection) { r.add("closed") }

// serve starts a listener whose connections use sink and are reported on accepted
func serve(t *testing.T, r *Reactor, sink IMessageSink, listeners ...IConnectionListener) (*Listener, chan *Connection) {
	t.Helper()
	accepted := make(chan *Connection, 16)
	l, err := r.Listen("127.0.0.1:0", AcceptFunc(func(c *Connection) IMessageSink {
		for _, x := range listeners {
			c.AddListener(x)
		}
		accepted <- c
		return sink
	}))
	require.NoError(t, err)
	return l, accepted
}

// rawPeer connects a reactor connection to a plain socket owned by the test
func rawPeer(t *testing.T, r *Reactor, sink IMessageSink) (*Connection, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	peer := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			peer <- c
		}
	}()

	conn, err := r.Connect(context.Background(), ln.Addr().String(), time.Second, sink)
	require.NoError(t, err)
	select {
	case p := <-peer:
		t.Cleanup(func() { _ = p.Close() })
		return conn, p
	case <-time.After(5 * time.Second):
		t.Fatalf("Timeout accepting raw peer")
		return nil, nil
	}
}

func readFrame(t *testing.T, conn net.Conn) *wire.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	prefix := make([]byte, wire.PrefixLength)
	_, err := io.ReadFull(conn, prefix)
	require.NoError(t, err)
	hl, total, err := wire.PeekFrameLength(prefix)
	require.NoError(t, err)

	frame := make([]byte, total)
	copy(frame, prefix)
	_, err = io.ReadFull(conn, frame[wire.PrefixLength:])
	require.NoError(t, err)

	h, err := wire.DecodeHeader(frame[:hl])
	require.NoError(t, err)
	return &wire.Message{Header: h, Data: buffer.Wrap(frame[hl:])}
}

func tcm(size int) *wire.Message {
	return wire.NewMessage(wire.ProtocolTCM, bytes.Repeat([]byte{'x'}, size))
}

func numbered(i int) *wire.Message {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload, uint64(i))
	return wire.NewMessage(wire.ProtocolTCM, payload)
}

// enqueue adds messages without registering write interest, so the test decides when to flush
func enqueue(c *Connection, msgs ...*wire.Message) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.queue = append(c.queue, msgs...)
}

func contextCounts(c *Connection) []int {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	c.buildContexts()
	var counts []int
	for _, wc := range c.contexts {
		counts = append(counts, int(wc.frame.Header.MessageCount))
	}
	c.releaseContexts()
	return counts
}

// --------------------------------------------------------------------------
// Write path
// --------------------------------------------------------------------------

func TestMessageGrouping(t *testing.T) {
	handshake := func() *wire.Message { return wire.NewMessage(wire.ProtocolHandshake, []byte("syn")) }

	tests := map[string]struct {
		maxBytes int
		maxCount int
		msgs     func() []*wire.Message
		want     []int
	}{
		"small messages form one group": {
			maxBytes: 128 * 1024, maxCount: 1024,
			msgs: func() []*wire.Message { return []*wire.Message{tcm(10), tcm(10), tcm(10), tcm(10), tcm(10)} },
			want: []int{5},
		},
		"single message is not grouped": {
			maxBytes: 128 * 1024, maxCount: 1024,
			msgs: func() []*wire.Message { return []*wire.Message{tcm(10)} },
			want: []int{1},
		},
		"oversized message alone": {
			maxBytes: 1024, maxCount: 1024,
			msgs: func() []*wire.Message { return []*wire.Message{tcm(10), tcm(10), tcm(2000), tcm(10)} },
			want: []int{2, 1, 1},
		},
		"count cap": {
			maxBytes: 128 * 1024, maxCount: 3,
			msgs: func() []*wire.Message {
				return []*wire.Message{tcm(1), tcm(1), tcm(1), tcm(1), tcm(1), tcm(1), tcm(1)}
			},
			want: []int{3, 3, 1},
		},
		"byte cap": {
			maxBytes: 3 * (wire.MinHeaderLength + 100), maxCount: 1024,
			msgs: func() []*wire.Message { return []*wire.Message{tcm(100), tcm(100), tcm(100), tcm(100)} },
			want: []int{3, 1},
		},
		"handshake messages are never grouped": {
			maxBytes: 128 * 1024, maxCount: 1024,
			msgs: func() []*wire.Message {
				return []*wire.Message{tcm(10), tcm(10), handshake(), tcm(10), handshake()}
			},
			want: []int{2, 1, 1, 1},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			cfg.MessageGroupMaxBytes = tc.maxBytes
			cfg.MessageGroupMaxCount = tc.maxCount
			r := NewReactor(cfg)
			defer func() { _ = r.Close() }()

			conn, _ := rawPeer(t, r, nil)
			enqueue(conn, tc.msgs()...)
			assert.Equal(t, tc.want, contextCounts(conn))
		})
	}

	t.Run("grouping disabled", func(t *testing.T) {
		cfg := testConfig()
		cfg.MessageGroupingEnabled = false
		r := NewReactor(cfg)
		defer func() { _ = r.Close() }()

		conn, _ := rawPeer(t, r, nil)
		enqueue(conn, tcm(10), tcm(10), tcm(10))
		assert.Equal(t, []int{1, 1, 1}, contextCounts(conn))
	})
}

func TestGroupOnTheWire(t *testing.T) {
	r := NewReactor(testConfig())
	defer func() { _ = r.Close() }()

	conn, peer := rawPeer(t, r, nil)

	const n = 10
	var sentMu sync.Mutex
	sent := 0
	for i := 0; i < n; i++ {
		m := numbered(i)
		m.OnSent = func() {
			sentMu.Lock()
			sent++
			sentMu.Unlock()
		}
		enqueue(conn, m)
	}
	conn.flush()

	group := readFrame(t, peer)
	require.Equal(t, wire.ProtocolMessageGroup, group.Header.Protocol)
	require.Equal(t, uint16(n), group.Header.MessageCount)

	inner, err := wire.SplitGroup(group)
	require.NoError(t, err)
	require.Len(t, inner, n)
	for i, m := range inner {
		assert.Equal(t, uint16(1), m.Header.MessageCount)
		assert.Equal(t, uint64(i), binary.BigEndian.Uint64(m.Bytes()))
	}

	sentMu.Lock()
	assert.Equal(t, n, sent)
	sentMu.Unlock()
	assert.Equal(t, int64(n), conn.Stats().MessagesWritten.Count())
}

func TestLastDataSentAdvancesOnFlush(t *testing.T) {
	r := NewReactor(testConfig())
	defer func() { _ = r.Close() }()

	conn, peer := rawPeer(t, r, nil)
	before := conn.LastDataSent()
	time.Sleep(20 * time.Millisecond)
	require.GreaterOrEqual(t, conn.Stats().WriteIdle.Value(), int64(20))

	enqueue(conn, numbered(1))
	conn.flush()
	readFrame(t, peer)

	assert.True(t, conn.LastDataSent().After(before))
	assert.Less(t, conn.Stats().WriteIdle.Value(), int64(20))
	assert.Contains(t, conn.Stats().String(), "idle=")
}

func TestCloseReleasesQueuedMessages(t *testing.T) {
	r := NewReactor(testConfig())
	defer func() { _ = r.Close() }()

	conn, _ := rawPeer(t, r, nil)

	outbound := buffer.NewPool(128)
	for i := 0; i < 5; i++ {
		buf := outbound.Get()
		ref := buffer.NewReference()
		ref.Append(buf, buf.Bytes()[:64])
		buf.Release()
		enqueue(conn, &wire.Message{Header: wire.NewHeader(wire.ProtocolTCM), Data: ref})
	}
	require.Equal(t, int64(5), outbound.Outstanding())

	conn.Close()
	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("Timeout waiting for close")
	}

	assert.Equal(t, int64(0), outbound.Outstanding())
	assert.ErrorIs(t, conn.Put(tcm(1)), ErrConnectionClosed)
}

// --------------------------------------------------------------------------
// Read path and end to end
// --------------------------------------------------------------------------

func TestOrderedDelivery(t *testing.T) {
	cfg := testConfig()
	cfg.BufferSize = 100 // frames span several read buffers
	r := NewReactor(cfg)

	server := newCollector()
	l, accepted := serve(t, r, server)

	client, err := r.Connect(context.Background(), l.Addr().String(), time.Second, nil)
	require.NoError(t, err)

	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, client.Put(numbered(i)))
	}
	big := bytes.Repeat([]byte("y"), 1000)
	require.NoError(t, client.Put(wire.NewMessage(wire.ProtocolTCM, big)))

	for i := 0; i < n; i++ {
		m := server.next(t)
		assert.Equal(t, uint64(i), binary.BigEndian.Uint64(m.Bytes()))
		assert.Equal(t, uint16(1), m.Header.MessageCount)
		m.Release()
	}
	m := server.next(t)
	assert.Equal(t, big, m.Bytes())
	m.Release()

	serverConn := <-accepted
	client.Close()
	<-client.Done()
	<-serverConn.Done()

	require.NoError(t, r.Close())
	require.Eventually(t, func() bool { return r.Pool().Outstanding() == 0 }, 5*time.Second, 10*time.Millisecond,
		"read buffers were not returned to the pool")
}

func TestConnectionEvents(t *testing.T) {
	r := NewReactor(testConfig())
	defer func() { _ = r.Close() }()

	serverEvents := &recorder{}
	l, accepted := serve(t, r, newCollector(), serverEvents)

	clientEvents := &recorder{}
	client, err := r.Connect(context.Background(), l.Addr().String(), time.Second, nil, clientEvents)
	require.NoError(t, err)
	serverConn := <-accepted

	client.Close()
	<-client.Done()
	<-serverConn.Done()

	assert.Equal(t, []string{"connected", "closed"}, clientEvents.get())
	assert.Equal(t, []string{"connected", "eof", "closed"}, serverEvents.get())

	// closing twice has no effect
	client.Close()
	assert.Equal(t, []string{"connected", "closed"}, clientEvents.get())
}

func TestProtocolErrorClosesConnection(t *testing.T) {
	r := NewReactor(testConfig())
	defer func() { _ = r.Close() }()

	events := &recorder{}
	l, accepted := serve(t, r, newCollector(), events)

	raw, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer func() { _ = raw.Close() }()
	serverConn := <-accepted

	garbage := bytes.Repeat([]byte{0x42}, 64)
	_, err = raw.Write(garbage)
	require.NoError(t, err)

	select {
	case <-serverConn.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("Timeout waiting for the connection to close")
	}
	assert.Equal(t, []string{"connected", "error", "closed"}, events.get())
}

func TestPanicIsolation(t *testing.T) {
	r := NewReactor(testConfig())
	defer func() { _ = r.Close() }()

	good := newCollector()
	sink := SinkFunc(func(c *Connection, msg *wire.Message) error {
		if string(msg.Bytes()) == "boom" {
			msg.Release()
			panic("sink exploded")
		}
		return good.PutMessage(c, msg)
	})
	l, accepted := serve(t, r, sink)

	bad, err := r.Connect(context.Background(), l.Addr().String(), time.Second, nil)
	require.NoError(t, err)
	badServer := <-accepted
	other, err := r.Connect(context.Background(), l.Addr().String(), time.Second, nil)
	require.NoError(t, err)
	<-accepted

	require.NoError(t, bad.Put(wire.NewMessage(wire.ProtocolTCM, []byte("boom"))))
	select {
	case <-badServer.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("Timeout waiting for the panicking connection to close")
	}

	require.NoError(t, other.Put(wire.NewMessage(wire.ProtocolTCM, []byte("still alive"))))
	m := good.next(t)
	assert.Equal(t, "still alive", string(m.Bytes()))
	m.Release()
}

func TestSinkErrorClosesConnection(t *testing.T) {
	r := NewReactor(testConfig())
	defer func() { _ = r.Close() }()

	events := &recorder{}
	l, accepted := serve(t, r, SinkFunc(func(_ *Connection, msg *wire.Message) error {
		msg.Release()
		return errors.New("rejected")
	}), events)

	client, err := r.Connect(context.Background(), l.Addr().String(), time.Second, nil)
	require.NoError(t, err)
	serverConn := <-accepted

	require.NoError(t, client.Put(tcm(4)))
	<-serverConn.Done()
	assert.Equal(t, []string{"connected", "error", "closed"}, events.get())
}

func TestCloseFromSinkCompletesInline(t *testing.T) {
	r := NewReactor(testConfig())
	defer func() { _ = r.Close() }()

	closedInSink := make(chan bool, 1)
	l, accepted := serve(t, r, SinkFunc(func(c *Connection, msg *wire.Message) error {
		msg.Release()
		c.Close()
		closedInSink <- c.IsClosed()
		return nil
	}))

	client, err := r.Connect(context.Background(), l.Addr().String(), time.Second, nil)
	require.NoError(t, err)
	serverConn := <-accepted

	require.NoError(t, client.Put(tcm(1)))
	select {
	case closed := <-closedInSink:
		assert.True(t, closed, "Close on the owning loop should complete before it returns")
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for the sink")
	}
	<-serverConn.Done()
}

func TestMigration(t *testing.T) {
	cfg := testConfig()
	cfg.WorkerCount = 2
	cfg.WeightThreshold = 1
	r := NewReactor(cfg)
	defer func() { _ = r.Close() }()

	server := newCollector()
	l, accepted := serve(t, r, server)

	clientSink := newCollector()
	client, err := r.Connect(context.Background(), l.Addr().String(), time.Second, clientSink)
	require.NoError(t, err)
	serverConn := <-accepted

	assert.Equal(t, "main", client.Worker())
	r.AddWeight(client, 10)
	assert.Equal(t, "main", client.Worker(), "connections without a transport stay on the main worker")

	client.SetTransportEstablished()

	// the next read completes the move
	require.NoError(t, serverConn.Put(wire.NewMessage(wire.ProtocolTCM, []byte("hello"))))
	m := clientSink.next(t)
	m.Release()

	assert.NotEqual(t, "main", client.Worker())
	var total int64
	for _, w := range r.WorkerWeights() {
		total += w
	}
	assert.Equal(t, int64(11), total)

	// reads and writes keep working after the move
	for i := 0; i < 20; i++ {
		require.NoError(t, client.Put(numbered(i)))
	}
	for i := 0; i < 20; i++ {
		m := server.next(t)
		assert.Equal(t, uint64(i), binary.BigEndian.Uint64(m.Bytes()))
		m.Release()
	}

	client.Close()
	<-client.Done()
	for w, weight := range r.WorkerWeights() {
		assert.Equal(t, int64(0), weight, fmt.Sprintf("worker %d", w))
	}
}

func TestConnectFailure(t *testing.T) {
	r := NewReactor(testConfig())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = r.Connect(context.Background(), addr, time.Second, nil)
	assert.Error(t, err)

	require.NoError(t, r.Close())
	_, err = r.Connect(context.Background(), addr, time.Second, nil)
	assert.ErrorIs(t, err, ErrReactorClosed)
}
