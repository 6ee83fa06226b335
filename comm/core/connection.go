package core

import (
	"errors"
	"fmt"
	"github.com/ValentinKolb/dComm/comm/common"
	"github.com/ValentinKolb/dComm/comm/wire"
	"github.com/ValentinKolb/dComm/lib/buffer"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ErrConnectionClosed is returned when writing to a closed connection
var ErrConnectionClosed = errors.New("connection closed")

// Connection is one TCP socket managed by the reactor.
//
// A connection is owned by exactly one worker at a time. Its read pump hands
// everything read from the socket to the owner's reader loop; its write queue is
// flushed by the owner's writer loop. A closed connection is never reopened.
type Connection struct {
	id      uint64
	reactor *Reactor
	conn    net.Conn
	client  bool
	sink    IMessageSink

	owner     atomic.Pointer[worker]
	writer    atomic.Pointer[worker]
	migrateTo atomic.Pointer[worker]
	home      int   // guarded by reactor.weightsMu
	weight    int64 // guarded by reactor.weightsMu

	listenersMu sync.Mutex
	listeners   []IConnectionListener

	// read side, used by the reader loop of the owner
	readMu sync.Mutex
	asm    assembler

	// write side
	writeMu   sync.Mutex
	queue     []*wire.Message
	scheduled atomic.Bool
	flushMu   sync.Mutex
	contexts  []*writeContext

	closed      atomic.Bool
	done        chan struct{}
	established atomic.Bool

	connectTime time.Time
	lastRead    atomic.Int64
	lastWrite   atomic.Int64
	stats       *Stats
}

func newConnection(r *Reactor, id uint64, conn net.Conn, client bool, sink IMessageSink) *Connection {
	now := time.Now()
	c := &Connection{
		id:          id,
		reactor:     r,
		conn:        conn,
		client:      client,
		sink:        sink,
		home:        mainWorkerID,
		done:        make(chan struct{}),
		connectTime: now,
	}
	c.stats = newStats(c.LastDataReceived, c.LastDataSent)
	c.owner.Store(r.main)
	c.writer.Store(r.main)
	c.lastRead.Store(now.UnixNano())
	c.lastWrite.Store(now.UnixNano())
	return c
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

// ID returns the reactor local id of the connection
func (c *Connection) ID() uint64 {
	return c.id
}

func (c *Connection) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// IsClient reports whether the connection was dialed (as opposed to accepted)
func (c *Connection) IsClient() bool {
	return c.client
}

// IsClosed reports whether the connection is closed
func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

// Done returns a channel that is closed once the connection is closed and all
// listeners were notified
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ConnectTime returns the time the socket was connected or accepted
func (c *Connection) ConnectTime() time.Time {
	return c.connectTime
}

// LastDataReceived returns the time bytes were last read from the socket
func (c *Connection) LastDataReceived() time.Time {
	return time.Unix(0, c.lastRead.Load())
}

// LastDataSent returns the time bytes were last written to the socket
func (c *Connection) LastDataSent() time.Time {
	return time.Unix(0, c.lastWrite.Load())
}

// Stats returns the per connection counters
func (c *Connection) Stats() *Stats {
	return c.stats
}

// Worker returns the name of the worker currently owning the reads of the connection
func (c *Connection) Worker() string {
	return c.owner.Load().name
}

// SetTransportEstablished marks the connection as carrying an established
// transport. Established connections are eligible to move off the main worker.
func (c *Connection) SetTransportEstablished() {
	if c.established.CompareAndSwap(false, true) {
		c.reactor.AddWeight(c, 1)
	}
}

// IsTransportEstablished reports whether SetTransportEstablished was called
func (c *Connection) IsTransportEstablished() bool {
	return c.established.Load()
}

func (c *Connection) String() string {
	return fmt.Sprintf("conn[%d %s->%s]", c.id, c.conn.LocalAddr(), c.conn.RemoteAddr())
}

// --------------------------------------------------------------------------
// Listeners
// --------------------------------------------------------------------------

// AddListener registers a lifecycle listener
func (c *Connection) AddListener(l IConnectionListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, l)
}

// RemoveListener unregisters a lifecycle listener
func (c *Connection) RemoveListener(l IConnectionListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	for i, existing := range c.listeners {
		if existing == l {
			c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
			return
		}
	}
}

func (c *Connection) fire(event string, notify func(l IConnectionListener)) {
	c.listenersMu.Lock()
	listeners := append([]IConnectionListener(nil), c.listeners...)
	c.listenersMu.Unlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					Logger.Errorf("listener panicked handling %s of %s: %v", event, c, r)
				}
			}()
			notify(l)
		}()
	}
}

// --------------------------------------------------------------------------
// Writing
// --------------------------------------------------------------------------

// Put queues an outbound message and registers write interest. The connection
// seals the header; the message must not be modified afterwards.
func (c *Connection) Put(msg *wire.Message) error {
	if c.closed.Load() {
		msg.Release()
		return ErrConnectionClosed
	}

	cfg := c.reactor.config
	if size := msg.WireLength(); cfg.LargeMessageThreshold > 0 && size >= cfg.LargeMessageThreshold {
		Logger.Warningf("large message of %d bytes queued on %s", size, c)
	}

	c.writeMu.Lock()
	if c.closed.Load() {
		c.writeMu.Unlock()
		msg.Release()
		return ErrConnectionClosed
	}
	c.queue = append(c.queue, msg)
	c.writeMu.Unlock()

	c.scheduleWrite()
	return nil
}

// scheduleWrite registers write interest with the writer loop once
func (c *Connection) scheduleWrite() {
	if c.scheduled.CompareAndSwap(false, true) {
		if !c.writer.Load().requestWrite(c) {
			c.scheduled.Store(false)
		}
	}
}

// --------------------------------------------------------------------------
// Closing
// --------------------------------------------------------------------------

// Close closes the connection on its owning reader loop and returns immediately.
// Done is closed once the close completed. Called from a sink or listener that
// runs on the owning loop, the close completes before Close returns.
func (c *Connection) Close() {
	if c.closed.Load() {
		return
	}
	owner := c.owner.Load()
	if owner.onLoop(c) || !owner.submit(func() { c.closeWith(nil) }) {
		c.closeWith(nil)
	}
}

// closeWith closes the socket, releases all pending writes and notifies the
// listeners. A nil cause is a regular close, io.EOF an end of file, anything
// else an error. Only the first call has an effect.
func (c *Connection) closeWith(cause error) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if err := c.conn.Close(); err != nil {
		Logger.Debugf("failed to close socket of %s: %v", c, err)
	}
	c.releaseWriteSide()
	c.reactor.unregister(c)

	switch {
	case cause == nil:
	case errors.Is(cause, io.EOF):
		c.fire("end of file", func(l IConnectionListener) { l.EndOfFile(c) })
	default:
		c.fire("error", func(l IConnectionListener) { l.Error(c, cause) })
	}
	c.fire("closed", func(l IConnectionListener) { l.Closed(c) })

	Logger.Debugf("closed %s", c)
	close(c.done)
}

// releaseWriteSide returns every queued message to the pool. Write contexts are
// released here unless a flush holds them, in which case the flush releases them.
func (c *Connection) releaseWriteSide() {
	c.writeMu.Lock()
	queued := c.queue
	c.queue = nil
	c.writeMu.Unlock()

	for _, m := range queued {
		m.Release()
	}

	if c.flushMu.TryLock() {
		c.releaseContexts()
		c.flushMu.Unlock()
	}
}

// releaseReadSide drops the partially assembled frame
func (c *Connection) releaseReadSide() {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	c.asm.release()
}

func (c *Connection) protocolError(err error) {
	common.ProtocolErrors.Inc()
	Logger.Errorf("protocol error on %s, closing connection: %v", c, err)
	c.closeWith(err)
}

// --------------------------------------------------------------------------
// Reading
// --------------------------------------------------------------------------

// readPump blocks in Read and hands every chunk to the owner's reader loop.
// Chunks are read back to back into one pooled buffer until it is full.
func (c *Connection) readPump() {
	pool := c.reactor.pool
	var cur *buffer.Buffer
	filled := 0

	for {
		if cur == nil || filled == len(cur.Bytes()) {
			if cur != nil {
				cur.Release()
			}
			cur = pool.Get()
			filled = 0
		}

		n, err := c.conn.Read(cur.Bytes()[filled:])
		if n > 0 {
			cur.Retain()
			if !c.handOff(readEvent{conn: c, buf: cur, data: cur.Bytes()[filled : filled+n]}) {
				cur.Release()
				c.releaseReadSide()
				return
			}
			filled += n
		}
		if err != nil {
			cur.Release()
			if !c.handOff(readEvent{conn: c, err: err}) {
				c.releaseReadSide()
			}
			return
		}
	}
}

// handOff sends ev to the current owner. A pending migration is completed first:
// a barrier makes sure the old owner processed everything sent to it before the
// new owner sees the next chunk.
func (c *Connection) handOff(ev readEvent) bool {
	if target := c.migrateTo.Swap(nil); target != nil {
		if prev := c.owner.Load(); prev != target {
			barrier := make(chan struct{})
			if c.send(prev, readEvent{barrier: barrier}) {
				select {
				case <-barrier:
				case <-prev.stopped:
				}
			}
			c.owner.Store(target)
			Logger.Debugf("moved %s from %s to %s", c, prev, target)
		}
	}
	return c.send(c.owner.Load(), ev)
}

func (c *Connection) send(w *worker, ev readEvent) bool {
	select {
	case w.reads <- ev:
		return true
	case <-w.stopped:
		if ev.buf != nil {
			ev.buf.Release()
		}
		return false
	}
}

// dispatch delivers a frame to the sink, splitting message groups first
func (c *Connection) dispatch(frame *wire.Message) {
	if frame.Header.Protocol != wire.ProtocolMessageGroup {
		c.deliver(frame)
		return
	}

	inner, err := wire.SplitGroup(frame)
	frame.Release()
	if err != nil {
		c.protocolError(err)
		return
	}
	for i, m := range inner {
		if c.closed.Load() {
			for _, rest := range inner[i:] {
				rest.Release()
			}
			return
		}
		c.deliver(m)
	}
}

func (c *Connection) deliver(msg *wire.Message) {
	c.stats.MessagesRead.Inc(1)
	common.FramesRead.Inc()

	if c.sink == nil {
		Logger.Warningf("dropping %s on %s: no sink", msg, c)
		msg.Release()
		return
	}
	if err := c.sink.PutMessage(c, msg); err != nil {
		Logger.Warningf("failed to handle %s on %s: %v", msg, c, err)
		c.closeWith(err)
	}
}

func (c *Connection) recordRead(n int) {
	c.lastRead.Store(time.Now().UnixNano())
	c.stats.BytesRead.Inc(int64(n))
	common.BytesRead.Add(n)
}

func (c *Connection) recordWrite(n int) {
	c.lastWrite.Store(time.Now().UnixNano())
	c.stats.BytesWritten.Inc(int64(n))
	common.BytesWritten.Add(n)
}
