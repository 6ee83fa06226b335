package core

import (
	"errors"
	"fmt"
	"github.com/ValentinKolb/dComm/comm/common"
	"github.com/ValentinKolb/dComm/comm/wire"
	"net"
	"os"
	"time"
)

// writeContext is one frame on its way to the socket. bufs is advanced by every
// write, so a partially written context continues where it stopped.
type writeContext struct {
	frame     *wire.Message
	members   []*wire.Message
	bufs      net.Buffers
	count     int
	remaining int
}

func newWriteContext(frame *wire.Message, members []*wire.Message) *writeContext {
	count := len(members)
	if count == 0 {
		count = 1
	}
	return &writeContext{
		frame:     frame,
		members:   members,
		bufs:      frame.Buffers(),
		count:     count,
		remaining: frame.WireLength(),
	}
}

func (wc *writeContext) complete() {
	if wc.frame.OnSent != nil {
		wc.frame.OnSent()
	}
	wc.release()
}

func (wc *writeContext) release() {
	wc.frame.Release()
	for _, m := range wc.members {
		m.Release()
	}
	wc.bufs = nil
}

// --------------------------------------------------------------------------
// Flushing (runs on the writer loop)
// --------------------------------------------------------------------------

// flush turns the queued messages into write contexts and writes them in order.
// A write that does not complete within the write slice is retried on the next
// write interest, so one slow peer does not hold up the other connections of
// the worker.
func (c *Connection) flush() {
	defer func() {
		if r := recover(); r != nil {
			Logger.Errorf("panic while writing %s: %v", c, r)
			c.closeWith(fmt.Errorf("panic while writing: %v", r))
		}
	}()

	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.scheduled.Store(false)
	if c.closed.Load() {
		c.releaseContexts()
		return
	}

	c.buildContexts()
	for len(c.contexts) > 0 {
		wc := c.contexts[0]
		done, err := c.write(wc)
		if err != nil {
			Logger.Warningf("write error on %s: %v", c, err)
			c.closeWith(err)
			c.releaseContexts()
			return
		}
		if !done {
			c.scheduleWrite()
			if c.closed.Load() {
				c.releaseContexts()
			}
			return
		}

		c.contexts[0] = nil
		c.contexts = c.contexts[1:]
		c.sent(wc)
	}
}

// write writes as much of wc as the write slice allows. It reports whether the
// context is complete.
func (c *Connection) write(wc *writeContext) (bool, error) {
	if d := c.reactor.config.WriteSliceTimeout; d > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(d)); err != nil {
			return false, fmt.Errorf("failed to set write deadline: %w", err)
		}
	}

	n, err := wc.bufs.WriteTo(c.conn)
	if n > 0 {
		wc.remaining -= int(n)
		c.recordWrite(int(n))
	}
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return false, nil
		}
		return false, err
	}
	return wc.remaining <= 0, nil
}

func (c *Connection) sent(wc *writeContext) {
	c.stats.MessagesWritten.Inc(int64(wc.count))
	c.stats.GroupSize.Update(int64(wc.count))
	common.FramesWritten.Inc()
	if wc.count > 1 {
		common.GroupsWritten.Inc()
	}
	wc.complete()
}

// buildContexts drains the queue. Consecutive application messages are grouped
// while they fit the group limits; every other message is written on its own in
// queue order.
func (c *Connection) buildContexts() {
	c.writeMu.Lock()
	msgs := c.queue
	c.queue = nil
	c.writeMu.Unlock()

	if len(msgs) == 0 {
		return
	}

	cfg := c.reactor.config
	local, remote := c.conn.LocalAddr(), c.conn.RemoteAddr()

	var batch []*wire.Message
	batchBytes := 0
	closeBatch := func() {
		if len(batch) == 0 {
			return
		}
		frame, err := wire.BuildGroup(batch, local, remote)
		if err != nil {
			Logger.Errorf("failed to build message group on %s, dropping %d messages: %v", c, len(batch), err)
			for _, m := range batch {
				m.Release()
			}
		} else if len(batch) == 1 {
			c.contexts = append(c.contexts, newWriteContext(frame, nil))
		} else {
			c.contexts = append(c.contexts, newWriteContext(frame, batch))
		}
		batch = nil
		batchBytes = 0
	}

	for _, m := range msgs {
		if !cfg.MessageGroupingEnabled || m.Header.Protocol != wire.ProtocolTCM {
			closeBatch()
			m.Seal(local, remote, 1)
			c.contexts = append(c.contexts, newWriteContext(m, nil))
			continue
		}

		size := m.WireLength()
		if !canBatch(cfg, size, batchBytes, len(batch)) {
			closeBatch()
		}
		if size > cfg.MessageGroupMaxBytes {
			Logger.Debugf("message of %d bytes exceeds the group limit of %d on %s, sending ungrouped",
				size, cfg.MessageGroupMaxBytes, c)
		}
		batch = append(batch, m)
		batchBytes += size
	}
	closeBatch()
}

// canBatch reports whether a message of size bytes may join a batch of count
// messages and bytes bytes. The first message always fits.
func canBatch(cfg common.ReactorConfig, size, bytes, count int) bool {
	if count == 0 {
		return true
	}
	if count >= cfg.MessageGroupMaxCount || count >= wire.MaxMessageCount {
		return false
	}
	return bytes+size <= cfg.MessageGroupMaxBytes
}

// releaseContexts drops all write contexts. The caller holds flushMu.
func (c *Connection) releaseContexts() {
	for i, wc := range c.contexts {
		wc.release()
		c.contexts[i] = nil
	}
	c.contexts = nil
}
