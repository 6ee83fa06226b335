package wire

import (
	"fmt"
	"github.com/ValentinKolb/dComm/lib/buffer"
	"net"
)

// Message is one wire frame: a header plus its payload.
//
// Outbound messages carry their payload in Payload; the connection seals the
// header on the write path. Inbound messages carry a pooled Data reference that
// the consumer must release.
type Message struct {
	Header  *Header
	Payload [][]byte
	Data    *buffer.Reference

	// OnSent runs once the frame carrying this message was fully written
	OnSent func()
}

// NewMessage creates an outbound message for the given protocol
func NewMessage(protocol ProtocolID, payload ...[]byte) *Message {
	return &Message{
		Header:  NewHeader(protocol),
		Payload: payload,
	}
}

// PayloadLength returns the number of payload bytes
func (m *Message) PayloadLength() int {
	if m.Data != nil {
		return m.Data.Len()
	}
	n := 0
	for _, p := range m.Payload {
		n += len(p)
	}
	return n
}

// WireLength returns the encoded length of the frame
func (m *Message) WireLength() int {
	return m.Header.HeaderLength() + m.PayloadLength()
}

// Bytes returns the payload as one slice (copying only if it spans segments)
func (m *Message) Bytes() []byte {
	if m.Data != nil {
		return m.Data.Bytes()
	}
	if len(m.Payload) == 1 {
		return m.Payload[0]
	}
	out := make([]byte, 0, m.PayloadLength())
	for _, p := range m.Payload {
		out = append(out, p...)
	}
	return out
}

// Seal fills in the header fields owned by the connection and computes the
// checksum. After Seal the header must not change.
func (m *Message) Seal(local, remote net.Addr, count uint16) {
	m.Header.SetAddresses(local, remote)
	m.Header.MessageCount = count
	m.Header.TotalLength = uint32(m.WireLength())
	m.Header.ComputeChecksum()
}

// Buffers returns the encoded header followed by the payload slices
func (m *Message) Buffers() net.Buffers {
	bufs := make(net.Buffers, 0, 1+len(m.Payload))
	bufs = append(bufs, m.Header.Encode())
	if m.Data != nil {
		return append(bufs, m.Data.Segments()...)
	}
	for _, p := range m.Payload {
		if len(p) > 0 {
			bufs = append(bufs, p)
		}
	}
	return bufs
}

// Release returns pooled payload memory. It is safe to call more than once.
func (m *Message) Release() {
	if m.Data != nil {
		m.Data.Release()
	}
}

func (m *Message) String() string {
	return fmt.Sprintf("%s payload=%d", m.Header.Protocol, m.PayloadLength())
}

// --------------------------------------------------------------------------
// Message groups
// --------------------------------------------------------------------------

// BuildGroup seals every message with a message count of one and wraps them in a
// single MESSAGE_GROUP frame. A single message is returned sealed as is.
func BuildGroup(msgs []*Message, local, remote net.Addr) (*Message, error) {
	if len(msgs) == 0 || len(msgs) > MaxMessageCount {
		return nil, fmt.Errorf("invalid message group size %d", len(msgs))
	}
	if len(msgs) == 1 {
		msgs[0].Seal(local, remote, 1)
		return msgs[0], nil
	}

	var payload [][]byte
	callbacks := make([]func(), 0, len(msgs))
	for _, m := range msgs {
		m.Seal(local, remote, 1)
		payload = append(payload, m.Buffers()...)
		if m.OnSent != nil {
			callbacks = append(callbacks, m.OnSent)
		}
	}

	group := NewMessage(ProtocolMessageGroup, payload...)
	if len(callbacks) > 0 {
		group.OnSent = func() {
			for _, cb := range callbacks {
				cb()
			}
		}
	}
	group.Seal(local, remote, uint16(len(msgs)))
	return group, nil
}

// SplitGroup slices an inbound MESSAGE_GROUP frame into its inner messages without
// copying their payloads. The group keeps ownership of its own Data; every
// returned message holds an independent reference.
func SplitGroup(group *Message) ([]*Message, error) {
	if group.Header.Protocol != ProtocolMessageGroup {
		return nil, formatErr("protocol", "expected %s, got %s", ProtocolMessageGroup, group.Header.Protocol)
	}
	data := group.Data
	if data == nil {
		return nil, formatErr("group", "message group without payload")
	}

	count := int(group.Header.MessageCount)
	out := make([]*Message, 0, count)
	fail := func(err error) ([]*Message, error) {
		for _, m := range out {
			m.Release()
		}
		return nil, err
	}

	var hdr [MaxHeaderLength]byte
	off := 0
	for i := 0; i < count; i++ {
		n := data.CopyAt(hdr[:PrefixLength], off)
		if n < PrefixLength {
			return fail(formatErr("group", "message %d of %d truncated", i+1, count))
		}
		hl, total, err := PeekFrameLength(hdr[:PrefixLength])
		if err != nil {
			return fail(err)
		}
		if off+total > data.Len() {
			return fail(formatErr("group", "message %d announces %d bytes, %d left", i+1, total, data.Len()-off))
		}
		data.CopyAt(hdr[:hl], off)
		h, err := DecodeHeader(hdr[:hl])
		if err != nil {
			return fail(err)
		}
		if h.Protocol == ProtocolMessageGroup {
			return fail(formatErr("group", "nested message group"))
		}
		payload, err := data.Slice(off+hl, total-hl)
		if err != nil {
			return fail(formatErr("group", "%v", err))
		}
		out = append(out, &Message{Header: h, Data: payload})
		off += total
	}

	if off != data.Len() {
		return fail(formatErr("group", "%d trailing bytes after %d messages", data.Len()-off, count))
	}
	return out, nil
}
