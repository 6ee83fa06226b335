package wire

import (
	"bytes"
	"fmt"
	"github.com/ValentinKolb/dComm/lib/buffer"
	"testing"
)

// flatten concatenates the wire buffers of a sealed message
func flatten(m *Message) []byte {
	var out []byte
	for _, b := range m.Buffers() {
		out = append(out, b...)
	}
	return out
}

// receive decodes a flattened frame the way the read pipeline does
func receive(t *testing.T, frame []byte) *Message {
	t.Helper()
	h, err := DecodeHeader(frame)
	if err != nil {
		t.Fatalf("DecodeHeader failed: %v", err)
	}
	if int(h.TotalLength) != len(frame) {
		t.Fatalf("Total length %d does not match frame length %d", h.TotalLength, len(frame))
	}
	return &Message{Header: h, Data: buffer.Wrap(frame[h.HeaderLength():])}
}

func TestMessageSeal(t *testing.T) {
	m := NewMessage(ProtocolTCM, []byte("hello "), []byte("world"))
	m.Seal(testLocal, testRemote, 1)

	if m.Header.TotalLength != uint32(MinHeaderLength+11) {
		t.Errorf("Expected total length %d, got %d", MinHeaderLength+11, m.Header.TotalLength)
	}
	if err := m.Header.Validate(); err != nil {
		t.Fatalf("Sealed header is invalid: %v", err)
	}

	in := receive(t, flatten(m))
	defer in.Release()
	if string(in.Bytes()) != "hello world" {
		t.Errorf("Expected 'hello world', got %q", in.Bytes())
	}
}

func TestMessageGroupRoundTrip(t *testing.T) {
	var msgs []*Message
	sent := 0
	for i := 0; i < 5; i++ {
		m := NewMessage(ProtocolTCM, []byte(fmt.Sprintf("message-%d", i)))
		m.OnSent = func() { sent++ }
		msgs = append(msgs, m)
	}

	group, err := BuildGroup(msgs, testLocal, testRemote)
	if err != nil {
		t.Fatalf("BuildGroup failed: %v", err)
	}
	if group.Header.Protocol != ProtocolMessageGroup || group.Header.MessageCount != 5 {
		t.Fatalf("Expected a group of 5, got %s count=%d", group.Header.Protocol, group.Header.MessageCount)
	}

	group.OnSent()
	if sent != 5 {
		t.Errorf("Expected 5 sent callbacks, got %d", sent)
	}

	in := receive(t, flatten(group))
	inner, err := SplitGroup(in)
	if err != nil {
		t.Fatalf("SplitGroup failed: %v", err)
	}
	in.Release()

	if len(inner) != 5 {
		t.Fatalf("Expected 5 inner messages, got %d", len(inner))
	}
	for i, m := range inner {
		want := fmt.Sprintf("message-%d", i)
		if got := string(m.Bytes()); got != want {
			t.Errorf("Message %d: expected %q, got %q", i, want, got)
		}
		if m.Header.MessageCount != 1 || m.Header.Protocol != ProtocolTCM {
			t.Errorf("Message %d: unexpected inner header %v", i, m.Header)
		}
		m.Release()
	}
}

func TestBuildGroupSingleMessage(t *testing.T) {
	m := NewMessage(ProtocolTCM, []byte("alone"))
	out, err := BuildGroup([]*Message{m}, testLocal, testRemote)
	if err != nil {
		t.Fatalf("BuildGroup failed: %v", err)
	}
	if out != m || out.Header.MessageCount != 1 || out.Header.Protocol != ProtocolTCM {
		t.Errorf("A single message must be sent ungrouped, got %v", out.Header)
	}
	if _, err := BuildGroup(nil, testLocal, testRemote); err == nil {
		t.Error("An empty group should fail")
	}
}

func TestSplitGroupMalformed(t *testing.T) {
	build := func() []byte {
		group, _ := BuildGroup([]*Message{
			NewMessage(ProtocolTCM, []byte("a")),
			NewMessage(ProtocolTCM, []byte("b")),
		}, testLocal, testRemote)
		return flatten(group)
	}

	t.Run("count too high", func(t *testing.T) {
		frame := build()
		in := receive(t, frame)
		in.Header.MessageCount = 3
		if _, err := SplitGroup(in); err == nil {
			t.Error("Expected an error for a missing inner message")
		}
	})

	t.Run("count too low", func(t *testing.T) {
		in := receive(t, build())
		in.Header.MessageCount = 1
		if _, err := SplitGroup(in); err == nil {
			t.Error("Expected an error for trailing bytes")
		}
	})

	t.Run("corrupted inner header", func(t *testing.T) {
		frame := build()
		// first inner header starts right after the outer header
		frame[MinHeaderLength+offSourceAddr] ^= 0xFF
		in := receive(t, frame)
		if _, err := SplitGroup(in); err == nil {
			t.Error("Expected a checksum error in the inner header")
		}
	})

	t.Run("not a group", func(t *testing.T) {
		m := NewMessage(ProtocolTCM, []byte("x"))
		m.Seal(testLocal, testRemote, 1)
		in := receive(t, flatten(m))
		if _, err := SplitGroup(in); err == nil {
			t.Error("Expected an error for a non group message")
		}
	})
}

func TestMessageBytesSingleSegmentNoCopy(t *testing.T) {
	payload := []byte("zero copy")
	m := NewMessage(ProtocolTCM, payload)
	if b := m.Bytes(); &b[0] != &payload[0] {
		t.Error("A single payload slice should be returned without copying")
	}
	if !bytes.Equal(NewMessage(ProtocolTCM, []byte("a"), []byte("b")).Bytes(), []byte("ab")) {
		t.Error("Multiple payload slices should be concatenated")
	}
}
