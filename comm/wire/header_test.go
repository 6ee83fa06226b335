package wire

import (
	"bytes"
	"errors"
	"net"
	"reflect"
	"testing"
)

var (
	testLocal  = &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 40123}
	testRemote = &net.TCPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 9510}
)

// validHeader returns a sealed header that passes validation
func validHeader(protocol ProtocolID, options []byte) *Header {
	h := NewHeader(protocol)
	h.Options = options
	h.SetAddresses(testLocal, testRemote)
	h.TotalLength = uint32(h.HeaderLength() + 100)
	h.ComputeChecksum()
	return h
}

func TestHeaderRoundTrip(t *testing.T) {
	tests := map[string]*Header{
		"tcm":          validHeader(ProtocolTCM, nil),
		"handshake":    validHeader(ProtocolHandshake, nil),
		"oob":          validHeader(ProtocolOOB, nil),
		"healthcheck":  validHeader(ProtocolHealthCheck, nil),
		"group":        validHeader(ProtocolMessageGroup, nil),
		"one option":   validHeader(ProtocolTCM, []byte{1, 2, 3, 4}),
		"full options": validHeader(ProtocolTCM, bytes.Repeat([]byte{0xEE}, MaxOptionsLength)),
	}

	tests["version 1 with tos"] = func() *Header {
		h := validHeader(ProtocolTCM, nil)
		h.Version = Version1
		h.TypeOfService = 7
		h.MessageCount = 42
		h.ComputeChecksum()
		return h
	}()

	for name, h := range tests {
		t.Run(name, func(t *testing.T) {
			encoded := h.Encode()
			if len(encoded) != h.HeaderLength() || len(encoded)%4 != 0 {
				t.Fatalf("Encoded length %d is not the aligned header length %d", len(encoded), h.HeaderLength())
			}
			decoded, err := DecodeHeader(encoded)
			if err != nil {
				t.Fatalf("DecodeHeader failed: %v", err)
			}
			if !reflect.DeepEqual(h, decoded) {
				t.Errorf("Round trip mismatch:\n  want %v\n  got  %v", h, decoded)
			}
		})
	}
}

func TestHeaderLengthBounds(t *testing.T) {
	if l := NewHeader(ProtocolTCM).HeaderLength(); l != MinHeaderLength {
		t.Errorf("Expected minimum header length %d, got %d", MinHeaderLength, l)
	}
	h := NewHeader(ProtocolTCM)
	h.Options = make([]byte, MaxOptionsLength)
	if l := h.HeaderLength(); l != MaxHeaderLength {
		t.Errorf("Expected maximum header length %d, got %d", MaxHeaderLength, l)
	}
}

func TestHeaderComputeChecksumIdempotent(t *testing.T) {
	h := validHeader(ProtocolTCM, nil)
	first := h.Checksum
	if second := h.ComputeChecksum(); second != first {
		t.Errorf("Checksum changed on recomputation: %#x != %#x", first, second)
	}
}

func TestHeaderValidation(t *testing.T) {
	tests := map[string]func(h *Header){
		"bad magic":          func(h *Header) { h.Magic = 0xDEADBEEF },
		"version 0":          func(h *Header) { h.Version = 0 },
		"version 3":          func(h *Header) { h.Version = 3 },
		"ttl zero":           func(h *Header) { h.TimeToLive = 0 },
		"unknown protocol":   func(h *Header) { h.Protocol = 9 },
		"short total length": func(h *Header) { h.TotalLength = 8 },
		"zero source port":   func(h *Header) { h.SourcePort = 0 },
		"zero dest port":     func(h *Header) { h.DestinationPort = 0 },
		"unaligned options":  func(h *Header) { h.Options = []byte{1, 2} },
	}

	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			h := validHeader(ProtocolTCM, nil)
			mutate(h)
			// recompute so that only the mutated invariant is violated
			h.ComputeChecksum()

			err := h.Validate()
			if err == nil {
				t.Fatal("Validate should fail")
			}
			if !errors.Is(err, ErrProtocolFormat) {
				t.Errorf("Expected a protocol format error, got %v", err)
			}
			var pfe *ProtocolFormatError
			if !errors.As(err, &pfe) {
				t.Errorf("Expected *ProtocolFormatError, got %T", err)
			}
		})
	}

	t.Run("stale checksum", func(t *testing.T) {
		h := validHeader(ProtocolTCM, nil)
		h.MessageCount = 2
		if err := h.Validate(); err == nil {
			t.Error("Validate should detect a changed field after sealing")
		}
	})
}

func TestHeaderCorruptionDetected(t *testing.T) {
	h := validHeader(ProtocolTCM, []byte{9, 8, 7, 6})
	encoded := h.Encode()

	for i := offChecksum + 4; i < len(encoded); i++ {
		corrupted := append([]byte(nil), encoded...)
		corrupted[i] ^= 0x5A
		if _, err := DecodeHeader(corrupted); err == nil {
			t.Errorf("Corrupting byte %d was not detected", i)
		}
	}
}

func TestReservedBytesAreChecked(t *testing.T) {
	h := validHeader(ProtocolTCM, nil)
	encoded := h.Encode()

	for _, i := range []int{offReserved, offReserved + 1} {
		corrupted := append([]byte(nil), encoded...)
		corrupted[i] = 0xFF
		if _, err := DecodeHeader(corrupted); !errors.Is(err, ErrProtocolFormat) {
			t.Errorf("Expected a protocol format error for reserved byte %d, got %v", i, err)
		}
	}

	// a peer that seals non-zero reserved bytes passes and keeps them
	h.Reserved = 0xBEEF
	h.ComputeChecksum()
	decoded, err := DecodeHeader(h.Encode())
	if err != nil {
		t.Fatalf("DecodeHeader failed: %v", err)
	}
	if decoded.Reserved != 0xBEEF {
		t.Errorf("Expected reserved 0xbeef, got %#x", decoded.Reserved)
	}
}

func TestDestinationPortIsNotSourcePort(t *testing.T) {
	h := validHeader(ProtocolTCM, nil)
	decoded, err := DecodeHeader(h.Encode())
	if err != nil {
		t.Fatalf("DecodeHeader failed: %v", err)
	}
	if decoded.SourcePort != uint16(testLocal.Port) || decoded.DestinationPort != uint16(testRemote.Port) {
		t.Errorf("Expected ports %d->%d, got %d->%d", testLocal.Port, testRemote.Port, decoded.SourcePort, decoded.DestinationPort)
	}
	if decoded.Destination() != "10.0.0.2:9510" {
		t.Errorf("Unexpected destination %s", decoded.Destination())
	}
}

func TestPeekFrameLength(t *testing.T) {
	h := validHeader(ProtocolTCM, []byte{1, 2, 3, 4})
	encoded := h.Encode()

	hl, total, err := PeekFrameLength(encoded[:PrefixLength])
	if err != nil {
		t.Fatalf("PeekFrameLength failed: %v", err)
	}
	if hl != 36 || total != 136 {
		t.Errorf("Expected (36,136), got (%d,%d)", hl, total)
	}

	if _, _, err := PeekFrameLength(encoded[:4]); err == nil {
		t.Error("A short prefix should fail")
	}
	bad := append([]byte(nil), encoded...)
	bad[offMagic] = 0
	if _, _, err := PeekFrameLength(bad); !errors.Is(err, ErrProtocolFormat) {
		t.Errorf("A bad magic number should fail with a format error, got %v", err)
	}
}

func TestDecodeHeaderTruncated(t *testing.T) {
	encoded := validHeader(ProtocolTCM, []byte{1, 2, 3, 4}).Encode()
	if _, err := DecodeHeader(encoded[:MinHeaderLength]); err == nil {
		t.Error("A header shorter than its announced length should fail")
	}
	if _, err := DecodeHeader(encoded[:10]); err == nil {
		t.Error("A header shorter than the minimum should fail")
	}
}
