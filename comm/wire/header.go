package wire

import (
	"encoding/binary"
	"fmt"
	"hash/adler32"
	"math"
	"net"
)

// ProtocolID identifies what a wire frame carries
type ProtocolID uint8

const (
	ProtocolTCM          ProtocolID = 1 // application messages
	ProtocolHandshake    ProtocolID = 2
	ProtocolOOB          ProtocolID = 3
	ProtocolHealthCheck  ProtocolID = 4
	ProtocolMessageGroup ProtocolID = 5
)

func (p ProtocolID) String() string {
	switch p {
	case ProtocolTCM:
		return "TCM"
	case ProtocolHandshake:
		return "HANDSHAKE"
	case ProtocolOOB:
		return "OOB"
	case ProtocolHealthCheck:
		return "HEALTHCHECK"
	case ProtocolMessageGroup:
		return "MESSAGE_GROUP"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(p))
	}
}

// Valid reports whether p is a known protocol id
func (p ProtocolID) Valid() bool {
	return p >= ProtocolTCM && p <= ProtocolMessageGroup
}

const (
	Version1 uint8 = 1
	Version2 uint8 = 2

	Magic uint32 = 0xAAAAAAAA

	// MinHeaderLength is the fixed part of the header (30 bytes of fields, 2 reserved)
	MinHeaderLength = 32
	// MaxHeaderLength is the largest header expressible by the 4-bit length in words
	MaxHeaderLength = 60
	// MaxOptionsLength is the room left for options after the fixed part
	MaxOptionsLength = MaxHeaderLength - MinHeaderLength

	DefaultTTL      uint8 = 64
	MaxMessageCount       = math.MaxUint16

	// PrefixLength is the number of leading bytes needed to learn the frame length
	PrefixLength = 12
)

// header field offsets
const (
	offVersionLength = 0
	offTOS           = 1
	offTTL           = 2
	offProtocol      = 3
	offMagic         = 4
	offTotalLength   = 8
	offChecksum      = 12
	offSourceAddr    = 16
	offDestAddr      = 20
	offSourcePort    = 24
	offDestPort      = 26
	offMessageCount  = 28
	offReserved      = 30
)

// Header is the binary header in front of every wire frame (big endian).
//
// The checksum is an Adler-32 over all header bytes following the checksum field.
// ComputeChecksum must be called once after every other field has been set and
// before the header is sent.
type Header struct {
	Version            uint8
	TypeOfService      uint8
	TimeToLive         uint8
	Protocol           ProtocolID
	Magic              uint32
	TotalLength        uint32
	Checksum           uint32
	SourceAddress      [4]byte
	DestinationAddress [4]byte
	SourcePort         uint16
	DestinationPort    uint16
	MessageCount       uint16
	// Reserved carries the two bytes after the message count unchanged
	Reserved uint16
	// Options follow the fixed part; the encoder pads them to whole words
	Options []byte
}

// NewHeader creates a header with default version, TTL and magic number
func NewHeader(protocol ProtocolID) *Header {
	return &Header{
		Version:      Version2,
		TimeToLive:   DefaultTTL,
		Protocol:     protocol,
		Magic:        Magic,
		MessageCount: 1,
	}
}

// --------------------------------------------------------------------------
// Encoding
// --------------------------------------------------------------------------

// HeaderLength returns the encoded length of the header in bytes
func (h *Header) HeaderLength() int {
	return MinHeaderLength + (len(h.Options)+3)/4*4
}

// Encode returns the encoded header
func (h *Header) Encode() []byte {
	return h.AppendEncoded(make([]byte, 0, h.HeaderLength()))
}

// AppendEncoded appends the encoded header to dst
func (h *Header) AppendEncoded(dst []byte) []byte {
	hl := h.HeaderLength()
	start := len(dst)
	dst = append(dst, make([]byte, hl)...)
	b := dst[start:]

	b[offVersionLength] = h.Version<<4 | uint8(hl/4)&0x0F
	b[offTOS] = h.TypeOfService
	b[offTTL] = h.TimeToLive
	b[offProtocol] = uint8(h.Protocol)
	binary.BigEndian.PutUint32(b[offMagic:], h.Magic)
	binary.BigEndian.PutUint32(b[offTotalLength:], h.TotalLength)
	binary.BigEndian.PutUint32(b[offChecksum:], h.Checksum)
	copy(b[offSourceAddr:offSourceAddr+4], h.SourceAddress[:])
	copy(b[offDestAddr:offDestAddr+4], h.DestinationAddress[:])
	binary.BigEndian.PutUint16(b[offSourcePort:], h.SourcePort)
	binary.BigEndian.PutUint16(b[offDestPort:], h.DestinationPort)
	binary.BigEndian.PutUint16(b[offMessageCount:], h.MessageCount)
	binary.BigEndian.PutUint16(b[offReserved:], h.Reserved)
	copy(b[MinHeaderLength:], h.Options)

	return dst
}

// ComputeChecksum calculates and stores the checksum. Calling it again without
// changing a field yields the same value.
func (h *Header) ComputeChecksum() uint32 {
	h.Checksum = h.expectedChecksum()
	return h.Checksum
}

func (h *Header) expectedChecksum() uint32 {
	b := h.Encode()
	return adler32.Checksum(b[offSourceAddr:])
}

// SetAddresses fills the address and port fields from the endpoints of a connection
func (h *Header) SetAddresses(local, remote net.Addr) {
	h.SourceAddress, h.SourcePort = splitAddr(local)
	h.DestinationAddress, h.DestinationPort = splitAddr(remote)
}

func splitAddr(addr net.Addr) ([4]byte, uint16) {
	var ip [4]byte
	tcp, ok := addr.(*net.TCPAddr)
	if !ok || tcp == nil {
		return ip, 0
	}
	if v4 := tcp.IP.To4(); v4 != nil {
		copy(ip[:], v4)
	}
	return ip, uint16(tcp.Port)
}

// --------------------------------------------------------------------------
// Decoding and validation
// --------------------------------------------------------------------------

// PeekFrameLength reads the header and total length of a frame from its first
// PrefixLength bytes. It fails if the prefix can not start a valid frame.
func PeekFrameLength(prefix []byte) (headerLength int, totalLength int, err error) {
	if len(prefix) < PrefixLength {
		return 0, 0, formatErr("prefix", "need %d bytes, got %d", PrefixLength, len(prefix))
	}
	if m := binary.BigEndian.Uint32(prefix[offMagic:]); m != Magic {
		return 0, 0, formatErr("magic", "expected %#x, got %#x", Magic, m)
	}
	headerLength = int(prefix[offVersionLength]&0x0F) * 4
	if headerLength < MinHeaderLength {
		return 0, 0, formatErr("header length", "%d bytes is below the minimum of %d", headerLength, MinHeaderLength)
	}
	totalLength = int(binary.BigEndian.Uint32(prefix[offTotalLength:]))
	if totalLength < headerLength {
		return 0, 0, formatErr("total length", "%d is smaller than the header length %d", totalLength, headerLength)
	}
	return headerLength, totalLength, nil
}

// DecodeHeader parses and validates a header from the start of b
func DecodeHeader(b []byte) (*Header, error) {
	if len(b) < MinHeaderLength {
		return nil, formatErr("header", "need at least %d bytes, got %d", MinHeaderLength, len(b))
	}
	hl := int(b[offVersionLength]&0x0F) * 4
	if hl < MinHeaderLength {
		return nil, formatErr("header length", "%d bytes is below the minimum of %d", hl, MinHeaderLength)
	}
	if len(b) < hl {
		return nil, formatErr("header", "header announces %d bytes, got %d", hl, len(b))
	}
	// the checksum is verified over the bytes as received
	if sum, got := adler32.Checksum(b[offSourceAddr:hl]), binary.BigEndian.Uint32(b[offChecksum:]); sum != got {
		return nil, formatErr("checksum", "expected %#x, got %#x", sum, got)
	}

	h := &Header{
		Version:         b[offVersionLength] >> 4,
		TypeOfService:   b[offTOS],
		TimeToLive:      b[offTTL],
		Protocol:        ProtocolID(b[offProtocol]),
		Magic:           binary.BigEndian.Uint32(b[offMagic:]),
		TotalLength:     binary.BigEndian.Uint32(b[offTotalLength:]),
		Checksum:        binary.BigEndian.Uint32(b[offChecksum:]),
		SourcePort:      binary.BigEndian.Uint16(b[offSourcePort:]),
		DestinationPort: binary.BigEndian.Uint16(b[offDestPort:]),
		MessageCount:    binary.BigEndian.Uint16(b[offMessageCount:]),
		Reserved:        binary.BigEndian.Uint16(b[offReserved:]),
	}
	copy(h.SourceAddress[:], b[offSourceAddr:offSourceAddr+4])
	copy(h.DestinationAddress[:], b[offDestAddr:offDestAddr+4])
	if hl > MinHeaderLength {
		h.Options = append([]byte(nil), b[MinHeaderLength:hl]...)
	}

	if err := h.Validate(); err != nil {
		return nil, err
	}
	return h, nil
}

// Validate checks all header invariants
func (h *Header) Validate() error {
	if h.Magic != Magic {
		return formatErr("magic", "expected %#x, got %#x", Magic, h.Magic)
	}
	if h.Version != Version1 && h.Version != Version2 {
		return formatErr("version", "unsupported version %d", h.Version)
	}
	if len(h.Options) > MaxOptionsLength || len(h.Options)%4 != 0 {
		return formatErr("options", "length %d must be a multiple of 4 and at most %d", len(h.Options), MaxOptionsLength)
	}
	if h.TimeToLive == 0 {
		return formatErr("ttl", "time to live is zero")
	}
	if !h.Protocol.Valid() {
		return formatErr("protocol", "unknown protocol %s", h.Protocol)
	}
	if int(h.TotalLength) < h.HeaderLength() {
		return formatErr("total length", "%d is smaller than the header length %d", h.TotalLength, h.HeaderLength())
	}
	if expected := h.expectedChecksum(); h.Checksum != expected {
		return formatErr("checksum", "expected %#x, got %#x", expected, h.Checksum)
	}
	if h.SourcePort == 0 {
		return formatErr("source port", "port is zero")
	}
	if h.DestinationPort == 0 {
		return formatErr("destination port", "port is zero")
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// Source returns the source endpoint as host:port
func (h *Header) Source() string {
	return net.JoinHostPort(net.IP(h.SourceAddress[:]).String(), fmt.Sprint(h.SourcePort))
}

// Destination returns the destination endpoint as host:port
func (h *Header) Destination() string {
	return net.JoinHostPort(net.IP(h.DestinationAddress[:]).String(), fmt.Sprint(h.DestinationPort))
}

func (h *Header) String() string {
	return fmt.Sprintf("{v%d %s len=%d/%d count=%d ttl=%d %s->%s checksum=%#x}",
		h.Version, h.Protocol, h.HeaderLength(), h.TotalLength, h.MessageCount, h.TimeToLive,
		h.Source(), h.Destination(), h.Checksum)
}
