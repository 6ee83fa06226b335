package handshake

import (
	"encoding/binary"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dComm/comm/connid"
	"github.com/ValentinKolb/dComm/comm/wire"
)

// Version is the payload version written by this implementation
const Version uint8 = 1

var (
	ErrUnknownVersion = errors.New("unknown handshake version")
	ErrUnknownType    = errors.New("unknown handshake message type")
	ErrTruncated      = errors.New("truncated handshake message")
	ErrWrongProtocol  = errors.New("handshake message on wrong protocol")
)

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

// Type is the kind of a transport control message
type Type uint8

const (
	TypeSYN       Type = 1
	TypeACK       Type = 2
	TypeSYNACK    Type = 3
	TypePing      Type = 4
	TypePingReply Type = 5
)

func (t Type) String() string {
	switch t {
	case TypeSYN:
		return "SYN"
	case TypeACK:
		return "ACK"
	case TypeSYNACK:
		return "SYN_ACK"
	case TypePing:
		return "PING"
	case TypePingReply:
		return "PING_REPLY"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Protocol returns the wire protocol a message of this type travels on
func (t Type) Protocol() wire.ProtocolID {
	if t == TypePing || t == TypePingReply {
		return wire.ProtocolHealthCheck
	}
	return wire.ProtocolHandshake
}

func (t Type) valid() bool {
	return t >= TypeSYN && t <= TypePingReply
}

// ErrorType classifies a handshake failure reported in a SYN-ACK
type ErrorType uint16

// 4 is unassigned
const (
	ErrorHandshake              ErrorType = 1
	ErrorInvalidConnectionID    ErrorType = 2
	ErrorReconnectionRejected   ErrorType = 3
	ErrorMaxConnectionsExceeded ErrorType = 5
)

func (e ErrorType) String() string {
	switch e {
	case ErrorHandshake:
		return "HANDSHAKE"
	case ErrorInvalidConnectionID:
		return "INVALID_CONNECTION_ID"
	case ErrorReconnectionRejected:
		return "RECONNECTION_REJECTED"
	case ErrorMaxConnectionsExceeded:
		return "MAX_CONNECTIONS_EXCEEDED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint16(e))
	}
}

// ErrorContext describes why a handshake failed
type ErrorContext struct {
	Type    ErrorType
	Message string
}

func (e *ErrorContext) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// --------------------------------------------------------------------------
// Message
// --------------------------------------------------------------------------

// Message is a handshake (SYN, ACK, SYN-ACK) or health check (PING, PING-REPLY) message
type Message struct {
	Type         Type
	ConnectionID connid.ID

	// SYN-ACK admission control
	MaxConnectionsExceeded bool
	MaxConnections         int32

	// ErrorContext is set on a SYN-ACK that rejects the connection
	ErrorContext *ErrorContext

	// CallbackPort is the listener port of the sender, -1 if it has none
	CallbackPort int32
}

// NewSyn creates the client's connection request
func NewSyn(id connid.ID, callbackPort int32) *Message {
	return &Message{Type: TypeSYN, ConnectionID: id, CallbackPort: callbackPort}
}

// NewSynAck creates the server's reply to a SYN
func NewSynAck(id connid.ID, errCtx *ErrorContext, maxExceeded bool, maxConnections int32) *Message {
	return &Message{
		Type:                   TypeSYNACK,
		ConnectionID:           id,
		ErrorContext:           errCtx,
		MaxConnectionsExceeded: maxExceeded,
		MaxConnections:         maxConnections,
		CallbackPort:           -1,
	}
}

// NewAck creates the client's confirmation of a SYN-ACK
func NewAck(id connid.ID) *Message {
	return &Message{Type: TypeACK, ConnectionID: id, CallbackPort: -1}
}

// NewPing creates a health check probe
func NewPing(id connid.ID) *Message {
	return &Message{Type: TypePing, ConnectionID: id, CallbackPort: -1}
}

// NewPingReply creates the answer to a probe
func NewPingReply(id connid.ID) *Message {
	return &Message{Type: TypePingReply, ConnectionID: id, CallbackPort: -1}
}

// IsError reports whether a SYN-ACK rejects the connection
func (m *Message) IsError() bool {
	return m.ErrorContext != nil
}

func (m *Message) String() string {
	s := fmt.Sprintf("%s %s", m.Type, m.ConnectionID)
	if m.MaxConnectionsExceeded {
		s += fmt.Sprintf(" max-connections-exceeded(%d)", m.MaxConnections)
	}
	if m.ErrorContext != nil {
		s += " error=" + m.ErrorContext.Error()
	}
	return s
}

// --------------------------------------------------------------------------
// Encoding
// --------------------------------------------------------------------------

// Encode returns the binary payload:
//
//	version(1) type(1) len(4) connection id | exceeded(1) max(4) |
//	hasError(1) [errorType(2) len(4) message] | callbackPort(4)
func (m *Message) Encode() []byte {
	id := m.ConnectionID.Format()
	size := 1 + 1 + 4 + len(id) + 1 + 4 + 1 + 4
	if m.ErrorContext != nil {
		size += 2 + 4 + len(m.ErrorContext.Message)
	}

	result := make([]byte, size)
	result[0] = Version
	result[1] = byte(m.Type)
	pos := 2

	binary.BigEndian.PutUint32(result[pos:], uint32(len(id)))
	pos += 4
	pos += copy(result[pos:], id)

	if m.MaxConnectionsExceeded {
		result[pos] = 1
	}
	pos++
	binary.BigEndian.PutUint32(result[pos:], uint32(m.MaxConnections))
	pos += 4

	if m.ErrorContext != nil {
		result[pos] = 1
		pos++
		binary.BigEndian.PutUint16(result[pos:], uint16(m.ErrorContext.Type))
		pos += 2
		binary.BigEndian.PutUint32(result[pos:], uint32(len(m.ErrorContext.Message)))
		pos += 4
		pos += copy(result[pos:], m.ErrorContext.Message)
	} else {
		pos++
	}

	binary.BigEndian.PutUint32(result[pos:], uint32(m.CallbackPort))
	return result
}

// Decode parses a binary payload
func Decode(data []byte) (*Message, error) {
	r := reader{data: data}

	version := r.readByte()
	if r.err != nil {
		return nil, r.err
	}
	if version != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}

	m := &Message{Type: Type(r.readByte())}
	if r.err == nil && !m.Type.valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint8(m.Type))
	}

	idString := r.readString()
	m.MaxConnectionsExceeded = r.readByte() == 1
	m.MaxConnections = int32(r.readUint32())
	if r.readByte() == 1 {
		m.ErrorContext = &ErrorContext{Type: ErrorType(r.readUint16())}
		m.ErrorContext.Message = r.readString()
	}
	m.CallbackPort = int32(r.readUint32())

	if r.err != nil {
		return nil, r.err
	}

	id, err := connid.Parse(idString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection id of %s: %w", m.Type, err)
	}
	m.ConnectionID = id
	return m, nil
}

// ToWire wraps the message in an outbound wire frame
func (m *Message) ToWire() *wire.Message {
	return wire.NewMessage(m.Type.Protocol(), m.Encode())
}

// FromWire decodes the payload of an inbound wire frame. The frame stays owned by
// the caller.
func FromWire(msg *wire.Message) (*Message, error) {
	if p := msg.Header.Protocol; p != wire.ProtocolHandshake && p != wire.ProtocolHealthCheck {
		return nil, fmt.Errorf("%w: %s", ErrWrongProtocol, p)
	}
	m, err := Decode(msg.Bytes())
	if err != nil {
		return nil, err
	}
	if m.Type.Protocol() != msg.Header.Protocol {
		return nil, fmt.Errorf("%w: %s on %s", ErrWrongProtocol, m.Type, msg.Header.Protocol)
	}
	return m, nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// reader is a sticky-error cursor over a payload
type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.pos < n {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrTruncated, n, r.pos, len(r.data)-r.pos)
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) readByte() byte {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) readUint16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) readUint32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) readString() string {
	n := r.readUint32()
	if r.err != nil {
		return ""
	}
	if n > uint32(len(r.data)) {
		r.err = fmt.Errorf("%w: string of %d bytes", ErrTruncated, n)
		return ""
	}
	return string(r.take(int(n)))
}
