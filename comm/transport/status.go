package transport

import "fmt"

// Status is the state of a transport
type Status int

const (
	// StatusStart is the initial state. A client returns to it after losing an
	// established connection, a server transport waits in it for the ACK.
	StatusStart Status = iota
	// StatusRestart is the state of a server transport that got a reconnecting
	// client re-attached and waits for its ACK
	StatusRestart
	// StatusSynSent means a client sent the SYN and waits for the SYN-ACK
	StatusSynSent
	StatusEstablished
	// StatusEnd is terminal: the transport gave up reconnecting
	StatusEnd
	// StatusClosed is terminal: the transport was closed
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusStart:
		return "START"
	case StatusRestart:
		return "RESTART"
	case StatusSynSent:
		return "SYN_SENT"
	case StatusEstablished:
		return "ESTABLISHED"
	case StatusEnd:
		return "END"
	case StatusClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// IsTerminal reports whether no further transition is possible
func (s Status) IsTerminal() bool {
	return s == StatusEnd || s == StatusClosed
}

// awaitsAck reports whether a server transport may accept an ACK
func (s Status) awaitsAck() bool {
	return s == StatusStart || s == StatusRestart
}
