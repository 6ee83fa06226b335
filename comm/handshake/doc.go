// Package handshake encodes the transport control messages.
//
// SYN, ACK and SYN-ACK establish a transport and travel on the HANDSHAKE wire
// protocol; PING and PING-REPLY are health check probes on the HEALTHCHECK
// protocol. All share one versioned, length-prefixed binary layout carrying the
// connection id, the admission control fields of a SYN-ACK, an optional error
// context, and the sender's callback port.
package handshake
