// Package transport implements the transport state machine, the handshake and
// the connection establishment on top of the core reactor.
//
// The package focuses on:
//   - The SYN, SYN-ACK, ACK handshake of client and server
//   - Keeping a logical connection (ConnectionID) alive across socket losses
//   - Admission control on the server
//   - Reconnecting clients in the background
//
// Key Components:
//
//   - Transport: One logical connection in one of the states START, RESTART,
//     SYN_SENT, ESTABLISHED, END and CLOSED. Application messages are only sent
//     and accepted while ESTABLISHED. Lifecycle events go to the registered
//     ITransportListener set in registration order.
//
//   - ServerStack: Answers the SYN of accepted connections. A SYN without id is
//     admitted through the connection policy and gets a fresh id, a SYN with a
//     known id re-attaches the client to its transport. A server transport whose
//     client does not come back within the reconnect window is closed.
//
//   - Establisher: Opens a client by trying the configured addresses in order and
//     reconnects it on a worker goroutine after a disconnect. Reconnects cycle
//     over all addresses until MaxReconnectTries cycles are exhausted.
//
// The transport answers PING messages itself; PING-REPLY messages go to the
// IProbeHandler, usually the health checker.
package transport
