package transport

import (
	"errors"
	"fmt"
	"github.com/ValentinKolb/dComm/comm/handshake"
)

var (
	ErrNotEstablished         = errors.New("transport not established")
	ErrOpenInProgress         = errors.New("open already in progress")
	ErrAlreadyOpen            = errors.New("transport already open")
	ErrTransportClosed        = errors.New("transport closed")
	ErrHandshake              = errors.New("handshake failed")
	ErrHandshakeTimeout       = errors.New("handshake timed out")
	ErrMaxConnectionsExceeded = errors.New("max connections exceeded")
	ErrReconnectionRejected   = errors.New("reconnection rejected")
	ErrProtocolViolation      = errors.New("protocol violation")
	ErrNoAddresses            = errors.New("no server addresses configured")
	ErrNotClient              = errors.New("operation requires a client transport")
)

// MaxConnectionsExceededError is returned by Open when the server refused the
// connection because its admission limit is reached
type MaxConnectionsExceededError struct {
	Max int32
}

func (e *MaxConnectionsExceededError) Error() string {
	return fmt.Sprintf("max connections exceeded (server allows %d)", e.Max)
}

func (e *MaxConnectionsExceededError) Is(target error) bool {
	return target == ErrMaxConnectionsExceeded
}

// HandshakeError is returned by Open when the server rejected the handshake
type HandshakeError struct {
	Context *handshake.ErrorContext
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake rejected: %s", e.Context.Error())
}

func (e *HandshakeError) Is(target error) bool {
	if target == ErrHandshake {
		return true
	}
	if target != ErrReconnectionRejected {
		return false
	}
	return e.Context.Type == handshake.ErrorReconnectionRejected || e.Context.Type == handshake.ErrorInvalidConnectionID
}

func (e *HandshakeError) Unwrap() error {
	return e.Context
}

// isFatal reports whether an attempt failed in a way retrying can not fix
func isFatal(err error) bool {
	return errors.Is(err, ErrMaxConnectionsExceeded) ||
		errors.Is(err, ErrReconnectionRejected) ||
		errors.Is(err, ErrTransportClosed)
}
