package core

import (
	"github.com/ValentinKolb/dComm/comm/wire"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("core")

// --------------------------------------------------------------------------
// Interface Definitions for dependency injection
// --------------------------------------------------------------------------

// IMessageSink consumes the frames read from a connection.
//
// PutMessage is called on the reader loop owning the connection, in socket
// order. Message groups are already split, so the sink only sees messages with a
// message count of one. The sink owns msg and must release it. A returned error
// is logged and closes the connection.
type IMessageSink interface {
	PutMessage(conn *Connection, msg *wire.Message) error
}

// IConnectionListener receives the lifecycle events of a connection.
//
// Events are delivered synchronously, in registration order. EndOfFile and Error
// are always followed by Closed, which is delivered exactly once.
type IConnectionListener interface {
	Connected(conn *Connection)
	EndOfFile(conn *Connection)
	Error(conn *Connection, err error)
	Closed(conn *Connection)
}

// IAcceptHandler is consulted by a listener for every accepted connection before
// reading starts. It returns the sink for the connection and may register
// listeners on it.
type IAcceptHandler interface {
	Accept(conn *Connection) IMessageSink
}

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

// SinkFunc adapts a function to IMessageSink
type SinkFunc func(conn *Connection, msg *wire.Message) error

func (f SinkFunc) PutMessage(conn *Connection, msg *wire.Message) error {
	return f(conn, msg)
}

// AcceptFunc adapts a function to IAcceptHandler
type AcceptFunc func(conn *Connection) IMessageSink

func (f AcceptFunc) Accept(conn *Connection) IMessageSink {
	return f(conn)
}

// ListenerAdapter implements IConnectionListener with no-op methods. Embed it to
// handle only some of the events.
type ListenerAdapter struct{}

func (ListenerAdapter) Connected(*Connection) {}
func (ListenerAdapter) EndOfFile(*Connection) {}
func (ListenerAdapter) Error(*Connection, error) {}
func (ListenerAdapter) Closed(*Connection) {}
