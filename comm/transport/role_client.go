package transport

import (
	"errors"
	"fmt"
	"github.com/ValentinKolb/dComm/comm/core"
	"github.com/ValentinKolb/dComm/comm/handshake"
)

// clientRole sends the SYN and waits for the SYN-ACK of the server
type clientRole struct{}

func (clientRole) String() string {
	return "client"
}

// HandleHandshake hands the SYN-ACK to the waiting handshake. Every other
// handshake message is a protocol violation on a client.
func (clientRole) HandleHandshake(t *Transport, conn *core.Connection, msg *handshake.Message) error {
	if msg.Type != handshake.TypeSYNACK {
		return fmt.Errorf("%w: unexpected %s on a client", ErrHandshake, msg.Type)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != conn || t.status != StatusSynSent || t.synAck == nil {
		return fmt.Errorf("%w: unexpected SYN-ACK while %s", ErrHandshake, t.status)
	}
	t.synAck <- msg
	t.synAck = nil
	return nil
}

func (clientRole) Established(*Transport) {}

func (clientRole) ConnectionLost(*Transport, Status) {}

func (clientRole) Closed(*Transport) {}

// reconnectListener drives the establisher from the events of a client transport
type reconnectListener struct {
	ListenerAdapter
	transport *Transport
}

func (l *reconnectListener) Disconnected(t *Transport) {
	if !t.opened.Load() {
		return
	}
	if !t.establisher.Reconnect(t.connectAndHandshake, t.reconnectFailed) {
		Logger.Debugf("no reconnect scheduled for %s", t)
	}
}

func (l *reconnectListener) Closed(t *Transport) {
	t.establisher.Stop()
}

// reconnectFailed is called by the establisher when it stopped trying
func (t *Transport) reconnectFailed(err error) {
	switch {
	case errors.Is(err, ErrTransportClosed):
		return
	case errors.Is(err, ErrReconnectionRejected):
		Logger.Errorf("server rejected the reconnect of %s: %v", t, err)
		t.end()
		t.events.fire("reconnection rejected", func(l ITransportListener) { l.ReconnectionRejected(t) })
	case errors.Is(err, ErrMaxConnectionsExceeded):
		Logger.Errorf("server refused the reconnect of %s: %v", t, err)
		_ = t.Close()
	default:
		Logger.Errorf("%s gave up reconnecting: %v", t, err)
		t.end()
	}
}
