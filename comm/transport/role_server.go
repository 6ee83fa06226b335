package transport

import (
	"fmt"
	"github.com/ValentinKolb/dComm/comm/core"
	"github.com/ValentinKolb/dComm/comm/handshake"
)

// serverRole verifies the ACK of a client. SYNs are answered by the ServerStack
// before a transport exists.
type serverRole struct {
	stack *ServerStack
}

func (serverRole) String() string {
	return "server"
}

func (serverRole) HandleHandshake(t *Transport, conn *core.Connection, msg *handshake.Message) error {
	if msg.Type != handshake.TypeACK {
		return fmt.Errorf("%w: unexpected %s on an attached server connection", ErrHandshake, msg.Type)
	}

	t.mu.Lock()
	var err error
	switch {
	case t.conn != conn:
		err = fmt.Errorf("%w: ACK on a replaced connection", ErrHandshake)
	case !t.status.awaitsAck():
		err = fmt.Errorf("%w: unexpected ACK while %s", ErrHandshake, t.status)
	case msg.ConnectionID != t.id:
		err = fmt.Errorf("%w: ACK for %s, expected %s", ErrHandshake, msg.ConnectionID, t.id)
	}
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.status = StatusEstablished
	t.mu.Unlock()

	t.established(conn)
	return nil
}

func (r serverRole) Established(t *Transport) {
	r.stack.transportEstablished(t)
}

func (r serverRole) ConnectionLost(t *Transport, _ Status) {
	r.stack.transportLost(t)
}

func (r serverRole) Closed(t *Transport) {
	r.stack.transportClosed(t)
}
