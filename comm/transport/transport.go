package transport

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/dComm/comm/common"
	"github.com/ValentinKolb/dComm/comm/connid"
	"github.com/ValentinKolb/dComm/comm/core"
	"github.com/ValentinKolb/dComm/comm/handshake"
	"github.com/ValentinKolb/dComm/comm/wire"
	"github.com/benbjohnson/clock"
	"github.com/lni/dragonboat/v4/logger"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

var Logger = logger.GetLogger("transport")

// defaultHandshakeTimeout bounds the wait for a SYN-ACK if nothing is configured
const defaultHandshakeTimeout = 10 * time.Second

// --------------------------------------------------------------------------
// Interface Definitions for dependency injection
// --------------------------------------------------------------------------

// IMessageReceiver consumes the application messages of established transports.
// The receiver owns msg and must release it.
type IMessageReceiver interface {
	Receive(t *Transport, msg *wire.Message)
}

// IProbeHandler receives the PING-REPLY messages of a transport
type IProbeHandler interface {
	ProbeReceived(t *Transport, msg *handshake.Message)
}

// IHandshakeRole is the side specific part of a transport. The client drives
// the handshake by sending SYN and waiting for the SYN-ACK, the server verifies
// the ACK.
type IHandshakeRole interface {
	String() string
	// HandleHandshake processes a handshake message read from conn
	HandleHandshake(t *Transport, conn *core.Connection, msg *handshake.Message) error
	// Established is called after the transport moved to ESTABLISHED
	Established(t *Transport)
	// ConnectionLost is called after the connection of the transport closed
	ConnectionLost(t *Transport, prev Status)
	// Closed is called once when the transport is closed
	Closed(t *Transport)
}

// ReceiverFunc adapts a function to IMessageReceiver
type ReceiverFunc func(t *Transport, msg *wire.Message)

func (f ReceiverFunc) Receive(t *Transport, msg *wire.Message) {
	f(t, msg)
}

// --------------------------------------------------------------------------
// Transport
// --------------------------------------------------------------------------

// Transport is one logical connection between a client and a server. It
// survives the loss of its socket: a client reconnects and re-attaches under the
// same ConnectionID.
type Transport struct {
	role         IHandshakeRole
	config       common.TransportConfig
	reactor      *core.Reactor
	clock        clock.Clock
	events       EventBus
	receiver     IMessageReceiver
	errorHandler IHandshakeErrorHandler
	callbackPort int32
	idValue      atomic.Value

	// mu guards the status and the handshake state
	mu               sync.Mutex
	status           Status
	id               connid.ID
	conn             *core.Connection
	peerCallbackPort int32
	synAck           chan *handshake.Message
	probes           IProbeHandler

	// client side
	opening     atomic.Bool
	opened      atomic.Bool
	establisher *Establisher

	// server side, guarded by stack.mu
	stack     *ServerStack
	holdsSlot bool
	expiry    *clock.Timer
}

// Option configures a client transport
type Option func(t *Transport)

// WithClock replaces the clock used for timeouts and reconnect sleeps
func WithClock(c clock.Clock) Option {
	return func(t *Transport) {
		t.clock = c
	}
}

// WithHandshakeErrorHandler sets what happens when the server rejects the handshake
func WithHandshakeErrorHandler(h IHandshakeErrorHandler) Option {
	return func(t *Transport) {
		t.errorHandler = h
	}
}

// WithCallbackPort announces the port of a local listener to the server
func WithCallbackPort(port int32) Option {
	return func(t *Transport) {
		t.callbackPort = port
	}
}

// NewClient creates a client transport connecting to config.Addresses. Nothing
// happens until Open is called.
func NewClient(reactor *core.Reactor, config common.TransportConfig, receiver IMessageReceiver, opts ...Option) *Transport {
	t := &Transport{
		role:             clientRole{},
		config:           config,
		reactor:          reactor,
		clock:            clock.New(),
		receiver:         receiver,
		errorHandler:     LoggingHandshakeErrorHandler{},
		callbackPort:     -1,
		status:           StatusStart,
		peerCallbackPort: -1,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.setID(connid.Null)
	t.establisher = NewEstablisher(config, t.clock)
	t.events.Add(&reconnectListener{transport: t})
	return t
}

func newServerTransport(stack *ServerStack, id connid.ID, conn *core.Connection, callbackPort int32) *Transport {
	t := &Transport{
		role:             serverRole{stack: stack},
		config:           stack.config,
		reactor:          stack.reactor,
		clock:            stack.clock,
		receiver:         stack.receiver,
		errorHandler:     LoggingHandshakeErrorHandler{},
		callbackPort:     -1,
		status:           StatusStart,
		peerCallbackPort: callbackPort,
		stack:            stack,
	}
	t.setID(id)
	t.conn = conn
	conn.AddListener(t.handler())
	return t
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

// Status returns the current status
func (t *Transport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// ConnectionID returns the id assigned by the server, or connid.Null
func (t *Transport) ConnectionID() connid.ID {
	return t.idValue.Load().(connid.ID)
}

// Connection returns the current connection, nil if there is none
func (t *Transport) Connection() *core.Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// IsConnected reports whether the transport is established
func (t *Transport) IsConnected() bool {
	return t.Status() == StatusEstablished
}

// IsClient reports whether this is a client transport
func (t *Transport) IsClient() bool {
	_, ok := t.role.(clientRole)
	return ok
}

// AddListener registers a lifecycle listener. Registering a listener twice panics.
func (t *Transport) AddListener(l ITransportListener) {
	t.events.Add(l)
}

// RemoveListener unregisters a lifecycle listener
func (t *Transport) RemoveListener(l ITransportListener) bool {
	return t.events.Remove(l)
}

// SetProbeHandler sets the receiver of PING-REPLY messages
func (t *Transport) SetProbeHandler(h IProbeHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.probes = h
}

func (t *Transport) String() string {
	id := t.ConnectionID()
	if id.IsNull() {
		return fmt.Sprintf("%s-transport[unassigned]", t.role)
	}
	return fmt.Sprintf("%s-transport[%s]", t.role, id)
}

func (t *Transport) setID(id connid.ID) {
	t.id = id
	t.idValue.Store(id)
}

// --------------------------------------------------------------------------
// Open / Send / Close
// --------------------------------------------------------------------------

// Open connects to the first reachable server address and runs the handshake.
// It blocks until the transport is established or the attempt failed. Once a
// transport was opened, a lost connection is re-established in the background.
func (t *Transport) Open(ctx context.Context) error {
	if !t.IsClient() {
		return ErrNotClient
	}
	if !t.opening.CompareAndSwap(false, true) {
		return ErrOpenInProgress
	}
	defer t.opening.Store(false)

	if t.opened.Load() {
		return ErrAlreadyOpen
	}
	if t.Status().IsTerminal() {
		return ErrTransportClosed
	}

	return t.establisher.Open(ctx, t.connectAndHandshake)
}

// Send queues an application message. If the transport is not established the
// message is dropped with a warning and ErrNotEstablished is returned.
func (t *Transport) Send(msg *wire.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != StatusEstablished || t.conn == nil {
		Logger.Warningf("not sending %s on %s: transport is %s", msg, t, t.status)
		msg.Release()
		return ErrNotEstablished
	}
	return t.conn.Put(msg)
}

// Close closes the connection and moves the transport to CLOSED. Closing a
// closed transport does nothing.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.status == StatusClosed {
		t.mu.Unlock()
		Logger.Debugf("%s is already closed", t)
		return nil
	}
	t.status = StatusClosed
	conn := t.conn
	t.conn = nil
	t.synAck = nil
	t.mu.Unlock()

	if conn != nil {
		conn.RemoveListener(t.handler())
		conn.Close()
	}
	t.role.Closed(t)

	Logger.Infof("%s closed", t)
	t.events.fire("closed", func(l ITransportListener) { l.Closed(t) })
	return nil
}

// --------------------------------------------------------------------------
// Health checking (implements healthcheck.IMonitoredConnection)
// --------------------------------------------------------------------------

// LastDataReceived returns when bytes were last read on the current connection
func (t *Transport) LastDataReceived() time.Time {
	if c := t.Connection(); c != nil {
		return c.LastDataReceived()
	}
	return time.Time{}
}

// SendProbe sends a health check message on an established transport
func (t *Transport) SendProbe(msg *handshake.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusEstablished || t.conn == nil {
		return ErrNotEstablished
	}
	return t.conn.Put(msg.ToWire())
}

// CallbackAddress returns the address of a listener of the peer. A client
// reports the server address it dialed; a server reports the callback port the
// client announced in its SYN.
func (t *Transport) CallbackAddress() (string, bool) {
	t.mu.Lock()
	conn, port := t.conn, t.peerCallbackPort
	t.mu.Unlock()

	if conn == nil {
		return "", false
	}
	if t.IsClient() {
		return conn.RemoteAddr().String(), true
	}
	if port < 0 {
		return "", false
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return "", false
	}
	return net.JoinHostPort(host, strconv.Itoa(int(port))), true
}

// ForceDisconnect closes the current connection. A client then reconnects in the
// background; a server waits for the client to come back.
func (t *Transport) ForceDisconnect() {
	if c := t.Connection(); c != nil {
		Logger.Warningf("disconnecting %s from %s", t, c.RemoteAddr())
		c.Close()
	}
}

// --------------------------------------------------------------------------
// Handshake (client side)
// --------------------------------------------------------------------------

// connectAndHandshake dials one address and runs the handshake on the new connection
func (t *Transport) connectAndHandshake(ctx context.Context, addr string) error {
	if t.Status().IsTerminal() {
		return ErrTransportClosed
	}
	t.events.fire("connect attempt", func(l ITransportListener) { l.ConnectAttempt(t) })

	h := t.handler()
	conn, err := t.reactor.Connect(ctx, addr, t.config.ConnectTimeout, h, h)
	if err != nil {
		return err
	}
	return t.handshake(ctx, conn)
}

func (t *Transport) handshake(ctx context.Context, conn *core.Connection) error {
	future := make(chan *handshake.Message, 1)

	t.mu.Lock()
	if t.status.IsTerminal() {
		t.mu.Unlock()
		conn.RemoveListener(t.handler())
		conn.Close()
		return ErrTransportClosed
	}
	old := t.swap(conn)
	t.status = StatusSynSent
	t.synAck = future
	err := conn.Put(handshake.NewSyn(t.id, t.callbackPort).ToWire())
	t.mu.Unlock()
	t.discard(old)

	if err != nil {
		t.abort(conn)
		return fmt.Errorf("failed to send SYN: %w", err)
	}

	timeout := t.config.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	timer := t.clock.Timer(timeout)
	defer timer.Stop()

	var reply *handshake.Message
	select {
	case reply = <-future:
	case <-timer.C:
		t.abort(conn)
		return fmt.Errorf("%w: no SYN-ACK from %s within %v", ErrHandshakeTimeout, conn.RemoteAddr(), timeout)
	case <-ctx.Done():
		t.abort(conn)
		return ctx.Err()
	case <-conn.Done():
		t.abort(conn)
		return fmt.Errorf("%w: connection to %s closed before the SYN-ACK", ErrHandshake, conn.RemoteAddr())
	}
	return t.completeHandshake(conn, reply)
}

func (t *Transport) completeHandshake(conn *core.Connection, reply *handshake.Message) error {
	if reply.MaxConnectionsExceeded {
		common.AdmissionRejected.Inc()
		Logger.Warningf("%s refused by %s: the server allows %d connections", t, conn.RemoteAddr(), reply.MaxConnections)
		t.abort(conn)
		return &MaxConnectionsExceededError{Max: reply.MaxConnections}
	}
	if reply.IsError() {
		t.abort(conn)
		t.errorHandler.OnHandshakeError(t, reply.ErrorContext)
		return &HandshakeError{Context: reply.ErrorContext}
	}

	t.mu.Lock()
	var err error
	switch {
	case t.conn != conn || t.status != StatusSynSent:
		err = fmt.Errorf("%w: transport became %s during the handshake", ErrHandshake, t.status)
	case reply.ConnectionID.IsNull():
		err = fmt.Errorf("%w: server assigned no connection id", ErrHandshake)
	case !t.id.IsNull() && reply.ConnectionID != t.id:
		err = fmt.Errorf("%w: server answered with %s, expected %s", ErrHandshake, reply.ConnectionID, t.id)
	}
	if err == nil {
		t.setID(reply.ConnectionID)
		if perr := conn.Put(handshake.NewAck(t.id).ToWire()); perr != nil {
			err = fmt.Errorf("failed to send ACK: %w", perr)
		}
	}
	if err != nil {
		t.mu.Unlock()
		t.abort(conn)
		return err
	}
	t.status = StatusEstablished
	t.opened.Store(true)
	t.mu.Unlock()

	t.established(conn)
	return nil
}

// abort detaches conn without notifying the listeners and closes it
func (t *Transport) abort(conn *core.Connection) {
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
		t.synAck = nil
		if !t.status.IsTerminal() {
			t.status = StatusStart
		}
	}
	t.mu.Unlock()

	conn.RemoveListener(t.handler())
	conn.Close()
}

// swap makes conn the current connection and returns the previous one. The
// caller holds mu and discards the previous connection after unlocking.
func (t *Transport) swap(conn *core.Connection) *core.Connection {
	old := t.conn
	t.conn = conn
	if old == conn {
		return nil
	}
	return old
}

// discard detaches a replaced connection and closes it
func (t *Transport) discard(old *core.Connection) {
	if old == nil {
		return
	}
	old.RemoveListener(t.handler())
	old.Close()
}

// reattach moves a server transport to a reconnected client connection
func (t *Transport) reattach(conn *core.Connection, callbackPort int32) bool {
	t.mu.Lock()
	if t.status.IsTerminal() {
		t.mu.Unlock()
		return false
	}
	old := t.swap(conn)
	t.status = StatusRestart
	t.peerCallbackPort = callbackPort
	t.mu.Unlock()

	conn.AddListener(t.handler())
	t.discard(old)
	return true
}

// end moves the transport to END after reconnecting failed for good
func (t *Transport) end() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.status.IsTerminal() {
		t.status = StatusEnd
	}
}

func (t *Transport) established(conn *core.Connection) {
	conn.SetTransportEstablished()
	common.HandshakesCompleted.Inc()
	Logger.Infof("%s established with %s", t, conn.RemoteAddr())

	t.role.Established(t)
	t.events.fire("connected", func(l ITransportListener) { l.Connected(t) })
}

// --------------------------------------------------------------------------
// Connection events (runs on the reactor)
// --------------------------------------------------------------------------

func (t *Transport) handleMessage(conn *core.Connection, msg *wire.Message) error {
	switch msg.Header.Protocol {
	case wire.ProtocolHandshake:
		hs, err := handshake.FromWire(msg)
		msg.Release()
		if err != nil {
			return t.violation(fmt.Errorf("%w: %v", ErrHandshake, err))
		}
		if err := t.role.HandleHandshake(t, conn, hs); err != nil {
			return t.violation(err)
		}
		return nil

	case wire.ProtocolHealthCheck:
		hs, err := handshake.FromWire(msg)
		msg.Release()
		if err != nil {
			return t.violation(fmt.Errorf("%w: %v", ErrProtocolViolation, err))
		}
		return t.handleProbe(conn, hs)
	}

	t.mu.Lock()
	status := t.status
	current := t.conn == conn
	t.mu.Unlock()

	if status != StatusEstablished || !current {
		msg.Release()
		return t.violation(fmt.Errorf("%w: %s message while %s", ErrProtocolViolation, msg.Header.Protocol, status))
	}

	t.reactor.AddWeight(conn, 1)
	if t.receiver == nil {
		msg.Release()
		return nil
	}
	t.receiver.Receive(t, msg)
	return nil
}

func (t *Transport) handleProbe(conn *core.Connection, msg *handshake.Message) error {
	switch msg.Type {
	case handshake.TypePing:
		if err := conn.Put(handshake.NewPingReply(msg.ConnectionID).ToWire()); err != nil {
			Logger.Debugf("failed to answer ping on %s: %v", t, err)
		}
	case handshake.TypePingReply:
		t.mu.Lock()
		probes := t.probes
		t.mu.Unlock()
		if probes != nil {
			probes.ProbeReceived(t, msg)
		}
	default:
		return t.violation(fmt.Errorf("%w: %s on the health check protocol", ErrProtocolViolation, msg.Type))
	}
	return nil
}

func (t *Transport) violation(err error) error {
	common.ProtocolErrors.Inc()
	Logger.Errorf("%s: %v", t, err)
	return err
}

func (t *Transport) connectionClosed(conn *core.Connection) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.synAck = nil
	prev := t.status
	if prev.IsTerminal() {
		t.mu.Unlock()
		return
	}
	t.status = StatusStart
	t.mu.Unlock()

	Logger.Infof("%s lost its connection to %s (was %s)", t, conn.RemoteAddr(), prev)
	if prev == StatusEstablished {
		t.events.fire("disconnected", func(l ITransportListener) { l.Disconnected(t) })
	}
	t.role.ConnectionLost(t, prev)
}

// connHandler is the view of a transport the reactor sees
type connHandler Transport

func (t *Transport) handler() *connHandler {
	return (*connHandler)(t)
}

func (h *connHandler) PutMessage(conn *core.Connection, msg *wire.Message) error {
	return (*Transport)(h).handleMessage(conn, msg)
}

func (h *connHandler) Connected(*core.Connection) {}

func (h *connHandler) EndOfFile(*core.Connection) {}

func (h *connHandler) Error(*core.Connection, error) {}

func (h *connHandler) Closed(conn *core.Connection) {
	(*Transport)(h).connectionClosed(conn)
}
