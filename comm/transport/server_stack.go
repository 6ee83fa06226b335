package transport

import (
	"errors"
	"fmt"
	"github.com/ValentinKolb/dComm/comm/common"
	"github.com/ValentinKolb/dComm/comm/connid"
	"github.com/ValentinKolb/dComm/comm/core"
	"github.com/ValentinKolb/dComm/comm/handshake"
	"github.com/ValentinKolb/dComm/comm/wire"
	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
	"sync"
	"sync/atomic"
)

// closedIDCacheSize is the number of closed connection ids remembered to reject
// late reconnects with a precise reason
const closedIDCacheSize = 4096

var ErrStackClosed = errors.New("server stack closed")

// ServerStack accepts client connections, answers their SYN and keeps one
// Transport per ConnectionID. A client that reconnects with a known id is
// re-attached to its transport.
type ServerStack struct {
	reactor   *core.Reactor
	config    common.TransportConfig
	receiver  IMessageReceiver
	clock     clock.Clock
	factory   *connid.Factory
	policy    *connid.Policy
	onCreated []func(t *Transport)

	transports *xsync.MapOf[connid.ID, *Transport]
	closedIDs  *lru.Cache[connid.ID, struct{}]

	// mu serializes admission and the slot bookkeeping of the transports
	mu       sync.Mutex
	listener *core.Listener
	closed   bool
}

// StackOption configures a ServerStack
type StackOption func(s *ServerStack)

// WithServerClock replaces the clock of the reconnect window timers
func WithServerClock(c clock.Clock) StackOption {
	return func(s *ServerStack) {
		s.clock = c
	}
}

// OnTransportCreated registers a hook called for every new server transport
// before its SYN-ACK is sent
func OnTransportCreated(fn func(t *Transport)) StackOption {
	return func(s *ServerStack) {
		s.onCreated = append(s.onCreated, fn)
	}
}

// NewServerStack creates a server stack issuing ids for identity. Received
// application messages of all transports go to receiver.
func NewServerStack(reactor *core.Reactor, config common.TransportConfig, identity connid.ServerIdentity, receiver IMessageReceiver, opts ...StackOption) (*ServerStack, error) {
	closedIDs, err := lru.New[connid.ID, struct{}](closedIDCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create closed id cache: %w", err)
	}

	s := &ServerStack{
		reactor:    reactor,
		config:     config,
		receiver:   receiver,
		clock:      clock.New(),
		factory:    connid.NewFactory(identity),
		policy:     connid.NewPolicy(config.MaxConnections),
		transports: xsync.NewMapOf[connid.ID, *Transport](),
		closedIDs:  closedIDs,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Listen starts accepting on config.ListenAddress
func (s *ServerStack) Listen() (*core.Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStackClosed
	}
	if s.listener != nil {
		return nil, fmt.Errorf("server stack already listens on %s", s.listener.Addr())
	}
	ln, err := s.reactor.Listen(s.config.ListenAddress, s)
	if err != nil {
		return nil, err
	}
	s.listener = ln
	Logger.Infof("server stack %s listening on %s", s.factory.Identity(), ln.Addr())
	return ln, nil
}

// Accept implements core.IAcceptHandler
func (s *ServerStack) Accept(*core.Connection) core.IMessageSink {
	return &serverSink{stack: s}
}

// Transports returns a snapshot of the live transports
func (s *ServerStack) Transports() []*Transport {
	out := make([]*Transport, 0, s.transports.Size())
	s.transports.Range(func(_ connid.ID, t *Transport) bool {
		out = append(out, t)
		return true
	})
	return out
}

// Transport returns the transport of id
func (s *ServerStack) Transport(id connid.ID) (*Transport, bool) {
	return s.transports.Load(id)
}

// Policy returns the admission policy
func (s *ServerStack) Policy() *connid.Policy {
	return s.policy
}

// Identity returns the server identity embedded in the issued ids
func (s *ServerStack) Identity() connid.ServerIdentity {
	return s.factory.Identity()
}

// Close stops the listener and closes every transport
func (s *ServerStack) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = multierr.Append(err, ln.Close())
	}
	for _, t := range s.Transports() {
		err = multierr.Append(err, t.Close())
	}
	return err
}

// --------------------------------------------------------------------------
// Admission
// --------------------------------------------------------------------------

// handleSyn answers the SYN of a connection that has no transport yet. It
// returns the transport conn is attached to, nil if the SYN was rejected.
func (s *ServerStack) handleSyn(conn *core.Connection, syn *handshake.Message) (*Transport, error) {
	t, err := s.admit(conn, syn)
	if t != nil && conn.IsClosed() {
		// closed before the transport listened to it
		t.connectionClosed(conn)
	}
	return t, err
}

func (s *ServerStack) admit(conn *core.Connection, syn *handshake.Message) (*Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStackClosed
	}

	if syn.ConnectionID.IsNull() {
		if !s.policy.Acquire() {
			return nil, s.rejectFull(conn)
		}
		t := newServerTransport(s, s.factory.Next(), conn, syn.CallbackPort)
		t.holdsSlot = true
		s.transports.Store(t.ConnectionID(), t)
		for _, fn := range s.onCreated {
			fn(t)
		}
		Logger.Infof("created %s for %s", t, conn.RemoteAddr())
		return t, s.reply(conn, handshake.NewSynAck(t.ConnectionID(), nil, false, s.policy.Max()))
	}

	id := syn.ConnectionID
	t, ok := s.transports.Load(id)
	if !ok {
		return nil, s.rejectReconnect(conn, id)
	}
	if !t.holdsSlot {
		if !s.policy.Acquire() {
			return nil, s.rejectFull(conn)
		}
		t.holdsSlot = true
	}
	s.stopExpiry(t)
	if !t.reattach(conn, syn.CallbackPort) {
		return nil, s.rejectReconnect(conn, id)
	}
	Logger.Infof("re-attached %s to %s", t, conn.RemoteAddr())
	return t, s.reply(conn, handshake.NewSynAck(id, nil, false, s.policy.Max()))
}

func (s *ServerStack) rejectFull(conn *core.Connection) error {
	common.AdmissionRejected.Inc()
	Logger.Warningf("rejected %s: %s", conn.RemoteAddr(), s.policy)

	errCtx := &handshake.ErrorContext{
		Type:    handshake.ErrorMaxConnectionsExceeded,
		Message: fmt.Sprintf("server allows %d connections", s.policy.Max()),
	}
	return s.reply(conn, handshake.NewSynAck(connid.Null, errCtx, true, s.policy.Max()))
}

// rejectReconnect answers a SYN carrying an id this stack has no transport for.
// Ids issued by another server are invalid here, ids of this server were closed
// or forgotten.
func (s *ServerStack) rejectReconnect(conn *core.Connection, id connid.ID) error {
	errType := handshake.ErrorReconnectionRejected
	var reason string
	switch {
	case !s.factory.Owns(id):
		errType = handshake.ErrorInvalidConnectionID
		reason = "issued by another server"
	case s.closedIDs.Contains(id):
		reason = "transport already closed"
	default:
		reason = "unknown to this server"
	}
	Logger.Warningf("rejected reconnect of %s from %s: %s", id, conn.RemoteAddr(), reason)

	errCtx := &handshake.ErrorContext{
		Type:    errType,
		Message: fmt.Sprintf("%s %s", id.Format(), reason),
	}
	return s.reply(conn, handshake.NewSynAck(id, errCtx, false, s.policy.Max()))
}

func (s *ServerStack) reply(conn *core.Connection, msg *handshake.Message) error {
	if err := conn.Put(msg.ToWire()); err != nil {
		return fmt.Errorf("failed to send SYN-ACK to %s: %w", conn.RemoteAddr(), err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Transport bookkeeping
// --------------------------------------------------------------------------

func (s *ServerStack) transportEstablished(t *Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopExpiry(t)
}

// transportLost gives back the slot of t and closes it unless the client comes
// back within the reconnect window
func (s *ServerStack) transportLost(t *Transport) {
	s.mu.Lock()
	if t.holdsSlot {
		t.holdsSlot = false
		s.policy.Release()
	}
	window := s.config.ReconnectWindow
	if window > 0 && !s.closed {
		s.stopExpiry(t)
		t.expiry = s.clock.AfterFunc(window, func() {
			Logger.Infof("%s did not reconnect within %v", t, window)
			_ = t.Close()
		})
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	_ = t.Close()
}

func (s *ServerStack) transportClosed(t *Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopExpiry(t)
	if t.holdsSlot {
		t.holdsSlot = false
		s.policy.Release()
	}
	id := t.ConnectionID()
	s.transports.Compute(id, func(current *Transport, loaded bool) (*Transport, bool) {
		return current, !loaded || current == t
	})
	s.closedIDs.Add(id, struct{}{})
}

func (s *ServerStack) stopExpiry(t *Transport) {
	if t.expiry != nil {
		t.expiry.Stop()
		t.expiry = nil
	}
}

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

// serverSink receives the messages of one accepted connection. The first
// message must be a SYN; afterwards everything goes to the attached transport.
type serverSink struct {
	stack     *ServerStack
	transport atomic.Pointer[Transport]
}

func (k *serverSink) PutMessage(conn *core.Connection, msg *wire.Message) error {
	if t := k.transport.Load(); t != nil {
		return t.handleMessage(conn, msg)
	}

	if msg.Header.Protocol != wire.ProtocolHandshake {
		protocol := msg.Header.Protocol
		msg.Release()
		common.ProtocolErrors.Inc()
		return fmt.Errorf("%w: %s message before the SYN", ErrHandshake, protocol)
	}
	syn, err := handshake.FromWire(msg)
	msg.Release()
	if err != nil {
		common.ProtocolErrors.Inc()
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if syn.Type != handshake.TypeSYN {
		common.ProtocolErrors.Inc()
		return fmt.Errorf("%w: expected SYN, got %s", ErrHandshake, syn.Type)
	}

	t, err := k.stack.handleSyn(conn, syn)
	if t != nil {
		k.transport.Store(t)
	}
	return err
}
