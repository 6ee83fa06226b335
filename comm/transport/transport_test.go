package transport

import (
	"context"
	"errors"
	"github.com/ValentinKolb/dComm/comm/common"
	"github.com/ValentinKolb/dComm/comm/connid"
	"github.com/ValentinKolb/dComm/comm/core"
	"github.com/ValentinKolb/dComm/comm/handshake"
	"github.com/ValentinKolb/dComm/comm/wire"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func newTestReactor(t *testing.T) *core.Reactor {
	t.Helper()
	cfg := common.DefaultReactorConfig()
	cfg.Socket = common.SocketConfig{TCPNoDelay: true}
	r := core.NewReactor(cfg)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func testTransportConfig() common.TransportConfig {
	cfg := common.DefaultTransportConfig()
	cfg.ListenAddress = "127.0.0.1:0"
	cfg.ConnectTimeout = time.Second
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.ReconnectInterval = 10 * time.Millisecond
	cfg.MaxReconnectTries = 50
	cfg.ReconnectWindow = time.Minute
	return cfg
}

type received struct {
	transport *Transport
	payload   string
}

type inbox struct {
	msgs chan received
}

func newInbox() *inbox {
	return &inbox{msgs: make(chan received, 64)}
}

func (in *inbox) Receive(t *Transport, msg *wire.Message) {
	payload := string(msg.Bytes())
	msg.Release()
	in.msgs <- received{transport: t, payload: payload}
}

func (in *inbox) next(t *testing.T) received {
	t.Helper()
	select {
	case r := <-in.msgs:
		return r
	case <-time.After(5 * time.Second):
		t.Fatalf("Timeout waiting for message")
		return received{}
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []string
	ch     chan string
}

func newEventLog() *eventLog {
	return &eventLog{ch: make(chan string, 64)}
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
	l.ch <- e
}

func (l *eventLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// waitFor consumes events until want was seen
func (l *eventLog) waitFor(t *testing.T, want string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-l.ch:
			if e == want {
				return
			}
		case <-deadline:
			t.Fatalf("Timeout waiting for event %q, got %v", want, l.get())
			return
		}
	}
}

func (l *eventLog) Connected(*Transport) { l.add("connected") }
func (l *eventLog) Disconnected(*Transport) { l.add("disconnected") }
func (l *eventLog) ConnectAttempt(*Transport) { l.add("connect attempt") }
func (l *eventLog) Closed(*Transport) { l.add("closed") }
func (l *eventLog) ReconnectionRejected(*Transport) { l.add("reconnection rejected") }

type errorCollector struct {
	ch chan *handshake.ErrorContext
}

func (c *errorCollector) OnHandshakeError(_ *Transport, errCtx *handshake.ErrorContext) {
	c.ch <- errCtx
}

type probeCollector struct {
	ch chan *handshake.Message
}

func (c *probeCollector) ProbeReceived(_ *Transport, msg *handshake.Message) {
	c.ch <- msg
}

func startServer(t *testing.T, cfg common.TransportConfig, opts ...StackOption) (*ServerStack, *inbox, string) {
	t.Helper()
	in := newInbox()
	s, err := NewServerStack(newTestReactor(t), cfg, connid.NewServerIdentity(), in, opts...)
	require.NoError(t, err)
	ln, err := s.Listen()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, in, ln.Addr().String()
}

func newTestClient(t *testing.T, addr string, cfg common.TransportConfig, opts ...Option) (*Transport, *inbox) {
	t.Helper()
	cfg.Addresses = []string{addr}
	in := newInbox()
	c := NewClient(newTestReactor(t), cfg, in, opts...)
	t.Cleanup(func() { _ = c.Close() })
	return c, in
}

// waitEstablished waits until the server transport of id completed its handshake
func waitEstablished(t *testing.T, s *ServerStack, id connid.ID) *Transport {
	t.Helper()
	var st *Transport
	require.Eventually(t, func() bool {
		var ok bool
		st, ok = s.Transport(id)
		return ok && st.Status() == StatusEstablished
	}, 5*time.Second, 5*time.Millisecond)
	return st
}

func text(s string) *wire.Message {
	return wire.NewMessage(wire.ProtocolTCM, []byte(s))
}

// --------------------------------------------------------------------------
// Handshake
// --------------------------------------------------------------------------

func TestOpenEstablishes(t *testing.T) {
	s, _, addr := startServer(t, testTransportConfig())
	c, _ := newTestClient(t, addr, testTransportConfig())
	log := newEventLog()
	c.AddListener(log)

	require.NoError(t, c.Open(context.Background()))
	assert.Equal(t, StatusEstablished, c.Status())
	assert.True(t, c.IsConnected())
	assert.Equal(t, []string{"connect attempt", "connected"}, log.get())

	id := c.ConnectionID()
	require.False(t, id.IsNull())
	assert.Equal(t, s.Identity().String(), id.ServerID)

	st := waitEstablished(t, s, id)
	assert.False(t, st.IsClient())
	assert.True(t, c.Connection().IsTransportEstablished())
	assert.Equal(t, int32(1), s.Policy().Current())

	assert.ErrorIs(t, c.Open(context.Background()), ErrAlreadyOpen)
}

func TestMessagesFlowBothWays(t *testing.T) {
	s, serverIn, addr := startServer(t, testTransportConfig())
	c, clientIn := newTestClient(t, addr, testTransportConfig())
	require.NoError(t, c.Open(context.Background()))

	require.NoError(t, c.Send(text("hello")))
	got := serverIn.next(t)
	assert.Equal(t, "hello", got.payload)
	assert.Equal(t, c.ConnectionID(), got.transport.ConnectionID())

	require.NoError(t, got.transport.Send(text("world")))
	reply := clientIn.next(t)
	assert.Equal(t, "world", reply.payload)
	assert.Same(t, c, reply.transport)
	assert.Len(t, s.Transports(), 1)
}

func TestSendRequiresEstablished(t *testing.T) {
	c := NewClient(newTestReactor(t), testTransportConfig(), nil)
	assert.ErrorIs(t, c.Send(text("dropped")), ErrNotEstablished)
	assert.ErrorIs(t, c.SendProbe(handshake.NewPing(connid.Null)), ErrNotEstablished)
}

func TestApplicationMessageBeforeHandshake(t *testing.T) {
	s, _, addr := startServer(t, testTransportConfig())

	raw, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer func() { _ = raw.Close() }()

	msg := text("too early")
	msg.Seal(raw.LocalAddr(), raw.RemoteAddr(), 1)
	bufs := msg.Buffers()
	_, err = bufs.WriteTo(raw)
	require.NoError(t, err)

	require.NoError(t, raw.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = raw.Read(make([]byte, 1))
	require.Error(t, err)
	var netErr net.Error
	if errors.As(err, &netErr) {
		assert.False(t, netErr.Timeout(), "server did not close the connection")
	}
	assert.Empty(t, s.Transports())
}

func TestHandshakeTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	go func() {
		// accept and stay silent
		conn, err := ln.Accept()
		if err == nil {
			defer func() { _ = conn.Close() }()
			time.Sleep(2 * time.Second)
		}
	}()

	cfg := testTransportConfig()
	cfg.HandshakeTimeout = 100 * time.Millisecond
	c, _ := newTestClient(t, ln.Addr().String(), cfg)

	err = c.Open(context.Background())
	assert.ErrorIs(t, err, ErrHandshakeTimeout)
	assert.Equal(t, StatusStart, c.Status())
	assert.Nil(t, c.Connection())
}

func TestCallbackAddress(t *testing.T) {
	s, _, addr := startServer(t, testTransportConfig())
	c, _ := newTestClient(t, addr, testTransportConfig(), WithCallbackPort(4242))
	require.NoError(t, c.Open(context.Background()))

	st := waitEstablished(t, s, c.ConnectionID())
	got, ok := st.CallbackAddress()
	require.True(t, ok)
	assert.Equal(t, net.JoinHostPort("127.0.0.1", strconv.Itoa(4242)), got)

	got, ok = c.CallbackAddress()
	require.True(t, ok)
	assert.Equal(t, addr, got)
}

func TestPingIsAnswered(t *testing.T) {
	s, _, addr := startServer(t, testTransportConfig())
	c, _ := newTestClient(t, addr, testTransportConfig())
	probes := &probeCollector{ch: make(chan *handshake.Message, 1)}
	c.SetProbeHandler(probes)
	require.NoError(t, c.Open(context.Background()))
	waitEstablished(t, s, c.ConnectionID())

	require.NoError(t, c.SendProbe(handshake.NewPing(c.ConnectionID())))
	select {
	case reply := <-probes.ch:
		assert.Equal(t, handshake.TypePingReply, reply.Type)
		assert.Equal(t, c.ConnectionID(), reply.ConnectionID)
	case <-time.After(5 * time.Second):
		t.Fatalf("Timeout waiting for the ping reply")
	}
}

// --------------------------------------------------------------------------
// Admission
// --------------------------------------------------------------------------

func TestMaxConnectionsExceeded(t *testing.T) {
	cfg := testTransportConfig()
	cfg.MaxConnections = 1
	s, _, addr := startServer(t, cfg)

	first, _ := newTestClient(t, addr, cfg)
	require.NoError(t, first.Open(context.Background()))

	second, _ := newTestClient(t, addr, cfg)
	log := newEventLog()
	second.AddListener(log)

	err := second.Open(context.Background())
	require.ErrorIs(t, err, ErrMaxConnectionsExceeded)
	var maxErr *MaxConnectionsExceededError
	require.ErrorAs(t, err, &maxErr)
	assert.Equal(t, int32(1), maxErr.Max)

	assert.Equal(t, StatusStart, second.Status())
	assert.True(t, second.ConnectionID().IsNull())
	assert.Equal(t, []string{"connect attempt"}, log.get())
	assert.Equal(t, int32(1), s.Policy().Current())
	assert.Len(t, s.Transports(), 1)
}

func TestConcurrentAdmission(t *testing.T) {
	cfg := testTransportConfig()
	cfg.MaxConnections = 2
	s, _, addr := startServer(t, cfg)

	var admitted, rejected atomic.Int32
	var g errgroup.Group
	for i := 0; i < 6; i++ {
		c, _ := newTestClient(t, addr, cfg)
		g.Go(func() error {
			err := c.Open(context.Background())
			switch {
			case err == nil:
				admitted.Add(1)
			case errors.Is(err, ErrMaxConnectionsExceeded):
				rejected.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(2), admitted.Load())
	assert.Equal(t, int32(4), rejected.Load())
	assert.Equal(t, int32(2), s.Policy().Current())
}

// --------------------------------------------------------------------------
// Reconnect
// --------------------------------------------------------------------------

func TestReconnectAfterConnectionLoss(t *testing.T) {
	s, serverIn, addr := startServer(t, testTransportConfig())
	c, _ := newTestClient(t, addr, testTransportConfig())
	log := newEventLog()
	c.AddListener(log)

	require.NoError(t, c.Open(context.Background()))
	log.waitFor(t, "connected")
	id := c.ConnectionID()

	st := waitEstablished(t, s, id)
	st.ForceDisconnect()

	log.waitFor(t, "disconnected")
	log.waitFor(t, "connected")
	assert.Equal(t, id, c.ConnectionID())
	assert.Same(t, st, waitEstablished(t, s, id))
	assert.Len(t, s.Transports(), 1)
	require.Eventually(t, func() bool { return s.Policy().Current() == 1 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Send(text("after reconnect")))
	assert.Equal(t, "after reconnect", serverIn.next(t).payload)
}

func TestReconnectionRejected(t *testing.T) {
	s, _, addr := startServer(t, testTransportConfig())
	handler := &errorCollector{ch: make(chan *handshake.ErrorContext, 1)}
	c, _ := newTestClient(t, addr, testTransportConfig(), WithHandshakeErrorHandler(handler))
	log := newEventLog()
	c.AddListener(log)

	require.NoError(t, c.Open(context.Background()))
	st := waitEstablished(t, s, c.ConnectionID())
	require.NoError(t, st.Close())

	log.waitFor(t, "disconnected")
	log.waitFor(t, "reconnection rejected")
	assert.Equal(t, StatusEnd, c.Status())

	select {
	case errCtx := <-handler.ch:
		assert.Equal(t, handshake.ErrorReconnectionRejected, errCtx.Type)
		assert.Contains(t, errCtx.Message, "already closed")
	case <-time.After(5 * time.Second):
		t.Fatalf("Timeout waiting for the handshake error")
	}
}

func TestReconnectToForeignServerIsRejected(t *testing.T) {
	first, _, firstAddr := startServer(t, testTransportConfig())
	_, _, secondAddr := startServer(t, testTransportConfig())

	cfg := testTransportConfig()
	cfg.Addresses = []string{firstAddr, secondAddr}
	handler := &errorCollector{ch: make(chan *handshake.ErrorContext, 1)}
	c := NewClient(newTestReactor(t), cfg, nil, WithHandshakeErrorHandler(handler))
	t.Cleanup(func() { _ = c.Close() })
	log := newEventLog()
	c.AddListener(log)

	require.NoError(t, c.Open(context.Background()))
	id := c.ConnectionID()
	assert.Equal(t, first.Identity().String(), id.ServerID)

	// the reconnect skips the lost server and offers its id to the other one
	require.NoError(t, first.Close())
	log.waitFor(t, "disconnected")
	log.waitFor(t, "reconnection rejected")
	assert.Equal(t, StatusEnd, c.Status())

	select {
	case errCtx := <-handler.ch:
		assert.Equal(t, handshake.ErrorInvalidConnectionID, errCtx.Type)
		assert.Contains(t, errCtx.Message, "another server")
	case <-time.After(5 * time.Second):
		t.Fatalf("Timeout waiting for the handshake error")
	}
}

func TestHandshakeErrorKinds(t *testing.T) {
	tests := map[handshake.ErrorType]bool{
		handshake.ErrorHandshake:              false,
		handshake.ErrorInvalidConnectionID:    true,
		handshake.ErrorReconnectionRejected:   true,
		handshake.ErrorMaxConnectionsExceeded: false,
	}
	for errType, rejected := range tests {
		t.Run(errType.String(), func(t *testing.T) {
			err := &HandshakeError{Context: &handshake.ErrorContext{Type: errType, Message: "test"}}
			assert.ErrorIs(t, err, ErrHandshake)
			assert.Equal(t, rejected, errors.Is(err, ErrReconnectionRejected))
			assert.Equal(t, rejected, isFatal(err))
		})
	}
}

func TestReconnectWindowExpires(t *testing.T) {
	mock := clock.NewMock()
	cfg := testTransportConfig()
	cfg.ReconnectWindow = 30 * time.Second
	s, _, addr := startServer(t, cfg, WithServerClock(mock))

	c, _ := newTestClient(t, addr, cfg)
	require.NoError(t, c.Open(context.Background()))
	id := c.ConnectionID()
	st := waitEstablished(t, s, id)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool {
		return st.Status() == StatusStart && s.Policy().Current() == 0
	}, 5*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		mock.Add(cfg.ReconnectWindow)
		_, ok := s.Transport(id)
		return !ok
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusClosed, st.Status())
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

func TestCloseIsIdempotent(t *testing.T) {
	c := NewClient(newTestReactor(t), testTransportConfig(), nil)
	log := newEventLog()
	c.AddListener(log)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, []string{"closed"}, log.get())
	assert.Equal(t, StatusClosed, c.Status())
	assert.ErrorIs(t, c.Open(context.Background()), ErrTransportClosed)
}

func TestCloseStopsServerTransport(t *testing.T) {
	s, _, addr := startServer(t, testTransportConfig())
	c, _ := newTestClient(t, addr, testTransportConfig())
	require.NoError(t, c.Open(context.Background()))
	st := waitEstablished(t, s, c.ConnectionID())

	serverLog := newEventLog()
	st.AddListener(serverLog)
	require.NoError(t, st.Close())

	serverLog.waitFor(t, "closed")
	_, ok := s.Transport(c.ConnectionID())
	assert.False(t, ok)
	assert.Equal(t, int32(0), s.Policy().Current())
	assert.Equal(t, StatusClosed, st.Status())
}

func TestDuplicateListenerPanics(t *testing.T) {
	c := NewClient(nil, testTransportConfig(), nil)
	log := newEventLog()
	c.AddListener(log)
	assert.Panics(t, func() { c.AddListener(log) })

	assert.True(t, c.RemoveListener(log))
	assert.False(t, c.RemoveListener(log))
}

func TestListenerPanicIsContained(t *testing.T) {
	c := NewClient(nil, testTransportConfig(), nil)
	c.AddListener(panicking{})
	log := newEventLog()
	c.AddListener(log)

	require.NoError(t, c.Close())
	assert.Equal(t, []string{"closed"}, log.get())
}

type panicking struct {
	ListenerAdapter
}

func (panicking) Closed(*Transport) { panic("boom") }

func TestExitingHandshakeErrorHandler(t *testing.T) {
	code := -1
	h := ExitingHandshakeErrorHandler{Exit: func(c int) { code = c }}
	h.OnHandshakeError(NewClient(nil, testTransportConfig(), nil), &handshake.ErrorContext{
		Type:    handshake.ErrorReconnectionRejected,
		Message: "rejected",
	})
	assert.Equal(t, 1, code)
}

func TestStatusString(t *testing.T) {
	tests := map[Status]string{
		StatusStart:       "START",
		StatusRestart:     "RESTART",
		StatusSynSent:     "SYN_SENT",
		StatusEstablished: "ESTABLISHED",
		StatusEnd:         "END",
		StatusClosed:      "CLOSED",
		Status(42):        "UNKNOWN(42)",
	}
	for status, want := range tests {
		assert.Equal(t, want, status.String())
	}
	assert.True(t, StatusEnd.IsTerminal())
	assert.True(t, StatusClosed.IsTerminal())
	assert.False(t, StatusEstablished.IsTerminal())
}
