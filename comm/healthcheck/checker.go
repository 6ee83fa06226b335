package healthcheck

import (
	"fmt"
	"github.com/ValentinKolb/dComm/comm/common"
	"github.com/ValentinKolb/dComm/comm/connid"
	"github.com/ValentinKolb/dComm/comm/handshake"
	"github.com/ValentinKolb/dComm/comm/transport"
	"github.com/benbjohnson/clock"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"net"
	"sync"
	"time"
)

var Logger = logger.GetLogger("healthcheck")

// --------------------------------------------------------------------------
// Interface Definitions for dependency injection
// --------------------------------------------------------------------------

// IMonitoredConnection is what the checker needs from a connection. It is
// implemented by transport.Transport.
type IMonitoredConnection interface {
	ConnectionID() connid.ID
	// LastDataReceived returns when bytes were last read from the peer
	LastDataReceived() time.Time
	SendProbe(msg *handshake.Message) error
	// CallbackAddress returns an address the peer listens on, if known
	CallbackAddress() (string, bool)
	ForceDisconnect()
}

// --------------------------------------------------------------------------
// Checker
// --------------------------------------------------------------------------

// Checker probes all monitored connections on a fixed interval. Connections that
// stay idle longer than the ping idle time are pinged; a peer that neither
// answers the pings nor passes the socket connect probe is disconnected.
type Checker struct {
	config   common.HealthCheckConfig
	clock    clock.Clock
	dial     DialFunc
	contexts *xsync.MapOf[IMonitoredConnection, *monitorContext]

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// Option configures a Checker
type Option func(c *Checker)

// WithClock replaces the clock driving the scan interval and idle times
func WithClock(clk clock.Clock) Option {
	return func(c *Checker) {
		c.clock = clk
	}
}

// WithDialer replaces the dialer of the socket connect probe
func WithDialer(dial DialFunc) Option {
	return func(c *Checker) {
		c.dial = dial
	}
}

// NewChecker creates a stopped checker
func NewChecker(config common.HealthCheckConfig, opts ...Option) *Checker {
	c := &Checker{
		config:   config,
		clock:    clock.New(),
		dial:     (&net.Dialer{}).DialContext,
		contexts: xsync.NewMapOf[IMonitoredConnection, *monitorContext](),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start starts the scan loop. A disabled checker does not start.
func (c *Checker) Start() error {
	if err := c.config.Validate(); err != nil {
		return fmt.Errorf("invalid health check config: %w", err)
	}
	if !c.config.Enabled {
		Logger.Infof("health checker disabled")
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	c.running = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.run(c.stop, c.done)

	Logger.Infof("health checker started (idle %v, interval %v, probes %d)",
		c.config.PingIdleTime, c.config.PingInterval, c.config.PingProbes)
	return nil
}

// Stop stops the scan loop and waits for it to exit
func (c *Checker) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	stop, done := c.stop, c.done
	c.mu.Unlock()

	close(stop)
	<-done
}

// Monitor starts probing conn. Monitoring a connection twice does nothing.
func (c *Checker) Monitor(conn IMonitoredConnection) {
	if _, loaded := c.contexts.LoadOrStore(conn, newMonitorContext(conn, c.config, c.dial)); !loaded {
		Logger.Debugf("monitoring %s", conn.ConnectionID())
	}
}

// Unmonitor stops probing conn and reports whether it was monitored
func (c *Checker) Unmonitor(conn IMonitoredConnection) bool {
	_, loaded := c.contexts.LoadAndDelete(conn)
	return loaded
}

// Monitored returns the number of monitored connections
func (c *Checker) Monitored() int {
	return c.contexts.Size()
}

// StateOf returns the probe state of conn
func (c *Checker) StateOf(conn IMonitoredConnection) (State, bool) {
	m, ok := c.contexts.Load(conn)
	if !ok {
		return StateDead, false
	}
	return m.State(), true
}

// Attach monitors t while it is established and routes its PING-REPLY messages
// to the checker
func (c *Checker) Attach(t *transport.Transport) {
	t.SetProbeHandler(c)
	t.AddListener(&transportHook{checker: c})
	if t.IsConnected() {
		c.Monitor(t)
	}
}

// ProbeReceived implements transport.IProbeHandler
func (c *Checker) ProbeReceived(t *transport.Transport, msg *handshake.Message) {
	if msg.Type != handshake.TypePingReply {
		return
	}
	c.pingReply(t)
}

func (c *Checker) pingReply(conn IMonitoredConnection) {
	if m, ok := c.contexts.Load(conn); ok {
		m.pingReplyReceived()
	}
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (c *Checker) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := c.clock.Ticker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.scan()
		}
	}
}

// scan runs one probe step on every monitored connection and disconnects the dead ones
func (c *Checker) scan() {
	now := c.clock.Now()
	var dead []IMonitoredConnection

	c.contexts.Range(func(conn IMonitoredConnection, m *monitorContext) bool {
		if m.check(now) {
			dead = append(dead, conn)
		}
		return true
	})

	for _, conn := range dead {
		c.contexts.Delete(conn)
		common.PeersDeclaredDead.Inc()
		Logger.Warningf("declaring %s dead, disconnecting", conn.ConnectionID())
		conn.ForceDisconnect()
	}
}

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

// transportHook keeps the monitored set in line with the transport status
type transportHook struct {
	transport.ListenerAdapter
	checker *Checker
}

func (h *transportHook) Connected(t *transport.Transport) {
	h.checker.Monitor(t)
}

func (h *transportHook) Disconnected(t *transport.Transport) {
	h.checker.Unmonitor(t)
}

func (h *transportHook) Closed(t *transport.Transport) {
	h.checker.Unmonitor(t)
}
