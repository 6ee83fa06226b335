package healthcheck

import (
	"fmt"
	"github.com/ValentinKolb/dComm/comm/common"
	"github.com/ValentinKolb/dComm/comm/handshake"
	"sync"
	"time"
)

// State is the probe state of one monitored connection
type State int

const (
	StateStart State = iota
	StateAlive
	StateAwaitPingReply
	StateSocketConnect
	StateDead
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "START"
	case StateAlive:
		return "ALIVE"
	case StateAwaitPingReply:
		return "AWAIT_PING_REPLY"
	case StateSocketConnect:
		return "SOCKET_CONNECT_PROBE"
	case StateDead:
		return "DEAD"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// monitorContext runs the probe state machine of one connection. It is driven by
// the scan loop of the checker and by PING-REPLY messages from the reactor.
type monitorContext struct {
	conn   IMonitoredConnection
	config common.HealthCheckConfig
	dial   DialFunc

	mu             sync.Mutex
	state          State
	probesSent     int
	socketConnects int
	socket         *socketProbe
}

func newMonitorContext(conn IMonitoredConnection, config common.HealthCheckConfig, dial DialFunc) *monitorContext {
	return &monitorContext{conn: conn, config: config, dial: dial, state: StateStart}
}

// check advances the state machine for one scan and reports whether the peer is
// dead
func (m *monitorContext) check(now time.Time) bool {
	idle := now.Sub(m.conn.LastDataReceived())
	if idle < m.config.PingIdleTime {
		m.refresh()
		return false
	}
	return m.probe()
}

// refresh resets the probing after data was received
func (m *monitorContext) refresh() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateStart && m.state != StateDead {
		m.state = StateAlive
	}
	m.probesSent = 0
	m.socketConnects = 0
	m.socket = nil
}

// pingReplyReceived marks the peer alive
func (m *monitorContext) pingReplyReceived() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateDead {
		return
	}
	Logger.Debugf("ping reply from %s", m.conn.ConnectionID())
	m.state = StateAlive
	m.probesSent = 0
	m.socketConnects = 0
	m.socket = nil
}

// probe runs one probe step on an idle connection
func (m *monitorContext) probe() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateStart, StateAlive:
		m.sendPing()
		m.state = StateAwaitPingReply

	case StateAwaitPingReply:
		if m.probesSent < m.config.PingProbes {
			m.sendPing()
			return false
		}
		Logger.Warningf("%s did not answer %d pings", m.conn.ConnectionID(), m.probesSent)
		m.escalate()

	case StateSocketConnect:
		finished, err := m.socket.result()
		if !finished {
			return false
		}
		m.socket = nil
		if err != nil {
			Logger.Warningf("socket connect probe of %s failed: %v", m.conn.ConnectionID(), err)
			m.state = StateDead
			break
		}
		m.socketConnects++
		if m.socketConnects > m.config.SocketConnectMaxCount {
			Logger.Warningf("%s accepted %d socket connects but never answered a ping", m.conn.ConnectionID(), m.socketConnects)
			m.state = StateDead
			break
		}
		Logger.Infof("%s is reachable but not answering, probing again (%d/%d)", m.conn.ConnectionID(), m.socketConnects, m.config.SocketConnectMaxCount)
		m.probesSent = 0
		m.state = StateStart
	}
	return m.state == StateDead
}

// escalate moves a connection that exhausted its pings to the socket connect
// probe, or to DEAD if that is disabled or impossible
func (m *monitorContext) escalate() {
	if !m.config.SocketConnectOnPingFail {
		m.state = StateDead
		return
	}
	addr, ok := m.conn.CallbackAddress()
	if !ok {
		Logger.Infof("%s has no callback address for a socket connect probe", m.conn.ConnectionID())
		m.state = StateDead
		return
	}
	common.SocketConnects.Inc()
	m.socket = startSocketProbe(m.dial, addr, m.config.SocketConnectDeadline())
	m.state = StateSocketConnect
}

func (m *monitorContext) sendPing() {
	m.probesSent++
	common.PingsSent.Inc()
	if err := m.conn.SendProbe(handshake.NewPing(m.conn.ConnectionID())); err != nil {
		Logger.Debugf("failed to ping %s: %v", m.conn.ConnectionID(), err)
	}
}

func (m *monitorContext) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
