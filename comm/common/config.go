package common

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Socket configuration
// --------------------------------------------------------------------------

// SocketConfig holds the options applied to every TCP socket created or accepted by the reactor
type SocketConfig struct {
	WriteBufferSize int
	ReadBufferSize  int
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int
}

// DefaultSocketConfig returns the socket options used when nothing else is configured
func DefaultSocketConfig() SocketConfig {
	return SocketConfig{
		WriteBufferSize: 512 * 1024,
		ReadBufferSize:  512 * 1024,
		TCPNoDelay:      true,
		TCPKeepAliveSec: 0,
		TCPLingerSec:    0,
	}
}

// --------------------------------------------------------------------------
// Reactor configuration
// --------------------------------------------------------------------------

// ReactorConfig holds the parameters of the socket reactor and the connection pipeline
type ReactorConfig struct {
	// WorkerCount is the number of comm workers next to the main worker (0 = main worker only)
	WorkerCount int
	// WeightThreshold is the weight after which a connection is moved off the main worker
	WeightThreshold int64
	// BufferSize is the size of a single pooled read buffer
	BufferSize int
	// WriteSliceTimeout bounds a single socket write before the writer moves on to other connections
	WriteSliceTimeout time.Duration

	// Message grouping
	MessageGroupingEnabled bool
	MessageGroupMaxBytes   int
	MessageGroupMaxCount   int

	// LargeMessageThreshold is the size from which an outbound message is logged as large
	LargeMessageThreshold int

	Socket SocketConfig
}

// DefaultReactorConfig returns the default reactor parameters
func DefaultReactorConfig() ReactorConfig {
	return ReactorConfig{
		WorkerCount:            0,
		WeightThreshold:        1,
		BufferSize:             64 * 1024,
		WriteSliceTimeout:      100 * time.Millisecond,
		MessageGroupingEnabled: true,
		MessageGroupMaxBytes:   128 * 1024,
		MessageGroupMaxCount:   1024,
		LargeMessageThreshold:  4 * 1024 * 1024,
		Socket:                 DefaultSocketConfig(),
	}
}

// --------------------------------------------------------------------------
// Health checker configuration
// --------------------------------------------------------------------------

// HealthCheckConfig holds the parameters of the connection health checker
type HealthCheckConfig struct {
	Enabled bool
	// PingIdleTime is the time without received bytes after which a connection gets probed
	PingIdleTime time.Duration
	// PingInterval is the scan interval of the health checker engine
	PingInterval time.Duration
	// PingProbes is the number of unanswered pings before the peer is suspected
	PingProbes int
	// SocketConnectOnPingFail enables the secondary socket connect probe (long GC detection)
	SocketConnectOnPingFail bool
	// SocketConnectMaxCount is the number of successful socket connects tolerated before the peer is declared dead
	SocketConnectMaxCount int
	// SocketConnectTimeout is the connect timeout of the socket connect probe, measured in ping intervals
	SocketConnectTimeout int
}

// DefaultHealthCheckConfig returns the default health checker parameters
func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		Enabled:                 true,
		PingIdleTime:            45 * time.Second,
		PingInterval:            15 * time.Second,
		PingProbes:              3,
		SocketConnectOnPingFail: true,
		SocketConnectMaxCount:   10,
		SocketConnectTimeout:    2,
	}
}

// SocketConnectDeadline returns the absolute connect timeout of a socket connect probe
func (c HealthCheckConfig) SocketConnectDeadline() time.Duration {
	return time.Duration(c.SocketConnectTimeout) * c.PingInterval
}

// Validate checks the configuration for values the health checker can not work with
func (c HealthCheckConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("ping interval must be positive, got %v", c.PingInterval)
	}
	if c.PingIdleTime < 0 {
		return fmt.Errorf("ping idle time must not be negative, got %v", c.PingIdleTime)
	}
	if c.PingProbes <= 0 {
		return fmt.Errorf("ping probes must be positive, got %d", c.PingProbes)
	}
	if c.SocketConnectOnPingFail && c.SocketConnectTimeout <= 0 {
		return fmt.Errorf("socket connect timeout must be positive, got %d", c.SocketConnectTimeout)
	}
	return nil
}

// --------------------------------------------------------------------------
// Transport configuration
// --------------------------------------------------------------------------

// TransportConfig holds the parameters of the client and server transports
type TransportConfig struct {
	// Addresses are the candidate server addresses of a client (host:port)
	Addresses []string
	// ListenAddress is the address a server listens on
	ListenAddress string

	ConnectTimeout    time.Duration
	HandshakeTimeout  time.Duration
	ReconnectInterval time.Duration
	// MaxReconnectTries is the number of reconnect cycles over all addresses (negative = unlimited)
	MaxReconnectTries int
	// MaxConnections is the admission limit of a server (negative = unlimited)
	MaxConnections int32
	// ReconnectWindow is how long a server keeps a disconnected transport for the client to come back
	ReconnectWindow time.Duration
}

// DefaultTransportConfig returns the default transport parameters
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		Addresses:         []string{"localhost:9510"},
		ListenAddress:     "0.0.0.0:9510",
		ConnectTimeout:    10 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		ReconnectInterval: time.Second,
		MaxReconnectTries: -1,
		MaxConnections:    -1,
		ReconnectWindow:   5 * time.Second,
	}
}

// --------------------------------------------------------------------------
// Combined configuration
// --------------------------------------------------------------------------

// Config bundles all configuration parameters of a dComm process
type Config struct {
	Transport   TransportConfig
	HealthCheck HealthCheckConfig
	Reactor     ReactorConfig

	// Logging configuration
	LogLevel string
}

// DefaultConfig returns a configuration with all defaults applied
func DefaultConfig() Config {
	return Config{
		Transport:   DefaultTransportConfig(),
		HealthCheck: DefaultHealthCheckConfig(),
		Reactor:     DefaultReactorConfig(),
		LogLevel:    "info",
	}
}

// String returns a formatted string representation of the configuration
func (c *Config) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	limit := func(v int64) string {
		if v < 0 {
			return "unlimited"
		}
		return strconv.FormatInt(v, 10)
	}

	addSection("Transport")
	addField("Listen Address", c.Transport.ListenAddress)
	addField("Addresses", strings.Join(c.Transport.Addresses, ", "))
	addField("Connect Timeout", c.Transport.ConnectTimeout.String())
	addField("Handshake Timeout", c.Transport.HandshakeTimeout.String())
	addField("Reconnect Interval", c.Transport.ReconnectInterval.String())
	addField("Max Reconnect Tries", limit(int64(c.Transport.MaxReconnectTries)))
	addField("Max Connections", limit(int64(c.Transport.MaxConnections)))
	addField("Reconnect Window", c.Transport.ReconnectWindow.String())

	addSection("Health Checker")
	addField("Enabled", strconv.FormatBool(c.HealthCheck.Enabled))
	if c.HealthCheck.Enabled {
		addField("Ping Idle Time", c.HealthCheck.PingIdleTime.String())
		addField("Ping Interval", c.HealthCheck.PingInterval.String())
		addField("Ping Probes", strconv.Itoa(c.HealthCheck.PingProbes))
		addField("Socket Connect", strconv.FormatBool(c.HealthCheck.SocketConnectOnPingFail))
		addField("Socket Connect Max", strconv.Itoa(c.HealthCheck.SocketConnectMaxCount))
		addField("Socket Connect Timeout", fmt.Sprintf("%d intervals", c.HealthCheck.SocketConnectTimeout))
	}

	addSection("Reactor")
	addField("Workers", strconv.Itoa(c.Reactor.WorkerCount))
	addField("Weight Threshold", strconv.FormatInt(c.Reactor.WeightThreshold, 10))
	addField("Buffer Size", fmt.Sprintf("%d KB", c.Reactor.BufferSize/1024))
	addField("Message Grouping", strconv.FormatBool(c.Reactor.MessageGroupingEnabled))
	addField("Group Max Bytes", fmt.Sprintf("%d KB", c.Reactor.MessageGroupMaxBytes/1024))
	addField("Group Max Count", strconv.Itoa(c.Reactor.MessageGroupMaxCount))

	addSection("Socket")
	addField("Write Buffer", fmt.Sprintf("%d KB", c.Reactor.Socket.WriteBufferSize/1024))
	addField("Read Buffer", fmt.Sprintf("%d KB", c.Reactor.Socket.ReadBufferSize/1024))
	addField("TCP NoDelay", strconv.FormatBool(c.Reactor.Socket.TCPNoDelay))
	addField("TCP KeepAlive", fmt.Sprintf("%d sec", c.Reactor.Socket.TCPKeepAliveSec))
	addField("TCP Linger", fmt.Sprintf("%d sec", c.Reactor.Socket.TCPLingerSec))

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}
