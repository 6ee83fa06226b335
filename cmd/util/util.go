package util

import (
	"fmt"
	"github.com/ValentinKolb/dComm/comm/common"
	"github.com/joho/godotenv"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"strings"
)

var Logger = logger.GetLogger("cmd")

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		if lineWidth > 0 && lineWidth+1+len(word) > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}
		currentLine.WriteString(word)
		lineWidth += len(word)
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}
	return strings.Join(wrappedLines, "\n")
}

// SetupTransportFlags adds the transport, reactor, socket and health check flags
// shared by the serve and connect commands
func SetupTransportFlags(cmd *cobra.Command) {
	def := common.DefaultConfig()
	flags := cmd.PersistentFlags()

	// transport
	flags.String("addresses", strings.Join(def.Transport.Addresses, ","), WrapString("Comma-separated list of server addresses a client connects to, tried in order"))
	flags.String("listen", def.Transport.ListenAddress, WrapString("The address the server listens on"))
	flags.Duration("connect-timeout", def.Transport.ConnectTimeout, WrapString("Timeout of a single connect attempt"))
	flags.Duration("handshake-timeout", def.Transport.HandshakeTimeout, WrapString("How long a client waits for the SYN-ACK of the server"))
	flags.Duration("reconnect-interval", def.Transport.ReconnectInterval, WrapString("Pause between two failed reconnect attempts"))
	flags.Int("max-reconnect-tries", def.Transport.MaxReconnectTries, WrapString("Number of reconnect cycles over all addresses before a client gives up (negative = unlimited)"))
	flags.Int32("max-connections", def.Transport.MaxConnections, WrapString("Number of clients a server admits (negative = unlimited)"))
	flags.Duration("reconnect-window", def.Transport.ReconnectWindow, WrapString("How long a server keeps the transport of a disconnected client for it to come back"))

	// reactor
	flags.Int("workers", def.Reactor.WorkerCount, WrapString("Number of comm workers busy connections are moved to (0 = main worker only)"))
	flags.Int64("weight-threshold", def.Reactor.WeightThreshold, WrapString("Weight after which a connection leaves the main worker"))
	flags.Int("buffer-size", def.Reactor.BufferSize/1024, WrapString("Size of a pooled read buffer (in KB)"))
	flags.Bool("grouping", def.Reactor.MessageGroupingEnabled, WrapString("Whether small application messages are grouped into one frame"))
	flags.Int("group-max-bytes", def.Reactor.MessageGroupMaxBytes/1024, WrapString("Maximum size of a message group (in KB)"))
	flags.Int("group-max-count", def.Reactor.MessageGroupMaxCount, WrapString("Maximum number of messages in a message group"))

	// socket
	flags.Int("write-buffer", def.Reactor.Socket.WriteBufferSize/1024, WrapString("The size of the socket write buffer (in KB)"))
	flags.Int("read-buffer", def.Reactor.Socket.ReadBufferSize/1024, WrapString("The size of the socket read buffer (in KB)"))
	flags.Bool("tcp-nodelay", def.Reactor.Socket.TCPNoDelay, WrapString("Whether to enable TCP_NODELAY"))
	flags.Int("tcp-keepalive", def.Reactor.Socket.TCPKeepAliveSec, WrapString("The keepalive interval (in seconds, 0 = disabled)"))
	flags.Int("tcp-linger", def.Reactor.Socket.TCPLingerSec, WrapString("The linger time (in seconds)"))

	// health checker
	flags.Bool("healthcheck", def.HealthCheck.Enabled, WrapString("Whether idle connections are probed"))
	flags.Duration("ping-idle-time", def.HealthCheck.PingIdleTime, WrapString("Time without received data after which a connection is pinged"))
	flags.Duration("ping-interval", def.HealthCheck.PingInterval, WrapString("Interval of the health checker"))
	flags.Int("ping-probes", def.HealthCheck.PingProbes, WrapString("Number of unanswered pings before a peer is suspected"))
	flags.Bool("socket-connect", def.HealthCheck.SocketConnectOnPingFail, WrapString("Whether a suspected peer is verified by connecting to its callback port (long GC detection)"))
	flags.Int("socket-connect-max-count", def.HealthCheck.SocketConnectMaxCount, WrapString("Number of successful socket connects tolerated before a silent peer is declared dead"))
	flags.Int("socket-connect-timeout", def.HealthCheck.SocketConnectTimeout, WrapString("Connect timeout of the socket connect probe (in ping intervals)"))

	flags.String("log-level", def.LogLevel, WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// InitConfig initializes configuration from environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("dcomm")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// GetConfig reads the configuration from viper
func GetConfig() (common.Config, error) {
	conf := common.Config{
		Transport: common.TransportConfig{
			Addresses:         splitList(viper.GetString("addresses")),
			ListenAddress:     viper.GetString("listen"),
			ConnectTimeout:    viper.GetDuration("connect-timeout"),
			HandshakeTimeout:  viper.GetDuration("handshake-timeout"),
			ReconnectInterval: viper.GetDuration("reconnect-interval"),
			MaxReconnectTries: viper.GetInt("max-reconnect-tries"),
			MaxConnections:    viper.GetInt32("max-connections"),
			ReconnectWindow:   viper.GetDuration("reconnect-window"),
		},
		HealthCheck: common.HealthCheckConfig{
			Enabled:                 viper.GetBool("healthcheck"),
			PingIdleTime:            viper.GetDuration("ping-idle-time"),
			PingInterval:            viper.GetDuration("ping-interval"),
			PingProbes:              viper.GetInt("ping-probes"),
			SocketConnectOnPingFail: viper.GetBool("socket-connect"),
			SocketConnectMaxCount:   viper.GetInt("socket-connect-max-count"),
			SocketConnectTimeout:    viper.GetInt("socket-connect-timeout"),
		},
		Reactor: common.ReactorConfig{
			WorkerCount:            viper.GetInt("workers"),
			WeightThreshold:        viper.GetInt64("weight-threshold"),
			BufferSize:             viper.GetInt("buffer-size") * 1024,
			WriteSliceTimeout:      common.DefaultReactorConfig().WriteSliceTimeout,
			MessageGroupingEnabled: viper.GetBool("grouping"),
			MessageGroupMaxBytes:   viper.GetInt("group-max-bytes") * 1024,
			MessageGroupMaxCount:   viper.GetInt("group-max-count"),
			LargeMessageThreshold:  common.DefaultReactorConfig().LargeMessageThreshold,
			Socket: common.SocketConfig{
				WriteBufferSize: viper.GetInt("write-buffer") * 1024,
				ReadBufferSize:  viper.GetInt("read-buffer") * 1024,
				TCPNoDelay:      viper.GetBool("tcp-nodelay"),
				TCPKeepAliveSec: viper.GetInt("tcp-keepalive"),
				TCPLingerSec:    viper.GetInt("tcp-linger"),
			},
		},
		LogLevel: viper.GetString("log-level"),
	}

	if conf.Reactor.BufferSize <= 0 {
		return conf, fmt.Errorf("buffer size must be positive, got %d KB", viper.GetInt("buffer-size"))
	}
	if err := conf.HealthCheck.Validate(); err != nil {
		return conf, err
	}
	return conf, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
