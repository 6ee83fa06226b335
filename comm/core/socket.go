package core

import (
	"fmt"
	"github.com/ValentinKolb/dComm/comm/common"
	"net"
	"time"
)

// upgradeConnection applies the configured socket options to a TCP connection.
// Other connection types are left untouched.
func upgradeConnection(conn net.Conn, config common.SocketConfig) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}

	if err := tcpConn.SetNoDelay(config.TCPNoDelay); err != nil {
		return fmt.Errorf("failed to set TCP_NODELAY: %w", err)
	}

	// Set socket write buffer size if configured
	if config.WriteBufferSize > 0 {
		if err := tcpConn.SetWriteBuffer(config.WriteBufferSize); err != nil {
			return fmt.Errorf("failed to set write buffer size: %w", err)
		}
	}

	// Set socket read buffer size if configured
	if config.ReadBufferSize > 0 {
		if err := tcpConn.SetReadBuffer(config.ReadBufferSize); err != nil {
			return fmt.Errorf("failed to set read buffer size: %w", err)
		}
	}

	if config.TCPKeepAliveSec > 0 {
		if err := tcpConn.SetKeepAlive(true); err != nil {
			return fmt.Errorf("failed to enable keep-alive: %w", err)
		}
		if err := tcpConn.SetKeepAlivePeriod(time.Duration(config.TCPKeepAliveSec) * time.Second); err != nil {
			return fmt.Errorf("failed to set keep-alive period: %w", err)
		}
	}

	if config.TCPLingerSec > 0 {
		if err := tcpConn.SetLinger(config.TCPLingerSec); err != nil {
			return fmt.Errorf("failed to set linger: %w", err)
		}
	}

	return nil
}
