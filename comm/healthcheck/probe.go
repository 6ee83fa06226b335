package healthcheck

import (
	"context"
	"net"
	"time"
)

// DialFunc opens the connection of a socket connect probe
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// socketProbe is one best-effort connect to the listener of a peer. A peer
// whose OS still accepts connections is paused rather than dead.
type socketProbe struct {
	addr string
	done chan struct{}
	err  error
}

func startSocketProbe(dial DialFunc, addr string, timeout time.Duration) *socketProbe {
	p := &socketProbe{addr: addr, done: make(chan struct{})}
	go func() {
		defer close(p.done)

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		conn, err := dial(ctx, "tcp", addr)
		if err != nil {
			p.err = err
			return
		}
		if err := conn.Close(); err != nil {
			Logger.Debugf("failed to close socket connect probe to %s: %v", addr, err)
		}
	}()
	return p
}

// result reports whether the probe finished and how
func (p *socketProbe) result() (bool, error) {
	select {
	case <-p.done:
		return true, p.err
	default:
		return false, nil
	}
}
