package core

import (
	"errors"
	temperrcatcher "github.com/jbenet/go-temp-err-catcher"
	"net"
	"sync/atomic"
)

// Listener accepts connections for a reactor
type Listener struct {
	reactor *Reactor
	ln      net.Listener
	handler IAcceptHandler
	closed  atomic.Bool
	done    chan struct{}
}

// Addr returns the address the listener is bound to
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Port returns the bound TCP port, or -1 for other listener types
func (l *Listener) Port() int {
	if addr, ok := l.ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return -1
}

// Close stops accepting. Connections already accepted stay open.
func (l *Listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := l.ln.Close()
	<-l.done
	return err
}

// acceptLoop accepts until the listener is closed. Temporary errors (like running
// out of file descriptors) are retried with a growing delay.
func (l *Listener) acceptLoop() {
	defer close(l.done)
	tec := temperrcatcher.TempErrCatcher{}

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			if tec.IsTemporary(err) {
				Logger.Warningf("temporary accept error on %s: %v", l.Addr(), err)
				continue
			}
			Logger.Errorf("accept loop on %s stopped: %v", l.Addr(), err)
			return
		}
		l.reactor.accept(conn, l.handler)
	}
}
