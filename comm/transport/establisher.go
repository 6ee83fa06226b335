package transport

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dComm/comm/common"
	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"sync"
	"sync/atomic"
	"time"
)

var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

const (
	// warnEvery is how many failed reconnect attempts are logged at debug level
	// before one is logged as a warning
	warnEvery = 20

	// pendingReconnects is the capacity of the reconnect request queue
	pendingReconnects = 16
)

// ConnectFunc dials addr and runs the handshake
type ConnectFunc func(ctx context.Context, addr string) error

type reconnectRequest struct {
	connect ConnectFunc
	giveUp  func(err error)
}

// Establisher opens a client transport and re-establishes it in the background.
// Reconnects run one at a time on a worker goroutine started with the first
// request.
type Establisher struct {
	addresses []string
	interval  time.Duration
	maxTries  int
	clock     clock.Clock

	mu       sync.Mutex
	last     string
	started  bool
	stopped  bool
	requests chan reconnectRequest
	quit     chan struct{}
	done     chan struct{}

	attempts atomic.Int64
}

// NewEstablisher creates an establisher for config.Addresses
func NewEstablisher(config common.TransportConfig, clk clock.Clock) *Establisher {
	return &Establisher{
		addresses: append([]string(nil), config.Addresses...),
		interval:  config.ReconnectInterval,
		maxTries:  config.MaxReconnectTries,
		clock:     clk,
		requests:  make(chan reconnectRequest, pendingReconnects),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Open tries every address once in order and returns on the first success. A
// rejection that another address can not fix is returned immediately, otherwise
// the errors of all attempts are combined.
func (e *Establisher) Open(ctx context.Context, connect ConnectFunc) error {
	if len(e.addresses) == 0 {
		return ErrNoAddresses
	}

	var errs error
	for _, addr := range e.addresses {
		if e.isStopped() {
			return ErrTransportClosed
		}
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}

		err := connect(ctx, addr)
		if err == nil {
			e.setLast(addr)
			return nil
		}
		Logger.Warningf("failed to connect to %s: %v", addr, err)
		if isFatal(err) {
			return err
		}
		errs = multierr.Append(errs, err)
	}
	return fmt.Errorf("failed to connect to any of %v: %w", e.addresses, errs)
}

// Reconnect queues a background reconnect. giveUp is called from the worker if
// the reconnect fails for good. It returns false if the establisher is stopped
// or a reconnect is already queued.
func (e *Establisher) Reconnect(connect ConnectFunc, giveUp func(err error)) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return false
	}
	if !e.started {
		e.started = true
		go e.run()
	}

	select {
	case e.requests <- reconnectRequest{connect: connect, giveUp: giveUp}:
		return true
	default:
		return false
	}
}

// Stop terminates the worker and drops queued requests. It does not wait for a
// running attempt; use Done for that.
func (e *Establisher) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return
	}
	e.stopped = true
	close(e.quit)
	if !e.started {
		close(e.done)
	}
}

// Done is closed once the worker terminated after Stop
func (e *Establisher) Done() <-chan struct{} {
	return e.done
}

// Attempts returns the number of reconnect attempts made so far
func (e *Establisher) Attempts() int64 {
	return e.attempts.Load()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (e *Establisher) run() {
	defer close(e.done)
	for {
		select {
		case <-e.quit:
			e.drain()
			return
		case req := <-e.requests:
			e.reconnect(req)
		}
	}
}

func (e *Establisher) drain() {
	for {
		select {
		case <-e.requests:
		default:
			return
		}
	}
}

// reconnect cycles over all addresses until one attempt succeeds, a fatal error
// occurs or maxTries cycles are exhausted. The address that was connected last is
// skipped in the first cycle if there are others to try.
func (e *Establisher) reconnect(req reconnectRequest) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-e.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	last := e.lastAddress()
	failed := 0
	var lastErr error

	for cycle := 0; e.maxTries < 0 || cycle < e.maxTries; cycle++ {
		for _, addr := range e.addresses {
			if cycle == 0 && len(e.addresses) > 1 && addr == last {
				continue
			}
			if e.isStopped() {
				return
			}

			e.attempts.Add(1)
			common.ReconnectAttempts.Inc()
			err := req.connect(ctx, addr)
			if err == nil {
				e.setLast(addr)
				Logger.Infof("reconnected to %s after %d failed attempts", addr, failed)
				return
			}
			if isFatal(err) {
				req.giveUp(err)
				return
			}

			failed++
			lastErr = err
			if failed%warnEvery == 0 {
				Logger.Warningf("reconnect attempt %d to %s failed: %v", failed, addr, err)
			} else {
				Logger.Debugf("reconnect attempt %d to %s failed: %v", failed, addr, err)
			}

			if !e.sleep() {
				return
			}
		}
	}
	req.giveUp(fmt.Errorf("%w after %d cycles over %v, last error: %v", ErrReconnectExhausted, e.maxTries, e.addresses, lastErr))
}

// sleep waits for the reconnect interval and returns false if stopped meanwhile
func (e *Establisher) sleep() bool {
	if e.interval <= 0 {
		return !e.isStopped()
	}
	select {
	case <-e.clock.After(e.interval):
		return true
	case <-e.quit:
		return false
	}
}

func (e *Establisher) isStopped() bool {
	select {
	case <-e.quit:
		return true
	default:
		return false
	}
}

func (e *Establisher) lastAddress() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

func (e *Establisher) setLast(addr string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.last = addr
}
