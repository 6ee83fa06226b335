package core

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dComm/comm/common"
	"github.com/ValentinKolb/dComm/lib/buffer"
	"github.com/ValentinKolb/dComm/lib/queue"
	"github.com/puzpuzpuz/xsync/v3"
	gometrics "github.com/rcrowley/go-metrics"
	"go.uber.org/multierr"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ErrReactorClosed is returned by operations on a closed reactor
var ErrReactorClosed = errors.New("reactor closed")

// readBacklog is the number of read events a reader loop buffers per worker
const readBacklog = 256

// Reactor manages the sockets of a process.
//
// Every connection starts on the main worker. Once its transport is established
// and its weight crosses the configured threshold it is moved to the least
// loaded pool worker. The move is best effort: under concurrent updates two
// connections may pick the same worker.
type Reactor struct {
	config  common.ReactorConfig
	pool    *buffer.Pool
	main    *worker
	workers []*worker

	weightsMu sync.Mutex
	weights   *queue.WeightHeap

	conns    *xsync.MapOf[uint64, *Connection]
	nextID   atomic.Uint64
	registry gometrics.Registry

	listenersMu sync.Mutex
	listeners   []*Listener

	closed atomic.Bool
}

// NewReactor creates a reactor and starts its workers
func NewReactor(config common.ReactorConfig) *Reactor {
	if config.BufferSize <= 0 {
		config.BufferSize = common.DefaultReactorConfig().BufferSize
	}
	if config.WorkerCount < 0 {
		config.WorkerCount = 0
	}

	r := &Reactor{
		config:   config,
		pool:     buffer.NewPool(config.BufferSize),
		main:     newWorker(mainWorkerID, readBacklog),
		weights:  queue.NewWeightHeap(),
		conns:    xsync.NewMapOf[uint64, *Connection](),
		registry: gometrics.NewRegistry(),
	}

	r.main.start()
	for i := 0; i < config.WorkerCount; i++ {
		w := newWorker(i, readBacklog)
		r.workers = append(r.workers, w)
		r.weights.Set(i, 0)
		w.start()
	}

	Logger.Infof("reactor started with %d comm workers", config.WorkerCount)
	return r
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

func (r *Reactor) Config() common.ReactorConfig {
	return r.config
}

// Pool returns the read buffer pool
func (r *Reactor) Pool() *buffer.Pool {
	return r.pool
}

// Registry returns the registry holding the counters of all open connections
func (r *Reactor) Registry() gometrics.Registry {
	return r.registry
}

// WriteStats writes the counters of all open connections as JSON
func (r *Reactor) WriteStats(w io.Writer) {
	gometrics.WriteJSONOnce(r.registry, w)
}

// Connections returns a snapshot of all open connections
func (r *Reactor) Connections() []*Connection {
	out := make([]*Connection, 0, r.conns.Size())
	r.conns.Range(func(_ uint64, c *Connection) bool {
		out = append(out, c)
		return true
	})
	return out
}

// WorkerWeights returns the accumulated weight of every pool worker
func (r *Reactor) WorkerWeights() map[int]int64 {
	r.weightsMu.Lock()
	defer r.weightsMu.Unlock()
	out := make(map[int]int64, len(r.workers))
	for i := range r.workers {
		w, _ := r.weights.Get(i)
		out[i] = w
	}
	return out
}

// --------------------------------------------------------------------------
// Listen / Connect
// --------------------------------------------------------------------------

// Listen binds addr and accepts connections in the background. handler provides
// the sink of every accepted connection.
func (r *Reactor) Listen(addr string, handler IAcceptHandler) (*Listener, error) {
	if r.closed.Load() {
		return nil, ErrReactorClosed
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	l := &Listener{
		reactor: r,
		ln:      ln,
		handler: handler,
		done:    make(chan struct{}),
	}

	r.listenersMu.Lock()
	r.listeners = append(r.listeners, l)
	r.listenersMu.Unlock()

	go l.acceptLoop()
	Logger.Infof("listening on %s", ln.Addr())
	return l, nil
}

// Connect dials addr and registers the new connection with the main worker. The
// listeners are registered before the Connected event fires.
func (r *Reactor) Connect(ctx context.Context, addr string, timeout time.Duration, sink IMessageSink, listeners ...IConnectionListener) (*Connection, error) {
	if r.closed.Load() {
		return nil, ErrReactorClosed
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	if err := upgradeConnection(conn, r.config.Socket); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to configure connection to %s: %w", addr, err)
	}

	c := newConnection(r, r.nextID.Add(1), conn, true, sink)
	for _, l := range listeners {
		c.AddListener(l)
	}
	if err := r.start(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *Reactor) accept(conn net.Conn, handler IAcceptHandler) {
	if err := upgradeConnection(conn, r.config.Socket); err != nil {
		Logger.Warningf("rejecting connection from %s: %v", conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}

	c := newConnection(r, r.nextID.Add(1), conn, false, nil)
	sink, err := acceptWith(handler, c)
	if err != nil {
		Logger.Errorf("accept handler failed for %s: %v", c, err)
		_ = conn.Close()
		return
	}
	c.sink = sink
	if err := r.start(c); err != nil {
		Logger.Debugf("dropping accepted %s: %v", c, err)
	}
}

func acceptWith(handler IAcceptHandler, c *Connection) (sink IMessageSink, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return handler.Accept(c), nil
}

// start registers c, fires Connected and starts reading
func (r *Reactor) start(c *Connection) error {
	r.conns.Store(c.id, c)
	c.stats.register(r.registry, c.id)
	common.ConnectionsOpened.Inc()

	if r.closed.Load() {
		c.closeWith(nil)
		return ErrReactorClosed
	}

	Logger.Debugf("registered %s", c)
	c.fire("connected", func(l IConnectionListener) { l.Connected(c) })
	go c.readPump()
	return nil
}

func (r *Reactor) unregister(c *Connection) {
	r.conns.Delete(c.id)
	c.stats.unregister(r.registry, c.id)
	common.ConnectionsClosed.Inc()

	r.weightsMu.Lock()
	defer r.weightsMu.Unlock()
	if c.home != mainWorkerID {
		r.weights.Add(c.home, -c.weight)
	}
}

// --------------------------------------------------------------------------
// Weights
// --------------------------------------------------------------------------

// AddWeight adds delta to the weight of c. A connection on the main worker with
// an established transport and a weight of at least the threshold is moved to
// the least loaded pool worker.
func (r *Reactor) AddWeight(c *Connection, delta int64) {
	r.weightsMu.Lock()
	defer r.weightsMu.Unlock()

	if c.closed.Load() {
		return
	}
	c.weight += delta
	if c.home != mainWorkerID {
		r.weights.Add(c.home, delta)
		return
	}
	if len(r.workers) == 0 || !c.established.Load() || c.weight < r.config.WeightThreshold {
		return
	}

	key, _, ok := r.weights.Least()
	if !ok {
		return
	}
	r.weights.Add(key, c.weight)
	c.home = key

	target := r.workers[key]
	c.writer.Store(target)
	c.migrateTo.Store(target)
	Logger.Debugf("scheduled move of %s to %s (weight %d)", c, target, c.weight)
}

// --------------------------------------------------------------------------
// Shutdown
// --------------------------------------------------------------------------

// Close stops all listeners, closes every connection and stops the workers
func (r *Reactor) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	r.listenersMu.Lock()
	listeners := r.listeners
	r.listeners = nil
	r.listenersMu.Unlock()

	var err error
	for _, l := range listeners {
		err = multierr.Append(err, l.Close())
	}

	for _, c := range r.Connections() {
		c.closeWith(nil)
	}

	r.main.shutdown()
	for _, w := range r.workers {
		w.shutdown()
	}

	Logger.Infof("reactor stopped")
	return err
}
