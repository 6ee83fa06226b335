package core

import (
	"fmt"
	"github.com/ValentinKolb/dComm/lib/buffer"
	"github.com/ValentinKolb/dComm/lib/queue"
	"io"
	"sync"
	"sync/atomic"
)

// mainWorkerID is the id of the worker that owns every new connection
const mainWorkerID = -1

// readEvent is what a read pump hands to the reader loop of the connection's owner
type readEvent struct {
	conn *Connection
	buf  *buffer.Buffer
	data []byte
	err  error

	// barrier is closed by the reader loop once all earlier events are processed
	barrier chan struct{}
}

// worker is a pair of loops: the reader loop consumes read events and tasks, the
// writer loop flushes connections that registered write interest.
type worker struct {
	id   int
	name string

	reads  chan readEvent
	tasks  *queue.MPSC[func()]
	writes *queue.MPSC[*Connection]

	// handling is the connection whose read event the reader loop is processing
	handling atomic.Pointer[Connection]

	loops   sync.WaitGroup
	stopped chan struct{}
	stop    sync.Once
}

func newWorker(id int, backlog int) *worker {
	name := "main"
	if id != mainWorkerID {
		name = fmt.Sprintf("worker-%d", id)
	}
	return &worker{
		id:      id,
		name:    name,
		reads:   make(chan readEvent, backlog),
		tasks:   queue.NewMPSC[func()](),
		writes:  queue.NewMPSC[*Connection](),
		stopped: make(chan struct{}),
	}
}

func (w *worker) start() {
	w.loops.Add(2)
	go w.readLoop()
	go w.writeLoop()
}

// submit runs task on the reader loop. It returns false if the worker is stopped.
func (w *worker) submit(task func()) bool {
	return w.tasks.Push(task)
}

// requestWrite registers write interest of conn with the writer loop
func (w *worker) requestWrite(conn *Connection) bool {
	return w.writes.Push(conn)
}

// shutdown stops both loops and waits for them to finish
func (w *worker) shutdown() {
	w.stop.Do(func() {
		w.tasks.Close()
		w.writes.Close()
		w.loops.Wait()
		close(w.stopped)
		w.drain()
	})
}

// --------------------------------------------------------------------------
// Loops
// --------------------------------------------------------------------------

func (w *worker) readLoop() {
	defer w.loops.Done()
	tasks := w.tasks.Recv()
	for {
		select {
		case ev := <-w.reads:
			w.handleRead(ev)
		case task, ok := <-tasks:
			if !ok {
				return
			}
			w.runTask(task)
		}
	}
}

func (w *worker) writeLoop() {
	defer w.loops.Done()
	for conn := range w.writes.Recv() {
		conn.flush()
	}
}

// handleRead feeds one chunk into the assembler of its connection and dispatches
// every complete frame. A failure closes only that connection.
func (w *worker) handleRead(ev readEvent) {
	if ev.barrier != nil {
		close(ev.barrier)
		return
	}

	c := ev.conn
	defer func() {
		if r := recover(); r != nil {
			Logger.Errorf("[%s] panic while reading %s: %v", w.name, c, r)
			c.closeWith(fmt.Errorf("panic while reading: %v", r))
			c.releaseReadSide()
		}
	}()

	c.readMu.Lock()
	defer c.readMu.Unlock()

	w.handling.Store(c)
	defer w.handling.Store(nil)

	if c.closed.Load() {
		if ev.buf != nil {
			ev.buf.Release()
		}
		c.asm.release()
		return
	}

	if ev.err != nil {
		if ev.err == io.EOF {
			Logger.Debugf("[%s] end of file on %s", w.name, c)
		} else {
			Logger.Warningf("[%s] read error on %s: %v", w.name, c, ev.err)
		}
		c.closeWith(ev.err)
		c.asm.release()
		return
	}

	c.recordRead(len(ev.data))
	frames, err := c.asm.add(ev.buf, ev.data)
	if err != nil {
		c.protocolError(err)
		c.asm.release()
		return
	}

	for i, frame := range frames {
		if c.closed.Load() {
			for _, rest := range frames[i:] {
				rest.Release()
			}
			break
		}
		c.dispatch(frame)
	}

	if c.closed.Load() {
		c.asm.release()
	}
}

// onLoop reports whether the reader loop is currently dispatching events of c
func (w *worker) onLoop(c *Connection) bool {
	return w.handling.Load() == c
}

func (w *worker) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			Logger.Errorf("[%s] panic in task: %v", w.name, r)
		}
	}()
	task()
}

// drain releases read events that arrived after the reader loop stopped
func (w *worker) drain() {
	for {
		select {
		case ev := <-w.reads:
			if ev.barrier != nil {
				close(ev.barrier)
			}
			if ev.buf != nil {
				ev.buf.Release()
			}
			if ev.conn != nil {
				ev.conn.releaseReadSide()
			}
		default:
			return
		}
	}
}

func (w *worker) String() string {
	return w.name
}
