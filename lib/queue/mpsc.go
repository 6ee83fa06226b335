package queue

import (
	"runtime"
	"sync"
	"sync/atomic"
)

type mpscNode[T any] struct {
	value T
	next  atomic.Pointer[mpscNode[T]]
}

// MPSC is an unbounded, lock-free multi-producer single-consumer queue.
//
// Producers never block; items pushed by one goroutine are received in the order
// that goroutine pushed them. Items of different producers interleave in the order
// their appends completed. The consumer reads from Recv().
type MPSC[T any] struct {
	head   atomic.Pointer[mpscNode[T]]
	tail   atomic.Pointer[mpscNode[T]]
	out    chan T
	closed atomic.Bool
	size   atomic.Int64

	mu   sync.Mutex
	cond *sync.Cond
}

// NewMPSC creates a queue and starts its delivery goroutine
func NewMPSC[T any]() *MPSC[T] {
	stub := &mpscNode[T]{}
	q := &MPSC[T]{out: make(chan T)}
	q.cond = sync.NewCond(&q.mu)
	q.head.Store(stub)
	q.tail.Store(stub)

	go q.deliver()
	return q
}

// Push appends a value. It returns false if the queue is closed.
func (q *MPSC[T]) Push(value T) bool {
	if q.closed.Load() {
		return false
	}

	n := &mpscNode[T]{value: value}
	var spins uint8

	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if next != nil {
			// another producer appended but has not moved the tail yet
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		if tail.next.CompareAndSwap(nil, n) {
			q.tail.CompareAndSwap(tail, n)
			q.size.Add(1)

			q.mu.Lock()
			q.cond.Signal()
			q.mu.Unlock()
			return true
		}

		// contended, back off before retrying
		if spins < 8 {
			spins++
			for i := 0; i < 1<<spins; i++ {
				runtime.Gosched()
			}
		} else {
			runtime.Gosched()
		}
	}
}

// deliver moves items from the linked list to the out channel
func (q *MPSC[T]) deliver() {
	defer close(q.out)

	for {
		head := q.head.Load()
		next := head.next.Load()

		if next == nil {
			if q.closed.Load() {
				return
			}
			q.mu.Lock()
			if q.head.Load().next.Load() == nil && !q.closed.Load() {
				q.cond.Wait()
			}
			q.mu.Unlock()
			continue
		}

		value := next.value
		q.head.Store(next)
		q.size.Add(-1)

		q.out <- value

		var zero T
		next.value = zero
	}
}

// Recv returns the channel the consumer reads from. It is closed after Close once
// all pending items were delivered.
func (q *MPSC[T]) Recv() <-chan T {
	return q.out
}

// Close rejects further pushes. Pending items are still delivered.
func (q *MPSC[T]) Close() {
	q.closed.Store(true)

	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
}

// IsClosed reports whether Close was called
func (q *MPSC[T]) IsClosed() bool {
	return q.closed.Load()
}

// Len returns the approximate number of items not yet handed to the consumer
func (q *MPSC[T]) Len() int {
	return int(q.size.Load())
}
