// Package queue provides the scheduling data structures of the socket reactor.
//
//   - MPSC: an unbounded lock-free multi-producer single-consumer queue. Each reactor
//     worker drains its task queue (interest requests, closes, migrations) through it,
//     so producers on other goroutines never block.
//   - WeightHeap: a keyed min-heap used to pick the least loaded comm worker.
package queue
