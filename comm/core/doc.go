// Package core implements the socket reactor and the connection pipeline.
//
// The package focuses on:
//   - Accepting and dialing TCP connections with the configured socket options
//   - Assembling wire frames from pooled read buffers without copying payloads
//   - Grouping small outbound application messages into message group frames
//   - Spreading busy connections over a pool of comm workers
//
// Key Components:
//
//   - Reactor: Owns the buffer pool, the main worker and the comm workers. New
//     connections start on the main worker. AddWeight moves a connection with an
//     established transport to the least loaded worker once its weight crosses the
//     configured threshold.
//
//   - worker: A reader loop and a writer loop. Requests from other goroutines
//     reach a worker through lock-free MPSC queues. The Go netpoller takes the role
//     of the selector: every connection has a read pump blocked in Read that hands
//     filled buffers to the reader loop of its owner.
//
//   - Connection: One socket. Reads are cut into frames by the assembler and
//     handed to an IMessageSink in socket order. Writes are queued by Put and
//     flushed by the writer loop; a write that exceeds the write slice is resumed
//     later. Closing releases every queued message and notifies the
//     IConnectionListener set exactly once.
//
//   - Listener: Accept loop that retries temporary errors.
//
// Any panic or error while handling one connection is logged and closes only that
// connection. The reactor loops keep running.
package core
