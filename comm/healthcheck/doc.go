// Package healthcheck detects dead peers on idle connections.
//
// The package focuses on:
//   - Pinging connections that received nothing for the ping idle time
//   - Telling a paused peer (long GC, stopped process) from a dead one
//   - Disconnecting dead peers so the transport can reconnect
//
// Key Components:
//
//   - Checker: The engine. Every ping interval it walks the monitored
//     connections. Connections with recent traffic are reset, idle ones advance
//     their probe state machine.
//
//   - monitorContext: The state machine of one connection. START and ALIVE send a
//     PING and wait in AWAIT_PING_REPLY. After PingProbes unanswered pings the
//     context either declares the peer DEAD or, with SocketConnectOnPingFail,
//     dials the callback address of the peer in SOCKET_CONNECT_PROBE. A successful
//     connect restarts the pings up to SocketConnectMaxCount times in a row; a
//     failed connect is DEAD. Any PING-REPLY resets the context to ALIVE.
package healthcheck
