// Package common provides the configuration structures, logging and metrics
// shared by all dComm packages.
//
// The package focuses on:
//   - Configuration structures for the transport, the health checker and the reactor
//   - Custom logging implementation integrated with Dragonboat's logger package
//   - Process-wide Prometheus counters
//
// Key Components:
//
//   - Config: Bundles TransportConfig, HealthCheckConfig and ReactorConfig. Every
//     structure has a Default constructor, and Config renders itself for startup logs.
//
//   - Logger: Custom ILogger implementation that is installed as Dragonboat's
//     logger factory, so every package logs with the same format. Packages obtain
//     their logger with logger.GetLogger("<name>").
//
//   - Metrics: Counters exported through VictoriaMetrics. The serve command exposes
//     them on /metrics.
package common
