package common

import (
	"github.com/VictoriaMetrics/metrics"
	"io"
)

// --------------------------------------------------------------------------
// Process-wide Prometheus metrics
// --------------------------------------------------------------------------

var (
	ConnectionsOpened = metrics.NewCounter("dcomm_connections_opened_total")
	ConnectionsClosed = metrics.NewCounter("dcomm_connections_closed_total")

	FramesRead    = metrics.NewCounter("dcomm_frames_read_total")
	FramesWritten = metrics.NewCounter("dcomm_frames_written_total")
	BytesRead     = metrics.NewCounter("dcomm_bytes_read_total")
	BytesWritten  = metrics.NewCounter("dcomm_bytes_written_total")
	GroupsWritten = metrics.NewCounter("dcomm_message_groups_written_total")

	ProtocolErrors      = metrics.NewCounter("dcomm_protocol_errors_total")
	HandshakesCompleted = metrics.NewCounter("dcomm_handshakes_completed_total")
	AdmissionRejected   = metrics.NewCounter("dcomm_admission_rejected_total")
	ReconnectAttempts   = metrics.NewCounter("dcomm_reconnect_attempts_total")

	PingsSent         = metrics.NewCounter("dcomm_healthcheck_pings_sent_total")
	SocketConnects    = metrics.NewCounter("dcomm_healthcheck_socket_connects_total")
	PeersDeclaredDead = metrics.NewCounter("dcomm_healthcheck_dead_total")

	_ = metrics.NewGauge("dcomm_connections_active", func() float64 {
		return float64(ConnectionsOpened.Get()) - float64(ConnectionsClosed.Get())
	})
)

// WritePrometheus writes all dComm metrics (and process metrics) in the Prometheus text format
func WritePrometheus(w io.Writer) {
	metrics.WritePrometheus(w, true)
}
