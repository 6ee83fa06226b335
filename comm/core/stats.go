package core

import (
	"fmt"
	gometrics "github.com/rcrowley/go-metrics"
	"time"
)

// Stats holds the counters of one connection. The reactor registers them in its
// registry under "conn.<id>." while the connection is open.
type Stats struct {
	MessagesRead    gometrics.Counter
	MessagesWritten gometrics.Counter
	BytesRead       gometrics.Counter
	BytesWritten    gometrics.Counter

	// GroupSize samples the number of messages per written frame
	GroupSize gometrics.Histogram

	// ReadIdle and WriteIdle report the milliseconds since the last read and write
	ReadIdle  gometrics.Gauge
	WriteIdle gometrics.Gauge
}

func newStats(lastRead, lastWrite func() time.Time) *Stats {
	return &Stats{
		MessagesRead:    gometrics.NewCounter(),
		MessagesWritten: gometrics.NewCounter(),
		BytesRead:       gometrics.NewCounter(),
		BytesWritten:    gometrics.NewCounter(),
		GroupSize:       gometrics.NewHistogram(gometrics.NewUniformSample(1028)),
		ReadIdle:        idleGauge(lastRead),
		WriteIdle:       idleGauge(lastWrite),
	}
}

func idleGauge(last func() time.Time) gometrics.Gauge {
	return gometrics.NewFunctionalGauge(func() int64 {
		return time.Since(last()).Milliseconds()
	})
}

func (s *Stats) metrics() map[string]interface{} {
	return map[string]interface{}{
		"messages_read":    s.MessagesRead,
		"messages_written": s.MessagesWritten,
		"bytes_read":       s.BytesRead,
		"bytes_written":    s.BytesWritten,
		"group_size":       s.GroupSize,
		"read_idle_ms":     s.ReadIdle,
		"write_idle_ms":    s.WriteIdle,
	}
}

func (s *Stats) register(registry gometrics.Registry, id uint64) {
	for name, m := range s.metrics() {
		if err := registry.Register(statName(id, name), m); err != nil {
			Logger.Debugf("failed to register metric %s: %v", statName(id, name), err)
		}
	}
}

func (s *Stats) unregister(registry gometrics.Registry, id uint64) {
	for name := range s.metrics() {
		registry.Unregister(statName(id, name))
	}
}

func (s *Stats) String() string {
	return fmt.Sprintf("read=%d/%dB written=%d/%dB mean-group=%.1f idle=%d/%dms",
		s.MessagesRead.Count(), s.BytesRead.Count(),
		s.MessagesWritten.Count(), s.BytesWritten.Count(),
		s.GroupSize.Mean(), s.ReadIdle.Value(), s.WriteIdle.Value())
}

func statName(id uint64, name string) string {
	return fmt.Sprintf("conn.%d.%s", id, name)
}
