package util

import (
	"fmt"
	"github.com/vmihailenco/msgpack/v5"
	"time"
)

// Envelope is the application message exchanged by the connect and serve commands
type Envelope struct {
	Seq    uint64 `msgpack:"seq"`
	Body   string `msgpack:"body"`
	SentAt int64  `msgpack:"sent_at"`
	Echo   bool   `msgpack:"echo"`
}

// NewEnvelope creates a request stamped with the current time
func NewEnvelope(seq uint64, body string) Envelope {
	return Envelope{Seq: seq, Body: body, SentAt: time.Now().UnixNano()}
}

// RoundTrip returns the time since the envelope was created
func (e Envelope) RoundTrip() time.Duration {
	return time.Since(time.Unix(0, e.SentAt))
}

// EncodeEnvelope serializes an envelope with msgpack
func EncodeEnvelope(e Envelope) ([]byte, error) {
	b, err := msgpack.Marshal(&e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return b, nil
}

// DecodeEnvelope deserializes an envelope. The result does not alias b.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	if err := msgpack.Unmarshal(b, &e); err != nil {
		return e, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return e, nil
}
