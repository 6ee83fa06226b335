package wire

import (
	"errors"
	"fmt"
)

// ErrProtocolFormat matches every *ProtocolFormatError via errors.Is
var ErrProtocolFormat = errors.New("protocol format error")

// ProtocolFormatError reports a malformed wire header or message. It is never
// retried; the connection that produced it is torn down.
type ProtocolFormatError struct {
	Field  string
	Reason string
}

func (e *ProtocolFormatError) Error() string {
	return fmt.Sprintf("protocol format error: %s: %s", e.Field, e.Reason)
}

func (e *ProtocolFormatError) Is(target error) bool {
	return target == ErrProtocolFormat
}

func formatErr(field, format string, args ...interface{}) error {
	return &ProtocolFormatError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
