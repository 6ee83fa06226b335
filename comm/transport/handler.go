package transport

import (
	"github.com/ValentinKolb/dComm/comm/handshake"
	"os"
)

// IHandshakeErrorHandler decides what happens when a server rejects the
// handshake of a client
type IHandshakeErrorHandler interface {
	OnHandshakeError(t *Transport, errCtx *handshake.ErrorContext)
}

// LoggingHandshakeErrorHandler only logs the rejection
type LoggingHandshakeErrorHandler struct{}

func (LoggingHandshakeErrorHandler) OnHandshakeError(t *Transport, errCtx *handshake.ErrorContext) {
	Logger.Errorf("handshake of %s rejected: %v", t, errCtx)
}

// ExitingHandshakeErrorHandler logs the rejection and terminates the process
type ExitingHandshakeErrorHandler struct {
	// Exit is called with the exit code, os.Exit if nil
	Exit func(code int)
}

func (h ExitingHandshakeErrorHandler) OnHandshakeError(t *Transport, errCtx *handshake.ErrorContext) {
	Logger.Errorf("handshake of %s rejected, exiting: %v", t, errCtx)
	exit := h.Exit
	if exit == nil {
		exit = os.Exit
	}
	exit(1)
}
