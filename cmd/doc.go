// Package cmd implements the command-line interface of dComm. It provides a
// small server and client to exercise the transport from a shell.
//
// The package is organized into several subpackages:
//
//   - serve: Starts a server stack that echoes every message it receives
//   - connect: Opens a client transport and measures the round trip of its messages
//   - util: Shared flags, configuration and the message envelope (internal use)
//
// See dcomm -help for a list of all commands.
package cmd
