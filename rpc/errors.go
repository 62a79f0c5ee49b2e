//go:build unix

package rpc

import "errors"

// ErrClosed is returned by a request made after the client was closed
// locally. It is not an I/O failure.
var ErrClosed = errors.New("remote process already closed")

// ErrCrashed marks a client on which an I/O failure was observed during a
// request. The state is terminal: every subsequent request fails immediately
// without touching the transport.
var ErrCrashed = errors.New("remote process crashed")

// ErrForkProtocol is returned when the original worker's acknowledgment of a
// fork is not the expected ready sentinel.
var ErrForkProtocol = errors.New("fork: unexpected acknowledgment from original worker")

// RemoteError carries a failure raised by a handler in the worker. The
// worker catches the failure, formats it, and ships it back as data; the
// original error value itself never crosses the process boundary, only its
// type identity and formatted trace.
type RemoteError struct {
	// Type is the remote error's type name, e.g. "worker.ValueError".
	Type string
	// Trace is the formatted failure text captured in the worker,
	// including a stack trace when the handler panicked.
	Trace string
}

func (e *RemoteError) Error() string {
	return "remote " + e.Type + ": " + e.Trace
}
