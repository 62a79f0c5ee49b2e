// Package wire implements the framed message protocol spoken between a
// controlling process and its worker.
//
// Every frame is a 4-byte big-endian length followed by a gob-encoded
// Message. A frame with a declared length of zero carries no payload at all;
// instead it transfers exactly one open file descriptor to the peer via
// SCM_RIGHTS ancillary data. Both kinds of frame travel over the same
// connected AF_UNIX stream socket.
package wire

import (
	"encoding/gob"
)

// Request kinds understood by the service loop, and reply kinds produced by
// it. Replies are either KindData (success, Args holds the return value) or
// KindException (Args holds the remote error's type name and trace text).
const (
	KindData         = "data"
	KindException    = "exception"
	KindClose        = "close"
	KindFork         = "fork"
	KindFunctionCall = "function_call"
)

// Ready is the single-token acknowledgment sent by a worker once it has
// finished setting up its end of the channel, both after spawn and after
// fork.
const Ready = "ready"

// Message is the unit of the wire protocol: a request or reply kind plus its
// positional arguments.
type Message struct {
	Kind string
	Args []interface{}
}

// RegisterType makes a concrete type transmissible inside Message.Args.
// Values of unregistered non-basic types cannot cross the wire; callers with
// custom argument or return types must register them in both processes.
func RegisterType(v interface{}) {
	gob.Register(v)
}

func init() {
	// Composite types that the protocol itself puts inside Args. Basic
	// types (string, int, bool, ...) are predeclared by gob.
	gob.Register([]interface{}{})
	gob.Register(map[string]interface{}{})
	gob.Register([]int{})
}
