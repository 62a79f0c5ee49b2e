//go:build unix

package rpc

import (
	"github.com/minrpc/minrpc/wire"
)

// Caller issues remote function calls. Client implements it; RemoteModule is
// a thin wrapper that fixes the module name.
type Caller interface {
	Call(module, function string, args []interface{}, kwargs map[string]interface{}) (interface{}, error)
}

// Call invokes the named function of the named module in the worker. A nil
// args or kwargs is treated as empty.
func (c *Client) Call(module, function string, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	if args == nil {
		args = []interface{}{}
	}
	if kwargs == nil {
		kwargs = map[string]interface{}{}
	}
	return c.Request(wire.KindFunctionCall, module, function, args, kwargs)
}

// RemoteModule is a proxy for a named module living in the worker. It has no
// state beyond its identity.
type RemoteModule struct {
	caller Caller
	module string
}

// Module returns a proxy for the named module in the worker.
func (c *Client) Module(name string) *RemoteModule {
	return &RemoteModule{caller: c, module: name}
}

// Call invokes a function of the remote module with positional arguments.
func (m *RemoteModule) Call(function string, args ...interface{}) (interface{}, error) {
	return m.caller.Call(m.module, function, args, nil)
}

// CallKW invokes a function of the remote module with positional and keyword
// arguments.
func (m *RemoteModule) CallKW(function string, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	return m.caller.Call(m.module, function, args, kwargs)
}

// Name returns the remote module's name.
func (m *RemoteModule) Name() string {
	return m.module
}
