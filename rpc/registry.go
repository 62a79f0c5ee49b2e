//go:build unix

package rpc

import (
	"fmt"
	"sync"
)

// Func is a function callable from the client side. Arguments arrive as
// decoded wire values; custom types must be registered with
// wire.RegisterType in both processes.
type Func func(args []interface{}, kwargs map[string]interface{}) (interface{}, error)

// Module is a named set of functions exposed by a worker.
type Module map[string]Func

// Registry resolves function_call requests. Go has no importable-by-name
// modules, so the worker registers the modules it exposes explicitly.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{modules: map[string]Module{}}
}

// Register exposes a module under the given name, replacing any previous
// registration.
func (r *Registry) Register(name string, m Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[name] = m
}

// Lookup resolves a module/function pair.
func (r *Registry) Lookup(module, function string) (Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[module]
	if !ok {
		return nil, fmt.Errorf("unknown module %q", module)
	}
	f, ok := m[function]
	if !ok {
		return nil, fmt.Errorf("unknown function %q in module %q", function, module)
	}
	return f, nil
}
