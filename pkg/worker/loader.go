package worker

import (
	"context"
	"fmt"
	"sync"
)

// A deserialized task callable. Opaque to the worker; only the
// code loader that produced it knows how to invoke it.
type Callable any

// Deserializes and invokes opaque task payloads. The worker never
// interprets payload bytes itself; the capability is injected at
// construction.
type CodeLoader interface {
	// Decode deserializes a callable payload.
	Decode(payload []byte) (Callable, error)

	// Invoke calls a decoded callable with the given arguments.
	Invoke(ctx context.Context, fn Callable, args []any, kwargs map[string]any) (any, error)
}

// A function registered with a RegistryLoader.
type RegistryFunc func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// A code loader dispatching to pre-registered functions by name.
// The payload bytes are the function name.
type RegistryLoader struct {
	mu    sync.RWMutex
	funcs map[string]RegistryFunc
}

func NewRegistryLoader() *RegistryLoader {
	return &RegistryLoader{
		funcs: map[string]RegistryFunc{},
	}
}

// Register a named function. Replaces any previous registration.
func (l *RegistryLoader) Register(name string, fn RegistryFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.funcs[name] = fn
}

func (l *RegistryLoader) Decode(payload []byte) (Callable, error) {
	name := string(payload)

	l.mu.RLock()
	fn, ok := l.funcs[name]
	l.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown function %q", name)
	}
	return fn, nil
}

func (l *RegistryLoader) Invoke(ctx context.Context, fn Callable, args []any, kwargs map[string]any) (any, error) {
	registered, ok := fn.(RegistryFunc)
	if !ok {
		return nil, fmt.Errorf("callable of type %T is not invocable", fn)
	}
	return registered(ctx, args, kwargs)
}

// A client-side completion sink for a task, resolved when the task's
// execution stores its value and rejected when it errs. A task that
// reaches memory without executing does not resolve it.
type Future interface {
	Resolve(value any)
	Reject(err error)
}
