// Package mempool provides a task-scoped resource pool: a registry of
// cleanup functions run exactly once at teardown, plus a small stash of
// named variables whose lifetime is tied to the pool.
//
// Destructors run in reverse registration order, so a resource registered
// later (which may reference memory owned by an earlier registration) is
// always released first.
package mempool

import "sync"

// Destructor releases one resource owned by the pool.
type Destructor func()

// Pool owns task-scoped resources. A Pool belongs to exactly one task and
// is never shared between goroutines; the mutex only guards against a
// destructor itself registering further cleanups during Destroy.
type Pool struct {
	mu          sync.Mutex
	destructors []Destructor
	variables   map[string]any
	destroyed   bool
}

// New creates an empty pool.
func New() *Pool {
	return &Pool{}
}

// AddDestructor registers fn to run at Destroy. Registration after Destroy
// runs fn immediately, so late registrations cannot leak.
func (p *Pool) AddDestructor(fn Destructor) {
	if fn == nil {
		return
	}

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		fn()
		return
	}
	p.destructors = append(p.destructors, fn)
	p.mu.Unlock()
}

// SetVariable stores a named value in the pool. The value lives until
// Destroy; an optional cleanup runs with the other destructors.
func (p *Pool) SetVariable(name string, value any, cleanup Destructor) {
	p.mu.Lock()
	if p.variables == nil {
		p.variables = make(map[string]any)
	}
	p.variables[name] = value
	p.mu.Unlock()

	if cleanup != nil {
		p.AddDestructor(cleanup)
	}
}

// Variable returns a previously stored value, or nil.
func (p *Pool) Variable(name string) any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.variables[name]
}

// Destroy runs all registered destructors exactly once, newest first, and
// drops the variable stash. Calling Destroy again is a no-op.
func (p *Pool) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	ds := p.destructors
	p.destructors = nil
	p.variables = nil
	p.mu.Unlock()

	for i := len(ds) - 1; i >= 0; i-- {
		ds[i]()
	}
}
