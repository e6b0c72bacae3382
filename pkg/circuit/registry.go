package circuit

import "sync"

// Registry hands out one Breaker per peer address, creating it lazily. The
// map itself is guarded by a mutex only for the rare insert path; once
// obtained, a Breaker's hot-path operations are lock-free.
type Registry struct {
	mu       sync.Mutex
	params   Params
	breakers map[string]*Breaker
}

func NewRegistry(params Params) *Registry {
	return &Registry{
		params:   params,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for addr, creating one with the registry's default
// params on first use.
func (r *Registry) For(addr string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[addr]
	if !ok {
		b = New(r.params)
		r.breakers[addr] = b
	}
	return b
}

// Remove discards a peer's breaker, e.g. on explicit eviction.
func (r *Registry) Remove(addr string) {
	r.mu.Lock()
	delete(r.breakers, addr)
	r.mu.Unlock()
}
