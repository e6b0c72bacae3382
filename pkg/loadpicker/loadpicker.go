// Package loadpicker implements the Load Picker (spec.md §4.9): selection of
// the least-loaded peer. Loads are atomic values in a map keyed by peer
// address, so updating an already-known peer's load never blocks a
// concurrent pick; the first publication for a new peer takes the map's
// write lock.
package loadpicker

import (
	"math"
	"sync"
	"sync/atomic"
)

// Picker tracks published load1 values per peer address.
type Picker struct {
	mu    sync.RWMutex
	loads map[string]*atomic.Uint64 // math.Float64bits(load1)

	cpuCount     float64
	maxInFlight  int64
	localLoad    atomic.Uint64
	localInFlight atomic.Int64
}

// New constructs a picker given the local node's CPU count and max in-flight
// request budget, used by the local overload check.
func New(cpuCount float64, maxInFlight int64) *Picker {
	p := &Picker{
		loads:       make(map[string]*atomic.Uint64),
		cpuCount:    cpuCount,
		maxInFlight: maxInFlight,
	}
	p.localLoad.Store(math.Float64bits(0))
	return p
}

// Publish records a peer's most recently published load1 value.
func (p *Picker) Publish(addr string, load1 float64) {
	p.mu.RLock()
	v, ok := p.loads[addr]
	p.mu.RUnlock()
	if !ok {
		p.mu.Lock()
		v, ok = p.loads[addr]
		if !ok {
			v = &atomic.Uint64{}
			p.loads[addr] = v
		}
		p.mu.Unlock()
	}
	v.Store(math.Float64bits(load1))
}

// PublishLocal records the local node's own load1 and in-flight count.
func (p *Picker) PublishLocal(load1 float64, inFlight int64) {
	p.localLoad.Store(math.Float64bits(load1))
	p.localInFlight.Store(inFlight)
}

// LocalOverloaded reports whether the local node should prefer a remote
// peer even when one is not strictly needed (spec.md §4.9).
func (p *Picker) LocalOverloaded() bool {
	load := math.Float64frombits(p.localLoad.Load())
	return load > p.cpuCount || p.localInFlight.Load() > p.maxInFlight
}

// Pick returns the address of the peer with the minimum published load1
// among the given candidates, treating NaN as +Inf so a malformed
// publication never wins. Ties are broken by index (first one wins).
func (p *Picker) Pick(candidates []string) (string, bool) {
	best := ""
	bestLoad := math.Inf(1)
	found := false

	for _, addr := range candidates {
		p.mu.RLock()
		v, ok := p.loads[addr]
		p.mu.RUnlock()

		load := math.Inf(1)
		if ok {
			load = math.Float64frombits(v.Load())
			if math.IsNaN(load) {
				load = math.Inf(1)
			}
		}
		if !found || load < bestLoad {
			bestLoad = load
			best = addr
			found = true
		}
	}
	return best, found
}
