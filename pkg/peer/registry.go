// Package peer implements the Peer Registry (spec.md §4.2) and the mDNS /
// DNS-SRV discovery agents that feed it (spec.md §4.3). The registry is a
// concurrent map with per-entry locks and read-copy snapshots: updating one
// peer (MarkFailed, MarkSuccess, UpdateLoad) takes only the map's read lock
// plus that peer's own lock, so snapshot reads never block it. Add, Evict
// and LoadSnapshot take the map's write lock and wait for snapshot reads in
// progress.
package peer

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Peer mirrors spec.md §3's Peer record.
type Peer struct {
	Addr            string
	LastSeen        time.Time
	Healthy         bool
	FailureCount    int
	LastLoad1       float64
}

// entry wraps a Peer with its own lock, so marking one peer failed never
// blocks a snapshot read of another.
type entry struct {
	mu   sync.RWMutex
	peer Peer
}

// Registry owns the peer set exclusively; discovery agents only hold
// addresses, never Peer references, per spec.md's ownership summary.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	now func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Add registers a previously-unknown peer. Returns true if it was newly
// added, false if it already existed.
func (r *Registry) Add(addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[addr]; ok {
		return false
	}
	r.entries[addr] = &entry{peer: Peer{
		Addr:     addr,
		LastSeen: r.now(),
		Healthy:  true,
	}}
	return true
}

// backoff implements spec.md invariant: backoff = min(60s, 2^(failure_count-1) s).
func backoff(failureCount int) time.Duration {
	if failureCount <= 0 {
		return 0
	}
	d := time.Duration(1) << uint(failureCount-1) * time.Second
	if d > 60*time.Second || failureCount > 6 {
		return 60 * time.Second
	}
	return d
}

// MarkFailed increments the failure count and marks the peer unhealthy. No
// deadline is stored: DueForRetry derives the backoff from FailureCount and
// LastSeen.
func (r *Registry) MarkFailed(addr string) {
	r.mu.RLock()
	e, ok := r.entries[addr]
	r.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.peer.FailureCount++
	e.peer.Healthy = false
	e.mu.Unlock()
}

// MarkSuccess resets the failure count and marks the peer healthy.
func (r *Registry) MarkSuccess(addr string) {
	r.mu.RLock()
	e, ok := r.entries[addr]
	r.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.peer.FailureCount = 0
	e.peer.Healthy = true
	e.peer.LastSeen = r.now()
	e.mu.Unlock()
}

// UpdateLoad records a peer's most recently published load1 value.
func (r *Registry) UpdateLoad(addr string, load1 float64) {
	r.mu.RLock()
	e, ok := r.entries[addr]
	r.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.peer.LastLoad1 = load1
	e.peer.LastSeen = r.now()
	e.mu.Unlock()
}

// Backoff returns the current backoff duration for a peer given its present
// failure count (spec.md §8 item 2).
func (r *Registry) Backoff(addr string) time.Duration {
	r.mu.RLock()
	e, ok := r.entries[addr]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return backoff(e.peer.FailureCount)
}

// snapshot copies out a Peer by value; callers never see the registry's
// internal lock, so a snapshot is always read-copy safe.
func (e *entry) snapshot() Peer {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.peer
}

// Healthy returns a point-in-time copy of every peer currently marked healthy.
func (r *Registry) Healthy() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peer, 0, len(r.entries))
	for _, e := range r.entries {
		p := e.snapshot()
		if p.Healthy {
			out = append(out, p)
		}
	}
	return out
}

// All returns a point-in-time copy of every known peer.
func (r *Registry) All() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peer, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.snapshot())
	}
	return out
}

// DueForRetry returns unhealthy peers whose backoff has elapsed.
func (r *Registry) DueForRetry() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peer, 0)
	for _, e := range r.entries {
		p := e.snapshot()
		if !p.Healthy && r.now().Sub(p.LastSeen) >= backoff(p.FailureCount) {
			out = append(out, p)
		}
	}
	return out
}

// Evict removes a peer explicitly (spec.md §3 lifecycle: "destroyed on
// explicit eviction").
func (r *Registry) Evict(addr string) {
	r.mu.Lock()
	delete(r.entries, addr)
	r.mu.Unlock()
}

// SaveSnapshot persists the registry to disk in the `peers.snapshot` format
// spec.md §6 defines: newline-delimited `<addr>,<last-seen-unix>,<failure-count>`.
func (r *Registry) SaveSnapshot(dir string) error {
	path := filepath.Join(dir, "peers.snapshot")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open peers.snapshot: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, p := range r.All() {
		fmt.Fprintf(w, "%s,%d,%d\n", p.Addr, p.LastSeen.Unix(), p.FailureCount)
	}
	return w.Flush()
}

// LoadSnapshot warm-starts the registry from a previously persisted
// peers.snapshot, if present, so the mesh does not start cold (see
// SPEC_FULL.md's "peers.snapshot warm-start" supplement). A missing file is
// not an error: the first run has nothing to load.
func (r *Registry) LoadSnapshot(dir string) error {
	path := filepath.Join(dir, "peers.snapshot")
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open peers.snapshot: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ",", 3)
		if len(parts) != 3 {
			continue
		}
		addr := parts[0]
		lastSeenUnix, err1 := strconv.ParseInt(parts[1], 10, 64)
		failureCount, err2 := strconv.Atoi(parts[2])
		if err1 != nil || err2 != nil {
			continue
		}
		r.mu.Lock()
		r.entries[addr] = &entry{peer: Peer{
			Addr:         addr,
			LastSeen:     time.Unix(lastSeenUnix, 0),
			Healthy:      failureCount == 0,
			FailureCount: failureCount,
		}}
		r.mu.Unlock()
	}
	return sc.Err()
}
