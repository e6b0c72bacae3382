// Package ratelimit implements the hybrid Rate Limiter of spec.md §4.6: a
// per-endpoint token bucket plus a per-principal sliding window. The token
// bucket's hot path is lock-free: each bucket holds an atomic fixed-point
// tokens count and a last-refill timestamp updated by compare-and-swap.
package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"
)

const fixedPointScale = 1 << 16 // tokens stored as fixed-point for atomic CAS

// bucketState packs tokens-as-fixed-point and last-refill-nanos so a single
// CAS can update both atomically.
type bucketState struct {
	tokensFixed int64
	lastRefill  int64 // unix nanos
}

// Bucket is one endpoint's token bucket.
type Bucket struct {
	capacity   float64
	refillRate float64 // tokens per second
	state      atomic.Pointer[bucketState]
}

// NewBucket creates a bucket starting full.
func NewBucket(capacity, refillRate float64) *Bucket {
	b := &Bucket{capacity: capacity, refillRate: refillRate}
	b.state.Store(&bucketState{
		tokensFixed: int64(capacity * fixedPointScale),
		lastRefill:  time.Now().UnixNano(),
	})
	return b
}

// TryTake attempts to remove cost tokens, refilling based on elapsed time
// first. Returns true if the cost was admitted.
func (b *Bucket) TryTake(cost float64) bool {
	costFixed := int64(cost * fixedPointScale)
	now := time.Now().UnixNano()

	for {
		cur := b.state.Load()
		elapsed := float64(now-cur.lastRefill) / float64(time.Second)
		if elapsed < 0 {
			elapsed = 0
		}
		refilled := cur.tokensFixed + int64(elapsed*b.refillRate*fixedPointScale)
		capFixed := int64(b.capacity * fixedPointScale)
		if refilled > capFixed {
			refilled = capFixed
		}

		if refilled < costFixed {
			next := &bucketState{tokensFixed: refilled, lastRefill: now}
			b.state.CompareAndSwap(cur, next)
			return false
		}

		next := &bucketState{tokensFixed: refilled - costFixed, lastRefill: now}
		if b.state.CompareAndSwap(cur, next) {
			return true
		}
		// lost the race, retry with fresh state
	}
}

// defaultSubBuckets is the number of sub-buckets per window: six, so the
// default 60s/600-request window uses 10-second sub-buckets.
const defaultSubBuckets = 6

// SlidingWindow is a per-principal request counter over a rolling window.
type SlidingWindow struct {
	window     time.Duration
	maxRequest int
	subDur     time.Duration

	mu      sync.Mutex
	buckets []subBucket
}

type subBucket struct {
	startUnix int64
	count     int
}

// NewSlidingWindow creates a window, default 60s / 600 requests.
func NewSlidingWindow(window time.Duration, maxRequests int) *SlidingWindow {
	return &SlidingWindow{
		window:     window,
		maxRequest: maxRequests,
		subDur:     window / defaultSubBuckets,
		buckets:    make([]subBucket, defaultSubBuckets),
	}
}

// Admit records one request and reports whether the principal is still
// within budget, computed as the sum of the completed sub-buckets inside the
// window plus the current sub-bucket's count, counted in full.
func (w *SlidingWindow) Admit() bool {
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()

	idx := int((now.Unix() / int64(w.subDur.Seconds()+0.5)) % defaultSubBuckets)
	startUnix := now.Truncate(w.subDur).Unix()
	if w.buckets[idx].startUnix != startUnix {
		w.buckets[idx] = subBucket{startUnix: startUnix}
	}

	var completedSum float64
	var currentWeighted float64
	for i, bk := range w.buckets {
		age := now.Unix() - bk.startUnix
		if age < 0 || age >= int64(w.window.Seconds()) {
			continue
		}
		if i == idx {
			currentWeighted = float64(bk.count)
		} else {
			completedSum += float64(bk.count)
		}
	}

	if completedSum+currentWeighted >= float64(w.maxRequest) {
		return false
	}
	w.buckets[idx].count++
	return true
}

// Limiter composes the per-endpoint buckets with the per-principal sliding
// window, per spec.md §4.6: unknown endpoints bypass the bucket but remain
// subject to the window.
type Limiter struct {
	mu        sync.RWMutex
	buckets   map[string]*Bucket
	windows   map[string]*SlidingWindow
	windowLen time.Duration
	windowMax int

	rejections map[string]*atomicCounter
}

type atomicCounter struct{ n atomic.Int64 }

// NewLimiter constructs a limiter with the given per-endpoint bucket configs
// and a shared sliding-window shape for all principals.
func NewLimiter(endpoints map[string]struct{ Capacity, RefillRate float64 }, windowLen time.Duration, windowMax int) *Limiter {
	l := &Limiter{
		buckets:    make(map[string]*Bucket),
		windows:    make(map[string]*SlidingWindow),
		windowLen:  windowLen,
		windowMax:  windowMax,
		rejections: make(map[string]*atomicCounter),
	}
	for ep, cfg := range endpoints {
		l.buckets[ep] = NewBucket(cfg.Capacity, cfg.RefillRate)
	}
	return l
}

// Admit checks both halves of the hybrid limiter.
func (l *Limiter) Admit(endpoint, principal string, cost float64) bool {
	if b, ok := l.endpointBucket(endpoint); ok {
		if !b.TryTake(cost) {
			l.recordRejection(endpoint)
			return false
		}
	}

	w := l.windowFor(principal)
	if !w.Admit() {
		l.recordRejection(endpoint)
		return false
	}
	return true
}

func (l *Limiter) endpointBucket(endpoint string) (*Bucket, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.buckets[endpoint]
	return b, ok
}

func (l *Limiter) windowFor(principal string) *SlidingWindow {
	l.mu.RLock()
	w, ok := l.windows[principal]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.windows[principal]; ok {
		return w
	}
	w = NewSlidingWindow(l.windowLen, l.windowMax)
	l.windows[principal] = w
	return w
}

func (l *Limiter) recordRejection(endpoint string) {
	l.mu.Lock()
	c, ok := l.rejections[endpoint]
	if !ok {
		c = &atomicCounter{}
		l.rejections[endpoint] = c
	}
	l.mu.Unlock()
	c.n.Add(1)
}

// Rejections returns the rejection counter value for an endpoint (the
// "rejection counter per endpoint" metric spec.md §4.6 names).
func (l *Limiter) Rejections(endpoint string) int64 {
	l.mu.RLock()
	c, ok := l.rejections[endpoint]
	l.mu.RUnlock()
	if !ok {
		return 0
	}
	return c.n.Load()
}
