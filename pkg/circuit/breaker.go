// Package circuit implements the per-peer Circuit Breaker (spec.md §4.4):
// a closed/open/half-open state machine driven by a rolling error-rate
// window. Per spec.md §5, state is a lock-free atomic composite — admit and
// record never take a mutex on the hot path, only atomic CAS loops.
package circuit

import (
	"sync/atomic"
	"time"
)

// State is the circuit's externally visible state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Params holds the breaker's tunables; defaults match spec.md §4.4.
type Params struct {
	ErrorThresholdPct   float64       // 50
	RequestVolumeThresh int64         // 20
	SleepWindow         time.Duration // 30s
	HalfOpenPermits     int32         // 3
	MetricsWindow       time.Duration // 60s
	NumBuckets          int           // sub-window granularity, default 6
}

// DefaultParams returns spec.md's default tunables.
func DefaultParams() Params {
	return Params{
		ErrorThresholdPct:   50,
		RequestVolumeThresh: 20,
		SleepWindow:         30 * time.Second,
		HalfOpenPermits:     3,
		MetricsWindow:       60 * time.Second,
		NumBuckets:          6,
	}
}

// snapshot is the immutable composite state swapped atomically on transition.
type snapshot struct {
	state           State
	openedAt        time.Time
	permits         int32 // remaining half-open permits
	successesNeeded int32 // half-open successes still required to close
}

type bucket struct {
	startUnix atomic.Int64
	total     atomic.Int64
	failed    atomic.Int64
}

// Breaker is one peer's circuit state machine.
type Breaker struct {
	params  Params
	current atomic.Pointer[snapshot]
	buckets []*bucket

	now func() time.Time
}

// New constructs a breaker starting Closed.
func New(params Params) *Breaker {
	if params.NumBuckets <= 0 {
		params.NumBuckets = 6
	}
	b := &Breaker{
		params:  params,
		buckets: make([]*bucket, params.NumBuckets),
		now:     time.Now,
	}
	for i := range b.buckets {
		b.buckets[i] = &bucket{}
	}
	b.current.Store(&snapshot{state: Closed})
	return b
}

func (b *Breaker) bucketDuration() time.Duration {
	return b.params.MetricsWindow / time.Duration(b.params.NumBuckets)
}

func (b *Breaker) bucketFor(t time.Time) *bucket {
	idx := (t.Unix() / int64(b.bucketDuration().Seconds()+0.5)) % int64(len(b.buckets))
	if idx < 0 {
		idx += int64(len(b.buckets))
	}
	bk := b.buckets[idx]

	startUnix := t.Truncate(b.bucketDuration()).Unix()
	if bk.startUnix.Load() != startUnix {
		// Stale bucket: lazily reset it for the new period. A CAS race here
		// just means two goroutines both reset to the same startUnix, which
		// is harmless — we only need the zeroed counts to be eventually
		// consistent for the new window, not exact.
		if bk.startUnix.CompareAndSwap(bk.startUnix.Load(), startUnix) {
			bk.total.Store(0)
			bk.failed.Store(0)
		}
	}
	return bk
}

// window sums total/failed across buckets whose startUnix falls within the
// metrics window of now; stale buckets (from long-ago periods) are ignored
// since bucketFor above lazily zeroes them only when touched again — so here
// we also filter on age directly.
func (b *Breaker) window(now time.Time) (total, failed int64) {
	cutoff := now.Add(-b.params.MetricsWindow).Unix()
	for _, bk := range b.buckets {
		if bk.startUnix.Load() >= cutoff {
			total += bk.total.Load()
			failed += bk.failed.Load()
		}
	}
	return
}

// Admit decides whether a request may proceed, performing any state
// transition the current window / elapsed time implies.
func (b *Breaker) Admit() bool {
	now := b.now()
	for {
		cur := b.current.Load()
		switch cur.state {
		case Closed:
			total, failed := b.window(now)
			if total >= b.params.RequestVolumeThresh &&
				float64(failed)*100/float64(total) >= b.params.ErrorThresholdPct {
				next := &snapshot{state: Open, openedAt: now}
				if b.current.CompareAndSwap(cur, next) {
					return false // circuit just tripped; reject this admit
				}
				continue // lost race, retry
			}
			return true

		case Open:
			if now.Sub(cur.openedAt) >= b.params.SleepWindow {
				next := &snapshot{
					state:           HalfOpen,
					permits:         b.params.HalfOpenPermits,
					successesNeeded: b.params.HalfOpenPermits,
				}
				if b.current.CompareAndSwap(cur, next) {
					continue // re-evaluate as HalfOpen immediately
				}
				continue
			}
			return false

		case HalfOpen:
			if cur.permits <= 0 {
				return false
			}
			next := *cur
			next.permits--
			if b.current.CompareAndSwap(cur, &next) {
				return true
			}
			continue
		}
	}
}

// RecordSuccess reports a successful outcome, asynchronously relative to Admit.
func (b *Breaker) RecordSuccess() {
	now := b.now()
	bk := b.bucketFor(now)
	bk.total.Add(1)

	for {
		cur := b.current.Load()
		if cur.state != HalfOpen {
			return
		}
		next := *cur
		next.successesNeeded--
		var target *snapshot
		if next.successesNeeded <= 0 {
			target = &snapshot{state: Closed}
			b.resetWindow()
		} else {
			target = &next
		}
		if b.current.CompareAndSwap(cur, target) {
			return
		}
	}
}

// RecordFailure reports a failed outcome.
func (b *Breaker) RecordFailure() {
	now := b.now()
	bk := b.bucketFor(now)
	bk.total.Add(1)
	bk.failed.Add(1)

	for {
		cur := b.current.Load()
		if cur.state != HalfOpen {
			return
		}
		next := &snapshot{state: Open, openedAt: now}
		if b.current.CompareAndSwap(cur, next) {
			return
		}
	}
}

func (b *Breaker) resetWindow() {
	for _, bk := range b.buckets {
		bk.total.Store(0)
		bk.failed.Store(0)
		bk.startUnix.Store(0)
	}
}

// CurrentState exposes the breaker's state for observability/tests.
func (b *Breaker) CurrentState() State {
	return b.current.Load().state
}

// SetClock overrides the breaker's time source; used by tests.
func (b *Breaker) SetClock(now func() time.Time) {
	b.now = now
}
