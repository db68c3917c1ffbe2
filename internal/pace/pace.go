// Package pace draws randomized delays and sleeps on them.
package pace

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Range is an inclusive [Min, Max] window a duration is drawn from uniformly.
type Range struct {
	Min time.Duration
	Max time.Duration
}

// Fixed is a degenerate range that always yields d.
func Fixed(d time.Duration) Range { return Range{Min: d, Max: d} }

// Rand is a mutex-guarded *rand.Rand shared by concurrent sessions.
type Rand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewRand(seed int64) *Rand {
	return &Rand{rng: rand.New(rand.NewSource(seed))}
}

// Seeded returns a Rand seeded from the wall clock.
func Seeded() *Rand { return NewRand(time.Now().UnixNano()) }

// Duration draws uniformly from r. An inverted range yields Min.
func (r *Rand) Duration(rg Range) time.Duration {
	if rg.Max <= rg.Min {
		return rg.Min
	}
	r.mu.Lock()
	n := r.rng.Int63n(int64(rg.Max-rg.Min) + 1)
	r.mu.Unlock()
	return rg.Min + time.Duration(n)
}

// Intn is rand.Intn under the lock.
func (r *Rand) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Intn(n)
}

// SleepFunc blocks for d or until ctx ends.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Recorder is a SleepFunc for tests: it records requested delays and returns immediately.
type Recorder struct {
	mu     sync.Mutex
	Delays []time.Duration
}

func (r *Recorder) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.Delays = append(r.Delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

// Total is the sum of recorded delays.
func (r *Recorder) Total() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sum time.Duration
	for _, d := range r.Delays {
		sum += d
	}
	return sum
}

// Count is the number of recorded sleeps.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Delays)
}
