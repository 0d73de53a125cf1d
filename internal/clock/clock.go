// Package clock centralizes time and randomness so runners never call
// time.Now or math/rand directly. A single process-wide RNG seeded at
// start is sufficient; determinism is not a requirement of this system,
// but funneling every jittered decision through one component keeps the
// humanization logic auditable in one place.
package clock

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Clock exposes time and randomness primitives. The zero value is not
// usable; construct with New.
type Clock struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a process-wide Clock with a randomly seeded generator.
func New() *Clock {
	return &Clock{rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

// NowUTC returns the current instant normalized to UTC.
func (c *Clock) NowUTC() time.Time {
	return time.Now().UTC()
}

// NowIn returns the current instant in the named IANA timezone. An
// unknown or empty zone falls back to UTC.
func (c *Clock) NowIn(tz string) time.Time {
	if tz == "" {
		return c.NowUTC()
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return c.NowUTC()
	}
	return time.Now().In(loc)
}

// Sleep blocks for d. Exists so call sites read as clock operations and
// can be swapped for a fake in tests that need to avoid real delays.
func (c *Clock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	time.Sleep(d)
}

// RandInt returns a pseudo-random integer in [lo, hi]. If hi <= lo, lo
// is returned.
func (c *Clock) RandInt(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return lo + c.rng.IntN(hi-lo+1)
}

// RandFloat returns a pseudo-random float64 in [lo, hi). If hi <= lo,
// lo is returned.
func (c *Clock) RandFloat(lo, hi float64) float64 {
	if hi <= lo {
		return lo
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return lo + c.rng.Float64()*(hi-lo)
}

// RandDuration returns a pseudo-random duration uniformly distributed
// in [lo, hi]. Used for pacing jitter and sleep windows.
func (c *Clock) RandDuration(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return lo + time.Duration(c.rng.Int64N(int64(hi-lo+1)))
}

// Chance reports true with probability p (clamped to [0,1]).
func (c *Clock) Chance(p float64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.Float64() < p
}

// WeightedPick selects an index from items using parallel weights.
// Weights <= 0 are treated as zero probability mass. If the total
// weight is zero, WeightedPick falls back to a uniform pick across all
// items. Panics if len(items) != len(weights) or items is empty —
// these are programming errors, not runtime conditions.
func WeightedPick[T any](c *Clock, items []T, weights []float64) T {
	if len(items) != len(weights) {
		panic("clock: WeightedPick items/weights length mismatch")
	}
	if len(items) == 0 {
		panic("clock: WeightedPick called with no items")
	}

	total := 0.0
	for _, w := range weights {
		if w > 0 {
			total += w
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if total <= 0 {
		return items[c.rng.IntN(len(items))]
	}

	target := c.rng.Float64() * total
	acc := 0.0
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		acc += w
		if target < acc {
			return items[i]
		}
	}
	return items[len(items)-1]
}

// Shuffle randomizes the order of items in place (Fisher-Yates).
func Shuffle[T any](c *Clock, items []T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rng.Shuffle(len(items), func(i, j int) {
		items[i], items[j] = items[j], items[i]
	})
}
