// Package syncutil provides small thread-safe primitives shared across the
// core, chiefly a fixed-size array of mutex-guarded counters used by the
// piece picker to track per-piece peer availability.
package syncutil

import "sync"

// Counters is a fixed-size array of thread-safe integer counters, one per
// piece index, used for tracking peer_count. One mutex guards the whole
// table, so every increment/decrement locks all of it.
type Counters struct {
	mu sync.Mutex
	c  []int
}

// NewCounters creates a Counters of length n, all initialized to 0.
func NewCounters(n int) Counters {
	return Counters{c: make([]int, n)}
}

// Len returns the number of counters.
func (c *Counters) Len() int {
	return len(c.c)
}

// Increment increments the counter at index i.
func (c *Counters) Increment(i int) {
	c.mu.Lock()
	c.c[i]++
	c.mu.Unlock()
}

// Decrement decrements the counter at index i.
func (c *Counters) Decrement(i int) {
	c.mu.Lock()
	c.c[i]--
	c.mu.Unlock()
}

// Set sets the counter at index i to v.
func (c *Counters) Set(i, v int) {
	c.mu.Lock()
	c.c[i] = v
	c.mu.Unlock()
}

// Get returns the counter at index i.
func (c *Counters) Get(i int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.c[i]
}
