// Package counter holds the byte accumulator shared between the capture loop and the sampler.
package counter

import "sync/atomic"

// Counter is written by exactly one capture goroutine and drained by exactly one sampler.
// The zero value is ready to use.
type Counter struct {
	n atomic.Int64
}

// Add accumulates n bytes.
func (c *Counter) Add(n int64) {
	c.n.Add(n)
}

// Load returns the current total without resetting it.
func (c *Counter) Load() int64 {
	return c.n.Load()
}

// Drain returns the accumulated total and resets it to zero in one step, so bytes added
// concurrently land either in this drain or in the next one.
func (c *Counter) Drain() int64 {
	return c.n.Swap(0)
}
