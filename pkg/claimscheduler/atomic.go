package claimscheduler

import "sync/atomic"

// atomicCounter is a small wrapper kept separate from sync/atomic's typed
// counters so the zero value is always ready to use without a pointer.
type atomicCounter struct {
	v atomic.Int64
}

func (c *atomicCounter) Add(delta int64) {
	c.v.Add(delta)
}

func (c *atomicCounter) Load() int64 {
	return c.v.Load()
}
