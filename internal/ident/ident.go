package ident

import (
	"sync/atomic"
	"time"
)

// Counter issues process identifiers. Identifiers start at 1 and are never
// reused for the lifetime of the counter, including across restarts when the
// counter is seeded from a snapshot.
type Counter struct {
	next atomic.Uint64
}

// NewCounter returns a counter whose first issued identifier is 1.
func NewCounter() *Counter {
	c := &Counter{}
	c.next.Store(1)
	return c
}

// Next returns a fresh identifier.
func (c *Counter) Next() uint64 {
	return c.next.Add(1) - 1
}

// Peek returns the identifier the next call to Next will issue.
func (c *Counter) Peek() uint64 {
	return c.next.Load()
}

// Seed moves the counter forward so that the next identifier is at least next.
// It never moves the counter backwards.
func (c *Counter) Seed(next uint64) {
	for {
		cur := c.next.Load()
		if next <= cur {
			return
		}
		if c.next.CompareAndSwap(cur, next) {
			return
		}
	}
}

// NowMillis returns the current time in milliseconds since the Unix epoch.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
