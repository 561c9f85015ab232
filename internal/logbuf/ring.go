// Package logbuf keeps the most recent output of a process in a fixed-size
// byte ring so late-joining viewers can read it back.
package logbuf

import "sync"

// DefaultCapacity is the number of bytes retained per process.
const DefaultCapacity = 4000

// Ring is a bounded FIFO of bytes. When a write would exceed the capacity the
// oldest bytes are discarded first. It is safe for concurrent use.
type Ring struct {
	mu    sync.RWMutex
	buf   []byte
	start int
	n     int
}

// New returns a ring holding at most capacity bytes; capacity <= 0 selects
// DefaultCapacity.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{buf: make([]byte, capacity)}
}

// Write appends p, evicting from the front as needed. It never fails.
func (r *Ring) Write(p []byte) (int, error) {
	r.mu.Lock()
	r.appendLocked(p)
	r.mu.Unlock()
	return len(p), nil
}

func (r *Ring) appendLocked(p []byte) {
	c := len(r.buf)
	// only the tail of an oversized write can survive
	if len(p) >= c {
		copy(r.buf, p[len(p)-c:])
		r.start, r.n = 0, c
		return
	}
	for _, b := range p {
		end := (r.start + r.n) % c
		r.buf[end] = b
		if r.n < c {
			r.n++
		} else {
			r.start = (r.start + 1) % c
		}
	}
}

// Bytes returns the retained bytes in insertion order.
func (r *Ring) Bytes() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]byte, r.n)
	c := len(r.buf)
	first := copy(out, r.buf[r.start:min(r.start+r.n, c)])
	if first < r.n {
		copy(out[first:], r.buf[:r.n-first])
	}
	return out
}

// Reset discards the contents and stores p (subject to the capacity).
func (r *Ring) Reset(p []byte) {
	r.mu.Lock()
	r.start, r.n = 0, 0
	r.appendLocked(p)
	r.mu.Unlock()
}

func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.n
}

func (r *Ring) Cap() int { return len(r.buf) }
