// Package versioned provides the change-counted shared state used between
// the control loops. A Cell has one writer; any number of readers take whole
// snapshots and compare sequence numbers to detect new data.
package versioned

import (
	"context"
	"sync/atomic"
	"time"
)

type entry[T any] struct {
	seq uint64
	val T
}

// Cell holds the latest published value of T together with a sequence
// number that advances by one per Publish. The zero Cell is ready to use and
// reports sequence 0 with the zero value of T.
type Cell[T any] struct {
	p atomic.Pointer[entry[T]]
}

// Publish stores v as the new snapshot and returns its sequence number.
// Publish must only be called from the cell's single writer.
func (c *Cell[T]) Publish(v T) uint64 {
	var seq uint64 = 1
	if old := c.p.Load(); old != nil {
		seq = old.seq + 1
	}
	c.p.Store(&entry[T]{seq: seq, val: v})
	return seq
}

// Load returns the current snapshot and its sequence number.
func (c *Cell[T]) Load() (T, uint64) {
	e := c.p.Load()
	if e == nil {
		var zero T
		return zero, 0
	}
	return e.val, e.seq
}

// Value returns the current snapshot.
func (c *Cell[T]) Value() T {
	v, _ := c.Load()
	return v
}

// Seq returns the current sequence number.
func (c *Cell[T]) Seq() uint64 {
	if e := c.p.Load(); e != nil {
		return e.seq
	}
	return 0
}

// Next returns the current snapshot if its sequence differs from *seen and
// records the new sequence in *seen.
func (c *Cell[T]) Next(seen *uint64) (T, bool) {
	v, seq := c.Load()
	if seq == *seen {
		var zero T
		return zero, false
	}
	*seen = seq
	return v, true
}

// Poll calls step every interval until ctx is done. step reports whether it
// did any work; Poll does not use the result other than to retry at once
// when work was done so a burst of updates is drained without waiting.
func Poll(ctx context.Context, interval time.Duration, step func() bool) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		for step() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
