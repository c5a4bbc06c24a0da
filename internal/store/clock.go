package store

import "sync/atomic"

// seqClock hands out commit sequence numbers for one table.
//
// Calls are linearizable: each Next returns a unique value greater than
// every value returned before it.
type seqClock struct {
	seq atomic.Int64
}

// newSeqClockAt creates a clock whose first Next returns start+1. Used
// when reopening a table to resume after the highest persisted sequence.
func newSeqClockAt(start int64) *seqClock {
	c := &seqClock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number.
func (c *seqClock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last sequence number handed out.
func (c *seqClock) Current() int64 {
	return c.seq.Load()
}

// NextAfter returns the next sequence number, raised past floor when floor
// is ahead of the clock.
func (c *seqClock) NextAfter(floor int64) int64 {
	for {
		cur := c.seq.Load()
		next := max(cur, floor) + 1
		if c.seq.CompareAndSwap(cur, next) {
			return next
		}
	}
}
