package flowctl

import (
	"sync/atomic"
	"time"
)

// Congestion holds the circuit-level congestion counters for one leg.
// They are written by that leg's reactors and read by the conflux
// controller when choosing a primary leg, so every field is a plain
// atomic; nothing here is ever locked across a blocking operation.
type Congestion struct {
	inflight atomic.Int64 // data cells sent, not yet acknowledged
	cwnd     atomic.Int64 // congestion window, in cells
	rttEwma  atomic.Int64 // smoothed round-trip time, nanoseconds
}

// Initial congestion window, in cells.
const initialCwnd = 124

// rttEwmaWeight is the divisor of the exponential moving average:
// new = old + (sample - old) / rttEwmaWeight.
const rttEwmaWeight = 8

// NewCongestion creates congestion state with the initial window.
func NewCongestion() *Congestion {
	c := &Congestion{}
	c.cwnd.Store(initialCwnd)
	return c
}

// NoteSent records one data cell entering flight.
func (c *Congestion) NoteSent() {
	c.inflight.Add(1)
}

// NoteAcked records n data cells leaving flight and grows the window
// additively.
func (c *Congestion) NoteAcked(n int) {
	v := c.inflight.Add(int64(-n))
	if v < 0 {
		c.inflight.Store(0)
	}
	c.cwnd.Add(1)
}

// NoteLoss halves the congestion window.
func (c *Congestion) NoteLoss() {
	for {
		old := c.cwnd.Load()
		next := old / 2
		if next < 2 {
			next = 2
		}
		if c.cwnd.CompareAndSwap(old, next) {
			return
		}
	}
}

// ObserveRTT folds one round-trip sample into the smoothed estimate.
func (c *Congestion) ObserveRTT(sample time.Duration) {
	for {
		old := c.rttEwma.Load()
		var next int64
		if old == 0 {
			next = int64(sample)
		} else {
			next = old + (int64(sample)-old)/rttEwmaWeight
		}
		if c.rttEwma.CompareAndSwap(old, next) {
			return
		}
	}
}

// RTT returns the smoothed round-trip estimate, zero if unmeasured.
func (c *Congestion) RTT() time.Duration {
	return time.Duration(c.rttEwma.Load())
}

// InFlight returns the number of unacknowledged data cells.
func (c *Congestion) InFlight() int64 {
	return c.inflight.Load()
}

// Window returns the current congestion window.
func (c *Congestion) Window() int64 {
	return c.cwnd.Load()
}

// Room returns how many more cells this leg can absorb before its
// congestion window is full. Negative room reads as zero.
func (c *Congestion) Room() int64 {
	room := c.cwnd.Load() - c.inflight.Load()
	if room < 0 {
		return 0
	}
	return room
}
