package flowctl

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// XonXoff tracks threshold-based flow control for one stream.
//
// Receive side: the caller reports buffered and drained byte counts;
// crossing the high-water mark tells the caller to emit XOFF, and
// draining below the low-water mark tells it to emit XON carrying the
// advertised drain rate.
//
// Send side: an incoming XOFF pauses writers, an incoming XON resumes
// them and paces further sends at the advertised rate through a
// rate.Limiter. A second XOFF while already paused, or an XON while
// not paused and with no rate change, is tolerated; the discipline
// mismatch checks live in the stream entry.
type XonXoff struct {
	mu        sync.Mutex
	highWater int
	lowWater  int

	// Receive side
	buffered  int
	xoffSent  bool
	drainRate uint32 // advertised KB/s, 0 = unlimited

	// Send side
	paused  bool
	limiter *rate.Limiter
	notify  chan struct{} // closed and replaced on resume
}

// NewXonXoff creates threshold flow-control state with the given
// watermarks. Watermarks of zero select the defaults.
func NewXonXoff(highWater, lowWater int) *XonXoff {
	if highWater <= 0 {
		highWater = DefaultHighWater
	}
	if lowWater <= 0 {
		lowWater = DefaultLowWater
	}
	return &XonXoff{
		highWater: highWater,
		lowWater:  lowWater,
		limiter:   rate.NewLimiter(rate.Inf, 1),
		notify:    make(chan struct{}),
	}
}

// ============================================================================
// Receive side
// ============================================================================

// NoteBuffered records n bytes added to the application-facing read
// buffer. It returns true when the caller should emit XOFF.
func (x *XonXoff) NoteBuffered(n int) (sendXoff bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.buffered += n
	if !x.xoffSent && x.buffered > x.highWater {
		x.xoffSent = true
		return true
	}
	return false
}

// NoteDrained records n bytes consumed by the application. It returns
// true when the caller should emit XON, with the advertised rate.
func (x *XonXoff) NoteDrained(n int) (sendXon bool, kbRate uint32) {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.buffered -= n
	if x.buffered < 0 {
		x.buffered = 0
	}
	if x.xoffSent && x.buffered < x.lowWater {
		x.xoffSent = false
		return true, x.drainRate
	}
	return false, 0
}

// SetAdvertisedRate sets the drain rate advertised in the next XON,
// in KB/s. Zero advertises an unlimited rate.
func (x *XonXoff) SetAdvertisedRate(kb uint32) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.drainRate = kb
}

// Buffered returns the receive-side buffered byte count.
func (x *XonXoff) Buffered() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buffered
}

// ============================================================================
// Send side
// ============================================================================

// HandleXoff pauses the send side.
func (x *XonXoff) HandleXoff() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.paused = true
}

// HandleXon resumes the send side and applies the advertised rate.
func (x *XonXoff) HandleXon(kbRate uint32) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if kbRate == 0 {
		x.limiter.SetLimit(rate.Inf)
	} else {
		bytesPerSec := rate.Limit(kbRate) * 1024
		x.limiter.SetLimit(bytesPerSec)
		x.limiter.SetBurst(int(bytesPerSec))
	}

	if x.paused {
		x.paused = false
		close(x.notify)
		x.notify = make(chan struct{})
	}
}

// Paused reports whether the send side is currently paused.
func (x *XonXoff) Paused() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.paused
}

// WaitSend blocks while the send side is paused, then reserves n bytes
// from the advertised-rate limiter.
func (x *XonXoff) WaitSend(ctx context.Context, n int) error {
	for {
		x.mu.Lock()
		if !x.paused {
			limiter := x.limiter
			x.mu.Unlock()

			if limiter.Limit() == rate.Inf {
				return nil
			}
			if n > limiter.Burst() {
				n = limiter.Burst()
			}
			if err := limiter.WaitN(ctx, n); err != nil {
				return fmt.Errorf("rate limit: %w", err)
			}
			return nil
		}
		ch := x.notify
		x.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
