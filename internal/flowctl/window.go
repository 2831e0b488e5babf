package flowctl

import (
	"context"
	"fmt"
	"sync"
)

// Window tracks credit for one direction pair of a stream or circuit
// under the window discipline.
//
// Send side: every data cell sent consumes one credit; a SENDME from
// the receiver returns `increment` credits. Credit above the initial
// window means the peer acknowledged data we never sent, which is a
// protocol violation. Senders block in WaitSend when credit runs out.
//
// Receive side: every data cell received consumes one receive credit;
// after `increment` deliveries the accounting tells the caller to emit
// a SENDME. A peer that sends past the window commits a violation.
type Window struct {
	mu     sync.Mutex
	init   int
	incr   int
	send   int
	recv   int
	unack  int           // received cells not yet covered by a SENDME we sent
	notify chan struct{} // closed and replaced when send credit returns
}

// NewWindow creates a window with the given initial credit and SENDME
// increment.
func NewWindow(init, increment int) *Window {
	return &Window{
		init:   init,
		incr:   increment,
		send:   init,
		recv:   init,
		notify: make(chan struct{}),
	}
}

// NewStreamWindow creates a window with the stream defaults.
func NewStreamWindow() *Window {
	return NewWindow(StreamWindowInit, StreamWindowIncrement)
}

// NewCircWindow creates a window with the circuit defaults.
func NewCircWindow() *Window {
	return NewWindow(CircWindowInit, CircWindowIncrement)
}

// SendCredit returns the remaining send credit.
func (w *Window) SendCredit() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.send
}

// ConsumeSend takes one send credit. It never blocks; exceeding the
// window is rejected before transmission.
func (w *Window) ConsumeSend() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.send <= 0 {
		return fmt.Errorf("%w: send window exhausted", ErrFlowViolation)
	}
	w.send--
	return nil
}

// WaitSend blocks until at least one send credit is available, the
// context is done, or the window is released.
func (w *Window) WaitSend(ctx context.Context) error {
	for {
		w.mu.Lock()
		if w.send > 0 {
			w.mu.Unlock()
			return nil
		}
		ch := w.notify
		w.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// HandleSendme credits the send window with one increment. Credit
// beyond the initial window means an acknowledgement we never earned.
func (w *Window) HandleSendme() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.send+w.incr > w.init {
		return fmt.Errorf("%w: unexpected SENDME (window %d + %d > %d)",
			ErrFlowViolation, w.send, w.incr, w.init)
	}

	w.send += w.incr
	close(w.notify)
	w.notify = make(chan struct{})
	return nil
}

// NoteReceived accounts for one received data cell. It returns true
// when the caller owes the peer a SENDME.
func (w *Window) NoteReceived() (sendAck bool, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.recv <= 0 {
		return false, fmt.Errorf("%w: peer exceeded receive window", ErrFlowViolation)
	}
	w.recv--
	w.unack++

	if w.unack >= w.incr {
		w.unack -= w.incr
		w.recv += w.incr
		return true, nil
	}
	return false, nil
}

// Outstanding returns how many sent data cells are not yet covered by
// a received SENDME.
func (w *Window) Outstanding() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.init - w.send
}
