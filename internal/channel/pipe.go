package channel

import (
	"context"
	"sync"

	"github.com/umbralabs/umbra/internal/cell"
)

// Pipe is one endpoint of an in-memory cell channel pair. A capacity
// of zero makes every Send a synchronous handoff: the sender suspends
// until the receiver takes the cell. Used by tests and by loopback
// tunnels.
type Pipe struct {
	send chan<- *cell.Cell
	recv <-chan *cell.Cell

	done      chan struct{}
	closeOnce sync.Once
	peer      *Pipe
}

// NewPipe creates a connected pair of pipe endpoints with the given
// per-direction capacity.
func NewPipe(capacity int) (*Pipe, *Pipe) {
	ab := make(chan *cell.Cell, capacity)
	ba := make(chan *cell.Cell, capacity)

	a := &Pipe{send: ab, recv: ba, done: make(chan struct{})}
	b := &Pipe{send: ba, recv: ab, done: make(chan struct{})}
	a.peer = b
	b.peer = a

	return a, b
}

// Recv returns the next cell from the peer endpoint.
func (p *Pipe) Recv(ctx context.Context) (*cell.Cell, error) {
	// Drain cells already handed off even if the channel closed since.
	select {
	case c := <-p.recv:
		return c, nil
	default:
	}

	select {
	case c := <-p.recv:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, ErrChannelClosed
	case <-p.peer.done:
		return nil, ErrChannelClosed
	}
}

// Send hands a cell to the peer endpoint.
func (p *Pipe) Send(ctx context.Context, c *cell.Cell) error {
	select {
	case <-p.done:
		return ErrChannelClosed
	case <-p.peer.done:
		return ErrChannelClosed
	default:
	}

	select {
	case p.send <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrChannelClosed
	case <-p.peer.done:
		return ErrChannelClosed
	}
}

// Close closes this endpoint. The peer observes ErrChannelClosed.
func (p *Pipe) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	return nil
}
