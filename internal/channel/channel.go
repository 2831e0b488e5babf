// Package channel provides the ordered cell channel a circuit leg
// rides on: a suspending pull/push interface over fixed-size cells.
// Framing and transport I/O live below this interface; the circuit
// engine never sees bytes, only whole cells.
package channel

import (
	"context"
	"errors"

	"github.com/umbralabs/umbra/internal/cell"
)

var (
	// ErrChannelClosed is returned once a channel can no longer carry cells
	ErrChannelClosed = errors.New("cell channel closed")
)

// CellChannel carries whole cells between this node and one peer, in
// strict FIFO order per direction. Both operations suspend: Recv until
// a cell is available or the channel closes, Send until the channel can
// accept the cell. Neither buffers beyond the channel's own fixed
// capacity, so a slow consumer blocks its producer.
type CellChannel interface {
	// Recv returns the next cell, blocking until one is available,
	// the context is done, or the channel closes.
	Recv(ctx context.Context) (*cell.Cell, error)

	// Send writes a cell, blocking until accepted, the context is
	// done, or the channel closes.
	Send(ctx context.Context, c *cell.Cell) error

	// Close tears the channel down. Pending and future operations
	// return ErrChannelClosed.
	Close() error
}
