package channel

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/umbralabs/umbra/internal/cell"
	"github.com/umbralabs/umbra/internal/transport"
)

// Framed adapts a transport byte stream into a cell channel by reading
// and writing fixed-size cell frames. The transport supplies ordering
// and delivery; this layer supplies only the cell boundary.
type Framed struct {
	stream transport.Stream

	readBuf [cell.CellLen]byte
	readMu  sync.Mutex
	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// NewFramed wraps a transport stream as a cell channel.
func NewFramed(stream transport.Stream) *Framed {
	return &Framed{
		stream: stream,
		done:   make(chan struct{}),
	}
}

// Recv reads the next fixed-size cell frame from the stream.
//
// Cancellation is cooperative: a context or Close during a blocking
// read is observed by closing the underlying stream, which fails the
// read in progress.
func (f *Framed) Recv(ctx context.Context) (*cell.Cell, error) {
	if err := f.checkDone(ctx); err != nil {
		return nil, err
	}

	stop := f.watchCancel(ctx)
	defer stop()

	f.readMu.Lock()
	defer f.readMu.Unlock()

	if _, err := io.ReadFull(f.stream, f.readBuf[:]); err != nil {
		if f.isClosed() || ctx.Err() != nil {
			return nil, ErrChannelClosed
		}
		return nil, fmt.Errorf("read cell: %w", err)
	}

	c, err := cell.Decode(f.readBuf[:])
	if err != nil {
		return nil, fmt.Errorf("decode cell: %w", err)
	}

	return c, nil
}

// Send writes one fixed-size cell frame to the stream.
func (f *Framed) Send(ctx context.Context, c *cell.Cell) error {
	if err := f.checkDone(ctx); err != nil {
		return err
	}

	stop := f.watchCancel(ctx)
	defer stop()

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if _, err := f.stream.Write(c.Encode()); err != nil {
		if f.isClosed() || ctx.Err() != nil {
			return ErrChannelClosed
		}
		return fmt.Errorf("write cell: %w", err)
	}

	return nil
}

// Close closes the underlying stream, failing any blocked Recv/Send.
func (f *Framed) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.done)
		err = f.stream.Close()
	})
	return err
}

func (f *Framed) isClosed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *Framed) checkDone(ctx context.Context) error {
	if f.isClosed() {
		return ErrChannelClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// watchCancel closes the stream when the context is cancelled before
// the returned stop function runs.
func (f *Framed) watchCancel(ctx context.Context) func() {
	if ctx.Done() == nil {
		return func() {}
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			f.stream.Close()
		case <-f.done:
		case <-stop:
		}
	}()

	return func() { close(stop) }
}
