package circuit

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/umbralabs/umbra/internal/cell"
)

// Stream is the application-facing handle of one open stream: a
// suspending byte read/write interface honoring the stream's
// negotiated flow-control discipline.
type Stream struct {
	entry *StreamEntry

	readMu   sync.Mutex
	leftover []byte

	writeMu sync.Mutex
}

func newStream(entry *StreamEntry) *Stream {
	return &Stream{entry: entry}
}

// ID returns the stream identifier.
func (s *Stream) ID() cell.StreamID { return s.entry.id }

// Read reads stream bytes, suspending until data is available, the
// remote half-closes (io.EOF), or the context is done.
func (s *Stream) Read(ctx context.Context, p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if len(s.leftover) > 0 {
		n := copy(p, s.leftover)
		s.leftover = s.leftover[n:]
		s.noteDrained(ctx, n)
		return n, nil
	}

	// Drain buffered messages before reporting EOF or closure.
	select {
	case msg := <-s.entry.inbox:
		return s.consume(ctx, msg, p)
	default:
	}

	select {
	case msg := <-s.entry.inbox:
		return s.consume(ctx, msg, p)
	case <-s.entry.remoteDone:
		select {
		case msg := <-s.entry.inbox:
			return s.consume(ctx, msg, p)
		default:
			return 0, io.EOF
		}
	case <-s.entry.closed:
		return 0, ErrStreamClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (s *Stream) consume(ctx context.Context, msg *cell.RelayMsg, p []byte) (int, error) {
	n := copy(p, msg.Body)
	if n < len(msg.Body) {
		s.leftover = msg.Body[n:]
	}
	s.noteDrained(ctx, n)
	return n, nil
}

// noteDrained reports consumed bytes to threshold flow control and
// emits XON when the buffer crosses the low-water mark.
func (s *Stream) noteDrained(ctx context.Context, n int) {
	e := s.entry
	if e.xx == nil {
		return
	}
	if sendXon, kb := e.xx.NoteDrained(n); sendXon {
		xon := &cell.RelayMsg{
			Command:  cell.RelayXon,
			StreamID: e.id,
			Body:     (&cell.Xon{Version: 0, KBRateHi: kb}).Encode(),
		}
		// Best effort: a failed XON only delays the peer, and the
		// failure path is already tearing the circuit down.
		_ = e.sender.SendRelay(ctx, e.hop, xon)
	}
}

// Write writes stream bytes, suspending while flow-control credit is
// unavailable or the transport applies backpressure.
func (s *Stream) Write(ctx context.Context, p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	e := s.entry
	total := 0

	for len(p) > 0 {
		e.mu.Lock()
		closed := e.localClosed
		e.mu.Unlock()
		if closed {
			return total, ErrStreamClosed
		}
		select {
		case <-e.closed:
			return total, ErrStreamClosed
		default:
		}

		chunk := p
		if len(chunk) > cell.MaxRelayBodyLen {
			chunk = chunk[:cell.MaxRelayBodyLen]
		}

		if err := s.waitCredit(ctx, len(chunk)); err != nil {
			return total, err
		}

		msg := &cell.RelayMsg{Command: cell.RelayData, StreamID: e.id, Body: chunk}
		if err := e.sender.SendRelay(ctx, e.hop, msg); err != nil {
			return total, err
		}

		total += len(chunk)
		p = p[len(chunk):]
	}

	return total, nil
}

// waitCredit suspends until the stream's discipline permits one more
// DATA message, then consumes the credit. Exceeding the window is
// rejected before transmission, never on the wire.
func (s *Stream) waitCredit(ctx context.Context, n int) error {
	e := s.entry
	if e.win != nil {
		if err := e.win.WaitSend(ctx); err != nil {
			return err
		}
		if err := e.win.ConsumeSend(); err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		return nil
	}
	return e.xx.WaitSend(ctx, n)
}

// CloseWrite half-closes the stream: an END is sent and further writes
// fail, but reading continues until the remote ends its direction.
func (s *Stream) CloseWrite(ctx context.Context) error {
	e := s.entry

	e.mu.Lock()
	if e.localClosed {
		e.mu.Unlock()
		return nil
	}
	e.localClosed = true
	e.mu.Unlock()

	end := &cell.RelayMsg{
		Command:  cell.RelayEnd,
		StreamID: e.id,
		Body:     (&cell.End{Reason: cell.EndReasonDone}).Encode(),
	}
	if err := e.sender.SendRelay(ctx, e.hop, end); err != nil {
		return err
	}

	e.table.reapIfClosed(e.id)
	return nil
}

// Close sends END and releases the handle. The table entry itself
// lives on half-closed until the remote ends its direction, so that
// in-flight cells stay distinguishable from injected ones.
func (s *Stream) Close(ctx context.Context) error {
	err := s.CloseWrite(ctx)
	s.entry.abort()
	return err
}
