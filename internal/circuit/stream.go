package circuit

import (
	"context"
	"fmt"
	"sync"

	"github.com/umbralabs/umbra/internal/cell"
	"github.com/umbralabs/umbra/internal/flowctl"
	"github.com/umbralabs/umbra/internal/validator"
)

// streamInboxCap is the application-facing buffer of one stream, in
// relay messages. This is one of the two deliberate buffering points
// of the engine (the other is the channel's own queue); everything in
// between is a blocking handoff.
const streamInboxCap = 32

// RelaySender routes an outgoing relay message toward a hop. A
// single-leg circuit sends on its own outbound reactor; a multi-leg
// tunnel routes through the conflux controller, which picks a leg.
type RelaySender interface {
	SendRelay(ctx context.Context, hop int, msg *cell.RelayMsg) error
}

// StreamEntry is the engine-side state of one stream on one hop.
type StreamEntry struct {
	id   cell.StreamID
	hop  int
	kind validator.Kind

	discipline flowctl.Discipline
	valid      validator.Validator
	win        *flowctl.Window  // window discipline only
	xx         *flowctl.XonXoff // threshold discipline only

	sender RelaySender
	table  *StreamTable

	mu           sync.Mutex
	opened       bool
	localClosed  bool // we sent END
	remoteClosed bool // we received END

	// openResult delivers the CONNECTED/RESOLVED outcome to the opener.
	openResult chan *cell.RelayMsg

	inbox      chan *cell.RelayMsg
	remoteDone chan struct{}
	remoteOnce sync.Once
	closed     chan struct{}
	closeOnce  sync.Once
}

func newStreamEntry(id cell.StreamID, hop int, kind validator.Kind, discipline flowctl.Discipline, sender RelaySender, table *StreamTable) *StreamEntry {
	e := &StreamEntry{
		id:         id,
		hop:        hop,
		kind:       kind,
		discipline: discipline,
		valid:      validator.ForKind(kind, discipline),
		sender:     sender,
		table:      table,
		openResult: make(chan *cell.RelayMsg, 1),
		inbox:      make(chan *cell.RelayMsg, streamInboxCap),
		remoteDone: make(chan struct{}),
		closed:     make(chan struct{}),
	}

	switch discipline {
	case flowctl.DisciplineXonXoff:
		e.xx = flowctl.NewXonXoff(0, 0)
	default:
		e.win = flowctl.NewStreamWindow()
	}

	return e
}

// ID returns the stream identifier.
func (e *StreamEntry) ID() cell.StreamID { return e.id }

// Kind returns the stream kind.
func (e *StreamEntry) Kind() validator.Kind { return e.kind }

// Discipline returns the negotiated flow-control discipline.
func (e *StreamEntry) Discipline() flowctl.Discipline { return e.discipline }

// validatorState maps the entry's lifecycle onto the validator's view.
func (e *StreamEntry) validatorState() validator.State {
	switch {
	case e.localClosed && e.remoteClosed:
		return validator.StateClosed
	case e.localClosed:
		return validator.StateHalfClosed
	case e.opened:
		return validator.StateOpen
	default:
		return validator.StatePending
	}
}

// deliver routes one validated relay message into this stream. It runs
// on the inbound reactor; a full inbox blocks the reactor, which is the
// intended backpressure.
func (e *StreamEntry) deliver(ctx context.Context, msg *cell.RelayMsg) error {
	e.mu.Lock()

	if e.remoteClosed {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s after END on stream %d",
			ErrProtocolViolation, cell.RelayCommandName(msg.Command), e.id)
	}

	verdict, verr := e.valid.Validate(e.validatorState(), msg.Command, msg.Body)
	if verdict == validator.Reject {
		e.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrProtocolViolation, verr)
	}

	halfClosed := e.localClosed

	switch verdict {
	case validator.AcceptAndOpen:
		e.opened = true
	case validator.AcceptAndClose:
		e.remoteClosed = true
	}
	e.mu.Unlock()

	// Flow-control accounting precedes delivery so that a peer
	// overrunning its window is caught even on a half-closed stream.
	switch msg.Command {
	case cell.RelayData:
		if err := e.noteInboundData(ctx, len(msg.Body), halfClosed); err != nil {
			return err
		}
	case cell.RelaySendme:
		if e.win == nil {
			return fmt.Errorf("%w: SENDME on %s stream", ErrProtocolViolation, e.discipline)
		}
		if err := e.win.HandleSendme(); err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		return nil
	case cell.RelayXoff:
		if e.xx == nil {
			return fmt.Errorf("%w: XOFF on %s stream", ErrProtocolViolation, e.discipline)
		}
		e.xx.HandleXoff()
		return nil
	case cell.RelayXon:
		if e.xx == nil {
			return fmt.Errorf("%w: XON on %s stream", ErrProtocolViolation, e.discipline)
		}
		xon, err := cell.DecodeXon(msg.Body)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		e.xx.HandleXon(xon.KBRateHi)
		return nil
	}

	switch msg.Command {
	case cell.RelayConnected, cell.RelayResolved:
		select {
		case e.openResult <- msg:
		default:
			return fmt.Errorf("%w: duplicate %s on stream %d",
				ErrProtocolViolation, cell.RelayCommandName(msg.Command), e.id)
		}
		if verdict == validator.AcceptAndClose {
			e.finishRemote()
		}
		return nil

	case cell.RelayEnd:
		// Surface the END to the opener too, in case the stream never
		// finished opening.
		select {
		case e.openResult <- msg:
		default:
		}
		e.finishRemote()
		e.table.reapIfClosed(e.id)
		return nil

	case cell.RelayData:
		if halfClosed {
			// Grace window: in-flight data after our END is legal but
			// has no consumer. Account for it, drop the body.
			return nil
		}
		select {
		case e.inbox <- msg:
			return nil
		case <-e.closed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

	default:
		return fmt.Errorf("%w: unroutable %s on stream %d",
			errInternal, cell.RelayCommandName(msg.Command), e.id)
	}
}

// noteInboundData applies receive-side flow accounting for one DATA
// message and emits a SENDME or XOFF when the accounting says so.
func (e *StreamEntry) noteInboundData(ctx context.Context, n int, halfClosed bool) error {
	if e.win != nil {
		sendAck, err := e.win.NoteReceived()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		if sendAck {
			ack := &cell.RelayMsg{Command: cell.RelaySendme, StreamID: e.id}
			if err := e.sender.SendRelay(ctx, e.hop, ack); err != nil {
				return err
			}
		}
		return nil
	}

	if halfClosed {
		// No reader remains; nothing will ever drain, so skip the
		// watermark accounting rather than wedging in permanent XOFF.
		return nil
	}
	if e.xx.NoteBuffered(n) {
		xoff := &cell.RelayMsg{Command: cell.RelayXoff, StreamID: e.id, Body: (&cell.Xoff{Version: 0}).Encode()}
		return e.sender.SendRelay(ctx, e.hop, xoff)
	}
	return nil
}

// finishRemote marks the remote direction closed and wakes readers.
func (e *StreamEntry) finishRemote() {
	e.mu.Lock()
	e.remoteClosed = true
	e.mu.Unlock()
	e.remoteOnce.Do(func() {
		close(e.remoteDone)
	})
}

// fullyClosed reports whether both directions are done.
func (e *StreamEntry) fullyClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.localClosed && e.remoteClosed
}

// abort closes the entry without protocol I/O, for circuit teardown.
func (e *StreamEntry) abort() {
	e.closeOnce.Do(func() {
		close(e.closed)
	})
}
