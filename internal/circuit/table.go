package circuit

import (
	"context"
	"fmt"
	"sync"

	"github.com/umbralabs/umbra/internal/cell"
	"github.com/umbralabs/umbra/internal/flowctl"
	"github.com/umbralabs/umbra/internal/validator"
)

// incomingQueueCap bounds peer-initiated streams awaiting acceptance.
const incomingQueueCap = 8

// IncomingStream is a peer-initiated request awaiting an answer: a
// BEGIN carrying a connect request, or a RESOLVE carrying a hostname
// lookup. Exactly one of Request and Lookup is set.
type IncomingStream struct {
	Request *cell.Begin   // connect request; answered with Accept or Reject
	Lookup  *cell.Resolve // hostname lookup; answered with Answer or Reject
	entry   *StreamEntry
}

// Accept confirms the stream and returns its handle. A CONNECTED is
// sent back to the peer.
func (in *IncomingStream) Accept(ctx context.Context) (*Stream, error) {
	msg := &cell.RelayMsg{
		Command:  cell.RelayConnected,
		StreamID: in.entry.id,
		Body:     (&cell.Connected{}).Encode(),
	}
	if err := in.entry.sender.SendRelay(ctx, in.entry.hop, msg); err != nil {
		return nil, err
	}
	return newStream(in.entry), nil
}

// Answer resolves a hostname lookup and closes the stream; a lookup
// carries exactly one answer.
func (in *IncomingStream) Answer(ctx context.Context, answers []cell.ResolvedAnswer) error {
	in.entry.mu.Lock()
	in.entry.localClosed = true
	in.entry.mu.Unlock()

	msg := &cell.RelayMsg{
		Command:  cell.RelayResolved,
		StreamID: in.entry.id,
		Body:     (&cell.Resolved{Answers: answers}).Encode(),
	}
	err := in.entry.sender.SendRelay(ctx, in.entry.hop, msg)
	in.entry.table.reapIfClosed(in.entry.id)
	return err
}

// Reject refuses the stream with the given END reason.
func (in *IncomingStream) Reject(ctx context.Context, reason uint8) error {
	in.entry.mu.Lock()
	in.entry.localClosed = true
	in.entry.mu.Unlock()

	msg := &cell.RelayMsg{
		Command:  cell.RelayEnd,
		StreamID: in.entry.id,
		Body:     (&cell.End{Reason: reason}).Encode(),
	}
	err := in.entry.sender.SendRelay(ctx, in.entry.hop, msg)
	in.entry.finishRemote()
	in.entry.table.reapIfClosed(in.entry.id)
	return err
}

// StreamTable is the per-hop map from stream identifier to stream
// entry. It is shared between the inbound reactor, stream handles, and
// (for multi-leg tunnels) the conflux controller, so every method is a
// narrow lock-protected read-modify-write; nothing blocks under the
// lock.
type StreamTable struct {
	mu      sync.Mutex
	entries map[cell.StreamID]*StreamEntry
	nextID  uint16

	incoming chan *IncomingStream
}

// NewStreamTable creates an empty stream table.
func NewStreamTable() *StreamTable {
	return &StreamTable{
		entries:  make(map[cell.StreamID]*StreamEntry),
		nextID:   1,
		incoming: make(chan *IncomingStream, incomingQueueCap),
	}
}

// Allocate reserves a fresh stream identifier and creates its entry.
// An identifier is never reused while any entry for it exists.
func (t *StreamTable) Allocate(hop int, kind validator.Kind, discipline flowctl.Discipline, sender RelaySender) (*StreamEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for tries := 0; tries < 65535; tries++ {
		id := cell.StreamID(t.nextID)
		t.nextID++
		if t.nextID == 0 {
			t.nextID = 1
		}
		if id == 0 {
			continue
		}
		if _, used := t.entries[id]; used {
			continue
		}

		e := newStreamEntry(id, hop, kind, discipline, sender, t)
		t.entries[id] = e
		return e, nil
	}

	return nil, ErrStreamIDExhausted
}

// Get looks up an entry by identifier.
func (t *StreamTable) Get(id cell.StreamID) *StreamEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[id]
}

// Len returns the number of live entries.
func (t *StreamTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Incoming yields peer-initiated streams as they arrive.
func (t *StreamTable) Incoming() <-chan *IncomingStream {
	return t.incoming
}

// Deliver routes one inbound relay message addressed to a stream on
// this table. An unknown identifier is accepted only for a recognized
// stream-opening command; anything else is a protocol violation.
func (t *StreamTable) Deliver(ctx context.Context, hop int, msg *cell.RelayMsg, sender RelaySender) error {
	t.mu.Lock()
	entry := t.entries[msg.StreamID]
	t.mu.Unlock()

	if entry != nil {
		return entry.deliver(ctx, msg)
	}

	if !cell.IsStreamOpener(msg.Command) {
		return fmt.Errorf("%w: %s for unknown stream %d",
			ErrProtocolViolation, cell.RelayCommandName(msg.Command), msg.StreamID)
	}

	return t.acceptRemote(ctx, hop, msg, sender)
}

// acceptRemote creates an entry for a peer-initiated opener and queues
// it for acceptance.
func (t *StreamTable) acceptRemote(ctx context.Context, hop int, msg *cell.RelayMsg, sender RelaySender) error {
	t.mu.Lock()
	if _, exists := t.entries[msg.StreamID]; exists {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s reusing live stream %d",
			ErrProtocolViolation, cell.RelayCommandName(msg.Command), msg.StreamID)
	}

	e := newStreamEntry(msg.StreamID, hop, validator.KindIncoming, flowctl.DisciplineWindow, sender, t)
	t.entries[msg.StreamID] = e
	t.mu.Unlock()

	verdict, verr := e.valid.Validate(validator.StatePending, msg.Command, msg.Body)
	if verdict == validator.Reject {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, verr)
	}

	in := &IncomingStream{entry: e}
	switch msg.Command {
	case cell.RelayResolve:
		lookup, err := cell.DecodeResolve(msg.Body)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		in.Lookup = lookup

		e.mu.Lock()
		e.opened = true
		e.mu.Unlock()
		// A lookup has no peer half beyond the request itself; anything
		// further on the identifier is a violation.
		e.finishRemote()

	default:
		begin, err := cell.DecodeBegin(msg.Body)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		in.Request = begin

		e.mu.Lock()
		e.opened = true
		e.mu.Unlock()
	}

	select {
	case t.incoming <- in:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reapIfClosed removes an entry once both directions are closed. The
// identifier becomes reusable only at this point.
func (t *StreamTable) reapIfClosed(id cell.StreamID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[id]; ok && e.fullyClosed() {
		delete(t.entries, id)
	}
}

// CloseAll aborts every entry, for circuit teardown.
func (t *StreamTable) CloseAll() {
	t.mu.Lock()
	entries := make([]*StreamEntry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.entries = make(map[cell.StreamID]*StreamEntry)
	t.mu.Unlock()

	for _, e := range entries {
		e.finishRemote()
		e.abort()
	}
}
