package circuit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/umbralabs/umbra/internal/cell"
	"github.com/umbralabs/umbra/internal/channel"
	"github.com/umbralabs/umbra/internal/flowctl"
	"github.com/umbralabs/umbra/internal/hopcrypto"
	"github.com/umbralabs/umbra/internal/identity"
	"github.com/umbralabs/umbra/internal/logging"
	"github.com/umbralabs/umbra/internal/metrics"
	"github.com/umbralabs/umbra/internal/recovery"
	"github.com/umbralabs/umbra/internal/validator"
)

// ctrlQueueCap bounds the control conduit into the outbound reactor.
// Stream data rides an unbuffered conduit so backpressure reaches the
// writer immediately; control gets a little slack to bound its latency
// relative to data.
const ctrlQueueCap = 4

// handshakeTimeout bounds CREATE and EXTEND round trips.
const defaultHandshakeTimeout = 30 * time.Second

// Hop is one relay position along this circuit, with its own stream
// table and circuit-level flow-control window.
type Hop struct {
	RelayID identity.RelayID
	Table   *StreamTable
	Window  *flowctl.Window

	mu          sync.Mutex
	sendmeClock []sendmeRecord // window-boundary sends awaiting their SENDME
}

// sendmeRecord snapshots one window-boundary send: when the cell went
// out and the forward digest it sealed. The acknowledging SENDME must
// echo that digest as its tag.
type sendmeRecord struct {
	sentAt time.Time
	tag    []byte
}

// RelayHandler intercepts inbound relay messages before normal
// routing. The conflux controller registers one per leg to capture
// handshake cells and to reorder sequenced messages across legs.
type RelayHandler interface {
	// HandleRelay returns true when it consumed the message. An error
	// is a protocol violation and tears the circuit down.
	HandleRelay(ctx context.Context, hop int, msg *cell.RelayMsg) (bool, error)
}

// EventType classifies circuit status events.
type EventType uint8

const (
	EventDestroyed EventType = iota
	EventTruncated
	EventStreamClosed
)

// Event is one status report from the circuit.
type Event struct {
	Type     EventType
	Err      error
	Hop      int
	StreamID cell.StreamID
}

// Config carries the circuit's collaborators.
type Config struct {
	CircID           cell.CircID
	Channel          channel.CellChannel
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
	HandshakeTimeout time.Duration
}

// outItem is one unit of work for the outbound reactor: either a relay
// message bound for a hop, or a raw cell (handshake, destroy).
type outItem struct {
	hop      int
	msg      *cell.RelayMsg
	raw      *cell.Cell
	boundary bool // window-boundary DATA cell; record its digest at seal time
	done     chan error
}

// pendingHandshake tracks one in-flight CREATE or EXTEND.
type pendingHandshake struct {
	private [hopcrypto.KeySize]byte
	relayID identity.RelayID
	started time.Time
	result  chan error
}

// Circuit is the cell-multiplexing engine for one leg: a hop chain
// with per-hop crypto, an inbound reactor pulling from the channel,
// and an outbound reactor pushing to it. All cross-task state flows
// through conduits; the reactors share no locks across suspension
// points.
type Circuit struct {
	id  cell.CircID
	ch  channel.CellChannel
	log *slog.Logger
	met *metrics.Metrics

	stack   *hopcrypto.OnionStack
	stackMu sync.RWMutex

	hopMu sync.RWMutex
	hops  []*Hop

	cong *flowctl.Congestion

	ctrlC chan outItem
	dataC chan outItem

	ctx    context.Context
	cancel context.CancelFunc

	handshakeTimeout time.Duration
	pendingMu        sync.Mutex
	pending          *pendingHandshake

	// streamSender is what new stream entries send through: the
	// circuit itself, or the conflux controller on a linked leg.
	senderMu     sync.RWMutex
	streamSender RelaySender
	relayHandler RelayHandler

	events chan Event

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}

	wg sync.WaitGroup
}

// New creates a circuit over the given cell channel and starts its
// reactors.
func New(cfg Config) *Circuit {
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Circuit{
		id:               cfg.CircID,
		ch:               cfg.Channel,
		log:              cfg.Logger.With(logging.KeyComponent, "circuit", logging.KeyCircuitID, uint32(cfg.CircID)),
		met:              cfg.Metrics,
		stack:            hopcrypto.NewOnionStack(),
		cong:             flowctl.NewCongestion(),
		ctrlC:            make(chan outItem, ctrlQueueCap),
		dataC:            make(chan outItem),
		ctx:              ctx,
		cancel:           cancel,
		handshakeTimeout: cfg.HandshakeTimeout,
		events:           make(chan Event, 32),
		done:             make(chan struct{}),
	}
	c.streamSender = c

	c.wg.Add(2)
	recovery.Go(c.log, "circuit inbound reactor", c.inboundReactor)
	recovery.Go(c.log, "circuit outbound reactor", c.outboundReactor)

	return c
}

// ID returns the circuit identifier.
func (c *Circuit) ID() cell.CircID { return c.id }

// Events yields status reports. The channel is never closed; consumers
// select against Done.
func (c *Circuit) Events() <-chan Event { return c.events }

// Done is closed once the circuit has fully torn down.
func (c *Circuit) Done() <-chan struct{} { return c.done }

// Congestion exposes this leg's congestion counters for leg selection.
func (c *Circuit) Congestion() *flowctl.Congestion { return c.cong }

// NumHops returns the current hop count.
func (c *Circuit) NumHops() int {
	c.hopMu.RLock()
	defer c.hopMu.RUnlock()
	return len(c.hops)
}

// LastHop returns the index of the far hop, or -1 on an unbuilt
// circuit.
func (c *Circuit) LastHop() int {
	return c.NumHops() - 1
}

// NumStreams returns the number of live streams at the given hop.
func (c *Circuit) NumStreams(hop int) int {
	h := c.hop(hop)
	if h == nil {
		return 0
	}
	return h.Table.Len()
}

// hop returns the hop at index i, or nil.
func (c *Circuit) hop(i int) *Hop {
	c.hopMu.RLock()
	defer c.hopMu.RUnlock()
	if i < 0 || i >= len(c.hops) {
		return nil
	}
	return c.hops[i]
}

// SetRelayHandler installs a conflux interceptor for inbound relay
// messages. Must be set before the leg carries conflux traffic.
func (c *Circuit) SetRelayHandler(h RelayHandler) {
	c.senderMu.Lock()
	defer c.senderMu.Unlock()
	c.relayHandler = h
}

// SetStreamSender redirects new stream entries to send through the
// given sender instead of this leg directly.
func (c *Circuit) SetStreamSender(s RelaySender) {
	c.senderMu.Lock()
	defer c.senderMu.Unlock()
	c.streamSender = s
}

func (c *Circuit) currentHandler() RelayHandler {
	c.senderMu.RLock()
	defer c.senderMu.RUnlock()
	return c.relayHandler
}

func (c *Circuit) currentSender() RelaySender {
	c.senderMu.RLock()
	defer c.senderMu.RUnlock()
	return c.streamSender
}

// ============================================================================
// Outbound path
// ============================================================================

// SendRelay encrypts and sends one relay message toward the given hop.
// DATA messages consume circuit-level window credit and may suspend;
// everything else rides the control conduit, which the outbound
// reactor drains preferentially.
func (c *Circuit) SendRelay(ctx context.Context, hop int, msg *cell.RelayMsg) error {
	var boundary bool
	if msg.Command == cell.RelayData {
		h := c.hop(hop)
		if h == nil {
			return fmt.Errorf("%w: no hop %d", errInternal, hop)
		}
		if err := h.Window.WaitSend(ctx); err != nil {
			return err
		}
		if err := h.Window.ConsumeSend(); err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		c.cong.NoteSent()

		// The cell closing each window increment is the one the next
		// SENDME covers; the reactor snapshots its digest at seal time
		// and the matching SENDME closes the RTT sample.
		boundary = h.Window.Outstanding()%flowctl.CircWindowIncrement == 0
	}

	item := outItem{hop: hop, msg: msg, boundary: boundary, done: make(chan error, 1)}

	queue := c.ctrlC
	if msg.Command == cell.RelayData {
		queue = c.dataC
	}

	select {
	case queue <- item:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrCircuitClosed
	}

	select {
	case err := <-item.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrCircuitClosed
	}
}

// sendRaw queues a non-relay cell (CREATE, DESTROY) on the control
// conduit.
func (c *Circuit) sendRaw(ctx context.Context, raw *cell.Cell) error {
	item := outItem{raw: raw, done: make(chan error, 1)}

	select {
	case c.ctrlC <- item:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrCircuitClosed
	}

	select {
	case err := <-item.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrCircuitClosed
	}
}

// outboundReactor is the single writer of the cell channel. It holds
// no queue beyond the item being written: a blocked channel suspends
// the reactor, and the unbuffered data conduit suspends the producers
// behind it. Control items are drained before data to bound
// control-plane latency.
func (c *Circuit) outboundReactor() {
	defer c.wg.Done()

	for {
		var item outItem

		// Bias: take waiting control work first.
		select {
		case item = <-c.ctrlC:
		default:
			select {
			case item = <-c.ctrlC:
			case item = <-c.dataC:
			case <-c.ctx.Done():
				return
			}
		}

		item.done <- c.writeItem(item)
	}
}

// writeItem encrypts (for relay messages) and writes one cell.
func (c *Circuit) writeItem(item outItem) error {
	var out *cell.Cell

	if item.raw != nil {
		out = item.raw
	} else {
		payload, err := item.msg.EncodeRelay()
		if err != nil {
			return err
		}

		var tag []byte
		c.stackMu.RLock()
		err = c.stack.WrapForward(item.hop, &payload)
		if err == nil && item.boundary {
			tag, err = c.stack.ForwardTag(item.hop)
		}
		c.stackMu.RUnlock()
		if err != nil {
			return fmt.Errorf("%w: %v", errInternal, err)
		}

		if item.boundary {
			if h := c.hop(item.hop); h != nil {
				h.mu.Lock()
				h.sendmeClock = append(h.sendmeClock, sendmeRecord{sentAt: time.Now(), tag: tag})
				h.mu.Unlock()
			}
		}

		out = cell.NewRelayCell(c.id, payload)
	}

	if err := c.ch.Send(c.ctx, out); err != nil {
		if errors.Is(err, channel.ErrChannelClosed) {
			c.teardownAsync(fmt.Errorf("%w: channel closed while writing", ErrCircuitClosed), false)
			return ErrCircuitClosed
		}
		return err
	}

	c.met.CellsSent.Inc()
	return nil
}

// ============================================================================
// Inbound path
// ============================================================================

// inboundReactor pulls cells from the channel, peels them at the
// correct hop depth, validates, and routes. Any protocol violation
// tears the whole circuit down immediately.
func (c *Circuit) inboundReactor() {
	defer c.wg.Done()

	for {
		in, err := c.ch.Recv(c.ctx)
		if err != nil {
			if errors.Is(err, channel.ErrChannelClosed) {
				c.teardownAsync(fmt.Errorf("%w: channel closed", ErrCircuitClosed), false)
			} else if c.ctx.Err() == nil {
				c.teardownAsync(fmt.Errorf("read cell: %w", err), false)
			}
			return
		}

		c.met.CellsReceived.Inc()

		if err := c.handleCell(in); err != nil {
			c.violation(err)
			return
		}
	}
}

// handleCell dispatches one inbound cell.
func (c *Circuit) handleCell(in *cell.Cell) error {
	if in.CircID != c.id {
		return fmt.Errorf("%w: cell for circuit %d on circuit %d",
			ErrProtocolViolation, in.CircID, c.id)
	}

	switch in.Command {
	case cell.CmdPadding:
		return nil

	case cell.CmdDestroy:
		c.log.Info("remote destroy", "reason", in.DestroyReason())
		c.teardownAsync(fmt.Errorf("%w: remote destroy (reason %d)", ErrCircuitClosed, in.DestroyReason()), false)
		return nil

	case cell.CmdCreated:
		return c.handleCreated(in)

	case cell.CmdRelay:
		return c.handleRelayCell(in)

	default:
		return fmt.Errorf("%w: unexpected %s cell", ErrProtocolViolation, cell.CommandName(in.Command))
	}
}

// handleRelayCell peels and routes one RELAY cell.
func (c *Circuit) handleRelayCell(in *cell.Cell) error {
	payload := in.Payload

	hop, err := c.stack.UnwrapBackward(&payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	msg, err := cell.DecodeRelay(payload[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	if handler := c.currentHandler(); handler != nil {
		handled, herr := handler.HandleRelay(c.ctx, hop, msg)
		if herr != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, herr)
		}
		if handled {
			return nil
		}
	}

	if msg.StreamID == 0 {
		return c.handleControlMsg(hop, msg)
	}

	return c.DeliverStreamMsg(c.ctx, hop, msg)
}

// DeliverStreamMsg validates and delivers one stream-addressed relay
// message into the hop's stream table.
func (c *Circuit) DeliverStreamMsg(ctx context.Context, hop int, msg *cell.RelayMsg) error {
	h := c.hop(hop)
	if h == nil {
		return fmt.Errorf("%w: message for unknown hop %d", ErrProtocolViolation, hop)
	}

	if msg.Command == cell.RelayData {
		if err := c.AccountInboundData(ctx, hop); err != nil {
			return err
		}
	}

	err := h.Table.Deliver(ctx, hop, msg, c.currentSender())
	if err == nil && msg.Command == cell.RelayEnd {
		c.emit(Event{Type: EventStreamClosed, Hop: hop, StreamID: msg.StreamID})
	}
	return err
}

// AccountInboundData applies circuit-level receive accounting for one
// inbound DATA message on the given hop, emitting a circuit SENDME
// when the window says so. The conflux controller calls this on the
// arrival leg before reordering; single-leg delivery calls it inline.
func (c *Circuit) AccountInboundData(ctx context.Context, hop int) error {
	h := c.hop(hop)
	if h == nil {
		return fmt.Errorf("%w: data for unknown hop %d", ErrProtocolViolation, hop)
	}

	sendAck, err := h.Window.NoteReceived()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if sendAck {
		// The hop's backward digest has just absorbed the cell being
		// acknowledged; its snapshot binds the SENDME to that cell.
		c.stackMu.RLock()
		tag, terr := c.stack.BackwardTag(hop)
		c.stackMu.RUnlock()
		if terr != nil {
			return fmt.Errorf("%w: %v", errInternal, terr)
		}

		ack := &cell.RelayMsg{
			Command:  cell.RelaySendme,
			StreamID: 0,
			Body:     (&cell.Sendme{Version: 1, Tag: tag}).Encode(),
		}
		if err := c.SendRelay(ctx, hop, ack); err != nil {
			return err
		}
		c.met.SendmesSent.Inc()
	}
	return nil
}

// ShareStreamTable replaces the stream table at the given hop, so every
// leg of a multi-leg tunnel resolves streams against the same table at
// the join point.
func (c *Circuit) ShareStreamTable(hop int, t *StreamTable) error {
	h := c.hop(hop)
	if h == nil {
		return fmt.Errorf("no hop %d on this circuit", hop)
	}
	c.hopMu.Lock()
	h.Table = t
	c.hopMu.Unlock()
	return nil
}

// handleControlMsg processes circuit-level messages (stream ID zero).
func (c *Circuit) handleControlMsg(hop int, msg *cell.RelayMsg) error {
	switch msg.Command {
	case cell.RelaySendme:
		return c.handleCircSendme(hop, msg)

	case cell.RelayExtended:
		return c.handleExtended(hop, msg)

	case cell.RelayTruncated:
		t, err := cell.DecodeTruncated(msg.Body)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		// Transient: a hop beyond `hop` went away. Policy above
		// decides whether to rebuild.
		c.log.Warn("hop truncated", logging.KeyHop, hop, "reason", t.Reason)
		c.emit(Event{Type: EventTruncated, Hop: hop, Err: fmt.Errorf("truncated: reason %d", t.Reason)})
		return nil

	case cell.RelayDrop:
		return nil

	default:
		if cell.IsConfluxCommand(msg.Command) {
			// Reaching here means no conflux handler claimed the message.
			return fmt.Errorf("%w: %s outside a traffic-splitting set",
				ErrProtocolViolation, cell.RelayCommandName(msg.Command))
		}
		return fmt.Errorf("%w: %s at circuit level",
			ErrProtocolViolation, cell.RelayCommandName(msg.Command))
	}
}

// handleCircSendme credits the per-hop circuit window after checking
// the acknowledgement against the oldest window-boundary cell. A
// SENDME with no boundary cell outstanding acknowledges nothing, and a
// versioned SENDME must echo that cell's digest as its tag.
func (c *Circuit) handleCircSendme(hop int, msg *cell.RelayMsg) error {
	h := c.hop(hop)
	if h == nil {
		return fmt.Errorf("%w: SENDME from unknown hop %d", ErrProtocolViolation, hop)
	}

	sm, err := cell.DecodeSendme(msg.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	h.mu.Lock()
	var rec sendmeRecord
	haveRec := len(h.sendmeClock) > 0
	if haveRec {
		rec = h.sendmeClock[0]
		h.sendmeClock = h.sendmeClock[1:]
	}
	h.mu.Unlock()

	if !haveRec {
		return fmt.Errorf("%w: SENDME with no window-boundary cell outstanding", ErrProtocolViolation)
	}
	if sm.Version >= 1 && !hopcrypto.VerifySendmeTag(sm.Tag, rec.tag) {
		return fmt.Errorf("%w: SENDME tag does not match the covered cell", ErrProtocolViolation)
	}

	if err := h.Window.HandleSendme(); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	c.cong.NoteAcked(flowctl.CircWindowIncrement)
	c.cong.ObserveRTT(time.Since(rec.sentAt))
	c.met.SendmesReceived.Inc()
	return nil
}

// ============================================================================
// Circuit building
// ============================================================================

// CreateFirstHop performs the CREATE handshake with the directly
// connected relay and installs hop 0.
func (c *Circuit) CreateFirstHop(ctx context.Context, relayID identity.RelayID) error {
	if c.NumHops() != 0 {
		return fmt.Errorf("%w: first hop already created", errInternal)
	}

	private, public, err := hopcrypto.GenerateEphemeralKeypair()
	if err != nil {
		return err
	}

	pending := &pendingHandshake{
		private: private,
		relayID: relayID,
		started: time.Now(),
		result:  make(chan error, 1),
	}

	c.pendingMu.Lock()
	if c.pending != nil {
		c.pendingMu.Unlock()
		return fmt.Errorf("%w: handshake already in flight", errInternal)
	}
	c.pending = pending
	c.pendingMu.Unlock()

	create := &cell.Cell{CircID: c.id, Command: cell.CmdCreate}
	copy(create.Payload[:hopcrypto.KeySize], public[:])

	if err := c.sendRaw(ctx, create); err != nil {
		c.clearPending()
		return err
	}

	return c.awaitHandshake(ctx, pending)
}

// handleCreated completes the CREATE handshake.
func (c *Circuit) handleCreated(in *cell.Cell) error {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = nil
	c.pendingMu.Unlock()

	if pending == nil {
		return fmt.Errorf("%w: CREATED without pending handshake", ErrProtocolViolation)
	}

	var serverPub, auth [hopcrypto.KeySize]byte
	copy(serverPub[:], in.Payload[:hopcrypto.KeySize])
	copy(auth[:], in.Payload[hopcrypto.KeySize:2*hopcrypto.KeySize])

	pending.result <- c.installHop(pending, serverPub, auth)
	return nil
}

// Extend asks the current far hop to extend the circuit to another
// relay and installs the new hop once EXTENDED arrives.
func (c *Circuit) Extend(ctx context.Context, relayID identity.RelayID, addr string, port uint16) error {
	last := c.LastHop()
	if last < 0 {
		return fmt.Errorf("%w: cannot extend an unbuilt circuit", errInternal)
	}

	private, public, err := hopcrypto.GenerateEphemeralKeypair()
	if err != nil {
		return err
	}

	pending := &pendingHandshake{
		private: private,
		relayID: relayID,
		started: time.Now(),
		result:  make(chan error, 1),
	}

	c.pendingMu.Lock()
	if c.pending != nil {
		c.pendingMu.Unlock()
		return fmt.Errorf("%w: handshake already in flight", errInternal)
	}
	c.pending = pending
	c.pendingMu.Unlock()

	ext := &cell.Extend{RelayID: relayID, Addr: addr, Port: port, HandshakeKey: public}
	msg := &cell.RelayMsg{Command: cell.RelayExtend, StreamID: 0, Body: ext.Encode()}

	if err := c.SendRelay(ctx, last, msg); err != nil {
		c.clearPending()
		return err
	}

	return c.awaitHandshake(ctx, pending)
}

// handleExtended completes an EXTEND handshake.
func (c *Circuit) handleExtended(hop int, msg *cell.RelayMsg) error {
	if hop != c.LastHop() {
		return fmt.Errorf("%w: EXTENDED from hop %d, expected %d",
			ErrProtocolViolation, hop, c.LastHop())
	}

	c.pendingMu.Lock()
	pending := c.pending
	c.pending = nil
	c.pendingMu.Unlock()

	if pending == nil {
		return fmt.Errorf("%w: EXTENDED without pending handshake", ErrProtocolViolation)
	}

	ext, err := cell.DecodeExtended(msg.Body)
	if err != nil {
		pending.result <- fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	pending.result <- c.installHop(pending, ext.HandshakeReply, ext.Auth)
	return nil
}

// installHop derives key material from a completed handshake and
// appends the hop. Runs on the inbound reactor, the sole mutator of
// the onion stack.
func (c *Circuit) installHop(pending *pendingHandshake, serverPub, auth [hopcrypto.KeySize]byte) error {
	secret, err := hopcrypto.ComputeECDH(pending.private, serverPub)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	hopcrypto.ZeroKey(pending.private[:])

	if !hopcrypto.VerifyAuth(secret, auth) {
		return fmt.Errorf("%w: handshake authentication failed", ErrProtocolViolation)
	}

	km, err := hopcrypto.DeriveKeyMaterial(secret[:])
	if err != nil {
		return fmt.Errorf("%w: %v", errInternal, err)
	}

	layer, err := hopcrypto.NewClientLayer(km)
	if err != nil {
		return fmt.Errorf("%w: %v", errInternal, err)
	}

	c.stackMu.Lock()
	c.stack.Append(layer)
	c.stackMu.Unlock()

	h := &Hop{
		RelayID: pending.relayID,
		Table:   NewStreamTable(),
		Window:  flowctl.NewCircWindow(),
	}

	c.hopMu.Lock()
	c.hops = append(c.hops, h)
	n := len(c.hops)
	c.hopMu.Unlock()

	c.cong.ObserveRTT(time.Since(pending.started))
	c.log.Info("hop installed",
		logging.KeyHop, n-1,
		logging.KeyRelayID, pending.relayID.ShortString(),
	)
	return nil
}

func (c *Circuit) awaitHandshake(ctx context.Context, pending *pendingHandshake) error {
	timer := time.NewTimer(c.handshakeTimeout)
	defer timer.Stop()

	select {
	case err := <-pending.result:
		return err
	case <-timer.C:
		c.clearPending()
		return fmt.Errorf("handshake timeout after %s", c.handshakeTimeout)
	case <-ctx.Done():
		c.clearPending()
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrCircuitClosed
	}
}

func (c *Circuit) clearPending() {
	c.pendingMu.Lock()
	c.pending = nil
	c.pendingMu.Unlock()
}

// ============================================================================
// Stream API
// ============================================================================

// StreamRequest describes one stream to open.
type StreamRequest struct {
	Kind       validator.Kind
	Discipline flowctl.Discipline

	// Data streams
	Addr string
	Port uint16

	// Resolve streams
	Hostname string
}

// OpenResult is the outcome of OpenStream.
type OpenResult struct {
	Stream   *Stream        // data streams
	Resolved *cell.Resolved // resolve streams
}

// OpenStream opens a stream at the given hop and waits for the
// confirmation message.
func (c *Circuit) OpenStream(ctx context.Context, hop int, req StreamRequest) (*OpenResult, error) {
	h := c.hop(hop)
	if h == nil {
		return nil, fmt.Errorf("no hop %d on this circuit", hop)
	}

	entry, err := h.Table.Allocate(hop, req.Kind, req.Discipline, c.currentSender())
	if err != nil {
		return nil, err
	}

	var open *cell.RelayMsg
	switch req.Kind {
	case validator.KindResolve:
		open = &cell.RelayMsg{
			Command:  cell.RelayResolve,
			StreamID: entry.id,
			Body:     (&cell.Resolve{Hostname: req.Hostname}).Encode(),
		}
	default:
		open = &cell.RelayMsg{
			Command:  cell.RelayBegin,
			StreamID: entry.id,
			Body:     (&cell.Begin{Addr: req.Addr, Port: req.Port}).Encode(),
		}
	}

	if err := entry.sender.SendRelay(ctx, hop, open); err != nil {
		entry.finishRemote()
		entry.mu.Lock()
		entry.localClosed = true
		entry.mu.Unlock()
		h.Table.reapIfClosed(entry.id)
		return nil, err
	}

	c.met.StreamsOpened.Inc()

	select {
	case msg := <-entry.openResult:
		switch msg.Command {
		case cell.RelayConnected:
			return &OpenResult{Stream: newStream(entry)}, nil

		case cell.RelayResolved:
			resolved, derr := cell.DecodeResolved(msg.Body)
			if derr != nil {
				return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, derr)
			}
			// Resolve streams close after their single answer.
			entry.mu.Lock()
			entry.localClosed = true
			entry.mu.Unlock()
			h.Table.reapIfClosed(entry.id)
			return &OpenResult{Resolved: resolved}, nil

		case cell.RelayEnd:
			end, _ := cell.DecodeEnd(msg.Body)
			entry.mu.Lock()
			entry.localClosed = true
			entry.mu.Unlock()
			h.Table.reapIfClosed(entry.id)
			reason := uint8(cell.EndReasonMisc)
			if end != nil {
				reason = end.Reason
			}
			return nil, fmt.Errorf("stream refused: end reason %d", reason)

		default:
			return nil, fmt.Errorf("%w: unexpected %s as open result",
				errInternal, cell.RelayCommandName(msg.Command))
		}

	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, ErrCircuitClosed
	}
}

// Incoming yields peer-initiated streams at the given hop.
func (c *Circuit) Incoming(hop int) <-chan *IncomingStream {
	h := c.hop(hop)
	if h == nil {
		return nil
	}
	return h.Table.Incoming()
}

// ============================================================================
// Teardown
// ============================================================================

// violation tears the circuit down for a protocol violation, sending a
// DESTROY to the peer. Never tolerated, never retried.
func (c *Circuit) violation(err error) {
	c.met.ProtocolViolations.Inc()
	c.log.Error("protocol violation", logging.KeyError, err)
	c.teardownAsync(err, true)
}

func (c *Circuit) teardownAsync(err error, sendDestroy bool) {
	go c.Teardown(err, sendDestroy)
}

// Teardown closes the circuit: the channel closes, both reactors
// observe their conduits dying and exit, and every stream aborts. The
// cascade needs no broadcast beyond the shared cancel.
func (c *Circuit) Teardown(err error, sendDestroy bool) {
	c.closeOnce.Do(func() {
		c.closeErr = err

		if sendDestroy {
			reason := cell.DestroyReasonRequested
			if errors.Is(err, ErrProtocolViolation) {
				reason = cell.DestroyReasonProtocol
			}
			dctx, dcancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = c.ch.Send(dctx, cell.NewDestroyCell(c.id, reason))
			dcancel()
		}

		c.cancel()
		_ = c.ch.Close()

		c.hopMu.RLock()
		hops := append([]*Hop(nil), c.hops...)
		c.hopMu.RUnlock()
		for _, h := range hops {
			h.Table.CloseAll()
		}

		// Fail any handshake still in flight.
		c.pendingMu.Lock()
		if c.pending != nil {
			c.pending.result <- ErrCircuitClosed
			c.pending = nil
		}
		c.pendingMu.Unlock()

		c.emit(Event{Type: EventDestroyed, Err: err})

		go func() {
			c.wg.Wait()
			close(c.done)
		}()
	})
}

// Close tears the circuit down cleanly.
func (c *Circuit) Close() error {
	c.Teardown(ErrCircuitClosed, true)
	return nil
}

// Err returns the teardown cause once Done is closed.
func (c *Circuit) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

// emit publishes an event without ever blocking a reactor.
func (c *Circuit) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Debug("event dropped", "type", ev.Type)
	}
}
