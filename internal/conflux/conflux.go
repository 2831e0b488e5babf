// Package conflux multiplexes one logical tunnel across several
// circuits ("legs") reaching the same join relay. Sequenced stream
// traffic is split across legs on the send side and reassembled in
// strict order on the receive side; no sequence number travels on the
// wire, only SWITCH deltas when the sending leg changes.
package conflux

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/umbralabs/umbra/internal/cell"
	"github.com/umbralabs/umbra/internal/circuit"
	"github.com/umbralabs/umbra/internal/logging"
	"github.com/umbralabs/umbra/internal/metrics"
)

var (
	// ErrSetClosed is returned by operations on a torn-down set
	ErrSetClosed = errors.New("traffic-splitting set closed")

	// ErrNoUsableLeg is returned when no confirmed leg can carry traffic
	ErrNoUsableLeg = errors.New("no usable leg")

	// ErrLinkTimeout is returned when a leg's link handshake expires
	ErrLinkTimeout = errors.New("link handshake timeout")
)

const (
	defaultLinkTimeout    = 30 * time.Second
	defaultReorderTimeout = 30 * time.Second
)

// EventType classifies set status events.
type EventType uint8

const (
	EventLegLinked EventType = iota
	EventLegFailed
	EventSetClosed
)

// Event is one status report from the set.
type Event struct {
	Type EventType
	Leg  int
	Err  error
}

// Config carries the controller's collaborators and tunables.
type Config struct {
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	DesiredUX      uint8
	LinkTimeout    time.Duration
	ReorderTimeout time.Duration
}

// Controller owns one traffic-splitting set: its legs, the shared
// stream table at the join point, the set-wide send counter, and the
// receive-side reorder buffer. It stands in as the relay sender for
// every stream in the set, so leg choice stays invisible to streams.
type Controller struct {
	log *slog.Logger
	met *metrics.Metrics

	nonce     [cell.LinkNonceLen]byte
	desiredUX uint8

	linkTimeout    time.Duration
	reorderTimeout time.Duration

	table *circuit.StreamTable

	mu      sync.Mutex
	legs    []*Leg
	nextLeg int
	joinHop int // -1 until the first leg is added
	current *Leg

	// Send side: one counter across all legs.
	sendSeq uint64

	// Receive side: strict in-order release.
	delivered   uint64
	buf         *reorderBuffer
	delivering  bool
	reorderT    *time.Timer
	reorderWait uint64 // sequence the running timer is waiting on

	events chan Event

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// NewController creates an empty set with a fresh nonce.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	if cfg.LinkTimeout <= 0 {
		cfg.LinkTimeout = defaultLinkTimeout
	}
	if cfg.ReorderTimeout <= 0 {
		cfg.ReorderTimeout = defaultReorderTimeout
	}

	c := &Controller{
		log:            cfg.Logger.With(logging.KeyComponent, "conflux"),
		met:            cfg.Metrics,
		desiredUX:      cfg.DesiredUX,
		linkTimeout:    cfg.LinkTimeout,
		reorderTimeout: cfg.ReorderTimeout,
		table:          circuit.NewStreamTable(),
		joinHop:        -1,
		buf:            newReorderBuffer(),
		events:         make(chan Event, 32),
		done:           make(chan struct{}),
	}

	if _, err := io.ReadFull(rand.Reader, c.nonce[:]); err != nil {
		return nil, fmt.Errorf("generate set nonce: %w", err)
	}

	return c, nil
}

// Nonce returns the set identifier carried by every LINK.
func (c *Controller) Nonce() [cell.LinkNonceLen]byte { return c.nonce }

// Table returns the shared stream table at the join point.
func (c *Controller) Table() *circuit.StreamTable { return c.table }

// Events yields status reports. Consumers select against Done.
func (c *Controller) Events() <-chan Event { return c.events }

// Done is closed once the set has fully torn down.
func (c *Controller) Done() <-chan struct{} { return c.done }

// JoinHop returns the hop index of the join point, or -1.
func (c *Controller) JoinHop() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joinHop
}

// NumLegs returns the number of live legs.
func (c *Controller) NumLegs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.legs)
}

// AddLeg registers a fully built circuit as an unlinked leg. Every leg
// must terminate at the same hop depth; the first leg fixes it.
func (c *Controller) AddLeg(circ *circuit.Circuit) (*Leg, error) {
	last := circ.LastHop()
	if last < 0 {
		return nil, errors.New("cannot add an unbuilt circuit as a leg")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return nil, ErrSetClosed
	default:
	}

	if c.joinHop == -1 {
		c.joinHop = last
	} else if last != c.joinHop {
		return nil, fmt.Errorf("leg ends at hop %d, set joins at hop %d", last, c.joinHop)
	}

	leg := &Leg{
		id:     c.nextLeg,
		circ:   circ,
		state:  LegUnlinked,
		linked: make(chan error, 1),
	}
	c.nextLeg++
	c.legs = append(c.legs, leg)

	circ.SetRelayHandler(&legHandler{ctrl: c, leg: leg})
	circ.SetStreamSender(c)
	if err := circ.ShareStreamTable(c.joinHop, c.table); err != nil {
		return nil, err
	}

	go c.watchLeg(leg)

	c.log.Debug("leg added", logging.KeyLegID, leg.id, logging.KeyCircuitID, uint32(circ.ID()))
	return leg, nil
}

// Link runs the link handshake on one leg: LINK out, LINKED back,
// LINKED_ACK out. On success the leg is confirmed and may carry
// traffic.
func (c *Controller) Link(ctx context.Context, leg *Leg) error {
	c.mu.Lock()
	if leg.state != LegUnlinked {
		c.mu.Unlock()
		return fmt.Errorf("leg %d is %s, expected unlinked", leg.id, leg.state)
	}
	leg.state = LegLinkRequested
	leg.linkSent = time.Now()
	payload := &cell.Link{
		Version:     cell.LinkVersion,
		Nonce:       c.nonce,
		LastSeqSent: c.sendSeq,
		LastSeqRecv: c.delivered,
		DesiredUX:   c.desiredUX,
	}
	hop := c.joinHop
	c.mu.Unlock()

	msg := &cell.RelayMsg{Command: cell.RelayConfluxLink, StreamID: 0, Body: payload.Encode()}
	if err := leg.circ.SendRelay(ctx, hop, msg); err != nil {
		c.failLeg(leg, err)
		return err
	}

	timer := time.NewTimer(c.linkTimeout)
	defer timer.Stop()

	select {
	case err := <-leg.linked:
		return err
	case <-timer.C:
		c.failLeg(leg, ErrLinkTimeout)
		return ErrLinkTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrSetClosed
	}
}

// LegStatus is a point-in-time view of one leg, for display.
type LegStatus struct {
	ID      int
	State   LegState
	Hops    int
	RTT     time.Duration
	Streams int
}

// Snapshot reports the current state of every leg in the set.
func (c *Controller) Snapshot() []LegStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]LegStatus, 0, len(c.legs))
	for _, leg := range c.legs {
		out = append(out, LegStatus{
			ID:      leg.id,
			State:   leg.state,
			Hops:    leg.circ.NumHops(),
			RTT:     leg.rtt,
			Streams: leg.circ.NumStreams(c.joinHop),
		})
	}
	return out
}

// RetireLegByID retires the leg with the given identifier.
func (c *Controller) RetireLegByID(id int) error {
	c.mu.Lock()
	var leg *Leg
	for _, l := range c.legs {
		if l.id == id {
			leg = l
			break
		}
	}
	c.mu.Unlock()

	if leg == nil {
		return fmt.Errorf("no leg %d", id)
	}
	c.RetireLeg(leg)
	return nil
}

// RetireLeg excludes a leg from sending. Inbound traffic on it is
// still honored until its circuit closes.
func (c *Controller) RetireLeg(leg *Leg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if leg.state == LegConfirmed {
		leg.state = LegRetired
		if c.current == leg {
			c.current = nil
		}
	}
}

// watchLeg removes a leg when its circuit dies. A set with no legs
// left cannot make progress and terminates.
func (c *Controller) watchLeg(leg *Leg) {
	select {
	case <-leg.circ.Done():
	case <-c.done:
		return
	}

	err := leg.circ.Err()
	if err == nil {
		err = circuit.ErrCircuitClosed
	}
	c.failLeg(leg, err)
}

// failLeg marks a leg failed and drops it from the set.
func (c *Controller) failLeg(leg *Leg, cause error) {
	c.mu.Lock()
	if leg.state == LegFailed {
		c.mu.Unlock()
		return
	}
	wasConfirmed := leg.state == LegConfirmed || leg.state == LegRetired
	leg.state = LegFailed
	for i, l := range c.legs {
		if l == leg {
			c.legs = append(c.legs[:i], c.legs[i+1:]...)
			break
		}
	}
	if c.current == leg {
		c.current = nil
	}
	remaining := len(c.legs)
	c.mu.Unlock()

	select {
	case leg.linked <- cause:
	default:
	}

	if wasConfirmed {
		c.met.RecordLegFailed("circuit_closed")
	}
	c.log.Warn("leg failed", logging.KeyLegID, leg.id, logging.KeyError, cause)
	c.emit(Event{Type: EventLegFailed, Leg: leg.id, Err: cause})

	leg.circ.Teardown(cause, false)

	if remaining == 0 {
		c.Teardown(fmt.Errorf("last leg failed: %w", cause))
	}
}

// ============================================================================
// Inbound path
// ============================================================================

// handleRelay intercepts one inbound relay message on a leg. Conflux
// handshake messages and join-point stream traffic are consumed here;
// everything else falls through to the leg's own circuit handling.
func (c *Controller) handleRelay(ctx context.Context, leg *Leg, hop int, msg *cell.RelayMsg) (bool, error) {
	c.mu.Lock()
	join := c.joinHop
	c.mu.Unlock()

	if hop != join {
		return false, nil
	}

	switch msg.Command {
	case cell.RelayConfluxLinked:
		return true, c.handleLinked(ctx, leg, msg)

	case cell.RelayConfluxSwitch:
		return true, c.handleSwitch(leg, msg)

	case cell.RelayConfluxLink, cell.RelayConfluxLinkedAck:
		// Only the joining endpoint sends LINK; only the join relay
		// receives the ack.
		return true, fmt.Errorf("unexpected %s on a linking endpoint", cell.RelayCommandName(msg.Command))
	}

	if msg.StreamID == 0 {
		// Circuit-level housekeeping stays per leg.
		return false, nil
	}

	return true, c.handleSequenced(ctx, leg, hop, msg)
}

// handleLinked completes the handshake on one leg.
func (c *Controller) handleLinked(ctx context.Context, leg *Leg, msg *cell.RelayMsg) error {
	c.mu.Lock()
	if leg.state != LegLinkRequested {
		state := leg.state
		c.mu.Unlock()
		return fmt.Errorf("LINKED on %s leg %d", state, leg.id)
	}

	linked, err := cell.DecodeLink(msg.Body)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if linked.Nonce != c.nonce {
		c.mu.Unlock()
		return fmt.Errorf("LINKED nonce mismatch on leg %d", leg.id)
	}

	leg.state = LegLinked
	leg.rtt = time.Since(leg.linkSent)
	hop := c.joinHop
	c.mu.Unlock()

	ack := &cell.RelayMsg{Command: cell.RelayConfluxLinkedAck, StreamID: 0, Body: (&cell.Link{
		Version: cell.LinkVersion,
		Nonce:   c.nonce,
	}).Encode()}
	if err := leg.circ.SendRelay(ctx, hop, ack); err != nil {
		return fmt.Errorf("send LINKED_ACK: %w", err)
	}

	c.mu.Lock()
	leg.state = LegConfirmed
	leg.circ.Congestion().ObserveRTT(leg.rtt)
	if c.current == nil {
		c.current = leg
	}
	c.mu.Unlock()

	c.met.RecordLegLinked()
	c.log.Info("leg confirmed", logging.KeyLegID, leg.id, logging.KeyDuration, leg.rtt)
	c.emit(Event{Type: EventLegLinked, Leg: leg.id})

	select {
	case leg.linked <- nil:
	default:
	}
	return nil
}

// handleSwitch advances the leg's receive counter past traffic that
// went out on other legs.
func (c *Controller) handleSwitch(leg *Leg, msg *cell.RelayMsg) error {
	sw, err := cell.DecodeSwitch(msg.Body)
	if err != nil {
		return err
	}
	if sw.SeqDelta == 0 {
		return fmt.Errorf("SWITCH with zero delta on leg %d", leg.id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if leg.state != LegConfirmed && leg.state != LegRetired {
		return fmt.Errorf("SWITCH on %s leg %d", leg.state, leg.id)
	}

	leg.lastSeqRecv += uint64(sw.SeqDelta)
	return nil
}

// handleSequenced assigns the next implicit sequence number on the
// arrival leg, buffers out-of-order arrivals, and releases everything
// deliverable in strict order.
func (c *Controller) handleSequenced(ctx context.Context, leg *Leg, hop int, msg *cell.RelayMsg) error {
	if !cell.IsSequenced(msg.Command) {
		// Stream-level SENDME: leg-agnostic, delivered immediately.
		return c.table.Deliver(ctx, hop, msg, c)
	}

	// Per-leg circuit window accounting happens on arrival, not after
	// reordering: the leg's window covers what the leg carried.
	if msg.Command == cell.RelayData {
		if err := leg.circ.AccountInboundData(ctx, hop); err != nil {
			return err
		}
	}

	c.mu.Lock()

	if leg.state != LegConfirmed && leg.state != LegRetired {
		state := leg.state
		c.mu.Unlock()
		return fmt.Errorf("stream traffic on %s leg %d", state, leg.id)
	}

	leg.lastSeqRecv++
	seq := leg.lastSeqRecv

	if seq <= c.delivered {
		c.mu.Unlock()
		return fmt.Errorf("sequence %d regressed past %d on leg %d", seq, c.delivered, leg.id)
	}
	if !c.buf.insert(seq, msg) {
		c.mu.Unlock()
		return fmt.Errorf("duplicate sequence %d on leg %d", seq, leg.id)
	}
	if seq != c.delivered+1 {
		c.met.RecordOutOfOrder(c.buf.depth())
	}

	if c.delivering {
		// Another leg's reactor is mid-release; it will pick this up.
		c.resetReorderTimer()
		c.mu.Unlock()
		return nil
	}
	c.delivering = true

	var deliverErr error
	for {
		next, ok := c.buf.popIfNext(c.delivered + 1)
		if !ok {
			break
		}
		c.delivered++
		c.mu.Unlock()

		// Delivery can suspend on a full stream inbox; holding the set
		// lock here would wedge every other leg.
		deliverErr = c.table.Deliver(ctx, hop, next, c)

		c.mu.Lock()
		if deliverErr != nil {
			break
		}
	}
	c.delivering = false

	if c.buf.depth() > 0 {
		c.resetReorderTimer()
	} else {
		c.stopReorderTimer()
	}
	c.mu.Unlock()

	return deliverErr
}

// resetReorderTimer keeps the gap expiry clock pointed at the current
// head-of-line gap. Each time the release point advances the clock
// restarts, so only a gap that itself stalls for the full timeout
// expires; a buffer that stays non-empty while delivery progresses
// never does. Called with c.mu held.
func (c *Controller) resetReorderTimer() {
	want := c.delivered + 1
	if c.reorderT != nil && c.reorderWait == want {
		return
	}
	c.stopReorderTimer()
	c.reorderWait = want
	c.reorderT = time.AfterFunc(c.reorderTimeout, func() {
		c.reorderExpired(want)
	})
}

// stopReorderTimer cancels the gap expiry clock. Called with c.mu held.
func (c *Controller) stopReorderTimer() {
	if c.reorderT != nil {
		c.reorderT.Stop()
		c.reorderT = nil
	}
}

// reorderExpired fires when the sequence gap before want outlived the
// reordering timeout. The stream cannot ever be reassembled correctly
// past a permanent gap, so the whole set comes down. A fire racing a
// concurrent release is stale once the release point has moved past
// the gap the timer was armed for.
func (c *Controller) reorderExpired(want uint64) {
	c.mu.Lock()
	stale := c.buf.depth() > 0 && c.delivered+1 == want
	if c.reorderT != nil && c.reorderWait == want {
		c.reorderT = nil
	}
	c.mu.Unlock()

	if stale {
		c.met.ProtocolViolations.Inc()
		c.Teardown(fmt.Errorf("%w: sequence gap outlived %s", circuit.ErrProtocolViolation, c.reorderTimeout))
	}
}

// ============================================================================
// Outbound path
// ============================================================================

// SendRelay routes one outgoing relay message onto the best leg,
// emitting a SWITCH first whenever the chosen leg's view of the send
// counter lags. Implements the relay sender every shared stream uses.
func (c *Controller) SendRelay(ctx context.Context, hop int, msg *cell.RelayMsg) error {
	sequenced := msg.StreamID != 0 && cell.IsSequenced(msg.Command)

	c.mu.Lock()

	select {
	case <-c.done:
		c.mu.Unlock()
		return ErrSetClosed
	default:
	}

	leg := c.pickLeg()
	if leg == nil {
		c.mu.Unlock()
		return ErrNoUsableLeg
	}

	var switchMsg *cell.RelayMsg
	if sequenced {
		if gap := c.sendSeq - leg.seqView; gap > 0 {
			switchMsg = &cell.RelayMsg{
				Command:  cell.RelayConfluxSwitch,
				StreamID: 0,
				Body:     (&cell.Switch{SeqDelta: uint32(gap)}).Encode(),
			}
			leg.seqView = c.sendSeq
			c.met.RecordSwitch()
		}
		c.sendSeq++
		leg.seqView++
	}

	// Wire order on a leg must match sequence assignment order, so the
	// per-leg send lock is taken before the set lock is released.
	leg.sendMu.Lock()
	c.mu.Unlock()
	defer leg.sendMu.Unlock()

	if switchMsg != nil {
		if err := leg.circ.SendRelay(ctx, hop, switchMsg); err != nil {
			return err
		}
	}

	return leg.circ.SendRelay(ctx, hop, msg)
}

// pickLeg chooses the sending leg: keep the current one while it has
// congestion room, otherwise the confirmed leg with room and the best
// RTT, falling back to the best RTT outright. Called with c.mu held.
func (c *Controller) pickLeg() *Leg {
	if c.current != nil && c.current.state == LegConfirmed && c.current.circ.Congestion().Room() > 0 {
		return c.current
	}

	var best, bestWithRoom *Leg
	for _, leg := range c.legs {
		if leg.state != LegConfirmed {
			continue
		}
		if best == nil || leg.rtt < best.rtt {
			best = leg
		}
		if leg.circ.Congestion().Room() > 0 && (bestWithRoom == nil || leg.rtt < bestWithRoom.rtt) {
			bestWithRoom = leg
		}
	}

	if bestWithRoom != nil {
		c.current = bestWithRoom
		return bestWithRoom
	}
	if best != nil {
		c.current = best
	}
	return best
}

// OpenStream opens a stream at the join point. The open rides whatever
// leg is currently best; the stream itself is leg-agnostic.
func (c *Controller) OpenStream(ctx context.Context, req circuit.StreamRequest) (*circuit.OpenResult, error) {
	c.mu.Lock()
	leg := c.pickLeg()
	hop := c.joinHop
	c.mu.Unlock()

	if leg == nil {
		return nil, ErrNoUsableLeg
	}
	return leg.circ.OpenStream(ctx, hop, req)
}

// Incoming yields peer-initiated streams at the join point.
func (c *Controller) Incoming() <-chan *circuit.IncomingStream {
	return c.table.Incoming()
}

// ============================================================================
// Teardown
// ============================================================================

// Teardown closes every leg and the shared stream table. A violation
// anywhere in the set is fatal to the whole set: legs are
// interchangeable carriers of one stream space, not failure domains.
func (c *Controller) Teardown(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err

		c.mu.Lock()
		legs := append([]*Leg(nil), c.legs...)
		c.legs = nil
		c.current = nil
		c.stopReorderTimer()
		c.mu.Unlock()

		close(c.done)

		for _, leg := range legs {
			leg.circ.Teardown(err, true)
		}
		c.table.CloseAll()

		c.log.Info("set closed", logging.KeyError, err)
		c.emit(Event{Type: EventSetClosed, Err: err})
	})
}

// Close tears the set down cleanly.
func (c *Controller) Close() error {
	c.Teardown(ErrSetClosed)
	return nil
}

// Err returns the teardown cause once Done is closed.
func (c *Controller) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

// emit publishes an event without ever blocking a reactor.
func (c *Controller) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}
