package conflux

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/umbralabs/umbra/internal/cell"
	"github.com/umbralabs/umbra/internal/circuit"
)

// LegState is the lifecycle position of one leg within its set.
type LegState uint8

const (
	// LegUnlinked: the circuit is built but no LINK has been sent.
	LegUnlinked LegState = iota

	// LegLinkRequested: LINK sent, awaiting LINKED.
	LegLinkRequested

	// LegLinked: LINKED received and validated, LINKED_ACK not yet out.
	LegLinked

	// LegConfirmed: handshake complete, the leg may carry stream traffic.
	LegConfirmed

	// LegRetired: excluded from sending, still draining inbound.
	LegRetired

	// LegFailed: the leg's circuit died.
	LegFailed
)

// String returns the state name.
func (s LegState) String() string {
	switch s {
	case LegUnlinked:
		return "unlinked"
	case LegLinkRequested:
		return "link_requested"
	case LegLinked:
		return "linked"
	case LegConfirmed:
		return "confirmed"
	case LegRetired:
		return "retired"
	case LegFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Leg is one circuit participating in a traffic-splitting set.
type Leg struct {
	id   int
	circ *circuit.Circuit

	state LegState

	// lastSeqRecv is the absolute sequence number of the last sequenced
	// message received on this leg. There is no sequence number on the
	// wire: arrival order on a leg, adjusted by SWITCH deltas, defines it.
	lastSeqRecv uint64

	// seqView is the peer's view of the set-wide send counter for this
	// leg. When it lags the shared counter at send time, a SWITCH delta
	// closes the gap first.
	seqView uint64

	rtt      time.Duration
	linkSent time.Time
	linked   chan error

	// sendMu keeps wire order on this leg identical to sequence
	// assignment order.
	sendMu sync.Mutex
}

// ID returns the leg's identifier within its set.
func (l *Leg) ID() int { return l.id }

// Circuit returns the underlying circuit.
func (l *Leg) Circuit() *circuit.Circuit { return l.circ }

// legHandler adapts one leg's inbound relay stream onto the shared
// controller. Any violation it reports is fatal to the whole set, not
// just the leg: the legs are interchangeable carriers of one sequence
// space, and a poisoned sequence space cannot be trusted on any of
// them.
type legHandler struct {
	ctrl *Controller
	leg  *Leg
}

func (h *legHandler) HandleRelay(ctx context.Context, hop int, msg *cell.RelayMsg) (bool, error) {
	handled, err := h.ctrl.handleRelay(ctx, h.leg, hop, msg)
	if err != nil && ctx.Err() == nil {
		h.ctrl.Teardown(fmt.Errorf("%w: %v", circuit.ErrProtocolViolation, err))
	}
	return handled, err
}
