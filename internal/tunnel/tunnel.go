// Package tunnel assembles circuits and traffic-splitting sets into a
// single application-facing endpoint: build legs, link them, open
// streams, and watch status. Callers never learn how many circuits
// carry the bytes underneath.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/umbralabs/umbra/internal/cell"
	"github.com/umbralabs/umbra/internal/channel"
	"github.com/umbralabs/umbra/internal/circuit"
	"github.com/umbralabs/umbra/internal/conflux"
	"github.com/umbralabs/umbra/internal/flowctl"
	"github.com/umbralabs/umbra/internal/identity"
	"github.com/umbralabs/umbra/internal/logging"
	"github.com/umbralabs/umbra/internal/metrics"
	"github.com/umbralabs/umbra/internal/validator"
)

var (
	// ErrTunnelClosed is returned by operations on a closed tunnel
	ErrTunnelClosed = errors.New("tunnel closed")

	// ErrNoCircuit is returned before any leg has been built
	ErrNoCircuit = errors.New("tunnel has no circuit")
)

// HopSpec names one relay on a leg's path.
type HopSpec struct {
	RelayID identity.RelayID
	Addr    string
	Port    uint16
}

// EventType classifies tunnel status events.
type EventType uint8

const (
	EventLegConfirmed EventType = iota
	EventLegFailed
	EventStreamClosed
	EventClosed
)

// Event is one status report from the tunnel.
type Event struct {
	Type EventType
	Leg  int
	Err  error
}

// Config carries the tunnel's collaborators and tunables.
type Config struct {
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
	DesiredUX        uint8
	HandshakeTimeout time.Duration
	LinkTimeout      time.Duration
	ReorderTimeout   time.Duration
}

// Tunnel is one logical anonymized connection. It starts in single-leg
// mode over one circuit; Split upgrades it to a traffic-splitting set,
// after which AddLeg attaches further circuits.
type Tunnel struct {
	log *slog.Logger
	met *metrics.Metrics
	cfg Config

	mu     sync.Mutex
	single *circuit.Circuit
	set    *conflux.Controller
	nextID cell.CircID

	events chan Event

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New creates an empty tunnel.
func New(cfg Config) *Tunnel {
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}

	return &Tunnel{
		log:    cfg.Logger.With(logging.KeyComponent, "tunnel"),
		met:    cfg.Metrics,
		cfg:    cfg,
		nextID: 1,
		events: make(chan Event, 32),
		done:   make(chan struct{}),
	}
}

// Events yields status reports. Consumers select against Done.
func (t *Tunnel) Events() <-chan Event { return t.events }

// Done is closed once the tunnel has shut down.
func (t *Tunnel) Done() <-chan struct{} { return t.done }

// BuildLeg constructs one circuit over the given cell channel: CREATE
// to the first relay, then EXTEND through the rest of the path.
func (t *Tunnel) BuildLeg(ctx context.Context, ch channel.CellChannel, path []HopSpec) (*circuit.Circuit, error) {
	if len(path) == 0 {
		return nil, errors.New("empty path")
	}

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.mu.Unlock()

	circ := circuit.New(circuit.Config{
		CircID:           id,
		Channel:          ch,
		Logger:           t.log,
		Metrics:          t.met,
		HandshakeTimeout: t.cfg.HandshakeTimeout,
	})

	start := time.Now()
	if err := circ.CreateFirstHop(ctx, path[0].RelayID); err != nil {
		circ.Teardown(err, false)
		return nil, fmt.Errorf("create first hop: %w", err)
	}
	for _, hop := range path[1:] {
		if err := circ.Extend(ctx, hop.RelayID, hop.Addr, hop.Port); err != nil {
			circ.Teardown(err, true)
			return nil, fmt.Errorf("extend to %s: %w", hop.RelayID.ShortString(), err)
		}
	}

	t.met.RecordCircuitOpen()
	t.met.RecordHandshake(time.Since(start).Seconds())
	t.log.Info("leg built",
		logging.KeyCircuitID, uint32(circ.ID()),
		logging.KeyCount, circ.NumHops(),
		logging.KeyDuration, time.Since(start),
	)
	return circ, nil
}

// Attach makes a built circuit the tunnel's single leg.
func (t *Tunnel) Attach(circ *circuit.Circuit) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	select {
	case <-t.done:
		return ErrTunnelClosed
	default:
	}

	if t.single != nil || t.set != nil {
		return errors.New("tunnel already has a circuit")
	}

	t.single = circ
	t.wg.Add(1)
	go t.pumpCircuitEvents(circ)
	return nil
}

// Split upgrades the tunnel to a traffic-splitting set. The existing
// single leg, if any, becomes the set's first leg and is linked.
func (t *Tunnel) Split(ctx context.Context) error {
	t.mu.Lock()
	if t.set != nil {
		t.mu.Unlock()
		return errors.New("tunnel already split")
	}
	single := t.single
	t.mu.Unlock()

	ctrl, err := conflux.NewController(conflux.Config{
		Logger:         t.log,
		Metrics:        t.met,
		DesiredUX:      t.cfg.DesiredUX,
		LinkTimeout:    t.cfg.LinkTimeout,
		ReorderTimeout: t.cfg.ReorderTimeout,
	})
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.set = ctrl
	t.single = nil
	t.mu.Unlock()

	t.wg.Add(1)
	go t.pumpSetEvents(ctrl)

	if single != nil {
		leg, err := ctrl.AddLeg(single)
		if err != nil {
			return err
		}
		if err := ctrl.Link(ctx, leg); err != nil {
			return err
		}
	}
	return nil
}

// AddLeg attaches a built circuit to the set and runs the link
// handshake. The tunnel must have been split first.
func (t *Tunnel) AddLeg(ctx context.Context, circ *circuit.Circuit) (*conflux.Leg, error) {
	t.mu.Lock()
	ctrl := t.set
	t.mu.Unlock()

	if ctrl == nil {
		return nil, errors.New("tunnel is not split")
	}

	leg, err := ctrl.AddLeg(circ)
	if err != nil {
		return nil, err
	}
	if err := ctrl.Link(ctx, leg); err != nil {
		return nil, err
	}
	return leg, nil
}

// RetireLeg excludes a leg from sending, for graceful drain before its
// circuit closes.
func (t *Tunnel) RetireLeg(leg *conflux.Leg) {
	t.mu.Lock()
	ctrl := t.set
	t.mu.Unlock()
	if ctrl != nil {
		ctrl.RetireLeg(leg)
	}
}

// RetireLegByID retires a set leg by its identifier.
func (t *Tunnel) RetireLegByID(id int) error {
	t.mu.Lock()
	ctrl := t.set
	t.mu.Unlock()
	if ctrl == nil {
		return errors.New("tunnel is not split")
	}
	return ctrl.RetireLegByID(id)
}

// LegStatus is a point-in-time view of one leg, for display.
type LegStatus struct {
	ID      int
	State   string
	Hops    int
	RTT     time.Duration
	Streams int
}

// Legs reports the tunnel's legs. A single-leg tunnel reports one
// entry.
func (t *Tunnel) Legs() []LegStatus {
	t.mu.Lock()
	single, ctrl := t.single, t.set
	t.mu.Unlock()

	switch {
	case ctrl != nil:
		snap := ctrl.Snapshot()
		out := make([]LegStatus, 0, len(snap))
		for _, s := range snap {
			out = append(out, LegStatus{
				ID:      s.ID,
				State:   s.State.String(),
				Hops:    s.Hops,
				RTT:     s.RTT,
				Streams: s.Streams,
			})
		}
		return out
	case single != nil:
		return []LegStatus{{
			ID:      0,
			State:   "single",
			Hops:    single.NumHops(),
			RTT:     single.Congestion().RTT(),
			Streams: single.NumStreams(single.LastHop()),
		}}
	default:
		return nil
	}
}

// Open opens a data stream to addr:port at the tunnel's far end.
func (t *Tunnel) Open(ctx context.Context, addr string, port uint16, discipline flowctl.Discipline) (*circuit.Stream, error) {
	res, err := t.openStream(ctx, circuit.StreamRequest{
		Kind:       validator.KindData,
		Discipline: discipline,
		Addr:       addr,
		Port:       port,
	})
	if err != nil {
		return nil, err
	}
	return res.Stream, nil
}

// Resolve performs a hostname lookup at the tunnel's far end.
func (t *Tunnel) Resolve(ctx context.Context, hostname string) (*cell.Resolved, error) {
	res, err := t.openStream(ctx, circuit.StreamRequest{
		Kind:       validator.KindResolve,
		Discipline: flowctl.DisciplineWindow,
		Hostname:   hostname,
	})
	if err != nil {
		return nil, err
	}
	return res.Resolved, nil
}

func (t *Tunnel) openStream(ctx context.Context, req circuit.StreamRequest) (*circuit.OpenResult, error) {
	t.mu.Lock()
	single, ctrl := t.single, t.set
	t.mu.Unlock()

	switch {
	case ctrl != nil:
		return ctrl.OpenStream(ctx, req)
	case single != nil:
		return single.OpenStream(ctx, single.LastHop(), req)
	default:
		return nil, ErrNoCircuit
	}
}

// Incoming yields peer-initiated streams at the tunnel's far end.
func (t *Tunnel) Incoming() <-chan *circuit.IncomingStream {
	t.mu.Lock()
	single, ctrl := t.single, t.set
	t.mu.Unlock()

	switch {
	case ctrl != nil:
		return ctrl.Incoming()
	case single != nil:
		return single.Incoming(single.LastHop())
	default:
		return nil
	}
}

// pumpCircuitEvents forwards single-leg circuit events.
func (t *Tunnel) pumpCircuitEvents(circ *circuit.Circuit) {
	defer t.wg.Done()
	for {
		select {
		case ev := <-circ.Events():
			switch ev.Type {
			case circuit.EventStreamClosed:
				t.met.RecordStreamClose()
				t.emit(Event{Type: EventStreamClosed})
			case circuit.EventDestroyed:
				t.met.RecordCircuitClose(closeReason(ev.Err))
				t.emit(Event{Type: EventLegFailed, Err: ev.Err})
			}
		case <-circ.Done():
			return
		case <-t.done:
			return
		}
	}
}

// pumpSetEvents forwards traffic-splitting set events.
func (t *Tunnel) pumpSetEvents(ctrl *conflux.Controller) {
	defer t.wg.Done()
	for {
		select {
		case ev := <-ctrl.Events():
			switch ev.Type {
			case conflux.EventLegLinked:
				t.emit(Event{Type: EventLegConfirmed, Leg: ev.Leg})
			case conflux.EventLegFailed:
				t.emit(Event{Type: EventLegFailed, Leg: ev.Leg, Err: ev.Err})
			case conflux.EventSetClosed:
				t.emit(Event{Type: EventClosed, Err: ev.Err})
				t.Close()
			}
		case <-ctrl.Done():
			return
		case <-t.done:
			return
		}
	}
}

func closeReason(err error) string {
	switch {
	case err == nil:
		return "requested"
	case errors.Is(err, circuit.ErrProtocolViolation):
		return "protocol_violation"
	case errors.Is(err, circuit.ErrCircuitClosed):
		return "closed"
	default:
		return "error"
	}
}

// Close shuts the tunnel down: every leg is destroyed and every stream
// aborted.
func (t *Tunnel) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		single, ctrl := t.single, t.set
		t.single, t.set = nil, nil
		t.mu.Unlock()

		close(t.done)

		if ctrl != nil {
			ctrl.Teardown(conflux.ErrSetClosed)
		}
		if single != nil {
			single.Teardown(circuit.ErrCircuitClosed, true)
		}

		t.emit(Event{Type: EventClosed})
	})
	return nil
}

// emit publishes an event without blocking.
func (t *Tunnel) emit(ev Event) {
	select {
	case t.events <- ev:
	default:
	}
}
