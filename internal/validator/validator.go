// Package validator decides whether an incoming relay command is legal
// for a stream's kind and current state. Rejection is always fatal to
// the circuit: tolerating an out-of-state command would give an
// attacker an observable behavioral difference.
package validator

import (
	"errors"
	"fmt"

	"github.com/umbralabs/umbra/internal/cell"
	"github.com/umbralabs/umbra/internal/flowctl"
)

var (
	// ErrRejected is returned for a command illegal in the stream's
	// current state
	ErrRejected = errors.New("command rejected by validator")
)

// State is the validator's view of a stream entry's lifecycle.
type State uint8

const (
	StatePending State = iota
	StateOpen
	StateHalfClosed
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateOpen:
		return "OPEN"
	case StateHalfClosed:
		return "HALF_CLOSED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Kind selects the validation strategy for a stream, fixed when the
// stream opens.
type Kind uint8

const (
	// KindData is an ordinary byte stream opened with BEGIN.
	KindData Kind = iota

	// KindResolve is a hostname lookup expecting one RESOLVED.
	KindResolve

	// KindIncoming is a stream created by a peer-initiated request.
	KindIncoming
)

// String returns a human-readable kind name.
func (k Kind) String() string {
	switch k {
	case KindData:
		return "DATA"
	case KindResolve:
		return "RESOLVE"
	case KindIncoming:
		return "INCOMING"
	default:
		return "UNKNOWN"
	}
}

// Verdict is the validator's decision for one command.
type Verdict uint8

const (
	// Accept delivers the message and keeps the stream state.
	Accept Verdict = iota

	// AcceptAndOpen delivers the message and moves Pending to Open.
	AcceptAndOpen

	// AcceptAndClose delivers the message and closes the direction.
	AcceptAndClose

	// Reject is a protocol violation; the circuit must be torn down.
	Reject
)

// Validator checks commands for one stream kind. Implementations are
// stateless; per-stream state is passed in.
type Validator interface {
	// Validate decides the verdict for a command arriving in the given
	// state. For half-closed streams the body is fully decoded here,
	// because no downstream consumer remains to surface a decode error.
	Validate(state State, cmd uint8, body []byte) (Verdict, error)

	// Kind returns the stream kind this validator serves.
	Kind() Kind
}

// ForKind returns the validator for a stream kind and negotiated
// flow-control discipline.
func ForKind(kind Kind, discipline flowctl.Discipline) Validator {
	switch kind {
	case KindResolve:
		return resolveValidator{}
	case KindIncoming:
		return incomingValidator{discipline: discipline}
	default:
		return dataValidator{discipline: discipline}
	}
}

// flowCommandOK checks a flow-control command against the stream's
// negotiated discipline. A rate message on a window stream, or a
// window acknowledgement on a threshold stream, is a violation.
func flowCommandOK(discipline flowctl.Discipline, cmd uint8) error {
	switch cmd {
	case cell.RelaySendme:
		if discipline != flowctl.DisciplineWindow {
			return fmt.Errorf("%w: SENDME on %s stream", ErrRejected, discipline)
		}
	case cell.RelayXon, cell.RelayXoff:
		if discipline != flowctl.DisciplineXonXoff {
			return fmt.Errorf("%w: %s on %s stream", ErrRejected, cell.RelayCommandName(cmd), discipline)
		}
	}
	return nil
}

// decodeFully decodes a command body with no remaining consumer. Used
// for half-closed streams, where a decode error would otherwise pass
// unnoticed.
func decodeFully(cmd uint8, body []byte) error {
	var err error
	switch cmd {
	case cell.RelayData:
		// DATA bodies are opaque bytes; emptiness is the only defect.
		if len(body) == 0 {
			err = fmt.Errorf("%w: empty DATA body", cell.ErrInvalidRelayMsg)
		}
	case cell.RelayEnd:
		_, err = cell.DecodeEnd(body)
	case cell.RelayConnected:
		_, err = cell.DecodeConnected(body)
	case cell.RelaySendme:
		_, err = cell.DecodeSendme(body)
	case cell.RelayResolved:
		_, err = cell.DecodeResolved(body)
	case cell.RelayXon:
		_, err = cell.DecodeXon(body)
	case cell.RelayXoff:
		_, err = cell.DecodeXoff(body)
	}
	return err
}

// ============================================================================
// Data streams
// ============================================================================

type dataValidator struct {
	discipline flowctl.Discipline
}

func (v dataValidator) Kind() Kind { return KindData }

func (v dataValidator) Validate(state State, cmd uint8, body []byte) (Verdict, error) {
	if err := flowCommandOK(v.discipline, cmd); err != nil {
		return Reject, err
	}

	switch state {
	case StatePending:
		// Only the connection confirmation or an early failure are
		// legal before the stream opens.
		switch cmd {
		case cell.RelayConnected:
			if _, err := cell.DecodeConnected(body); err != nil {
				return Reject, fmt.Errorf("%w: %v", ErrRejected, err)
			}
			return AcceptAndOpen, nil
		case cell.RelayEnd:
			return AcceptAndClose, nil
		default:
			return Reject, fmt.Errorf("%w: %s on pending data stream",
				ErrRejected, cell.RelayCommandName(cmd))
		}

	case StateOpen:
		switch cmd {
		case cell.RelayData, cell.RelaySendme, cell.RelayXon, cell.RelayXoff:
			return Accept, nil
		case cell.RelayEnd:
			return AcceptAndClose, nil
		case cell.RelayConnected:
			// Open-semantics after the stream is already open.
			return Reject, fmt.Errorf("%w: CONNECTED on open data stream", ErrRejected)
		default:
			return Reject, fmt.Errorf("%w: %s on open data stream",
				ErrRejected, cell.RelayCommandName(cmd))
		}

	case StateHalfClosed:
		switch cmd {
		case cell.RelayData, cell.RelaySendme, cell.RelayXon, cell.RelayXoff:
			if err := decodeFully(cmd, body); err != nil {
				return Reject, fmt.Errorf("%w: %v", ErrRejected, err)
			}
			return Accept, nil
		case cell.RelayEnd:
			if err := decodeFully(cmd, body); err != nil {
				return Reject, fmt.Errorf("%w: %v", ErrRejected, err)
			}
			return AcceptAndClose, nil
		default:
			return Reject, fmt.Errorf("%w: %s on half-closed data stream",
				ErrRejected, cell.RelayCommandName(cmd))
		}

	default:
		return Reject, fmt.Errorf("%w: %s on closed data stream",
			ErrRejected, cell.RelayCommandName(cmd))
	}
}

// ============================================================================
// Resolve streams
// ============================================================================

type resolveValidator struct{}

func (v resolveValidator) Kind() Kind { return KindResolve }

func (v resolveValidator) Validate(state State, cmd uint8, body []byte) (Verdict, error) {
	// A resolve stream accepts exactly one RESOLVED (or an END carrying
	// a failure), then closes. Nothing else is ever legal.
	if state != StatePending {
		return Reject, fmt.Errorf("%w: %s on %s resolve stream",
			ErrRejected, cell.RelayCommandName(cmd), state)
	}

	switch cmd {
	case cell.RelayResolved:
		if _, err := cell.DecodeResolved(body); err != nil {
			return Reject, fmt.Errorf("%w: %v", ErrRejected, err)
		}
		return AcceptAndClose, nil
	case cell.RelayEnd:
		return AcceptAndClose, nil
	default:
		return Reject, fmt.Errorf("%w: %s on resolve stream",
			ErrRejected, cell.RelayCommandName(cmd))
	}
}

// ============================================================================
// Incoming-request streams
// ============================================================================

type incomingValidator struct {
	discipline flowctl.Discipline
}

func (v incomingValidator) Kind() Kind { return KindIncoming }

func (v incomingValidator) Validate(state State, cmd uint8, body []byte) (Verdict, error) {
	if err := flowCommandOK(v.discipline, cmd); err != nil {
		return Reject, err
	}

	switch state {
	case StatePending:
		// Creation-time commands only: the opener that created the
		// entry, and nothing may follow until we confirm it.
		switch cmd {
		case cell.RelayBegin:
			if _, err := cell.DecodeBegin(body); err != nil {
				return Reject, fmt.Errorf("%w: %v", ErrRejected, err)
			}
			return AcceptAndOpen, nil
		case cell.RelayResolve:
			if _, err := cell.DecodeResolve(body); err != nil {
				return Reject, fmt.Errorf("%w: %v", ErrRejected, err)
			}
			return AcceptAndOpen, nil
		case cell.RelayEnd:
			return AcceptAndClose, nil
		default:
			return Reject, fmt.Errorf("%w: %s before incoming stream accepted",
				ErrRejected, cell.RelayCommandName(cmd))
		}

	case StateOpen:
		switch cmd {
		case cell.RelayData, cell.RelaySendme, cell.RelayXon, cell.RelayXoff:
			return Accept, nil
		case cell.RelayEnd:
			return AcceptAndClose, nil
		case cell.RelayBegin:
			return Reject, fmt.Errorf("%w: BEGIN on open incoming stream", ErrRejected)
		default:
			return Reject, fmt.Errorf("%w: %s on open incoming stream",
				ErrRejected, cell.RelayCommandName(cmd))
		}

	case StateHalfClosed:
		switch cmd {
		case cell.RelayData, cell.RelaySendme, cell.RelayXon, cell.RelayXoff:
			if err := decodeFully(cmd, body); err != nil {
				return Reject, fmt.Errorf("%w: %v", ErrRejected, err)
			}
			return Accept, nil
		case cell.RelayEnd:
			if err := decodeFully(cmd, body); err != nil {
				return Reject, fmt.Errorf("%w: %v", ErrRejected, err)
			}
			return AcceptAndClose, nil
		default:
			return Reject, fmt.Errorf("%w: %s on half-closed incoming stream",
				ErrRejected, cell.RelayCommandName(cmd))
		}

	default:
		return Reject, fmt.Errorf("%w: %s on closed incoming stream",
			ErrRejected, cell.RelayCommandName(cmd))
	}
}
