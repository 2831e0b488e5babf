// Package flowctl implements per-stream and per-circuit flow control:
// the credit-window discipline with explicit SENDME acknowledgements,
// the XON/XOFF threshold discipline, and the circuit-level congestion
// counters consulted when picking a conflux leg.
package flowctl

import "errors"

var (
	// ErrFlowViolation is returned for any flow-control protocol breach:
	// exceeded windows, unexpected acknowledgements, or a message from
	// the wrong discipline. Always fatal to the circuit.
	ErrFlowViolation = errors.New("flow control violation")
)

// Default window parameters, in data cells.
const (
	CircWindowInit      = 1000
	CircWindowIncrement = 100

	StreamWindowInit      = 500
	StreamWindowIncrement = 50
)

// Default XON/XOFF watermarks, in buffered bytes.
const (
	DefaultHighWater = 64 * 1024
	DefaultLowWater  = 16 * 1024
)

// Discipline selects a stream's flow-control mode, negotiated at
// stream-open time.
type Discipline uint8

const (
	// DisciplineWindow is credit-based with SENDME acknowledgements.
	DisciplineWindow Discipline = iota

	// DisciplineXonXoff is threshold-based pause/resume signaling.
	DisciplineXonXoff
)

// String returns a human-readable discipline name.
func (d Discipline) String() string {
	switch d {
	case DisciplineWindow:
		return "WINDOW"
	case DisciplineXonXoff:
		return "XON_XOFF"
	default:
		return "UNKNOWN"
	}
}
