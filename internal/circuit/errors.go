// Package circuit implements the per-circuit cell-multiplexing engine
// for one leg: the inbound and outbound reactors, the per-hop stream
// tables, and the stream handles applications read and write.
package circuit

import "errors"

var (
	// ErrProtocolViolation marks any cell or state transition
	// inconsistent with the protocol. Never retried, always fatal to
	// the circuit: tolerating an injected malformed cell would be an
	// observable side channel against the anonymity property.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrCircuitClosed is returned by operations on a torn-down circuit
	ErrCircuitClosed = errors.New("circuit closed")

	// ErrStreamClosed is returned by operations on a closed stream
	ErrStreamClosed = errors.New("stream closed")

	// ErrStreamIDExhausted is returned when no stream identifier is free
	ErrStreamIDExhausted = errors.New("no free stream identifier")

	// errInternal marks a broken invariant inside this engine, distinct
	// from attacker-observable protocol violations.
	errInternal = errors.New("internal error")
)
