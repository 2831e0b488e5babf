// Package cell defines the fixed-size cell wire format and the relay
// message format carried inside RELAY cells.
package cell

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrInvalidCell is returned when a cell is malformed
	ErrInvalidCell = errors.New("invalid cell")

	// ErrUnknownCommand is returned for unrecognized cell commands
	ErrUnknownCommand = errors.New("unknown cell command")

	// ErrPayloadTooLarge is returned when a relay body exceeds the cell payload
	ErrPayloadTooLarge = errors.New("relay body exceeds cell payload size")
)

const (
	// CircIDLen is the size of the circuit identifier in bytes.
	CircIDLen = 4

	// PayloadLen is the fixed payload size of every cell.
	PayloadLen = 509

	// CellLen is the total wire size of one cell:
	// CircID [4 bytes] + Command [1 byte] + Payload [509 bytes].
	CellLen = CircIDLen + 1 + PayloadLen
)

// Cell commands.
const (
	CmdPadding uint8 = 0x00 // Ignored filler traffic
	CmdCreate  uint8 = 0x01 // First-hop circuit handshake
	CmdCreated uint8 = 0x02 // First-hop handshake reply
	CmdRelay   uint8 = 0x03 // Onion-encrypted relay message
	CmdDestroy uint8 = 0x04 // Circuit teardown
)

// CommandName returns a human-readable name for a cell command.
func CommandName(cmd uint8) string {
	switch cmd {
	case CmdPadding:
		return "PADDING"
	case CmdCreate:
		return "CREATE"
	case CmdCreated:
		return "CREATED"
	case CmdRelay:
		return "RELAY"
	case CmdDestroy:
		return "DESTROY"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", cmd)
	}
}

// CircID identifies one circuit on one channel.
type CircID uint32

// Cell is the fixed-size wire unit. It is immutable once read; the
// payload array is owned by the cell and never aliased by decoders.
type Cell struct {
	CircID  CircID
	Command uint8
	Payload [PayloadLen]byte
}

// Encode serializes the cell into a fixed-size buffer.
func (c *Cell) Encode() []byte {
	buf := make([]byte, CellLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(c.CircID))
	buf[4] = c.Command
	copy(buf[5:], c.Payload[:])
	return buf
}

// Decode deserializes a cell from a fixed-size buffer.
func Decode(buf []byte) (*Cell, error) {
	if len(buf) != CellLen {
		return nil, fmt.Errorf("%w: got %d bytes, expected %d", ErrInvalidCell, len(buf), CellLen)
	}

	c := &Cell{
		CircID:  CircID(binary.BigEndian.Uint32(buf[0:4])),
		Command: buf[4],
	}

	switch c.Command {
	case CmdPadding, CmdCreate, CmdCreated, CmdRelay, CmdDestroy:
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownCommand, c.Command)
	}

	copy(c.Payload[:], buf[5:])
	return c, nil
}

// NewRelayCell builds a RELAY cell around an already-encrypted payload.
func NewRelayCell(circID CircID, payload [PayloadLen]byte) *Cell {
	return &Cell{CircID: circID, Command: CmdRelay, Payload: payload}
}

// NewDestroyCell builds a DESTROY cell with a teardown reason in the
// first payload byte.
func NewDestroyCell(circID CircID, reason uint8) *Cell {
	c := &Cell{CircID: circID, Command: CmdDestroy}
	c.Payload[0] = reason
	return c
}

// DestroyReason extracts the teardown reason from a DESTROY cell.
func (c *Cell) DestroyReason() uint8 {
	return c.Payload[0]
}

// String returns a debug representation of the cell.
func (c *Cell) String() string {
	return fmt.Sprintf("Cell{CircID=%d, Command=%s}", c.CircID, CommandName(c.Command))
}

// Destroy reasons.
const (
	DestroyReasonNone       uint8 = 0
	DestroyReasonProtocol   uint8 = 1
	DestroyReasonInternal   uint8 = 2
	DestroyReasonRequested  uint8 = 3
	DestroyReasonChanClosed uint8 = 4
	DestroyReasonTimeout    uint8 = 5
)
