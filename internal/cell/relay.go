package cell

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrInvalidRelayMsg is returned when a relay message is malformed
	ErrInvalidRelayMsg = errors.New("invalid relay message")

	// ErrBodyTooLong is returned when a relay body does not fit in one cell
	ErrBodyTooLong = errors.New("relay body too long")
)

// Relay message header layout (11 bytes):
//
//	Command    [1 byte]  - Relay command
//	Recognized [2 bytes] - Zero once decrypted at the correct hop
//	StreamID   [2 bytes] - Stream identifier, zero for circuit-level messages
//	Digest     [4 bytes] - Rolling digest at the recognizing hop
//	Length     [2 bytes] - Body length (big-endian)
const relayHeaderLen = 11

// MaxRelayBodyLen is the longest body one relay message can carry.
const MaxRelayBodyLen = PayloadLen - relayHeaderLen

// Relay commands.
const (
	RelayBegin     uint8 = 1  // Open a data stream
	RelayData      uint8 = 2  // Stream payload bytes
	RelayEnd       uint8 = 3  // Close a stream
	RelayConnected uint8 = 4  // Stream open succeeded
	RelaySendme    uint8 = 5  // Window flow-control acknowledgement
	RelayExtend    uint8 = 6  // Extend the circuit one hop
	RelayExtended  uint8 = 7  // Extend succeeded
	RelayTruncate  uint8 = 8  // Remove hops past the recipient
	RelayTruncated uint8 = 9  // A hop beyond the recipient went away
	RelayDrop      uint8 = 10 // Long-range padding, ignored
	RelayResolve   uint8 = 11 // Hostname lookup request
	RelayResolved  uint8 = 12 // Hostname lookup answer

	// Conflux sub-protocol, stream identifier zero only.
	RelayConfluxLink      uint8 = 19 // Begin linking a leg into a set
	RelayConfluxLinked    uint8 = 20 // Link accepted
	RelayConfluxLinkedAck uint8 = 21 // Link acknowledgement (confirms the leg)
	RelayConfluxSwitch    uint8 = 22 // Primary leg change announcement

	// Threshold flow control.
	RelayXoff uint8 = 43 // Receiver buffer above high-water mark
	RelayXon  uint8 = 44 // Receiver drained, with advertised rate
)

// RelayCommandName returns a human-readable name for a relay command.
func RelayCommandName(cmd uint8) string {
	switch cmd {
	case RelayBegin:
		return "BEGIN"
	case RelayData:
		return "DATA"
	case RelayEnd:
		return "END"
	case RelayConnected:
		return "CONNECTED"
	case RelaySendme:
		return "SENDME"
	case RelayExtend:
		return "EXTEND"
	case RelayExtended:
		return "EXTENDED"
	case RelayTruncate:
		return "TRUNCATE"
	case RelayTruncated:
		return "TRUNCATED"
	case RelayDrop:
		return "DROP"
	case RelayResolve:
		return "RESOLVE"
	case RelayResolved:
		return "RESOLVED"
	case RelayConfluxLink:
		return "CONFLUX_LINK"
	case RelayConfluxLinked:
		return "CONFLUX_LINKED"
	case RelayConfluxLinkedAck:
		return "CONFLUX_LINKED_ACK"
	case RelayConfluxSwitch:
		return "CONFLUX_SWITCH"
	case RelayXoff:
		return "XOFF"
	case RelayXon:
		return "XON"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", cmd)
	}
}

// StreamID identifies one stream within one hop's stream table. Zero is
// reserved for circuit-level messages.
type StreamID uint16

// RelayMsg is the parsed body of a RELAY cell after correct-depth
// decryption.
type RelayMsg struct {
	Command  uint8
	StreamID StreamID
	Body     []byte
}

// IsStreamCommand reports whether the command addresses a stream (and
// therefore requires a non-zero stream identifier).
func IsStreamCommand(cmd uint8) bool {
	switch cmd {
	case RelayBegin, RelayData, RelayEnd, RelayConnected, RelayResolve, RelayResolved, RelayXon, RelayXoff:
		return true
	case RelaySendme:
		// SENDME is valid both at circuit level (stream ID zero) and
		// at stream level.
		return true
	default:
		return false
	}
}

// IsStreamOpener reports whether the command may legitimately create a
// new stream entry for an unknown stream identifier.
func IsStreamOpener(cmd uint8) bool {
	switch cmd {
	case RelayBegin, RelayResolve:
		return true
	default:
		return false
	}
}

// IsSequenced reports whether the command advances the multi-leg
// sequence space. Stream traffic is sequenced so it can be reordered
// across legs; SENDME is not, because acknowledgements are meaningful
// only on the leg that carried the acknowledged cells.
func IsSequenced(cmd uint8) bool {
	switch cmd {
	case RelayBegin, RelayData, RelayEnd, RelayConnected, RelayResolve, RelayResolved, RelayXon, RelayXoff:
		return true
	default:
		return false
	}
}

// IsConfluxCommand reports whether the command belongs to the conflux
// handshake sub-protocol.
func IsConfluxCommand(cmd uint8) bool {
	switch cmd {
	case RelayConfluxLink, RelayConfluxLinked, RelayConfluxLinkedAck, RelayConfluxSwitch:
		return true
	default:
		return false
	}
}

// EncodeRelay serializes a relay message into a full cell payload. The
// recognized and digest fields are zero; the per-hop crypto layer fills
// in the digest before encryption. Bytes past the body are left zero
// (padding to the fixed frame size).
func (m *RelayMsg) EncodeRelay() ([PayloadLen]byte, error) {
	var payload [PayloadLen]byte

	if len(m.Body) > MaxRelayBodyLen {
		return payload, fmt.Errorf("%w: %d bytes, max %d", ErrBodyTooLong, len(m.Body), MaxRelayBodyLen)
	}

	payload[0] = m.Command
	// payload[1:3] recognized: zero
	binary.BigEndian.PutUint16(payload[3:5], uint16(m.StreamID))
	// payload[5:9] digest: zero, set by the crypto layer
	binary.BigEndian.PutUint16(payload[9:11], uint16(len(m.Body)))
	copy(payload[relayHeaderLen:], m.Body)

	return payload, nil
}

// DecodeRelay parses a decrypted cell payload into a relay message.
// The caller must already have established that the payload was
// recognized at its hop; this only checks structural validity.
func DecodeRelay(payload []byte) (*RelayMsg, error) {
	if len(payload) != PayloadLen {
		return nil, fmt.Errorf("%w: payload is %d bytes, expected %d", ErrInvalidRelayMsg, len(payload), PayloadLen)
	}

	bodyLen := int(binary.BigEndian.Uint16(payload[9:11]))
	if bodyLen > MaxRelayBodyLen {
		return nil, fmt.Errorf("%w: body length %d exceeds %d", ErrInvalidRelayMsg, bodyLen, MaxRelayBodyLen)
	}

	m := &RelayMsg{
		Command:  payload[0],
		StreamID: StreamID(binary.BigEndian.Uint16(payload[3:5])),
	}

	m.Body = make([]byte, bodyLen)
	copy(m.Body, payload[relayHeaderLen:relayHeaderLen+bodyLen])

	// Stream-addressed commands must reference a stream; circuit-level
	// commands must not.
	if m.StreamID == 0 && IsStreamCommand(m.Command) && m.Command != RelaySendme {
		return nil, fmt.Errorf("%w: %s with zero stream ID", ErrInvalidRelayMsg, RelayCommandName(m.Command))
	}
	if m.StreamID != 0 && !IsStreamCommand(m.Command) {
		return nil, fmt.Errorf("%w: %s with non-zero stream ID", ErrInvalidRelayMsg, RelayCommandName(m.Command))
	}

	return m, nil
}

// RecognizedField reads the recognized marker from an encrypted-or-not
// cell payload. A payload is a candidate for delivery at a hop only
// when this is zero after decryption at that hop.
func RecognizedField(payload []byte) uint16 {
	return binary.BigEndian.Uint16(payload[1:3])
}

// DigestField reads the rolling digest field from a cell payload.
func DigestField(payload []byte) uint32 {
	return binary.BigEndian.Uint32(payload[5:9])
}

// SetDigestField writes the rolling digest field of a cell payload.
func SetDigestField(payload []byte, digest uint32) {
	binary.BigEndian.PutUint32(payload[5:9], digest)
}

// ClearDigestField zeroes the digest field, as required before the
// rolling digest over the payload is computed.
func ClearDigestField(payload []byte) {
	payload[5], payload[6], payload[7], payload[8] = 0, 0, 0, 0
}

// String returns a debug representation of the relay message.
func (m *RelayMsg) String() string {
	return fmt.Sprintf("RelayMsg{Command=%s, StreamID=%d, BodyLen=%d}",
		RelayCommandName(m.Command), m.StreamID, len(m.Body))
}
