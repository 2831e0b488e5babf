package cell

import (
	"encoding/binary"
	"fmt"

	"github.com/umbralabs/umbra/internal/identity"
)

// ============================================================================
// Stream payloads
// ============================================================================

// End reasons.
const (
	EndReasonMisc          uint8 = 1
	EndReasonResolveFailed uint8 = 2
	EndReasonRefused       uint8 = 3
	EndReasonExitPolicy    uint8 = 4
	EndReasonDestroy       uint8 = 5
	EndReasonDone          uint8 = 6
	EndReasonTimeout       uint8 = 7
	EndReasonNoRoute       uint8 = 8
	EndReasonConnReset     uint8 = 12
)

// Begin is the payload for BEGIN relay messages.
type Begin struct {
	Addr  string
	Port  uint16
	Flags uint32
}

// Encode serializes Begin to bytes.
func (b *Begin) Encode() []byte {
	addr := []byte(b.Addr)
	buf := make([]byte, 1+len(addr)+2+4)
	offset := 0

	buf[offset] = uint8(len(addr))
	offset++

	copy(buf[offset:], addr)
	offset += len(addr)

	binary.BigEndian.PutUint16(buf[offset:], b.Port)
	offset += 2

	binary.BigEndian.PutUint32(buf[offset:], b.Flags)

	return buf
}

// DecodeBegin deserializes Begin from bytes.
func DecodeBegin(buf []byte) (*Begin, error) {
	if len(buf) < 7 { // 1 + 2 + 4 minimum (empty addr)
		return nil, fmt.Errorf("%w: Begin too short", ErrInvalidRelayMsg)
	}

	addrLen := int(buf[0])
	if 1+addrLen+6 > len(buf) {
		return nil, fmt.Errorf("%w: Begin address truncated", ErrInvalidRelayMsg)
	}

	b := &Begin{}
	offset := 1

	b.Addr = string(buf[offset : offset+addrLen])
	offset += addrLen

	b.Port = binary.BigEndian.Uint16(buf[offset:])
	offset += 2

	b.Flags = binary.BigEndian.Uint32(buf[offset:])

	return b, nil
}

// Connected is the payload for CONNECTED relay messages.
type Connected struct {
	Addr []byte // 4 (IPv4) or 16 (IPv6) bytes, may be empty
	TTL  uint32
}

// Encode serializes Connected to bytes.
func (c *Connected) Encode() []byte {
	buf := make([]byte, 1+len(c.Addr)+4)
	buf[0] = uint8(len(c.Addr))
	copy(buf[1:], c.Addr)
	binary.BigEndian.PutUint32(buf[1+len(c.Addr):], c.TTL)
	return buf
}

// DecodeConnected deserializes Connected from bytes.
func DecodeConnected(buf []byte) (*Connected, error) {
	if len(buf) < 5 {
		return nil, fmt.Errorf("%w: Connected too short", ErrInvalidRelayMsg)
	}

	addrLen := int(buf[0])
	switch addrLen {
	case 0, 4, 16:
	default:
		return nil, fmt.Errorf("%w: Connected address length %d", ErrInvalidRelayMsg, addrLen)
	}
	if 1+addrLen+4 > len(buf) {
		return nil, fmt.Errorf("%w: Connected truncated", ErrInvalidRelayMsg)
	}

	c := &Connected{
		Addr: make([]byte, addrLen),
	}
	copy(c.Addr, buf[1:1+addrLen])
	c.TTL = binary.BigEndian.Uint32(buf[1+addrLen:])

	return c, nil
}

// End is the payload for END relay messages.
type End struct {
	Reason uint8
}

// Encode serializes End to bytes.
func (e *End) Encode() []byte {
	return []byte{e.Reason}
}

// DecodeEnd deserializes End from bytes.
func DecodeEnd(buf []byte) (*End, error) {
	if len(buf) < 1 {
		return nil, fmt.Errorf("%w: End too short", ErrInvalidRelayMsg)
	}
	return &End{Reason: buf[0]}, nil
}

// ============================================================================
// Flow-control payloads
// ============================================================================

// SendmeTagLen is the size of the authenticating tag carried by a
// versioned SENDME.
const SendmeTagLen = 20

// Sendme is the payload for SENDME relay messages. Version 1 carries a
// tag binding the acknowledgement to the last cell it covers.
type Sendme struct {
	Version uint8
	Tag     []byte
}

// Encode serializes Sendme to bytes.
func (s *Sendme) Encode() []byte {
	if s.Version == 0 {
		return nil
	}
	buf := make([]byte, 1+2+len(s.Tag))
	buf[0] = s.Version
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(s.Tag)))
	copy(buf[3:], s.Tag)
	return buf
}

// DecodeSendme deserializes Sendme from bytes.
func DecodeSendme(buf []byte) (*Sendme, error) {
	if len(buf) == 0 {
		return &Sendme{Version: 0}, nil
	}
	if len(buf) < 3 {
		return nil, fmt.Errorf("%w: Sendme too short", ErrInvalidRelayMsg)
	}

	s := &Sendme{Version: buf[0]}
	tagLen := int(binary.BigEndian.Uint16(buf[1:3]))
	if 3+tagLen > len(buf) {
		return nil, fmt.Errorf("%w: Sendme tag truncated", ErrInvalidRelayMsg)
	}
	s.Tag = make([]byte, tagLen)
	copy(s.Tag, buf[3:3+tagLen])

	return s, nil
}

// Xon is the payload for XON relay messages. The advertised rate is in
// kilobytes per second; zero means unlimited.
type Xon struct {
	Version  uint8
	KBRateHi uint32
}

// Encode serializes Xon to bytes.
func (x *Xon) Encode() []byte {
	buf := make([]byte, 5)
	buf[0] = x.Version
	binary.BigEndian.PutUint32(buf[1:], x.KBRateHi)
	return buf
}

// DecodeXon deserializes Xon from bytes.
func DecodeXon(buf []byte) (*Xon, error) {
	if len(buf) < 5 {
		return nil, fmt.Errorf("%w: Xon too short", ErrInvalidRelayMsg)
	}
	return &Xon{Version: buf[0], KBRateHi: binary.BigEndian.Uint32(buf[1:5])}, nil
}

// Xoff is the payload for XOFF relay messages.
type Xoff struct {
	Version uint8
}

// Encode serializes Xoff to bytes.
func (x *Xoff) Encode() []byte {
	return []byte{x.Version}
}

// DecodeXoff deserializes Xoff from bytes.
func DecodeXoff(buf []byte) (*Xoff, error) {
	if len(buf) < 1 {
		return nil, fmt.Errorf("%w: Xoff too short", ErrInvalidRelayMsg)
	}
	return &Xoff{Version: buf[0]}, nil
}

// ============================================================================
// Circuit-extension payloads
// ============================================================================

// HandshakeKeyLen is the size of the ephemeral key material carried by
// EXTEND and EXTENDED.
const HandshakeKeyLen = 32

// Extend is the payload for EXTEND relay messages.
type Extend struct {
	RelayID      identity.RelayID
	Addr         string
	Port         uint16
	HandshakeKey [HandshakeKeyLen]byte
}

// Encode serializes Extend to bytes.
func (e *Extend) Encode() []byte {
	addr := []byte(e.Addr)
	buf := make([]byte, identity.IDSize+1+len(addr)+2+HandshakeKeyLen)
	offset := 0

	copy(buf[offset:], e.RelayID[:])
	offset += identity.IDSize

	buf[offset] = uint8(len(addr))
	offset++

	copy(buf[offset:], addr)
	offset += len(addr)

	binary.BigEndian.PutUint16(buf[offset:], e.Port)
	offset += 2

	copy(buf[offset:], e.HandshakeKey[:])

	return buf
}

// DecodeExtend deserializes Extend from bytes.
func DecodeExtend(buf []byte) (*Extend, error) {
	if len(buf) < identity.IDSize+1+2+HandshakeKeyLen {
		return nil, fmt.Errorf("%w: Extend too short", ErrInvalidRelayMsg)
	}

	e := &Extend{}
	offset := 0

	copy(e.RelayID[:], buf[offset:offset+identity.IDSize])
	offset += identity.IDSize

	addrLen := int(buf[offset])
	offset++

	if offset+addrLen+2+HandshakeKeyLen > len(buf) {
		return nil, fmt.Errorf("%w: Extend address truncated", ErrInvalidRelayMsg)
	}

	e.Addr = string(buf[offset : offset+addrLen])
	offset += addrLen

	e.Port = binary.BigEndian.Uint16(buf[offset:])
	offset += 2

	copy(e.HandshakeKey[:], buf[offset:offset+HandshakeKeyLen])

	return e, nil
}

// Extended is the payload for EXTENDED relay messages.
type Extended struct {
	HandshakeReply [HandshakeKeyLen]byte
	Auth           [HandshakeKeyLen]byte
}

// Encode serializes Extended to bytes.
func (e *Extended) Encode() []byte {
	buf := make([]byte, 2*HandshakeKeyLen)
	copy(buf, e.HandshakeReply[:])
	copy(buf[HandshakeKeyLen:], e.Auth[:])
	return buf
}

// DecodeExtended deserializes Extended from bytes.
func DecodeExtended(buf []byte) (*Extended, error) {
	if len(buf) < 2*HandshakeKeyLen {
		return nil, fmt.Errorf("%w: Extended too short", ErrInvalidRelayMsg)
	}
	e := &Extended{}
	copy(e.HandshakeReply[:], buf[:HandshakeKeyLen])
	copy(e.Auth[:], buf[HandshakeKeyLen:2*HandshakeKeyLen])
	return e, nil
}

// Truncated is the payload for TRUNCATED relay messages.
type Truncated struct {
	Reason uint8
}

// Encode serializes Truncated to bytes.
func (t *Truncated) Encode() []byte {
	return []byte{t.Reason}
}

// DecodeTruncated deserializes Truncated from bytes.
func DecodeTruncated(buf []byte) (*Truncated, error) {
	if len(buf) < 1 {
		return nil, fmt.Errorf("%w: Truncated too short", ErrInvalidRelayMsg)
	}
	return &Truncated{Reason: buf[0]}, nil
}

// ============================================================================
// Resolve payloads
// ============================================================================

// Resolved answer types.
const (
	ResolvedTypeHostname uint8 = 0x00
	ResolvedTypeIPv4     uint8 = 0x04
	ResolvedTypeIPv6     uint8 = 0x06
	ResolvedTypeErrTrans uint8 = 0xF0
	ResolvedTypeErrPerm  uint8 = 0xF1
)

// Resolve is the payload for RESOLVE relay messages.
type Resolve struct {
	Hostname string
}

// Encode serializes Resolve to bytes.
func (r *Resolve) Encode() []byte {
	name := []byte(r.Hostname)
	buf := make([]byte, 1+len(name))
	buf[0] = uint8(len(name))
	copy(buf[1:], name)
	return buf
}

// DecodeResolve deserializes Resolve from bytes.
func DecodeResolve(buf []byte) (*Resolve, error) {
	if len(buf) < 1 {
		return nil, fmt.Errorf("%w: Resolve too short", ErrInvalidRelayMsg)
	}
	nameLen := int(buf[0])
	if 1+nameLen > len(buf) {
		return nil, fmt.Errorf("%w: Resolve hostname truncated", ErrInvalidRelayMsg)
	}
	return &Resolve{Hostname: string(buf[1 : 1+nameLen])}, nil
}

// ResolvedAnswer is one answer inside a RESOLVED message.
type ResolvedAnswer struct {
	Type  uint8
	Value []byte
	TTL   uint32
}

// Resolved is the payload for RESOLVED relay messages.
type Resolved struct {
	Answers []ResolvedAnswer
}

// Encode serializes Resolved to bytes.
func (r *Resolved) Encode() []byte {
	size := 1
	for _, a := range r.Answers {
		size += 1 + 1 + len(a.Value) + 4
	}

	buf := make([]byte, size)
	offset := 0

	buf[offset] = uint8(len(r.Answers))
	offset++

	for _, a := range r.Answers {
		buf[offset] = a.Type
		offset++
		buf[offset] = uint8(len(a.Value))
		offset++
		copy(buf[offset:], a.Value)
		offset += len(a.Value)
		binary.BigEndian.PutUint32(buf[offset:], a.TTL)
		offset += 4
	}

	return buf
}

// DecodeResolved deserializes Resolved from bytes.
func DecodeResolved(buf []byte) (*Resolved, error) {
	if len(buf) < 1 {
		return nil, fmt.Errorf("%w: Resolved too short", ErrInvalidRelayMsg)
	}

	count := int(buf[0])
	offset := 1

	r := &Resolved{Answers: make([]ResolvedAnswer, 0, count)}
	for i := 0; i < count; i++ {
		if offset+2 > len(buf) {
			return nil, fmt.Errorf("%w: Resolved answer truncated", ErrInvalidRelayMsg)
		}
		a := ResolvedAnswer{Type: buf[offset]}
		offset++
		valLen := int(buf[offset])
		offset++
		if offset+valLen+4 > len(buf) {
			return nil, fmt.Errorf("%w: Resolved answer value truncated", ErrInvalidRelayMsg)
		}
		a.Value = make([]byte, valLen)
		copy(a.Value, buf[offset:offset+valLen])
		offset += valLen
		a.TTL = binary.BigEndian.Uint32(buf[offset:])
		offset += 4

		r.Answers = append(r.Answers, a)
	}

	return r, nil
}

// ============================================================================
// Conflux payloads
// ============================================================================

// LinkNonceLen is the size of the nonce identifying a traffic-splitting set.
const LinkNonceLen = 32

// LinkVersion is the only conflux handshake version this node speaks.
const LinkVersion uint8 = 1

// Desired-UX hints carried by LINK.
const (
	UXNoOpinion     uint8 = 0
	UXMinLatency    uint8 = 1
	UXLowMemLatency uint8 = 2
	UXHighThroughpt uint8 = 3
)

// Link is the payload shared by CONFLUX_LINK and CONFLUX_LINKED
// messages.
type Link struct {
	Version     uint8
	Nonce       [LinkNonceLen]byte
	LastSeqSent uint64
	LastSeqRecv uint64
	DesiredUX   uint8
}

// Encode serializes Link to bytes.
func (l *Link) Encode() []byte {
	buf := make([]byte, 1+LinkNonceLen+8+8+1)
	offset := 0

	buf[offset] = l.Version
	offset++

	copy(buf[offset:], l.Nonce[:])
	offset += LinkNonceLen

	binary.BigEndian.PutUint64(buf[offset:], l.LastSeqSent)
	offset += 8

	binary.BigEndian.PutUint64(buf[offset:], l.LastSeqRecv)
	offset += 8

	buf[offset] = l.DesiredUX

	return buf
}

// DecodeLink deserializes Link from bytes.
func DecodeLink(buf []byte) (*Link, error) {
	if len(buf) < 1+LinkNonceLen+8+8+1 {
		return nil, fmt.Errorf("%w: Link too short", ErrInvalidRelayMsg)
	}

	l := &Link{}
	offset := 0

	l.Version = buf[offset]
	offset++
	if l.Version != LinkVersion {
		return nil, fmt.Errorf("%w: Link version %d", ErrInvalidRelayMsg, l.Version)
	}

	copy(l.Nonce[:], buf[offset:offset+LinkNonceLen])
	offset += LinkNonceLen

	l.LastSeqSent = binary.BigEndian.Uint64(buf[offset:])
	offset += 8

	l.LastSeqRecv = binary.BigEndian.Uint64(buf[offset:])
	offset += 8

	l.DesiredUX = buf[offset]

	return l, nil
}

// Switch is the payload for CONFLUX_SWITCH messages. The delta is
// relative to the last sequence number seen on the receiving leg; zero
// is a protocol violation.
type Switch struct {
	SeqDelta uint32
}

// Encode serializes Switch to bytes.
func (s *Switch) Encode() []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, s.SeqDelta)
	return buf
}

// DecodeSwitch deserializes Switch from bytes.
func DecodeSwitch(buf []byte) (*Switch, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("%w: Switch too short", ErrInvalidRelayMsg)
	}
	return &Switch{SeqDelta: binary.BigEndian.Uint32(buf)}, nil
}
