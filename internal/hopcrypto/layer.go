package hopcrypto

import (
	"bytes"
	"crypto/sha256"
	"encoding"
	"errors"
	"fmt"
	"hash"

	"golang.org/x/crypto/chacha20"

	"github.com/umbralabs/umbra/internal/cell"
)

var (
	// ErrNotRecognized is returned when no hop recognizes an inbound cell
	ErrNotRecognized = errors.New("relay cell not recognized at any hop")

	// ErrDigestMismatch is returned when a recognized-looking cell fails
	// its digest check
	ErrDigestMismatch = errors.New("relay cell digest mismatch")
)

// layer holds one hop's cipher and digest state for both directions.
// Forward is client-to-exit, backward is exit-to-client.
type layer struct {
	fwd        *chacha20.Cipher
	back       *chacha20.Cipher
	fwdDigest  hash.Hash
	backDigest hash.Hash
}

func newLayer(km *KeyMaterial) (*layer, error) {
	fwd, err := chacha20.NewUnauthenticatedCipher(km.FwdKey[:], km.FwdNonce[:])
	if err != nil {
		return nil, fmt.Errorf("forward cipher: %w", err)
	}
	back, err := chacha20.NewUnauthenticatedCipher(km.BackKey[:], km.BackNonce[:])
	if err != nil {
		return nil, fmt.Errorf("backward cipher: %w", err)
	}

	fd := sha256.New()
	fd.Write(km.FwdDigest[:])
	bd := sha256.New()
	bd.Write(km.BackDigest[:])

	return &layer{fwd: fwd, back: back, fwdDigest: fd, backDigest: bd}, nil
}

// seal stamps the rolling digest of d into the payload's digest field
// and advances d past the payload.
func seal(d hash.Hash, payload []byte) {
	cell.ClearDigestField(payload)
	d.Write(payload)
	sum := d.Sum(nil)
	var digest uint32
	digest = uint32(sum[0])<<24 | uint32(sum[1])<<16 | uint32(sum[2])<<8 | uint32(sum[3])
	cell.SetDigestField(payload, digest)
}

// verify checks the payload's digest field against the rolling digest
// of d. On success d is advanced past the payload; on failure d and the
// payload are left untouched.
func verify(d hash.Hash, payload []byte) (bool, error) {
	snapshot, err := d.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		return false, fmt.Errorf("snapshot digest: %w", err)
	}

	received := cell.DigestField(payload)
	cell.ClearDigestField(payload)
	d.Write(payload)
	sum := d.Sum(nil)
	computed := uint32(sum[0])<<24 | uint32(sum[1])<<16 | uint32(sum[2])<<8 | uint32(sum[3])

	if computed == received {
		cell.SetDigestField(payload, received)
		return true, nil
	}

	// Roll back: an unrecognized payload must not disturb digest state.
	if err := d.(encoding.BinaryUnmarshaler).UnmarshalBinary(snapshot); err != nil {
		return false, fmt.Errorf("restore digest: %w", err)
	}
	cell.SetDigestField(payload, received)
	return false, nil
}

// ============================================================================
// Client side
// ============================================================================

// ClientLayer is the client-side cryptographic state for one hop.
type ClientLayer struct {
	l *layer
}

// NewClientLayer builds a client layer from derived key material.
func NewClientLayer(km *KeyMaterial) (*ClientLayer, error) {
	l, err := newLayer(km)
	if err != nil {
		return nil, err
	}
	return &ClientLayer{l: l}, nil
}

// OnionStack is the ordered chain of client layers for one leg.
// Index 0 is the first (closest) hop.
type OnionStack struct {
	layers []*ClientLayer
}

// NewOnionStack creates an empty hop chain.
func NewOnionStack() *OnionStack {
	return &OnionStack{}
}

// Len returns the number of hops in the chain.
func (s *OnionStack) Len() int {
	return len(s.layers)
}

// Append adds a newly-negotiated hop at the far end of the chain.
func (s *OnionStack) Append(layer *ClientLayer) {
	s.layers = append(s.layers, layer)
}

// WrapForward prepares an outbound relay payload for the given hop:
// it stamps the target hop's rolling digest, then applies each hop's
// forward cipher from the target inward to the first hop.
func (s *OnionStack) WrapForward(targetHop int, payload *[cell.PayloadLen]byte) error {
	if targetHop < 0 || targetHop >= len(s.layers) {
		return fmt.Errorf("no such hop %d in a %d-hop circuit", targetHop, len(s.layers))
	}

	seal(s.layers[targetHop].l.fwdDigest, payload[:])

	for i := targetHop; i >= 0; i-- {
		s.layers[i].l.fwd.XORKeyStream(payload[:], payload[:])
	}

	return nil
}

// UnwrapBackward peels an inbound relay payload one hop at a time and
// returns the index of the hop that recognized it. Running out of hops
// without recognition is a protocol violation at the caller.
func (s *OnionStack) UnwrapBackward(payload *[cell.PayloadLen]byte) (int, error) {
	for i := range s.layers {
		l := s.layers[i].l
		l.back.XORKeyStream(payload[:], payload[:])

		if cell.RecognizedField(payload[:]) != 0 {
			continue
		}

		ok, err := verify(l.backDigest, payload[:])
		if err != nil {
			return -1, err
		}
		if ok {
			return i, nil
		}
	}

	return -1, ErrNotRecognized
}

// ForwardTag returns the current forward rolling digest for a hop,
// truncated to the SENDME tag length. Recorded when a window boundary
// cell is sent, and compared against the tag of the acknowledging
// SENDME.
func (s *OnionStack) ForwardTag(hop int) ([]byte, error) {
	if hop < 0 || hop >= len(s.layers) {
		return nil, fmt.Errorf("no such hop %d in a %d-hop circuit", hop, len(s.layers))
	}
	sum := s.layers[hop].l.fwdDigest.Sum(nil)
	return sum[:cell.SendmeTagLen], nil
}

// BackwardTag returns the current backward rolling digest for a hop,
// truncated to the SENDME tag length. Stamped into the circuit SENDME
// acknowledging the hop's inbound data, binding the acknowledgement to
// the last cell counted.
func (s *OnionStack) BackwardTag(hop int) ([]byte, error) {
	if hop < 0 || hop >= len(s.layers) {
		return nil, fmt.Errorf("no such hop %d in a %d-hop circuit", hop, len(s.layers))
	}
	sum := s.layers[hop].l.backDigest.Sum(nil)
	return sum[:cell.SendmeTagLen], nil
}

// ============================================================================
// Relay side
// ============================================================================

// RelayLayer is the relay-side mirror of one hop's state. A real relay
// holds exactly one; tests use it to emulate the far end of a leg.
type RelayLayer struct {
	l *layer
}

// NewRelayLayer builds a relay layer from the same derived key material
// as the matching client layer.
func NewRelayLayer(km *KeyMaterial) (*RelayLayer, error) {
	l, err := newLayer(km)
	if err != nil {
		return nil, err
	}
	return &RelayLayer{l: l}, nil
}

// UnwrapForward removes this relay's forward encryption layer and
// reports whether the payload is addressed to this relay.
func (r *RelayLayer) UnwrapForward(payload *[cell.PayloadLen]byte) (bool, error) {
	r.l.fwd.XORKeyStream(payload[:], payload[:])

	if cell.RecognizedField(payload[:]) != 0 {
		return false, nil
	}

	return verify(r.l.fwdDigest, payload[:])
}

// WrapBackward stamps this relay's backward digest and applies its
// backward encryption layer to an originating payload.
func (r *RelayLayer) WrapBackward(payload *[cell.PayloadLen]byte) {
	seal(r.l.backDigest, payload[:])
	r.l.back.XORKeyStream(payload[:], payload[:])
}

// WrapBackwardThrough applies only the backward cipher, for payloads
// originated by a hop further out that are passing through this relay.
func (r *RelayLayer) WrapBackwardThrough(payload *[cell.PayloadLen]byte) {
	r.l.back.XORKeyStream(payload[:], payload[:])
}

// UnwrapForwardThrough removes only the forward cipher, for payloads
// addressed to a hop further out.
func (r *RelayLayer) UnwrapForwardThrough(payload *[cell.PayloadLen]byte) {
	r.l.fwd.XORKeyStream(payload[:], payload[:])
}

// ForwardTag returns the relay-side forward rolling digest, truncated
// to the SENDME tag length. It mirrors OnionStack.ForwardTag.
func (r *RelayLayer) ForwardTag() []byte {
	sum := r.l.fwdDigest.Sum(nil)
	return sum[:cell.SendmeTagLen]
}

// BackwardTag returns the relay-side backward rolling digest, truncated
// to the SENDME tag length. It mirrors OnionStack.BackwardTag.
func (r *RelayLayer) BackwardTag() []byte {
	sum := r.l.backDigest.Sum(nil)
	return sum[:cell.SendmeTagLen]
}

// VerifySendmeTag compares a SENDME acknowledgement tag against the
// expected digest snapshot recorded when the covered cell was sent.
func VerifySendmeTag(tag, expected []byte) bool {
	return len(tag) == len(expected) && bytes.Equal(tag, expected)
}
