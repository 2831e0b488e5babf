package cell

import (
	"bytes"
	"testing"

	"github.com/umbralabs/umbra/internal/identity"
)

func TestBeginRoundTrip(t *testing.T) {
	b := &Begin{Addr: "example.com", Port: 443, Flags: 1}
	got, err := DecodeBegin(b.Encode())
	if err != nil {
		t.Fatalf("DecodeBegin() error = %v", err)
	}
	if got.Addr != b.Addr || got.Port != b.Port || got.Flags != b.Flags {
		t.Errorf("got %+v, want %+v", got, b)
	}
}

func TestDecodeBeginTruncated(t *testing.T) {
	b := &Begin{Addr: "example.com", Port: 443}
	buf := b.Encode()

	// Claim a longer address than the buffer holds.
	buf[0] = 200
	if _, err := DecodeBegin(buf); err == nil {
		t.Error("DecodeBegin() succeeded on truncated address")
	}

	if _, err := DecodeBegin(buf[:3]); err == nil {
		t.Error("DecodeBegin() succeeded on short buffer")
	}
}

func TestConnectedAddressLengths(t *testing.T) {
	for _, addrLen := range []int{0, 4, 16} {
		c := &Connected{Addr: make([]byte, addrLen), TTL: 60}
		got, err := DecodeConnected(c.Encode())
		if err != nil {
			t.Fatalf("DecodeConnected(len %d) error = %v", addrLen, err)
		}
		if len(got.Addr) != addrLen || got.TTL != 60 {
			t.Errorf("got addr len %d ttl %d", len(got.Addr), got.TTL)
		}
	}

	// Any other address length is malformed.
	bad := &Connected{Addr: make([]byte, 6)}
	if _, err := DecodeConnected(bad.Encode()); err == nil {
		t.Error("DecodeConnected() accepted a 6-byte address")
	}
}

func TestSendmeVersions(t *testing.T) {
	// Version 0: empty payload, no tag.
	s0, err := DecodeSendme(nil)
	if err != nil {
		t.Fatalf("DecodeSendme(nil) error = %v", err)
	}
	if s0.Version != 0 {
		t.Errorf("Version = %d, want 0", s0.Version)
	}

	// Version 1 carries an authenticating tag.
	tag := bytes.Repeat([]byte{0xA5}, SendmeTagLen)
	s1 := &Sendme{Version: 1, Tag: tag}
	got, err := DecodeSendme(s1.Encode())
	if err != nil {
		t.Fatalf("DecodeSendme() error = %v", err)
	}
	if got.Version != 1 || !bytes.Equal(got.Tag, tag) {
		t.Errorf("got version %d tag %x", got.Version, got.Tag)
	}
}

func TestExtendRoundTrip(t *testing.T) {
	id, _ := identity.NewRelayID()
	e := &Extend{
		RelayID: id,
		Addr:    "192.0.2.1",
		Port:    9001,
	}
	for i := range e.HandshakeKey {
		e.HandshakeKey[i] = byte(i)
	}

	got, err := DecodeExtend(e.Encode())
	if err != nil {
		t.Fatalf("DecodeExtend() error = %v", err)
	}
	if !got.RelayID.Equal(id) {
		t.Error("relay ID mismatch")
	}
	if got.Addr != e.Addr || got.Port != e.Port {
		t.Errorf("addr/port = %s:%d", got.Addr, got.Port)
	}
	if got.HandshakeKey != e.HandshakeKey {
		t.Error("handshake key mismatch")
	}
}

func TestResolvedRoundTrip(t *testing.T) {
	r := &Resolved{
		Answers: []ResolvedAnswer{
			{Type: ResolvedTypeIPv4, Value: []byte{192, 0, 2, 10}, TTL: 300},
			{Type: ResolvedTypeIPv6, Value: make([]byte, 16), TTL: 600},
		},
	}

	got, err := DecodeResolved(r.Encode())
	if err != nil {
		t.Fatalf("DecodeResolved() error = %v", err)
	}
	if len(got.Answers) != 2 {
		t.Fatalf("answers = %d, want 2", len(got.Answers))
	}
	if got.Answers[0].Type != ResolvedTypeIPv4 || got.Answers[0].TTL != 300 {
		t.Errorf("first answer = %+v", got.Answers[0])
	}
	if !bytes.Equal(got.Answers[0].Value, []byte{192, 0, 2, 10}) {
		t.Errorf("first answer value = %v", got.Answers[0].Value)
	}
}

func TestDecodeResolvedTruncated(t *testing.T) {
	r := &Resolved{
		Answers: []ResolvedAnswer{{Type: ResolvedTypeIPv4, Value: []byte{1, 2, 3, 4}, TTL: 1}},
	}
	buf := r.Encode()
	if _, err := DecodeResolved(buf[:len(buf)-2]); err == nil {
		t.Error("DecodeResolved() succeeded on truncated answer")
	}
}

func TestLinkRoundTrip(t *testing.T) {
	l := &Link{
		Version:     LinkVersion,
		LastSeqSent: 17,
		LastSeqRecv: 5,
		DesiredUX:   UXHighThroughpt,
	}
	for i := range l.Nonce {
		l.Nonce[i] = byte(0xFF - i)
	}

	got, err := DecodeLink(l.Encode())
	if err != nil {
		t.Fatalf("DecodeLink() error = %v", err)
	}
	if got.Nonce != l.Nonce {
		t.Error("nonce mismatch")
	}
	if got.LastSeqSent != 17 || got.LastSeqRecv != 5 || got.DesiredUX != UXHighThroughpt {
		t.Errorf("got %+v", got)
	}
}

func TestDecodeLinkRejectsUnknownVersion(t *testing.T) {
	l := &Link{Version: LinkVersion}
	buf := l.Encode()
	buf[0] = 2

	if _, err := DecodeLink(buf); err == nil {
		t.Error("DecodeLink() accepted an unknown version")
	}
}

func TestSwitchRoundTrip(t *testing.T) {
	s := &Switch{SeqDelta: 12345}
	got, err := DecodeSwitch(s.Encode())
	if err != nil {
		t.Fatalf("DecodeSwitch() error = %v", err)
	}
	if got.SeqDelta != 12345 {
		t.Errorf("SeqDelta = %d", got.SeqDelta)
	}
}
