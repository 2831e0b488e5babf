package cell

import (
	"bytes"
	"errors"
	"testing"
)

func TestRelayRoundTrip(t *testing.T) {
	msg := &RelayMsg{
		Command:  RelayData,
		StreamID: 3,
		Body:     []byte("payload bytes"),
	}

	payload, err := msg.EncodeRelay()
	if err != nil {
		t.Fatalf("EncodeRelay() error = %v", err)
	}

	if RecognizedField(payload[:]) != 0 {
		t.Error("recognized field is non-zero after encoding")
	}
	if DigestField(payload[:]) != 0 {
		t.Error("digest field is non-zero after encoding")
	}

	got, err := DecodeRelay(payload[:])
	if err != nil {
		t.Fatalf("DecodeRelay() error = %v", err)
	}
	if got.Command != RelayData || got.StreamID != 3 {
		t.Errorf("decoded header = (%d, %d), want (%d, 3)", got.Command, got.StreamID, RelayData)
	}
	if !bytes.Equal(got.Body, msg.Body) {
		t.Errorf("Body = %q, want %q", got.Body, msg.Body)
	}
}

func TestRelayBodyTooLong(t *testing.T) {
	msg := &RelayMsg{
		Command:  RelayData,
		StreamID: 1,
		Body:     make([]byte, MaxRelayBodyLen+1),
	}
	if _, err := msg.EncodeRelay(); !errors.Is(err, ErrBodyTooLong) {
		t.Errorf("EncodeRelay() error = %v, want ErrBodyTooLong", err)
	}

	// Exactly full is fine.
	msg.Body = make([]byte, MaxRelayBodyLen)
	if _, err := msg.EncodeRelay(); err != nil {
		t.Errorf("EncodeRelay() at max body error = %v", err)
	}
}

func TestDecodeRelayBodyLengthOverflow(t *testing.T) {
	msg := &RelayMsg{Command: RelayData, StreamID: 1, Body: []byte("x")}
	payload, _ := msg.EncodeRelay()

	// Claim a body longer than a cell can carry.
	payload[9] = 0xFF
	payload[10] = 0xFF

	if _, err := DecodeRelay(payload[:]); !errors.Is(err, ErrInvalidRelayMsg) {
		t.Errorf("DecodeRelay() error = %v, want ErrInvalidRelayMsg", err)
	}
}

func TestDecodeRelayStreamIDRules(t *testing.T) {
	tests := []struct {
		name     string
		command  uint8
		streamID StreamID
		wantErr  bool
	}{
		{"data needs stream", RelayData, 0, true},
		{"begin needs stream", RelayBegin, 0, true},
		{"data with stream", RelayData, 5, false},
		{"sendme circuit level", RelaySendme, 0, false},
		{"sendme stream level", RelaySendme, 5, false},
		{"extend is circuit level", RelayExtend, 5, true},
		{"extend without stream", RelayExtend, 0, false},
		{"link is circuit level", RelayConfluxLink, 9, true},
		{"xon with stream", RelayXon, 2, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &RelayMsg{Command: tt.command, StreamID: tt.streamID}
			payload, err := msg.EncodeRelay()
			if err != nil {
				t.Fatal(err)
			}
			_, err = DecodeRelay(payload[:])
			if (err != nil) != tt.wantErr {
				t.Errorf("DecodeRelay() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestIsSequenced(t *testing.T) {
	// Every stream command except SENDME advances the sequence space.
	sequenced := []uint8{RelayBegin, RelayData, RelayEnd, RelayConnected, RelayResolve, RelayResolved, RelayXon, RelayXoff}
	for _, cmd := range sequenced {
		if !IsSequenced(cmd) {
			t.Errorf("IsSequenced(%s) = false, want true", RelayCommandName(cmd))
		}
	}

	unsequenced := []uint8{RelaySendme, RelayExtend, RelayExtended, RelayConfluxLink, RelayConfluxSwitch, RelayDrop}
	for _, cmd := range unsequenced {
		if IsSequenced(cmd) {
			t.Errorf("IsSequenced(%s) = true, want false", RelayCommandName(cmd))
		}
	}
}

func TestIsStreamOpener(t *testing.T) {
	if !IsStreamOpener(RelayBegin) || !IsStreamOpener(RelayResolve) {
		t.Error("BEGIN and RESOLVE must open streams")
	}
	if IsStreamOpener(RelayData) || IsStreamOpener(RelayConnected) {
		t.Error("DATA and CONNECTED must not open streams")
	}
}

func TestDigestFieldHelpers(t *testing.T) {
	var payload [PayloadLen]byte
	SetDigestField(payload[:], 0xDEADBEEF)
	if DigestField(payload[:]) != 0xDEADBEEF {
		t.Errorf("DigestField = %x", DigestField(payload[:]))
	}
	ClearDigestField(payload[:])
	if DigestField(payload[:]) != 0 {
		t.Error("ClearDigestField left a non-zero digest")
	}
}
