package validator

import (
	"errors"
	"testing"

	"github.com/umbralabs/umbra/internal/cell"
	"github.com/umbralabs/umbra/internal/flowctl"
)

var (
	connectedBody = (&cell.Connected{Addr: []byte{192, 0, 2, 10}, TTL: 60}).Encode()
	resolvedBody  = (&cell.Resolved{
		Answers: []cell.ResolvedAnswer{{Type: cell.ResolvedTypeIPv4, Value: []byte{192, 0, 2, 10}, TTL: 300}},
	}).Encode()
	beginBody = (&cell.Begin{Addr: "example.com", Port: 443}).Encode()
	endBody   = (&cell.End{Reason: cell.EndReasonDone}).Encode()
)

func TestForKind(t *testing.T) {
	if got := ForKind(KindData, flowctl.DisciplineWindow).Kind(); got != KindData {
		t.Errorf("Kind() = %v, want DATA", got)
	}
	if got := ForKind(KindResolve, flowctl.DisciplineWindow).Kind(); got != KindResolve {
		t.Errorf("Kind() = %v, want RESOLVE", got)
	}
	if got := ForKind(KindIncoming, flowctl.DisciplineXonXoff).Kind(); got != KindIncoming {
		t.Errorf("Kind() = %v, want INCOMING", got)
	}
}

func TestDataStreamTransitions(t *testing.T) {
	v := ForKind(KindData, flowctl.DisciplineWindow)

	tests := []struct {
		name    string
		state   State
		cmd     uint8
		body    []byte
		verdict Verdict
	}{
		{"connected opens pending", StatePending, cell.RelayConnected, connectedBody, AcceptAndOpen},
		{"end closes pending", StatePending, cell.RelayEnd, nil, AcceptAndClose},
		{"data before connected", StatePending, cell.RelayData, []byte("x"), Reject},
		{"sendme before connected", StatePending, cell.RelaySendme, nil, Reject},

		{"data while open", StateOpen, cell.RelayData, []byte("x"), Accept},
		{"sendme while open", StateOpen, cell.RelaySendme, nil, Accept},
		{"end while open", StateOpen, cell.RelayEnd, nil, AcceptAndClose},
		{"second connected", StateOpen, cell.RelayConnected, connectedBody, Reject},
		{"resolved on data stream", StateOpen, cell.RelayResolved, resolvedBody, Reject},
		{"begin on data stream", StateOpen, cell.RelayBegin, beginBody, Reject},

		{"data while half-closed", StateHalfClosed, cell.RelayData, []byte("x"), Accept},
		{"end while half-closed", StateHalfClosed, cell.RelayEnd, endBody, AcceptAndClose},
		{"malformed end while half-closed", StateHalfClosed, cell.RelayEnd, nil, Reject},
		{"connected while half-closed", StateHalfClosed, cell.RelayConnected, connectedBody, Reject},

		{"data on closed stream", StateClosed, cell.RelayData, []byte("x"), Reject},
		{"end on closed stream", StateClosed, cell.RelayEnd, nil, Reject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict, err := v.Validate(tt.state, tt.cmd, tt.body)
			if verdict != tt.verdict {
				t.Errorf("verdict = %d, want %d (err=%v)", verdict, tt.verdict, err)
			}
			if tt.verdict == Reject && !errors.Is(err, ErrRejected) {
				t.Errorf("error = %v, want ErrRejected", err)
			}
			if tt.verdict != Reject && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

// A malformed CONNECTED is caught at the open transition, not deferred
// to the consumer.
func TestMalformedConnectedRejected(t *testing.T) {
	v := ForKind(KindData, flowctl.DisciplineWindow)
	if verdict, err := v.Validate(StatePending, cell.RelayConnected, []byte{1, 2}); verdict != Reject || !errors.Is(err, ErrRejected) {
		t.Errorf("truncated CONNECTED: verdict=%d err=%v", verdict, err)
	}
}

// Flow-control commands must match the discipline negotiated at open.
func TestFlowDisciplineMismatch(t *testing.T) {
	windowed := ForKind(KindData, flowctl.DisciplineWindow)
	thresholded := ForKind(KindData, flowctl.DisciplineXonXoff)

	if verdict, err := windowed.Validate(StateOpen, cell.RelayXoff, nil); verdict != Reject || !errors.Is(err, ErrRejected) {
		t.Errorf("XOFF on window stream: verdict=%d err=%v", verdict, err)
	}
	if verdict, err := windowed.Validate(StateOpen, cell.RelayXon, (&cell.Xon{}).Encode()); verdict != Reject || !errors.Is(err, ErrRejected) {
		t.Errorf("XON on window stream: verdict=%d err=%v", verdict, err)
	}
	if verdict, err := thresholded.Validate(StateOpen, cell.RelaySendme, nil); verdict != Reject || !errors.Is(err, ErrRejected) {
		t.Errorf("SENDME on xon/xoff stream: verdict=%d err=%v", verdict, err)
	}

	// The matching discipline passes.
	if verdict, err := thresholded.Validate(StateOpen, cell.RelayXoff, nil); verdict != Accept || err != nil {
		t.Errorf("XOFF on xon/xoff stream: verdict=%d err=%v", verdict, err)
	}
}

// Half-closed streams have no consumer left to decode the body, so the
// validator does it and treats a malformed body as a violation.
func TestHalfClosedDecodesFully(t *testing.T) {
	v := ForKind(KindData, flowctl.DisciplineWindow)

	if verdict, err := v.Validate(StateHalfClosed, cell.RelayData, nil); verdict != Reject || !errors.Is(err, ErrRejected) {
		t.Errorf("empty DATA half-closed: verdict=%d err=%v", verdict, err)
	}

	// An open stream defers DATA decoding to the consumer.
	if verdict, err := v.Validate(StateOpen, cell.RelayData, nil); verdict != Accept || err != nil {
		t.Errorf("empty DATA open: verdict=%d err=%v", verdict, err)
	}
}

func TestResolveStreamTransitions(t *testing.T) {
	v := ForKind(KindResolve, flowctl.DisciplineWindow)

	if verdict, err := v.Validate(StatePending, cell.RelayResolved, resolvedBody); verdict != AcceptAndClose || err != nil {
		t.Errorf("RESOLVED: verdict=%d err=%v", verdict, err)
	}
	if verdict, err := v.Validate(StatePending, cell.RelayEnd, nil); verdict != AcceptAndClose || err != nil {
		t.Errorf("END: verdict=%d err=%v", verdict, err)
	}
	if verdict, err := v.Validate(StatePending, cell.RelayData, []byte("x")); verdict != Reject || !errors.Is(err, ErrRejected) {
		t.Errorf("DATA on resolve stream: verdict=%d err=%v", verdict, err)
	}
	if verdict, err := v.Validate(StatePending, cell.RelayConnected, connectedBody); verdict != Reject {
		t.Errorf("CONNECTED on resolve stream: verdict=%d err=%v", verdict, err)
	}

	// A second answer after the stream closed is a violation.
	if verdict, err := v.Validate(StateClosed, cell.RelayResolved, resolvedBody); verdict != Reject || !errors.Is(err, ErrRejected) {
		t.Errorf("second RESOLVED: verdict=%d err=%v", verdict, err)
	}

	// Malformed answers are caught even in the legal state.
	if verdict, _ := v.Validate(StatePending, cell.RelayResolved, []byte{1}); verdict != Reject {
		t.Error("truncated RESOLVED accepted")
	}
}

func TestIncomingStreamTransitions(t *testing.T) {
	v := ForKind(KindIncoming, flowctl.DisciplineWindow)

	if verdict, err := v.Validate(StatePending, cell.RelayBegin, beginBody); verdict != AcceptAndOpen || err != nil {
		t.Errorf("BEGIN: verdict=%d err=%v", verdict, err)
	}
	resolveBody := (&cell.Resolve{Hostname: "example.com"}).Encode()
	if verdict, err := v.Validate(StatePending, cell.RelayResolve, resolveBody); verdict != AcceptAndOpen || err != nil {
		t.Errorf("RESOLVE: verdict=%d err=%v", verdict, err)
	}
	if verdict, _ := v.Validate(StatePending, cell.RelayResolve, nil); verdict != Reject {
		t.Error("malformed RESOLVE accepted")
	}
	if verdict, err := v.Validate(StatePending, cell.RelayData, []byte("x")); verdict != Reject || !errors.Is(err, ErrRejected) {
		t.Errorf("DATA before accept: verdict=%d err=%v", verdict, err)
	}
	if verdict, err := v.Validate(StateOpen, cell.RelayBegin, beginBody); verdict != Reject {
		t.Errorf("second BEGIN: verdict=%d err=%v", verdict, err)
	}
	if verdict, err := v.Validate(StateOpen, cell.RelayData, []byte("x")); verdict != Accept || err != nil {
		t.Errorf("DATA while open: verdict=%d err=%v", verdict, err)
	}
	if verdict, err := v.Validate(StateOpen, cell.RelayEnd, nil); verdict != AcceptAndClose || err != nil {
		t.Errorf("END: verdict=%d err=%v", verdict, err)
	}
}

func TestStateAndKindStrings(t *testing.T) {
	if StateHalfClosed.String() != "HALF_CLOSED" {
		t.Errorf("State string = %q", StateHalfClosed.String())
	}
	if KindResolve.String() != "RESOLVE" {
		t.Errorf("Kind string = %q", KindResolve.String())
	}
}
