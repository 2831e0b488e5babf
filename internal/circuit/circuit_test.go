package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/umbralabs/umbra/internal/cell"
	"github.com/umbralabs/umbra/internal/channel"
	"github.com/umbralabs/umbra/internal/flowctl"
	"github.com/umbralabs/umbra/internal/hopcrypto"
	"github.com/umbralabs/umbra/internal/identity"
	"github.com/umbralabs/umbra/internal/validator"
)

const testCircID cell.CircID = 7

// fakeRelay emulates the far side of the cell channel: it answers
// handshakes, peels forward cells through its layer chain, and hands
// recognized messages to the test's onRelay hook.
type fakeRelay struct {
	t      *testing.T
	ch     channel.CellChannel
	layers []*hopcrypto.RelayLayer

	// onRelay runs on the emulator goroutine for every recognized
	// relay message except EXTEND, which is answered internally.
	onRelay func(r *fakeRelay, hop int, msg *cell.RelayMsg)

	corruptAuth bool
	destroyed   chan uint8

	// holdC/resumeC simulate a wedged transport: once holdC closes the
	// peer stops draining the channel until resumeC closes.
	holdC   chan struct{}
	resumeC chan struct{}
}

func newFakeRelay(t *testing.T, ch channel.CellChannel) *fakeRelay {
	return &fakeRelay{
		t:         t,
		ch:        ch,
		destroyed: make(chan uint8, 1),
		holdC:     make(chan struct{}),
		resumeC:   make(chan struct{}),
	}
}

func (r *fakeRelay) run() {
	ctx := context.Background()
	for {
		select {
		case <-r.holdC:
			<-r.resumeC
		default:
		}

		in, err := r.ch.Recv(ctx)
		if err != nil {
			return
		}
		switch in.Command {
		case cell.CmdCreate:
			var clientPub [hopcrypto.KeySize]byte
			copy(clientPub[:], in.Payload[:hopcrypto.KeySize])
			serverPub, auth, rl := r.answerHandshake(clientPub)

			// Register the layer before CREATED goes out: the client may
			// send relay cells the moment it sees the reply.
			r.layers = append(r.layers, rl)

			out := &cell.Cell{CircID: in.CircID, Command: cell.CmdCreated}
			copy(out.Payload[:hopcrypto.KeySize], serverPub[:])
			copy(out.Payload[hopcrypto.KeySize:2*hopcrypto.KeySize], auth[:])
			if err := r.ch.Send(ctx, out); err != nil {
				return
			}

		case cell.CmdRelay:
			r.handleRelay(in)

		case cell.CmdDestroy:
			select {
			case r.destroyed <- in.DestroyReason():
			default:
			}
		}
	}
}

// answerHandshake derives the relay side of one handshake.
func (r *fakeRelay) answerHandshake(clientPub [hopcrypto.KeySize]byte) (serverPub, auth [hopcrypto.KeySize]byte, rl *hopcrypto.RelayLayer) {
	priv, pub, err := hopcrypto.GenerateEphemeralKeypair()
	if err != nil {
		r.t.Error(err)
		return
	}
	secret, err := hopcrypto.ComputeECDH(priv, clientPub)
	if err != nil {
		r.t.Error(err)
		return
	}
	km, err := hopcrypto.DeriveKeyMaterial(secret[:])
	if err != nil {
		r.t.Error(err)
		return
	}
	rl, err = hopcrypto.NewRelayLayer(km)
	if err != nil {
		r.t.Error(err)
		return
	}
	auth = hopcrypto.ComputeAuth(secret)
	if r.corruptAuth {
		auth[0] ^= 1
	}
	return pub, auth, rl
}

func (r *fakeRelay) handleRelay(in *cell.Cell) {
	payload := in.Payload
	for i := range r.layers {
		recognized, err := r.layers[i].UnwrapForward(&payload)
		if err != nil {
			r.t.Errorf("hop %d unwrap: %v", i, err)
			return
		}
		if !recognized {
			continue
		}

		msg, err := cell.DecodeRelay(payload[:])
		if err != nil {
			r.t.Errorf("hop %d decode: %v", i, err)
			return
		}

		if msg.Command == cell.RelayExtend && msg.StreamID == 0 {
			r.handleExtend(i, msg)
			return
		}
		if r.onRelay != nil {
			r.onRelay(r, i, msg)
		}
		return
	}
	r.t.Error("forward cell recognized at no hop")
}

func (r *fakeRelay) handleExtend(hop int, msg *cell.RelayMsg) {
	ext, err := cell.DecodeExtend(msg.Body)
	if err != nil {
		r.t.Error(err)
		return
	}
	serverPub, auth, rl := r.answerHandshake(ext.HandshakeKey)

	reply := &cell.Extended{HandshakeReply: serverPub, Auth: auth}
	r.reply(hop, &cell.RelayMsg{Command: cell.RelayExtended, Body: reply.Encode()})
	r.layers = append(r.layers, rl)
}

// reply sends one relay message back to the client as if hop had
// originated it.
func (r *fakeRelay) reply(hop int, msg *cell.RelayMsg) {
	payload, err := msg.EncodeRelay()
	if err != nil {
		r.t.Error(err)
		return
	}
	r.layers[hop].WrapBackward(&payload)
	for j := hop - 1; j >= 0; j-- {
		r.layers[j].WrapBackwardThrough(&payload)
	}
	_ = r.ch.Send(context.Background(), cell.NewRelayCell(testCircID, payload))
}

func startCircuit(t *testing.T) (*Circuit, *fakeRelay) {
	t.Helper()
	local, remote := channel.NewPipe(16)
	c := New(Config{CircID: testCircID, Channel: local, HandshakeTimeout: 5 * time.Second})
	t.Cleanup(func() {
		c.Teardown(ErrCircuitClosed, false)
		select {
		case <-c.Done():
		case <-time.After(5 * time.Second):
			t.Error("circuit did not finish tearing down")
		}
	})
	return c, newFakeRelay(t, remote)
}

func testRelayID(b byte) identity.RelayID {
	var id identity.RelayID
	id[0] = b
	return id
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestCreateAndExtend(t *testing.T) {
	c, r := startCircuit(t)
	go r.run()
	ctx := testCtx(t)

	if err := c.CreateFirstHop(ctx, testRelayID(1)); err != nil {
		t.Fatalf("CreateFirstHop() error = %v", err)
	}
	if c.NumHops() != 1 {
		t.Fatalf("NumHops() = %d, want 1", c.NumHops())
	}

	if err := c.Extend(ctx, testRelayID(2), "relay2.example.net", 9001); err != nil {
		t.Fatalf("Extend() error = %v", err)
	}
	if c.NumHops() != 2 || c.LastHop() != 1 {
		t.Errorf("NumHops() = %d, LastHop() = %d", c.NumHops(), c.LastHop())
	}
}

func TestCreateRejectsBadAuth(t *testing.T) {
	c, r := startCircuit(t)
	r.corruptAuth = true
	go r.run()

	err := c.CreateFirstHop(testCtx(t), testRelayID(1))
	if !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("CreateFirstHop() error = %v, want ErrProtocolViolation", err)
	}
	if c.NumHops() != 0 {
		t.Errorf("NumHops() = %d after failed handshake", c.NumHops())
	}
}

func TestOpenStreamDataEcho(t *testing.T) {
	c, r := startCircuit(t)
	r.onRelay = func(r *fakeRelay, hop int, msg *cell.RelayMsg) {
		switch msg.Command {
		case cell.RelayBegin:
			r.reply(hop, &cell.RelayMsg{
				Command:  cell.RelayConnected,
				StreamID: msg.StreamID,
				Body:     (&cell.Connected{}).Encode(),
			})
		case cell.RelayData:
			r.reply(hop, &cell.RelayMsg{Command: cell.RelayData, StreamID: msg.StreamID, Body: msg.Body})
		case cell.RelayEnd:
			r.reply(hop, &cell.RelayMsg{
				Command:  cell.RelayEnd,
				StreamID: msg.StreamID,
				Body:     (&cell.End{Reason: cell.EndReasonDone}).Encode(),
			})
		}
	}
	go r.run()
	ctx := testCtx(t)

	if err := c.CreateFirstHop(ctx, testRelayID(1)); err != nil {
		t.Fatal(err)
	}

	res, err := c.OpenStream(ctx, 0, StreamRequest{
		Kind:       validator.KindData,
		Discipline: flowctl.DisciplineWindow,
		Addr:       "example.com",
		Port:       80,
	})
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	if res.Stream == nil {
		t.Fatal("OpenStream() returned no stream")
	}
	if c.NumStreams(0) != 1 {
		t.Errorf("NumStreams() = %d, want 1", c.NumStreams(0))
	}

	sent := []byte("round and back")
	if _, err := res.Stream.Write(ctx, sent); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	buf := make([]byte, len(sent))
	n, err := res.Stream.Read(ctx, buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(buf[:n]) != string(sent) {
		t.Errorf("Read() = %q, want %q", buf[:n], sent)
	}

	if err := res.Stream.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// The entry is reaped once the remote's END comes back.
	deadline := time.Now().Add(5 * time.Second)
	for c.NumStreams(0) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("NumStreams() = %d after close", c.NumStreams(0))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOpenStreamRefused(t *testing.T) {
	c, r := startCircuit(t)
	r.onRelay = func(r *fakeRelay, hop int, msg *cell.RelayMsg) {
		if msg.Command == cell.RelayBegin {
			r.reply(hop, &cell.RelayMsg{
				Command:  cell.RelayEnd,
				StreamID: msg.StreamID,
				Body:     (&cell.End{Reason: cell.EndReasonRefused}).Encode(),
			})
		}
	}
	go r.run()
	ctx := testCtx(t)

	if err := c.CreateFirstHop(ctx, testRelayID(1)); err != nil {
		t.Fatal(err)
	}

	_, err := c.OpenStream(ctx, 0, StreamRequest{
		Kind:       validator.KindData,
		Discipline: flowctl.DisciplineWindow,
		Addr:       "example.com",
		Port:       81,
	})
	if err == nil {
		t.Fatal("OpenStream() succeeded despite END")
	}
	if c.NumStreams(0) != 0 {
		t.Errorf("NumStreams() = %d after refusal", c.NumStreams(0))
	}
}

func TestResolveStream(t *testing.T) {
	c, r := startCircuit(t)
	r.onRelay = func(r *fakeRelay, hop int, msg *cell.RelayMsg) {
		if msg.Command == cell.RelayResolve {
			answer := &cell.Resolved{Answers: []cell.ResolvedAnswer{
				{Type: cell.ResolvedTypeIPv4, Value: []byte{192, 0, 2, 33}, TTL: 300},
			}}
			r.reply(hop, &cell.RelayMsg{
				Command:  cell.RelayResolved,
				StreamID: msg.StreamID,
				Body:     answer.Encode(),
			})
		}
	}
	go r.run()
	ctx := testCtx(t)

	if err := c.CreateFirstHop(ctx, testRelayID(1)); err != nil {
		t.Fatal(err)
	}

	res, err := c.OpenStream(ctx, 0, StreamRequest{
		Kind:     validator.KindResolve,
		Hostname: "example.com",
	})
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	if res.Resolved == nil || len(res.Resolved.Answers) != 1 {
		t.Fatalf("Resolved = %+v", res.Resolved)
	}
	if res.Resolved.Answers[0].Type != cell.ResolvedTypeIPv4 {
		t.Errorf("answer type = %d", res.Resolved.Answers[0].Type)
	}

	// Resolve streams close after their single answer.
	if c.NumStreams(0) != 0 {
		t.Errorf("NumStreams() = %d after resolve", c.NumStreams(0))
	}
}

// An unsolicited stream-addressed message tears the whole circuit down
// and sends a DESTROY naming the violation.
func TestUnknownStreamIsFatal(t *testing.T) {
	c, r := startCircuit(t)
	go r.run()
	ctx := testCtx(t)

	if err := c.CreateFirstHop(ctx, testRelayID(1)); err != nil {
		t.Fatal(err)
	}

	r.reply(0, &cell.RelayMsg{Command: cell.RelayData, StreamID: 99, Body: []byte("injected")})

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("circuit survived an unsolicited stream message")
	}
	if err := c.Err(); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("Err() = %v, want ErrProtocolViolation", err)
	}

	select {
	case reason := <-r.destroyed:
		if reason != cell.DestroyReasonProtocol {
			t.Errorf("destroy reason = %d, want %d", reason, cell.DestroyReasonProtocol)
		}
	case <-time.After(5 * time.Second):
		t.Error("no DESTROY reached the relay")
	}
}

func TestRemoteDestroy(t *testing.T) {
	c, r := startCircuit(t)
	go r.run()
	ctx := testCtx(t)

	if err := c.CreateFirstHop(ctx, testRelayID(1)); err != nil {
		t.Fatal(err)
	}

	if err := r.ch.Send(ctx, cell.NewDestroyCell(testCircID, cell.DestroyReasonRequested)); err != nil {
		t.Fatal(err)
	}

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("circuit did not tear down on DESTROY")
	}
	if err := c.Err(); !errors.Is(err, ErrCircuitClosed) {
		t.Errorf("Err() = %v, want ErrCircuitClosed", err)
	}

	// The teardown is reported as an event.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if ev.Type == EventDestroyed {
				return
			}
		case <-deadline:
			t.Fatal("no EventDestroyed emitted")
		}
	}
}

func TestIncomingStreamAccept(t *testing.T) {
	connectedBack := make(chan cell.StreamID, 1)

	c, r := startCircuit(t)
	r.onRelay = func(r *fakeRelay, hop int, msg *cell.RelayMsg) {
		if msg.Command == cell.RelayConnected {
			connectedBack <- msg.StreamID
		}
	}
	go r.run()
	ctx := testCtx(t)

	if err := c.CreateFirstHop(ctx, testRelayID(1)); err != nil {
		t.Fatal(err)
	}

	begin := &cell.Begin{Addr: "10.1.2.3", Port: 8080}
	r.reply(0, &cell.RelayMsg{Command: cell.RelayBegin, StreamID: 3, Body: begin.Encode()})

	var in *IncomingStream
	select {
	case in = <-c.Incoming(0):
	case <-time.After(5 * time.Second):
		t.Fatal("no incoming stream surfaced")
	}
	if in.Request.Addr != "10.1.2.3" || in.Request.Port != 8080 {
		t.Errorf("Request = %+v", in.Request)
	}

	if _, err := in.Accept(ctx); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	select {
	case id := <-connectedBack:
		if id != 3 {
			t.Errorf("CONNECTED for stream %d, want 3", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no CONNECTED reached the peer")
	}
}

// A RESOLVE on an unknown identifier is a recognized opener: it
// surfaces as an incoming lookup, gets answered with RESOLVED, and the
// identifier becomes reusable once the answer is out.
func TestIncomingResolveAnswered(t *testing.T) {
	resolvedBack := make(chan *cell.Resolved, 1)

	c, r := startCircuit(t)
	r.onRelay = func(r *fakeRelay, hop int, msg *cell.RelayMsg) {
		if msg.Command == cell.RelayResolved {
			ans, err := cell.DecodeResolved(msg.Body)
			if err != nil {
				t.Errorf("decode RESOLVED: %v", err)
				return
			}
			resolvedBack <- ans
		}
	}
	go r.run()
	ctx := testCtx(t)

	if err := c.CreateFirstHop(ctx, testRelayID(1)); err != nil {
		t.Fatal(err)
	}

	lookup := &cell.Resolve{Hostname: "peer.example.net"}
	r.reply(0, &cell.RelayMsg{Command: cell.RelayResolve, StreamID: 9, Body: lookup.Encode()})

	var in *IncomingStream
	select {
	case in = <-c.Incoming(0):
	case <-time.After(5 * time.Second):
		t.Fatal("no incoming lookup surfaced")
	}
	if in.Lookup == nil || in.Lookup.Hostname != "peer.example.net" {
		t.Fatalf("Lookup = %+v", in.Lookup)
	}
	if in.Request != nil {
		t.Error("connect request set on a lookup")
	}

	err := in.Answer(ctx, []cell.ResolvedAnswer{
		{Type: cell.ResolvedTypeIPv4, Value: []byte{192, 0, 2, 7}, TTL: 60},
	})
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}

	select {
	case ans := <-resolvedBack:
		if len(ans.Answers) != 1 || ans.Answers[0].Type != cell.ResolvedTypeIPv4 {
			t.Errorf("Answers = %+v", ans.Answers)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no RESOLVED reached the peer")
	}

	// A lookup closes with its single answer.
	if c.NumStreams(0) != 0 {
		t.Errorf("NumStreams() = %d after answered lookup", c.NumStreams(0))
	}
	if err := c.Err(); err != nil {
		t.Errorf("circuit torn down by an incoming lookup: %v", err)
	}
}

// Receiving a stream window's worth of DATA must produce a stream-level
// SENDME back to the sender.
func TestStreamSendmeEmitted(t *testing.T) {
	sendme := make(chan struct{}, 1)

	c, r := startCircuit(t)
	r.onRelay = func(r *fakeRelay, hop int, msg *cell.RelayMsg) {
		switch {
		case msg.Command == cell.RelayBegin:
			r.reply(hop, &cell.RelayMsg{
				Command:  cell.RelayConnected,
				StreamID: msg.StreamID,
				Body:     (&cell.Connected{}).Encode(),
			})
		case msg.Command == cell.RelaySendme && msg.StreamID != 0:
			select {
			case sendme <- struct{}{}:
			default:
			}
		}
	}
	go r.run()
	ctx := testCtx(t)

	if err := c.CreateFirstHop(ctx, testRelayID(1)); err != nil {
		t.Fatal(err)
	}
	res, err := c.OpenStream(ctx, 0, StreamRequest{
		Kind:       validator.KindData,
		Discipline: flowctl.DisciplineWindow,
		Addr:       "example.com",
		Port:       80,
	})
	if err != nil {
		t.Fatal(err)
	}
	streamID := res.Stream.ID()

	// Drain concurrently so the push below never wedges on a full
	// stream inbox.
	go func() {
		buf := make([]byte, 64)
		for {
			if _, err := res.Stream.Read(ctx, buf); err != nil {
				return
			}
		}
	}()

	for i := 0; i < flowctl.StreamWindowIncrement; i++ {
		r.reply(0, &cell.RelayMsg{Command: cell.RelayData, StreamID: streamID, Body: []byte{byte(i)}})
	}

	select {
	case <-sendme:
	case <-time.After(5 * time.Second):
		t.Fatal("no stream SENDME after a full increment of DATA")
	}
}

// A window increment of DATA in each direction carries authenticated
// circuit acknowledgements: the relay's SENDME echoes the forward
// digest of the boundary cell, and the engine's own SENDME carries the
// matching backward digest.
func TestCircSendmeTagRoundTrip(t *testing.T) {
	clientAck := make(chan struct{}, 1)

	c, r := startCircuit(t)
	var dataSeen int
	var wantBack []byte
	r.onRelay = func(r *fakeRelay, hop int, msg *cell.RelayMsg) {
		switch {
		case msg.Command == cell.RelayBegin:
			r.reply(hop, &cell.RelayMsg{
				Command:  cell.RelayConnected,
				StreamID: msg.StreamID,
				Body:     (&cell.Connected{}).Encode(),
			})

		case msg.Command == cell.RelayData:
			dataSeen++
			r.reply(hop, &cell.RelayMsg{Command: cell.RelayData, StreamID: msg.StreamID, Body: msg.Body})
			if dataSeen == flowctl.CircWindowIncrement {
				// The echo just sealed the cell the engine will
				// acknowledge; snapshot the digest its SENDME must echo
				// before anything else advances it.
				wantBack = r.layers[hop].BackwardTag()
				r.reply(hop, &cell.RelayMsg{
					Command: cell.RelaySendme,
					Body:    (&cell.Sendme{Version: 1, Tag: r.layers[hop].ForwardTag()}).Encode(),
				})
			}

		case msg.Command == cell.RelaySendme && msg.StreamID == 0:
			sm, err := cell.DecodeSendme(msg.Body)
			if err != nil {
				t.Errorf("decode circuit SENDME: %v", err)
				return
			}
			if sm.Version != 1 || !hopcrypto.VerifySendmeTag(sm.Tag, wantBack) {
				t.Errorf("SENDME version %d tag %x, want version 1 tag %x", sm.Version, sm.Tag, wantBack)
			}
			select {
			case clientAck <- struct{}{}:
			default:
			}
		}
	}
	go r.run()
	ctx := testCtx(t)

	if err := c.CreateFirstHop(ctx, testRelayID(1)); err != nil {
		t.Fatal(err)
	}
	res, err := c.OpenStream(ctx, 0, StreamRequest{
		Kind:       validator.KindData,
		Discipline: flowctl.DisciplineWindow,
		Addr:       "example.com",
		Port:       80,
	})
	if err != nil {
		t.Fatal(err)
	}

	const total = flowctl.CircWindowIncrement + 1

	readDone := make(chan int, 1)
	go func() {
		drained := 0
		buf := make([]byte, 512)
		for drained < total {
			n, rerr := res.Stream.Read(ctx, buf)
			if rerr != nil {
				t.Errorf("Read() error = %v", rerr)
				break
			}
			drained += n
		}
		readDone <- drained
	}()

	for i := 0; i < flowctl.CircWindowIncrement; i++ {
		if _, err := res.Stream.Write(ctx, []byte{byte(i)}); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	select {
	case <-clientAck:
	case <-time.After(5 * time.Second):
		t.Fatal("no circuit SENDME after a window increment of DATA")
	}

	// One more round trip: the echo is ordered behind the relay's
	// SENDME, so draining it proves the tagged SENDME was accepted.
	if _, err := res.Stream.Write(ctx, []byte{0xff}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	select {
	case drained := <-readDone:
		if drained != total {
			t.Errorf("drained %d bytes, want %d", drained, total)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("echoes did not drain")
	}
	if err := c.Err(); err != nil {
		t.Errorf("circuit torn down during acknowledged transfer: %v", err)
	}
}

// A circuit SENDME whose tag does not match the digest of the covered
// cell is a forgery and tears the circuit down.
func TestCircSendmeBadTagIsFatal(t *testing.T) {
	c, r := startCircuit(t)
	var dataSeen int
	r.onRelay = func(r *fakeRelay, hop int, msg *cell.RelayMsg) {
		switch msg.Command {
		case cell.RelayBegin:
			r.reply(hop, &cell.RelayMsg{
				Command:  cell.RelayConnected,
				StreamID: msg.StreamID,
				Body:     (&cell.Connected{}).Encode(),
			})
		case cell.RelayData:
			dataSeen++
			if dataSeen == flowctl.CircWindowIncrement {
				tag := r.layers[hop].ForwardTag()
				tag[0] ^= 1
				r.reply(hop, &cell.RelayMsg{
					Command: cell.RelaySendme,
					Body:    (&cell.Sendme{Version: 1, Tag: tag}).Encode(),
				})
			}
		}
	}
	go r.run()
	ctx := testCtx(t)

	if err := c.CreateFirstHop(ctx, testRelayID(1)); err != nil {
		t.Fatal(err)
	}
	res, err := c.OpenStream(ctx, 0, StreamRequest{
		Kind:       validator.KindData,
		Discipline: flowctl.DisciplineWindow,
		Addr:       "example.com",
		Port:       80,
	})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < flowctl.CircWindowIncrement; i++ {
		if _, err := res.Stream.Write(ctx, []byte{byte(i)}); err != nil {
			break
		}
	}

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("circuit survived a forged SENDME tag")
	}
	if err := c.Err(); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("Err() = %v, want ErrProtocolViolation", err)
	}
}

// A SENDME with no window-boundary cell outstanding acknowledges
// nothing and is a violation.
func TestUnsolicitedCircSendmeIsFatal(t *testing.T) {
	c, r := startCircuit(t)
	go r.run()
	ctx := testCtx(t)

	if err := c.CreateFirstHop(ctx, testRelayID(1)); err != nil {
		t.Fatal(err)
	}

	r.reply(0, &cell.RelayMsg{Command: cell.RelaySendme})

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("circuit survived an unsolicited SENDME")
	}
	if err := c.Err(); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("Err() = %v, want ErrProtocolViolation", err)
	}
}

// A BEGIN reusing a live stream identifier is a violation: identifiers
// only become reusable once both directions of the prior entry close.
func TestStreamIDReuseRejected(t *testing.T) {
	c, r := startCircuit(t)
	go r.run()
	ctx := testCtx(t)

	if err := c.CreateFirstHop(ctx, testRelayID(1)); err != nil {
		t.Fatal(err)
	}

	begin := (&cell.Begin{Addr: "example.com", Port: 80}).Encode()
	r.reply(0, &cell.RelayMsg{Command: cell.RelayBegin, StreamID: 5, Body: begin})

	select {
	case <-c.Incoming(0):
	case <-time.After(5 * time.Second):
		t.Fatal("first BEGIN not surfaced")
	}

	r.reply(0, &cell.RelayMsg{Command: cell.RelayBegin, StreamID: 5, Body: begin})

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("circuit survived a reused stream identifier")
	}
	if err := c.Err(); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("Err() = %v, want ErrProtocolViolation", err)
	}
}

// When the peer stops draining the channel, stream writers suspend
// instead of queueing unboundedly behind the outbound reactor.
func TestWriteBackpressure(t *testing.T) {
	c, r := startCircuit(t)
	r.onRelay = func(r *fakeRelay, hop int, msg *cell.RelayMsg) {
		if msg.Command == cell.RelayBegin {
			r.reply(hop, &cell.RelayMsg{
				Command:  cell.RelayConnected,
				StreamID: msg.StreamID,
				Body:     (&cell.Connected{}).Encode(),
			})
		}
		// DATA is swallowed, never echoed.
	}
	go r.run()
	ctx := testCtx(t)

	if err := c.CreateFirstHop(ctx, testRelayID(1)); err != nil {
		t.Fatal(err)
	}
	res, err := c.OpenStream(ctx, 0, StreamRequest{
		Kind:       validator.KindData,
		Discipline: flowctl.DisciplineWindow,
		Addr:       "example.com",
		Port:       80,
	})
	if err != nil {
		t.Fatal(err)
	}

	close(r.holdC)

	const total = 40
	done := make(chan int, 1)
	go func() {
		completed := 0
		for i := 0; i < total; i++ {
			if _, err := res.Stream.Write(ctx, []byte{byte(i)}); err != nil {
				break
			}
			completed++
		}
		done <- completed
	}()

	select {
	case n := <-done:
		t.Fatalf("all %d writes completed against a wedged peer", n)
	case <-time.After(100 * time.Millisecond):
		// Writers are suspended somewhere between the stream handle and
		// the channel queue.
	}

	close(r.resumeC)

	select {
	case n := <-done:
		if n != total {
			t.Errorf("completed %d writes after resume, want %d", n, total)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("writers never resumed after the peer recovered")
	}
}

func TestOpenStreamOnUnbuiltCircuit(t *testing.T) {
	c, r := startCircuit(t)
	go r.run()

	if _, err := c.OpenStream(testCtx(t), 0, StreamRequest{Kind: validator.KindData}); err == nil {
		t.Error("OpenStream() succeeded with no hops")
	}
}
