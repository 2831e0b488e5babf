package transport

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"
)

func startWS(t *testing.T) (*WebSocketTransport, Listener, string) {
	t.Helper()
	tr := NewWebSocketTransport()
	t.Cleanup(func() { tr.Close() })

	ln, err := tr.Listen("127.0.0.1:0", ListenOptions{TLSConfig: serverTLS(t)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	return tr, ln, ln.Addr().String()
}

// One WebSocket link end to end, a cell in each direction.
func TestWSLoopback(t *testing.T) {
	tr, ln, addr := startWS(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srvErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			srvErr <- err
			return
		}
		defer conn.Close()

		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			srvErr <- err
			return
		}
		frame := make([]byte, cellFrame)
		if _, err := io.ReadFull(stream, frame); err != nil {
			srvErr <- err
			return
		}
		_, err = stream.Write(frame)
		srvErr <- err
	}()

	conn, err := tr.Dial(ctx, addr, DialOptions{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if got := conn.TransportType(); got != TransportWebSocket {
		t.Errorf("TransportType() = %q", got)
	}
	if !conn.IsDialer() {
		t.Error("dialer side reports IsDialer() = false")
	}

	stream, err := conn.OpenStream(ctx)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}

	out := bytes.Repeat([]byte{0x3c}, cellFrame)
	if _, err := stream.Write(out); err != nil {
		t.Fatalf("write: %v", err)
	}

	back := make([]byte, cellFrame)
	if _, err := io.ReadFull(stream, back); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(back, out) {
		t.Error("echoed cell differs")
	}

	if err := <-srvErr; err != nil {
		t.Fatalf("server side: %v", err)
	}
}

// A message larger than the reader's buffer must come out intact over
// several short reads.
func TestWSMessageSpansReads(t *testing.T) {
	tr, ln, addr := startWS(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const total = 4*cellFrame + 37
	payload := make([]byte, total)
	for i := range payload {
		payload[i] = byte(i)
	}

	srvErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			srvErr <- err
			return
		}
		defer conn.Close()

		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			srvErr <- err
			return
		}
		_, err = stream.Write(payload)
		srvErr <- err
	}()

	conn, err := tr.Dial(ctx, addr, DialOptions{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	stream, err := conn.OpenStream(ctx)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}

	var got bytes.Buffer
	buf := make([]byte, cellFrame)
	for got.Len() < total {
		n, err := stream.Read(buf)
		if err != nil {
			t.Fatalf("read after %d bytes: %v", got.Len(), err)
		}
		got.Write(buf[:n])
	}
	if !bytes.Equal(got.Bytes(), payload) {
		t.Error("reassembled payload differs")
	}

	if err := <-srvErr; err != nil {
		t.Fatalf("server side: %v", err)
	}
}

// A malformed proxy URL fails the dial instead of being silently
// dropped.
func TestWSBadProxyURL(t *testing.T) {
	if _, err := wsHTTPClient(DialOptions{ProxyURL: "http://%zz"}); err == nil {
		t.Error("malformed proxy URL accepted")
	}
}
