package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"golang.org/x/net/http2"
)

// startH2 brings up a listener on a loopback port and returns its
// dial address.
func startH2(t *testing.T) (*H2Transport, Listener, string) {
	t.Helper()
	tr := NewH2Transport()
	t.Cleanup(func() { tr.Close() })

	ln, err := tr.Listen("127.0.0.1:0", ListenOptions{TLSConfig: serverTLS(t)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	return tr, ln, ln.Addr().String()
}

// One streaming POST end to end: the dialer pushes a cell up the
// request body, the listener echoes it down the response body.
func TestH2Loopback(t *testing.T) {
	tr, ln, addr := startH2(t)

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

	if got := conn.TransportType(); got != TransportHTTP2 {
		t.Errorf("TransportType() = %q", got)
	}
	if !conn.IsDialer() {
		t.Error("dialer side reports IsDialer() = false")
	}

	stream, err := conn.OpenStream(ctx)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}

	out := bytes.Repeat([]byte{0xc3}, cellFrame)
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

// The endpoint only speaks streaming POST; anything else is turned
// away before a connection exists.
func TestH2RejectsNonPost(t *testing.T) {
	_, _, addr := startH2(t)

	client := &http.Client{
		Transport: &http2.Transport{
			TLSClientConfig: dialTLSConfig(DialOptions{}, "h2"),
		},
		Timeout: 5 * time.Second,
	}
	resp, err := client.Get("https://" + addr + defaultH2Path)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusMethodNotAllowed)
	}
}

// A peer announcing a foreign protocol in the marker header is
// refused.
func TestH2RejectsForeignProtocol(t *testing.T) {
	_, _, addr := startH2(t)

	client := &http.Client{
		Transport: &http2.Transport{
			TLSClientConfig: dialTLSConfig(DialOptions{}, "h2"),
		},
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(http.MethodPost, "https://"+addr+defaultH2Path, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set(protoHeader, "other/9")

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

// A silent endpoint must not hang the dial past its timeout.
func TestH2DialTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	hold := make(chan struct{})
	defer close(hold)
	go func() {
		// Accept and say nothing; the TLS handshake never completes.
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		<-hold
	}()

	tr := NewH2Transport()
	defer tr.Close()

	start := time.Now()
	_, err = tr.Dial(context.Background(), ln.Addr().String(), DialOptions{Timeout: 300 * time.Millisecond})
	if err == nil {
		t.Fatal("dial against a mute endpoint succeeded")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("dial took %v despite 300ms timeout", elapsed)
	}
}
