package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
)

const defaultH2Path = "/relay"

// H2Transport carries the cell channel inside a single long-lived
// HTTP/2 POST: the request body is the client-to-relay direction, the
// response body the reverse. To a middlebox it is one slow upload.
type H2Transport struct {
	mu        sync.Mutex
	listeners []*H2Listener
	closed    bool
}

// NewH2Transport creates an HTTP/2 transport.
func NewH2Transport() *H2Transport {
	return &H2Transport{}
}

func (t *H2Transport) Type() TransportType {
	return TransportHTTP2
}

// Dial opens the streaming POST against the relay's endpoint.
func (t *H2Transport) Dial(ctx context.Context, addr string, opts DialOptions) (PeerConn, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("transport closed")
	}

	endpoint, err := h2Endpoint(addr, opts.Path)
	if err != nil {
		return nil, err
	}

	tlsCfg := dialTLSConfig(opts, "h2")
	rt := &http2.Transport{TLSClientConfig: tlsCfg}
	if IsFingerprintEnabled(opts.FingerprintPreset) {
		preset := opts.FingerprintPreset
		rt.DialTLSContext = func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			cfg := tlsCfg.Clone()
			if cfg.ServerName == "" {
				if host, _, err := net.SplitHostPort(addr); err == nil {
					cfg.ServerName = host
				}
			}
			return dialCamouflaged(ctx, network, addr, cfg, preset, []string{"h2"})
		}
	}

	// The request outlives the dial, so it runs on its own cancellable
	// context; the dial timeout applies only to getting the response
	// headers back.
	reqCtx, stop := context.WithCancel(context.Background())
	outR, outW := io.Pipe()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, outR)
	if err != nil {
		stop()
		outW.Close()
		return nil, fmt.Errorf("h2 request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(protoHeader, DefaultALPNProtocol)

	resp, err := roundTripWithin(ctx, opts.Timeout, rt, req)
	if err != nil {
		stop()
		outW.Close()
		return nil, fmt.Errorf("h2 dial %s: %w", addr, err)
	}
	if resp.StatusCode != http.StatusOK {
		stop()
		resp.Body.Close()
		outW.Close()
		return nil, fmt.Errorf("h2 dial %s: status %d", addr, resp.StatusCode)
	}

	return &H2PeerConn{
		recv:   resp.Body,
		send:   outW,
		dialer: true,
		stop:   stop,
	}, nil
}

// roundTripWithin issues the request and waits for response headers,
// bounded by ctx and an optional timeout.
func roundTripWithin(ctx context.Context, timeout time.Duration, rt http.RoundTripper, req *http.Request) (*http.Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		resp *http.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := rt.RoundTrip(req)
		done <- result{resp, err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// h2Endpoint resolves the dial address to a full URL. A bare
// host:port gets the configured path, or /relay.
func h2Endpoint(addr, path string) (string, error) {
	if path == "" {
		path = defaultH2Path
	}
	if strings.HasPrefix(addr, "https://") || strings.HasPrefix(addr, "http://") {
		u, err := url.Parse(addr)
		if err != nil {
			return "", fmt.Errorf("h2 address %q: %w", addr, err)
		}
		if u.Path == "" {
			u.Path = path
		}
		return u.String(), nil
	}
	return "https://" + addr + path, nil
}

// Listen serves the streaming POST endpoint.
func (t *H2Transport) Listen(addr string, opts ListenOptions) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}
	if opts.TLSConfig == nil {
		return nil, fmt.Errorf("h2 listener requires a TLS config")
	}

	path := opts.Path
	if path == "" {
		path = defaultH2Path
	}

	l := &H2Listener{
		path:      path,
		tlsConfig: listenTLSConfig(opts.TLSConfig, "h2"),
		accepted:  make(chan *H2PeerConn, 16),
		closeCh:   make(chan struct{}),
	}
	if err := l.start(addr); err != nil {
		return nil, err
	}

	t.listeners = append(t.listeners, l)
	return l, nil
}

// Close shuts the transport and every listener it opened.
func (t *H2Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	var firstErr error
	for _, l := range t.listeners {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.listeners = nil
	return firstErr
}

// H2Listener accepts inbound streaming POSTs.
type H2Listener struct {
	path      string
	tlsConfig *tls.Config
	server    *http.Server
	netLn     net.Listener
	accepted  chan *H2PeerConn
	closeCh   chan struct{}
	closed    atomic.Bool
}

func (l *H2Listener) start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc(l.path, l.serveLink)

	l.server = &http.Server{
		Handler:   mux,
		TLSConfig: l.tlsConfig,
	}
	if err := http2.ConfigureServer(l.server, &http2.Server{}); err != nil {
		return fmt.Errorf("h2 server: %w", err)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("h2 listen %s: %w", addr, err)
	}
	l.netLn = ln

	go l.server.Serve(tls.NewListener(ln, l.tlsConfig))
	return nil
}

// serveLink turns one streaming POST into a PeerConn and parks the
// handler until that connection closes; returning would end the
// response stream.
func (l *H2Listener) serveLink(w http.ResponseWriter, r *http.Request) {
	if l.closed.Load() {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if proto := r.Header.Get(protoHeader); proto != "" && proto != DefaultALPNProtocol {
		http.Error(w, "unsupported protocol", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set(protoHeader, DefaultALPNProtocol)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Relay-to-client bytes go through a pipe so the PeerConn can hand
	// the cell channel an io.Writer while this handler owns the
	// ResponseWriter.
	pipeR, pipeW := io.Pipe()
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		defer pipeR.Close()
		buf := make([]byte, 32*1024)
		for {
			n, err := pipeR.Read(buf)
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					return
				}
				flusher.Flush()
			}
			if err != nil {
				return
			}
		}
	}()

	conn := &H2PeerConn{
		recv: r.Body,
		send: pipeW,
		done: make(chan struct{}),
	}

	select {
	case l.accepted <- conn:
		<-conn.done
	case <-l.closeCh:
	}
	pipeW.Close()
	<-pumpDone
}

func (l *H2Listener) Accept(ctx context.Context) (PeerConn, error) {
	select {
	case conn := <-l.accepted:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, fmt.Errorf("listener closed")
	}
}

func (l *H2Listener) Addr() net.Addr {
	if l.netLn != nil {
		return l.netLn.Addr()
	}
	return nil
}

func (l *H2Listener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.closeCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if l.server != nil {
		return l.server.Shutdown(ctx)
	}
	return nil
}

// H2PeerConn is one streaming POST seen as a connection. It carries
// exactly one stream: the request/response body pair.
type H2PeerConn struct {
	recv   io.ReadCloser
	send   io.WriteCloser
	dialer bool
	once   sync.Once
	link   *H2Stream
	closed atomic.Bool
	done   chan struct{}      // unparks the server handler
	stop   context.CancelFunc // aborts the dialer's request
}

func (c *H2PeerConn) stream() *H2Stream {
	c.once.Do(func() {
		c.link = &H2Stream{recv: c.recv, send: c.send}
	})
	return c.link
}

func (c *H2PeerConn) OpenStream(ctx context.Context) (Stream, error) {
	return c.stream(), nil
}

func (c *H2PeerConn) AcceptStream(ctx context.Context) (Stream, error) {
	return c.stream(), nil
}

func (c *H2PeerConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if c.done != nil {
		close(c.done)
	}
	if c.stop != nil {
		c.stop()
	}

	err := c.send.Close()
	if rerr := c.recv.Close(); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

// LocalAddr is nil; the HTTP layer hides the socket.
func (c *H2PeerConn) LocalAddr() net.Addr {
	return nil
}

func (c *H2PeerConn) RemoteAddr() net.Addr {
	return nil
}

func (c *H2PeerConn) IsDialer() bool {
	return c.dialer
}

func (c *H2PeerConn) TransportType() TransportType {
	return TransportHTTP2
}

// H2Stream is the request/response body pair as a byte stream.
type H2Stream struct {
	recv    io.ReadCloser
	send    io.WriteCloser
	writeMu sync.Mutex
	closed  atomic.Bool
}

// StreamID is always 1; the POST carries a single stream.
func (s *H2Stream) StreamID() uint64 {
	return 1
}

func (s *H2Stream) Read(p []byte) (int, error) {
	return s.recv.Read(p)
}

func (s *H2Stream) Write(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, fmt.Errorf("stream closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.send.Write(p)
}

// CloseWrite is a no-op; the POST has no half-close.
func (s *H2Stream) CloseWrite() error {
	return nil
}

func (s *H2Stream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	err := s.send.Close()
	if rerr := s.recv.Close(); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

// Deadlines are unsupported; the HTTP layer owns its timeouts.
func (s *H2Stream) SetDeadline(t time.Time) error      { return nil }
func (s *H2Stream) SetReadDeadline(t time.Time) error  { return nil }
func (s *H2Stream) SetWriteDeadline(t time.Time) error { return nil }
