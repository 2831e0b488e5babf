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

	"nhooyr.io/websocket"
)

const (
	defaultWSPath = "/ws"

	// wsReadLimit caps one WebSocket message. Cells are written one
	// per message, so anything near this limit is hostile.
	wsReadLimit = 16 << 20
)

// WebSocketTransport carries the cell channel over one WebSocket
// connection per relay, each cell a binary message. It is the
// transport of last resort: it survives HTTP proxies and TLS
// middleboxes that QUIC and raw HTTP/2 do not.
type WebSocketTransport struct {
	mu        sync.Mutex
	listeners []*WebSocketListener
	closed    bool
}

// NewWebSocketTransport creates a WebSocket transport.
func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{}
}

func (t *WebSocketTransport) Type() TransportType {
	return TransportWebSocket
}

// Dial upgrades an HTTPS request to a WebSocket against the relay.
func (t *WebSocketTransport) Dial(ctx context.Context, addr string, opts DialOptions) (PeerConn, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("transport closed")
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	client, err := wsHTTPClient(opts)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.Dial(ctx, wsEndpoint(addr, opts.Path), &websocket.DialOptions{
		HTTPClient:   client,
		Subprotocols: []string{DefaultALPNProtocol},
	})
	if err != nil {
		return nil, fmt.Errorf("ws dial %s: %w", addr, err)
	}
	conn.SetReadLimit(wsReadLimit)

	return &WebSocketPeerConn{conn: conn, dialer: true}, nil
}

// wsEndpoint resolves the dial address to a wss URL. A bare host:port
// gets the configured path, or /ws.
func wsEndpoint(addr, path string) string {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	if path == "" {
		path = defaultWSPath
	}
	return "wss://" + addr + path
}

// wsHTTPClient builds the HTTP client the upgrade request rides on:
// link TLS, optional browser camouflage, optional proxy.
func wsHTTPClient(opts DialOptions) (*http.Client, error) {
	tlsCfg := dialTLSConfig(opts)

	tr := &http.Transport{TLSClientConfig: tlsCfg}

	if IsFingerprintEnabled(opts.FingerprintPreset) {
		preset := opts.FingerprintPreset
		tr.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			cfg := tlsCfg.Clone()
			if cfg.ServerName == "" {
				if host, _, err := net.SplitHostPort(addr); err == nil {
					cfg.ServerName = host
				}
			}
			// The upgrade request is HTTP/1.1; offering h2 here would
			// break the handshake.
			return dialCamouflaged(ctx, network, addr, cfg, preset, []string{"http/1.1"})
		}
	}

	if opts.ProxyURL != "" {
		proxy, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("proxy URL %q: %w", opts.ProxyURL, err)
		}
		if opts.ProxyUsername != "" {
			proxy.User = url.UserPassword(opts.ProxyUsername, opts.ProxyPassword)
		}
		tr.Proxy = http.ProxyURL(proxy)
	}

	return &http.Client{Transport: tr, Timeout: opts.Timeout}, nil
}

// Listen serves the WebSocket upgrade endpoint.
func (t *WebSocketTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}
	if opts.TLSConfig == nil {
		return nil, fmt.Errorf("ws listener requires a TLS config")
	}

	path := opts.Path
	if path == "" {
		path = defaultWSPath
	}

	l := &WebSocketListener{
		path:      path,
		tlsConfig: opts.TLSConfig.Clone(),
		accepted:  make(chan *WebSocketPeerConn, 16),
		closeCh:   make(chan struct{}),
	}
	if err := l.start(addr); err != nil {
		return nil, err
	}

	t.listeners = append(t.listeners, l)
	return l, nil
}

// Close shuts the transport and every listener it opened.
func (t *WebSocketTransport) Close() error {
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

// WebSocketListener accepts inbound WebSocket upgrades.
type WebSocketListener struct {
	path      string
	tlsConfig *tls.Config
	server    *http.Server
	netLn     net.Listener
	accepted  chan *WebSocketPeerConn
	closeCh   chan struct{}
	closed    atomic.Bool
}

func (l *WebSocketListener) start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc(l.path, l.serveUpgrade)

	l.server = &http.Server{
		Handler:   mux,
		TLSConfig: l.tlsConfig,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("ws listen %s: %w", addr, err)
	}
	l.netLn = ln

	go l.server.ServeTLS(ln, "", "")
	return nil
}

func (l *WebSocketListener) serveUpgrade(w http.ResponseWriter, r *http.Request) {
	if l.closed.Load() {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{DefaultALPNProtocol},
	})
	if err != nil {
		return
	}
	conn.SetReadLimit(wsReadLimit)

	select {
	case l.accepted <- &WebSocketPeerConn{conn: conn}:
	case <-l.closeCh:
		conn.Close(websocket.StatusGoingAway, "server closed")
	}
}

func (l *WebSocketListener) Accept(ctx context.Context) (PeerConn, error) {
	select {
	case conn := <-l.accepted:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, fmt.Errorf("listener closed")
	}
}

func (l *WebSocketListener) Addr() net.Addr {
	if l.netLn != nil {
		return l.netLn.Addr()
	}
	return nil
}

func (l *WebSocketListener) Close() error {
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

// WebSocketPeerConn is one WebSocket connection. Like HTTP/2 it
// carries exactly one stream.
type WebSocketPeerConn struct {
	conn   *websocket.Conn
	dialer bool
	once   sync.Once
	link   *WebSocketStream
	closed atomic.Bool
}

func (c *WebSocketPeerConn) stream() *WebSocketStream {
	c.once.Do(func() {
		c.link = &WebSocketStream{
			conn: c.conn,
			// The stream outlives any dial context.
			ctx: context.Background(),
		}
	})
	return c.link
}

func (c *WebSocketPeerConn) OpenStream(ctx context.Context) (Stream, error) {
	return c.stream(), nil
}

func (c *WebSocketPeerConn) AcceptStream(ctx context.Context) (Stream, error) {
	return c.stream(), nil
}

func (c *WebSocketPeerConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close(websocket.StatusNormalClosure, "connection closed")
}

// LocalAddr is nil; the HTTP layer hides the socket.
func (c *WebSocketPeerConn) LocalAddr() net.Addr {
	return nil
}

func (c *WebSocketPeerConn) RemoteAddr() net.Addr {
	return nil
}

func (c *WebSocketPeerConn) IsDialer() bool {
	return c.dialer
}

func (c *WebSocketPeerConn) TransportType() TransportType {
	return TransportWebSocket
}

// WebSocketStream presents binary messages as a byte stream. A short
// read leaves the rest of the message pending for the next call.
type WebSocketStream struct {
	conn    *websocket.Conn
	ctx     context.Context
	pending io.Reader
	readMu  sync.Mutex
	closed  atomic.Bool
}

// StreamID is always 1; the connection carries a single stream.
func (s *WebSocketStream) StreamID() uint64 {
	return 1
}

func (s *WebSocketStream) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	for {
		if s.pending == nil {
			typ, r, err := s.conn.Reader(s.ctx)
			if err != nil {
				return 0, err
			}
			if typ != websocket.MessageBinary {
				return 0, fmt.Errorf("unexpected message type %v", typ)
			}
			s.pending = r
		}

		n, err := s.pending.Read(p)
		if err == io.EOF {
			s.pending = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *WebSocketStream) Write(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, fmt.Errorf("stream closed")
	}
	if err := s.conn.Write(s.ctx, websocket.MessageBinary, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// CloseWrite is a no-op; WebSocket has no half-close.
func (s *WebSocketStream) CloseWrite() error {
	return nil
}

func (s *WebSocketStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.conn.Close(websocket.StatusNormalClosure, "stream closed")
}

// Deadlines are unsupported; reads and writes are bounded by ctx.
func (s *WebSocketStream) SetDeadline(t time.Time) error      { return nil }
func (s *WebSocketStream) SetReadDeadline(t time.Time) error  { return nil }
func (s *WebSocketStream) SetWriteDeadline(t time.Time) error { return nil }
