package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	quicIdleTimeout = 60 * time.Second
	quicKeepAlive   = 30 * time.Second
)

// newQUICConfig builds the quic-go configuration shared by dial and
// listen. Unidirectional streams are disabled; a cell channel is
// always bidirectional.
func newQUICConfig(maxStreams int64) *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:        quicIdleTimeout,
		KeepAlivePeriod:       quicKeepAlive,
		MaxIncomingStreams:    maxStreams,
		MaxIncomingUniStreams: 0,
	}
}

// QUICTransport is the native transport. Each relay link is one QUIC
// connection; the cell channel rides the first bidirectional stream
// and additional legs can open their own.
type QUICTransport struct {
	mu        sync.Mutex
	listeners []*QUICListener
	closed    bool
}

// NewQUICTransport creates a QUIC transport.
func NewQUICTransport() *QUICTransport {
	return &QUICTransport{}
}

func (t *QUICTransport) Type() TransportType {
	return TransportQUIC
}

// Dial connects to a relay over QUIC.
func (t *QUICTransport) Dial(ctx context.Context, addr string, opts DialOptions) (PeerConn, error) {
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

	conn, err := quic.DialAddr(ctx, addr, dialTLSConfig(opts, DefaultALPNProtocol), newQUICConfig(0))
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}

	return &QUICPeerConn{conn: conn, dialer: true}, nil
}

// Listen opens a QUIC listener on addr.
func (t *QUICTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}
	if opts.TLSConfig == nil {
		return nil, fmt.Errorf("quic listener requires a TLS config")
	}

	maxStreams := int64(opts.MaxStreams)
	if maxStreams <= 0 {
		maxStreams = int64(DefaultListenOptions().MaxStreams)
	}

	ln, err := quic.ListenAddr(addr, listenTLSConfig(opts.TLSConfig, DefaultALPNProtocol), newQUICConfig(maxStreams))
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", addr, err)
	}

	ql := &QUICListener{listener: ln}
	t.listeners = append(t.listeners, ql)
	return ql, nil
}

// Close shuts the transport and every listener it opened.
func (t *QUICTransport) Close() error {
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

// QUICListener accepts inbound QUIC connections.
type QUICListener struct {
	listener *quic.Listener
	mu       sync.Mutex
	closed   bool
}

func (l *QUICListener) Accept(ctx context.Context) (PeerConn, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return &QUICPeerConn{conn: conn, dialer: false}, nil
}

func (l *QUICListener) Addr() net.Addr {
	return l.listener.Addr()
}

func (l *QUICListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.listener.Close()
}

// QUICPeerConn is one QUIC connection to a relay.
type QUICPeerConn struct {
	conn   quic.Connection
	dialer bool
}

func (c *QUICPeerConn) OpenStream(ctx context.Context) (Stream, error) {
	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open quic stream: %w", err)
	}
	return &QUICStream{stream: stream}, nil
}

func (c *QUICPeerConn) AcceptStream(ctx context.Context) (Stream, error) {
	stream, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return &QUICStream{stream: stream}, nil
}

func (c *QUICPeerConn) Close() error {
	return c.conn.CloseWithError(0, "connection closed")
}

func (c *QUICPeerConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *QUICPeerConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *QUICPeerConn) IsDialer() bool {
	return c.dialer
}

func (c *QUICPeerConn) TransportType() TransportType {
	return TransportQUIC
}

// QUICStream adapts a quic-go stream to the Stream interface.
type QUICStream struct {
	stream quic.Stream
}

func (s *QUICStream) StreamID() uint64 {
	return uint64(s.stream.StreamID())
}

func (s *QUICStream) Read(p []byte) (int, error) {
	return s.stream.Read(p)
}

func (s *QUICStream) Write(p []byte) (int, error) {
	return s.stream.Write(p)
}

// CloseWrite sends FIN; the peer can keep sending.
func (s *QUICStream) CloseWrite() error {
	return s.stream.Close()
}

func (s *QUICStream) Close() error {
	s.stream.CancelRead(0)
	return s.stream.Close()
}

func (s *QUICStream) SetDeadline(t time.Time) error {
	return s.stream.SetDeadline(t)
}

func (s *QUICStream) SetReadDeadline(t time.Time) error {
	return s.stream.SetReadDeadline(t)
}

func (s *QUICStream) SetWriteDeadline(t time.Time) error {
	return s.stream.SetWriteDeadline(t)
}
