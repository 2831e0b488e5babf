// Package transport moves the framed cell channel between a node and
// its relays. Every transport, whatever it looks like on the wire,
// hands the channel layer the same thing: a reliable ordered byte
// stream that 514-byte cells are written to verbatim.
//
// QUIC is the native transport and multiplexes streams itself, so a
// conflux leg can open its own. HTTP/2 and WebSocket look like
// ordinary web traffic to a middlebox and carry exactly one stream
// per connection.
package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"time"
)

// TransportType identifies a wire protocol.
type TransportType string

const (
	TransportQUIC      TransportType = "quic"
	TransportHTTP2     TransportType = "h2"
	TransportWebSocket TransportType = "ws"
)

// Transport dials out to relays and accepts connections from them.
type Transport interface {
	// Dial connects to a relay.
	Dial(ctx context.Context, addr string, opts DialOptions) (PeerConn, error)

	// Listen accepts inbound connections on addr.
	Listen(addr string, opts ListenOptions) (Listener, error)

	// Type identifies the wire protocol.
	Type() TransportType

	// Close shuts the transport and every listener it opened.
	Close() error
}

// Listener accepts inbound peer connections.
type Listener interface {
	Accept(ctx context.Context) (PeerConn, error)
	Addr() net.Addr
	Close() error
}

// PeerConn is one connection to one relay.
type PeerConn interface {
	// OpenStream opens an outgoing stream. Single-stream transports
	// return their one stream.
	OpenStream(ctx context.Context) (Stream, error)

	// AcceptStream waits for a peer-opened stream. Single-stream
	// transports return their one stream.
	AcceptStream(ctx context.Context) (Stream, error)

	// Close tears the connection down.
	Close() error

	// LocalAddr and RemoteAddr may be nil when the wire protocol does
	// not expose them.
	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	// IsDialer reports whether this side initiated the connection.
	IsDialer() bool

	// TransportType identifies the wire protocol carrying this
	// connection.
	TransportType() TransportType
}

// Stream is the ordered byte pipe a cell channel runs over.
type Stream interface {
	io.Reader
	io.Writer

	// StreamID identifies the stream within its connection.
	StreamID() uint64

	// CloseWrite half-closes the sending direction where the wire
	// protocol supports it.
	CloseWrite() error

	// Close closes both directions.
	Close() error

	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// DialOptions configures one outbound connection.
type DialOptions struct {
	// TLSConfig for the link. Nil means an unverified link; the onion
	// layer still authenticates every hop.
	TLSConfig *tls.Config

	// Timeout bounds connection establishment.
	Timeout time.Duration

	// Path is the HTTP path for the h2 and ws transports. Ignored when
	// addr is already a full URL.
	Path string

	// ProxyURL routes the ws transport through an HTTP proxy, with
	// optional credentials.
	ProxyURL      string
	ProxyUsername string
	ProxyPassword string

	// FingerprintPreset selects a browser ClientHello imitation for
	// the h2 and ws transports (chrome, firefox, safari, ...). Empty
	// or "disabled" uses standard Go TLS.
	FingerprintPreset string
}

// DefaultDialOptions returns the dial defaults.
func DefaultDialOptions() DialOptions {
	return DialOptions{
		Timeout: 30 * time.Second,
	}
}

// ListenOptions configures one listener.
type ListenOptions struct {
	// TLSConfig is required; all transports run over TLS.
	TLSConfig *tls.Config

	// Path is the HTTP path for the h2 and ws transports.
	Path string

	// MaxStreams caps concurrent streams per QUIC connection.
	MaxStreams int
}

// DefaultListenOptions returns the listen defaults.
func DefaultListenOptions() ListenOptions {
	return ListenOptions{
		MaxStreams: 10000,
	}
}
