package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	utls "github.com/refraction-networking/utls"
)

// FingerprintPreset names a ClientHello imitation for the TCP-based
// transports. A middlebox classifying TLS handshakes sees the chosen
// browser instead of the Go runtime.
type FingerprintPreset string

const (
	FingerprintDisabled FingerprintPreset = "disabled"
	FingerprintGo       FingerprintPreset = "go"
	FingerprintChrome   FingerprintPreset = "chrome"
	FingerprintFirefox  FingerprintPreset = "firefox"
	FingerprintSafari   FingerprintPreset = "safari"
	FingerprintEdge     FingerprintPreset = "edge"
	FingerprintIOS      FingerprintPreset = "ios"
	FingerprintAndroid  FingerprintPreset = "android"

	// FingerprintRandom draws a fresh imitation per connection.
	FingerprintRandom FingerprintPreset = "random"
)

var helloIDs = map[FingerprintPreset]utls.ClientHelloID{
	FingerprintChrome:  utls.HelloChrome_Auto,
	FingerprintFirefox: utls.HelloFirefox_Auto,
	FingerprintSafari:  utls.HelloSafari_Auto,
	FingerprintEdge:    utls.HelloEdge_Auto,
	FingerprintIOS:     utls.HelloIOS_Auto,
	FingerprintAndroid: utls.HelloAndroid_11_OkHttp,
	FingerprintRandom:  utls.HelloRandomized,
}

// IsFingerprintEnabled reports whether the preset asks for an imitated
// handshake rather than standard Go TLS.
func IsFingerprintEnabled(preset string) bool {
	_, ok := helloIDs[FingerprintPreset(preset)]
	return ok
}

// dialCamouflaged dials TCP and performs a uTLS handshake imitating
// the preset's browser, offering the given ALPN identifiers.
func dialCamouflaged(ctx context.Context, network, addr string, cfg *tls.Config, preset string, alpn []string) (net.Conn, error) {
	helloID, ok := helloIDs[FingerprintPreset(preset)]
	if !ok {
		return nil, fmt.Errorf("unknown fingerprint preset %q", preset)
	}

	var d net.Dialer
	raw, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	ucfg := &utls.Config{
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		RootCAs:            cfg.RootCAs,
		MinVersion:         cfg.MinVersion,
		MaxVersion:         cfg.MaxVersion,
	}
	for _, cert := range cfg.Certificates {
		ucfg.Certificates = append(ucfg.Certificates, utls.Certificate{
			Certificate: cert.Certificate,
			PrivateKey:  cert.PrivateKey,
			Leaf:        cert.Leaf,
		})
	}

	conn := utls.UClient(raw, ucfg, helloID)
	if err := forceALPN(conn, alpn); err != nil {
		raw.Close()
		return nil, err
	}
	if err := conn.Handshake(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("camouflaged handshake: %w", err)
	}

	return &camoConn{UConn: conn, raw: raw}, nil
}

// forceALPN overrides the ALPN values baked into the browser
// imitation. The preset's own list usually suffices for h2, but the
// negotiated protocol must match what the HTTP client expects.
func forceALPN(conn *utls.UConn, alpn []string) error {
	if len(alpn) == 0 {
		return nil
	}
	if err := conn.BuildHandshakeState(); err != nil {
		return fmt.Errorf("build handshake state: %w", err)
	}
	for _, ext := range conn.Extensions {
		if a, ok := ext.(*utls.ALPNExtension); ok {
			a.AlpnProtocols = alpn
			return nil
		}
	}
	conn.Extensions = append(conn.Extensions, &utls.ALPNExtension{AlpnProtocols: alpn})
	return nil
}

// camoConn adapts a uTLS connection to what net/http expects from a
// TLS net.Conn.
type camoConn struct {
	*utls.UConn
	raw net.Conn
}

// ConnectionState converts the uTLS state so http2.Transport accepts
// the connection as TLS.
func (c *camoConn) ConnectionState() tls.ConnectionState {
	s := c.UConn.ConnectionState()
	return tls.ConnectionState{
		Version:                     s.Version,
		HandshakeComplete:           s.HandshakeComplete,
		DidResume:                   s.DidResume,
		CipherSuite:                 s.CipherSuite,
		NegotiatedProtocol:          s.NegotiatedProtocol,
		NegotiatedProtocolIsMutual:  s.NegotiatedProtocolIsMutual,
		ServerName:                  s.ServerName,
		PeerCertificates:            s.PeerCertificates,
		VerifiedChains:              s.VerifiedChains,
		SignedCertificateTimestamps: s.SignedCertificateTimestamps,
		OCSPResponse:                s.OCSPResponse,
	}
}

func (c *camoConn) NetConn() net.Conn {
	return c.raw
}
