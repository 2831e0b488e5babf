package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"slices"
)

// DefaultALPNProtocol names the protocol on links that advertise it:
// the QUIC ALPN, the WebSocket subprotocol, and the HTTP/2 request
// header value.
const DefaultALPNProtocol = "umbra/1"

// protoHeader carries the protocol name on HTTP/2 links, where ALPN
// is already claimed by "h2".
const protoHeader = "X-Umbra-Protocol"

// LoadCAPool reads a PEM bundle into a pool for verifying relay
// certificates.
func LoadCAPool(caFile string) (*x509.CertPool, error) {
	data, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates in CA bundle %s", caFile)
	}
	return pool, nil
}

// dialTLSConfig derives the client TLS config for one dial. A nil
// caller config yields an unverified TLS 1.3 link; the onion layer
// authenticates every hop regardless of what the link proves.
func dialTLSConfig(opts DialOptions, protos ...string) *tls.Config {
	cfg := opts.TLSConfig
	if cfg == nil {
		cfg = &tls.Config{
			InsecureSkipVerify: true,
			MinVersion:         tls.VersionTLS13,
		}
	} else {
		cfg = cfg.Clone()
	}
	addProtos(cfg, protos)
	return cfg
}

// listenTLSConfig clones the listener config and guarantees the
// transport's ALPN identifiers are offered.
func listenTLSConfig(cfg *tls.Config, protos ...string) *tls.Config {
	cfg = cfg.Clone()
	addProtos(cfg, protos)
	return cfg
}

// addProtos prepends any missing ALPN identifiers, keeping whatever
// the caller already offers.
func addProtos(cfg *tls.Config, protos []string) {
	for i := len(protos) - 1; i >= 0; i-- {
		if !slices.Contains(cfg.NextProtos, protos[i]) {
			cfg.NextProtos = append([]string{protos[i]}, cfg.NextProtos...)
		}
	}
}
