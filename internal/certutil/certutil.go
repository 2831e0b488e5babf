// Package certutil generates and fingerprints the self-signed EC
// certificates a relay-facing transport presents. Link TLS here only
// protects the outermost hop; identity comes from certificate pinning,
// so the fingerprint format is part of the configuration surface.
package certutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CertOptions configures one generated certificate.
type CertOptions struct {
	// CommonName is the subject CN and the first DNS SAN.
	CommonName string

	// ValidFor is how long the certificate stays valid from now.
	ValidFor time.Duration

	// DNSNames and IPAddresses are the SANs presented to dialers.
	DNSNames    []string
	IPAddresses []net.IP
}

// DefaultServerOptions returns options for a certificate a listener
// presents: 90 days, valid for the common name and loopback.
func DefaultServerOptions(commonName string) CertOptions {
	return CertOptions{
		CommonName:  commonName,
		ValidFor:    90 * 24 * time.Hour,
		DNSNames:    []string{commonName, "localhost"},
		IPAddresses: []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}
}

// GeneratedCert is a freshly generated certificate with its key, both
// parsed and PEM-encoded.
type GeneratedCert struct {
	Certificate *x509.Certificate
	PrivateKey  *ecdsa.PrivateKey
	CertPEM     []byte
	KeyPEM      []byte
}

// GenerateCert creates a self-signed ECDSA P-256 certificate.
func GenerateCert(opts CertOptions) (*GeneratedCert, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: opts.CommonName},
		NotBefore:             now,
		NotAfter:              now.Add(opts.ValidFor),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              opts.DNSNames,
		IPAddresses:           opts.IPAddresses,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}

	return &GeneratedCert{
		Certificate: cert,
		PrivateKey:  key,
		CertPEM:     pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:      pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

// Fingerprint returns the pinnable fingerprint of the certificate.
func (gc *GeneratedCert) Fingerprint() string {
	return Fingerprint(gc.Certificate)
}

// TLSCertificate returns the cert/key pair in the form a tls.Config
// consumes.
func (gc *GeneratedCert) TLSCertificate() (tls.Certificate, error) {
	return tls.X509KeyPair(gc.CertPEM, gc.KeyPEM)
}

// SaveToFiles writes the certificate and key as PEM. The key file is
// created owner-readable only.
func (gc *GeneratedCert) SaveToFiles(certPath, keyPath string) error {
	for _, p := range []string{certPath, keyPath} {
		if dir := filepath.Dir(p); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create directory for %s: %w", p, err)
			}
		}
	}
	if err := os.WriteFile(certPath, gc.CertPEM, 0o644); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, gc.KeyPEM, 0o600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	return nil
}

// Fingerprint returns "sha256:" followed by the lowercase hex SHA-256
// of the certificate's DER encoding. Configuration files pin relays by
// this string.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// VerifyFingerprint reports whether the certificate matches a pinned
// fingerprint. Comparison ignores case so hand-copied pins survive
// uppercase hex.
func VerifyFingerprint(cert *x509.Certificate, expected string) bool {
	return strings.EqualFold(Fingerprint(cert), expected)
}
