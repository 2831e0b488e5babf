package certutil

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestGenerateServerCert(t *testing.T) {
	cert, err := GenerateCert(DefaultServerOptions("relay-a"))
	if err != nil {
		t.Fatalf("GenerateCert: %v", err)
	}

	c := cert.Certificate
	if c.Subject.CommonName != "relay-a" {
		t.Errorf("CN = %q, want relay-a", c.Subject.CommonName)
	}

	found := false
	for _, name := range c.DNSNames {
		if name == "localhost" {
			found = true
		}
	}
	if !found {
		t.Errorf("localhost missing from DNS SANs: %v", c.DNSNames)
	}
	if len(c.IPAddresses) == 0 {
		t.Error("no IP SANs")
	}

	if c.PublicKeyAlgorithm != x509.ECDSA {
		t.Errorf("public key algorithm = %v, want ECDSA", c.PublicKeyAlgorithm)
	}
	if now := time.Now(); now.Before(c.NotBefore) || now.After(c.NotAfter) {
		t.Errorf("certificate not currently valid: %v - %v", c.NotBefore, c.NotAfter)
	}

	if _, err := cert.TLSCertificate(); err != nil {
		t.Errorf("TLSCertificate: %v", err)
	}
}

func TestFingerprintPinning(t *testing.T) {
	a, err := GenerateCert(DefaultServerOptions("relay-a"))
	if err != nil {
		t.Fatalf("GenerateCert: %v", err)
	}
	b, err := GenerateCert(DefaultServerOptions("relay-a"))
	if err != nil {
		t.Fatalf("GenerateCert: %v", err)
	}

	fp := a.Fingerprint()
	if !strings.HasPrefix(fp, "sha256:") {
		t.Fatalf("fingerprint %q lacks sha256: prefix", fp)
	}
	if len(fp) != len("sha256:")+64 {
		t.Errorf("fingerprint length = %d, want %d", len(fp), len("sha256:")+64)
	}

	if !VerifyFingerprint(a.Certificate, fp) {
		t.Error("certificate does not match its own fingerprint")
	}
	if !VerifyFingerprint(a.Certificate, strings.ToUpper(fp)) {
		t.Error("uppercase pin rejected")
	}
	if VerifyFingerprint(b.Certificate, fp) {
		t.Error("distinct certificate matched the pin")
	}
}

func TestSaveToFiles(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "tls", "cert.pem")
	keyPath := filepath.Join(dir, "tls", "key.pem")

	cert, err := GenerateCert(DefaultServerOptions("relay-a"))
	if err != nil {
		t.Fatalf("GenerateCert: %v", err)
	}
	if err := cert.SaveToFiles(certPath, keyPath); err != nil {
		t.Fatalf("SaveToFiles: %v", err)
	}

	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		t.Errorf("saved pair does not load: %v", err)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(keyPath)
		if err != nil {
			t.Fatalf("stat key: %v", err)
		}
		if mode := info.Mode().Perm(); mode != 0o600 {
			t.Errorf("key mode = %o, want 600", mode)
		}
	}
}
