// Package hopcrypto provides the per-hop cryptographic state of a
// circuit: X25519 for the extend handshake, HKDF for key derivation,
// and ChaCha20 stream ciphers with rolling SHA-256 digests for the
// onion encryption of relay cells.
package hopcrypto

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"crypto/sha256"
)

const (
	// KeySize is the size of X25519 and ChaCha20 keys in bytes.
	KeySize = 32

	// NonceSize is the size of ChaCha20 nonces in bytes.
	NonceSize = 12

	// DigestSeedSize is the size of the seed initializing each
	// direction's rolling digest.
	DigestSeedSize = 20

	// hkdfInfo is the context string for HKDF key derivation.
	hkdfInfo = "umbra-hop-keys-v1"

	// authInfo is the context string for handshake authentication.
	authInfo = "umbra-hop-auth-v1"
)

// KeyMaterial holds the symmetric keys of one hop, both directions.
type KeyMaterial struct {
	FwdKey     [KeySize]byte
	FwdNonce   [NonceSize]byte
	BackKey    [KeySize]byte
	BackNonce  [NonceSize]byte
	FwdDigest  [DigestSeedSize]byte
	BackDigest [DigestSeedSize]byte
}

// GenerateEphemeralKeypair generates a new ephemeral X25519 keypair for
// a single extend handshake. The private key should be zeroed after
// computing the shared secret.
func GenerateEphemeralKeypair() (privateKey, publicKey [KeySize]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, privateKey[:]); err != nil {
		return privateKey, publicKey, fmt.Errorf("generate private key: %w", err)
	}

	// Clamp the private key per X25519 spec
	privateKey[0] &= 248
	privateKey[31] &= 127
	privateKey[31] |= 64

	curve25519.ScalarBaseMult(&publicKey, &privateKey)

	return privateKey, publicKey, nil
}

// ComputeECDH performs X25519 Diffie-Hellman key exchange and returns
// the shared secret.
func ComputeECDH(privateKey, remotePublicKey [KeySize]byte) ([KeySize]byte, error) {
	var sharedSecret [KeySize]byte

	// Reject the all-zeros public key (low-order point)
	var zeroKey [KeySize]byte
	if subtle.ConstantTimeCompare(remotePublicKey[:], zeroKey[:]) == 1 {
		return sharedSecret, fmt.Errorf("invalid remote public key")
	}

	out, err := curve25519.X25519(privateKey[:], remotePublicKey[:])
	if err != nil {
		return sharedSecret, fmt.Errorf("X25519: %w", err)
	}
	copy(sharedSecret[:], out)

	return sharedSecret, nil
}

// DeriveKeyMaterial expands a handshake shared secret into the full
// per-hop key material using HKDF-SHA256.
func DeriveKeyMaterial(sharedSecret []byte) (*KeyMaterial, error) {
	r := hkdf.New(sha256.New, sharedSecret, nil, []byte(hkdfInfo))

	km := &KeyMaterial{}
	for _, part := range [][]byte{
		km.FwdDigest[:],
		km.BackDigest[:],
		km.FwdKey[:],
		km.BackKey[:],
		km.FwdNonce[:],
		km.BackNonce[:],
	} {
		if _, err := io.ReadFull(r, part); err != nil {
			return nil, fmt.Errorf("derive hop keys: %w", err)
		}
	}

	return km, nil
}

// ComputeAuth derives the handshake authenticator a relay returns in
// its CREATED/EXTENDED reply, binding the reply to the shared secret.
func ComputeAuth(sharedSecret [KeySize]byte) [KeySize]byte {
	h := sha256.New()
	h.Write([]byte(authInfo))
	h.Write(sharedSecret[:])
	var auth [KeySize]byte
	copy(auth[:], h.Sum(nil))
	return auth
}

// VerifyAuth checks a handshake authenticator in constant time.
func VerifyAuth(sharedSecret, auth [KeySize]byte) bool {
	expected := ComputeAuth(sharedSecret)
	return subtle.ConstantTimeCompare(expected[:], auth[:]) == 1
}

// ZeroKey overwrites key material with zeros.
func ZeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}
