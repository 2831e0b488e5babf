// Package identity provides relay and node identity handling.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	// IDSize is the size of a RelayID in bytes (160 bits, a relay fingerprint).
	IDSize = 20

	// idFileName is the name of the file storing the local node ID
	idFileName = "node_id"
)

var (
	// ErrInvalidIDLength is returned when the ID length is incorrect
	ErrInvalidIDLength = errors.New("invalid relay ID length: expected 20 bytes")

	// ErrInvalidHexString is returned when the hex string is malformed
	ErrInvalidHexString = errors.New("invalid hex string for relay ID")

	// ZeroID represents an uninitialized relay ID
	ZeroID = RelayID{}
)

// RelayID is the 160-bit fingerprint identifying one relay. The local
// node's own ID is generated randomly and persisted; the IDs of remote
// relays come from configuration.
type RelayID [IDSize]byte

// NewRelayID generates a new random RelayID using crypto/rand.
func NewRelayID() (RelayID, error) {
	var id RelayID
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		return ZeroID, fmt.Errorf("failed to generate relay ID: %w", err)
	}
	return id, nil
}

// ParseRelayID parses a RelayID from a hex string.
func ParseRelayID(s string) (RelayID, error) {
	// Remove any whitespace and 0x prefix
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")

	if len(s) != IDSize*2 {
		return ZeroID, fmt.Errorf("%w: got %d hex chars, expected %d", ErrInvalidHexString, len(s), IDSize*2)
	}

	bytes, err := hex.DecodeString(s)
	if err != nil {
		return ZeroID, fmt.Errorf("%w: %v", ErrInvalidHexString, err)
	}

	var id RelayID
	copy(id[:], bytes)
	return id, nil
}

// FromBytes creates a RelayID from a byte slice.
func FromBytes(b []byte) (RelayID, error) {
	if len(b) != IDSize {
		return ZeroID, fmt.Errorf("%w: got %d bytes", ErrInvalidIDLength, len(b))
	}
	var id RelayID
	copy(id[:], b)
	return id, nil
}

// String returns the full hex representation of the RelayID.
func (id RelayID) String() string {
	return hex.EncodeToString(id[:])
}

// ShortString returns a shortened hex representation (first 8 chars).
func (id RelayID) ShortString() string {
	return hex.EncodeToString(id[:4])
}

// Bytes returns the RelayID as a byte slice.
func (id RelayID) Bytes() []byte {
	return id[:]
}

// IsZero returns true if the RelayID is uninitialized (all zeros).
func (id RelayID) IsZero() bool {
	return id == ZeroID
}

// Equal returns true if two RelayIDs are identical.
func (id RelayID) Equal(other RelayID) bool {
	return id == other
}

// MarshalText implements encoding.TextMarshaler.
func (id RelayID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *RelayID) UnmarshalText(text []byte) error {
	parsed, err := ParseRelayID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Store persists the RelayID to the specified data directory.
func (id RelayID) Store(dataDir string) error {
	if id.IsZero() {
		return errors.New("cannot store zero relay ID")
	}

	// Ensure directory exists
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	filePath := filepath.Join(dataDir, idFileName)

	// Write atomically by writing to temp file first
	tempPath := filePath + ".tmp"
	if err := os.WriteFile(tempPath, []byte(id.String()+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write node ID: %w", err)
	}

	if err := os.Rename(tempPath, filePath); err != nil {
		os.Remove(tempPath) // Clean up temp file
		return fmt.Errorf("failed to persist node ID: %w", err)
	}

	return nil
}

// Load reads a RelayID from the specified data directory.
func Load(dataDir string) (RelayID, error) {
	filePath := filepath.Join(dataDir, idFileName)

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return ZeroID, fmt.Errorf("node ID not found at %s", filePath)
		}
		return ZeroID, fmt.Errorf("failed to read node ID: %w", err)
	}

	return ParseRelayID(strings.TrimSpace(string(data)))
}

// LoadOrCreate loads an existing node ID from the data directory,
// or creates and persists a new one if none exists.
func LoadOrCreate(dataDir string) (RelayID, bool, error) {
	id, err := Load(dataDir)
	if err == nil {
		return id, false, nil // Loaded existing ID
	}

	// Check if it's a "not found" error
	if !strings.Contains(err.Error(), "not found") {
		return ZeroID, false, err // Some other error
	}

	// Generate new ID
	id, err = NewRelayID()
	if err != nil {
		return ZeroID, false, err
	}

	// Persist it
	if err := id.Store(dataDir); err != nil {
		return ZeroID, false, err
	}

	return id, true, nil // Created new ID
}

// Exists checks if a node ID file exists in the data directory.
func Exists(dataDir string) bool {
	filePath := filepath.Join(dataDir, idFileName)
	_, err := os.Stat(filePath)
	return err == nil
}
