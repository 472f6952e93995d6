package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// ClientID identifies a remote endpoint.
type ClientID uint64

// FlowID identifies a flow within a client.
type FlowID uint64

// HuntID identifies a hunt.
type HuntID uint64

// RequestID identifies a request within a flow.
type RequestID uint64

// ResponseID identifies a response within a request.
type ResponseID uint64

// String renders the client id the way operators type it: "C." followed by 16 hex digits.
func (c ClientID) String() string { return fmt.Sprintf("C.%016x", uint64(c)) }

// String renders a flow id as 8+ upper-case hex digits.
func (f FlowID) String() string { return fmt.Sprintf("%08X", uint64(f)) }

// String renders a hunt id as "H." followed by 8+ upper-case hex digits.
func (h HuntID) String() string { return fmt.Sprintf("H.%08X", uint64(h)) }

// ParseClientID accepts "C.<hex>" or a bare hex string.
func ParseClientID(s string) (ClientID, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "C."), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid client id %q: %w", s, err)
	}
	return ClientID(v), nil
}

// ParseFlowID parses a hex flow id.
func ParseFlowID(s string) (FlowID, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid flow id %q: %w", s, err)
	}
	return FlowID(v), nil
}

// ParseHuntID accepts "H.<hex>" or a bare hex string.
func ParseHuntID(s string) (HuntID, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "H."), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid hunt id %q: %w", s, err)
	}
	return HuntID(v), nil
}

// Hash is a 32 byte SHA-256 digest. BlobID, PathID and UsernameHash share it.
type Hash [32]byte

// BlobID is the SHA-256 of a blob's plaintext content.
type BlobID = Hash

// PathID is the SHA-256 of a normalized path string.
type PathID = Hash

// UsernameHash is the SHA-256 of a username.
type UsernameHash = Hash

// HashOf returns the SHA-256 of data.
func HashOf(data []byte) Hash {
	return sha256.Sum256(data)
}

// HashOfString returns the SHA-256 of s.
func HashOfString(s string) Hash {
	return sha256.Sum256([]byte(s))
}

// Hex returns the lowercase hex encoding.
func (h Hash) Hex() string { return hex.EncodeToString(h[:]) }

func (h Hash) String() string { return h.Hex() }

// Bytes returns a copy of the digest as a slice.
func (h Hash) Bytes() []byte {
	b := make([]byte, len(h))
	copy(b, h[:])
	return b
}

// IsZero reports whether h is the zero digest.
func (h Hash) IsZero() bool { return h == Hash{} }

// HashFromBytes converts a 32 byte slice to a Hash.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != len(h) {
		return h, fmt.Errorf("invalid hash length %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

// ParseHash decodes a hex encoded digest.
func ParseHash(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	return HashFromBytes(b)
}
