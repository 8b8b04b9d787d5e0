// Package identity implements peer addressing and the hybrid long-lived
// signing keypair that anchors every handshake.
package identity

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// Size is the fixed length of an Address: one version byte plus a 32-byte hash.
const Size = 33

// Version is the only address version this implementation understands.
const Version = 1

// ErrInvalidAddress indicates a malformed address: wrong length or invalid
// base64 text. The version byte is not checked.
var ErrInvalidAddress = errors.New("invalid address")

// Address is a 33-byte peer identifier: version || SHA256(public key bytes).
type Address [Size]byte

// DeriveAddress computes the Address for a PublicKey.
func DeriveAddress(pub *PublicKey) (Address, error) {
	var a Address
	raw, err := pub.Bytes()
	if err != nil {
		return a, fmt.Errorf("derive address: %w", err)
	}
	digest := sha256.Sum256(raw)
	a[0] = Version
	copy(a[1:], digest[:])
	return a, nil
}

// ParseAddressBytes builds an Address from a raw 33-byte slice.
func ParseAddressBytes(b []byte) (Address, error) {
	var a Address
	if len(b) != Size {
		return a, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidAddress, len(b), Size)
	}
	copy(a[:], b)
	return a, nil
}

// Bytes returns the raw 33-byte representation.
func (a Address) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, a[:])
	return out
}

// String renders the address as unpadded URL-safe base64.
func (a Address) String() string {
	return base64.RawURLEncoding.EncodeToString(a[:])
}

// ParseAddress parses the URL-safe base64 representation produced by String.
func ParseAddress(s string) (Address, error) {
	var a Address
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return ParseAddressBytes(b)
}

// Equal reports whether two addresses hold the same raw bytes.
func (a Address) Equal(other Address) bool {
	return a == other
}
