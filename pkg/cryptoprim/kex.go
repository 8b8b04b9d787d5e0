// Package cryptoprim implements the ephemeral key agreement and the
// epoch-keyed authenticated encryption used once a handshake has completed.
package cryptoprim

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"
)

// EphemeralPrivateKey is a single-use X25519 private key generated for one
// handshake or one rotation.
type EphemeralPrivateKey struct {
	key *ecdh.PrivateKey
}

// GenerateEphemeralKeyPair creates a fresh X25519 ephemeral keypair.
func GenerateEphemeralKeyPair() (*EphemeralPrivateKey, error) {
	key, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	return &EphemeralPrivateKey{key: key}, nil
}

// PublicBytes returns the raw 32-byte X25519 public key.
func (e *EphemeralPrivateKey) PublicBytes() []byte {
	return e.key.PublicKey().Bytes()
}

// SharedSecret is the symmetric output of the X25519 exchange: 32 raw bytes.
type SharedSecret [32]byte

// DeriveSharedSecret performs X25519(local.priv, remote.pub) and returns the
// raw shared secret. Both sides of a handshake call this with their own
// ephemeral private key and the peer's ephemeral public key bytes, and by
// the ECDH property obtain bytewise-identical output.
func DeriveSharedSecret(local *EphemeralPrivateKey, remotePublic []byte) (SharedSecret, error) {
	var out SharedSecret
	remotePub, err := ecdh.X25519().NewPublicKey(remotePublic)
	if err != nil {
		return out, fmt.Errorf("parse remote ephemeral public key: %w", err)
	}
	secret, err := local.key.ECDH(remotePub)
	if err != nil {
		return out, fmt.Errorf("X25519 exchange: %w", err)
	}
	copy(out[:], secret)
	return out, nil
}
