package cryptoprim

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// NonceSize is the fixed 96-bit nonce size required by ChaCha20-Poly1305.
const NonceSize = chacha20poly1305.NonceSize

// ErrDecrypt indicates AEAD authentication or decryption failed.
var ErrDecrypt = errors.New("decrypt failed")

// Encrypt seals plaintext under the shared secret with the given nonce.
// The nonce must never repeat for a given (shared secret, direction) pair.
func (s SharedSecret) Encrypt(nonce [NonceSize]byte, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(s[:])
	if err != nil {
		return nil, fmt.Errorf("build AEAD: %w", err)
	}
	return aead.Seal(nil, nonce[:], plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt under the same shared secret
// and nonce. Returns ErrDecrypt on authentication failure.
func (s SharedSecret) Decrypt(nonce [NonceSize]byte, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(s[:])
	if err != nil {
		return nil, fmt.Errorf("build AEAD: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}
