// Package keystore provides encrypted at-rest storage for a node's hybrid
// identity keypair, the only persistent account state this repository
// carries: the key types the transport itself consumes.
package keystore

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"unicode/utf8"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// MinPassphraseLength is the minimum accepted passphrase length.
	MinPassphraseLength = 12
	// MaxPassphraseLength is the maximum accepted passphrase length.
	MaxPassphraseLength = 1024
	// KeySize is the AES-256-GCM key size derived from the passphrase.
	KeySize = 32
	// DefaultIterations is the PBKDF2 iteration count used by Save.
	DefaultIterations = 100_000
	// SaltSize is the random salt length used for PBKDF2.
	SaltSize = 32
)

var (
	// ErrPassphraseTooShort indicates the passphrase is below MinPassphraseLength.
	ErrPassphraseTooShort = errors.New("passphrase must be at least 12 characters")
	// ErrPassphraseTooLong indicates the passphrase exceeds MaxPassphraseLength.
	ErrPassphraseTooLong = errors.New("passphrase must not exceed 1024 characters")
	// ErrEmptyPassphrase indicates an empty passphrase was supplied.
	ErrEmptyPassphrase = errors.New("passphrase cannot be empty")
	// ErrInvalidSaltSize indicates a salt of the wrong length was supplied.
	ErrInvalidSaltSize = errors.New("salt must be 32 bytes")
	// ErrInvalidIterations indicates an iteration count below the floor.
	ErrInvalidIterations = errors.New("iterations must be at least 10000")
)

// ValidatePassphrase checks length bounds and rejects whitespace-only input.
func ValidatePassphrase(passphrase string) error {
	if len(passphrase) == 0 {
		return ErrEmptyPassphrase
	}
	charCount := utf8.RuneCountInString(passphrase)
	if charCount < MinPassphraseLength {
		return fmt.Errorf("%w (got %d characters, need %d)", ErrPassphraseTooShort, charCount, MinPassphraseLength)
	}
	if charCount > MaxPassphraseLength {
		return fmt.Errorf("%w (got %d characters, max %d)", ErrPassphraseTooLong, charCount, MaxPassphraseLength)
	}
	allWhitespace := true
	for _, r := range passphrase {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			allWhitespace = false
			break
		}
	}
	if allWhitespace {
		return errors.New("passphrase cannot be only whitespace")
	}
	return nil
}

// DeriveKey derives a 32-byte AES-256 key from a passphrase via
// PBKDF2-HMAC-SHA256.
func DeriveKey(passphrase string, salt []byte, iterations int) ([32]byte, error) {
	var key [32]byte
	if err := ValidatePassphrase(passphrase); err != nil {
		return key, fmt.Errorf("invalid passphrase: %w", err)
	}
	if len(salt) != SaltSize {
		return key, fmt.Errorf("%w: got %d bytes, expected %d", ErrInvalidSaltSize, len(salt), SaltSize)
	}
	if iterations < 10000 {
		return key, fmt.Errorf("%w: got %d, minimum 10000", ErrInvalidIterations, iterations)
	}
	derived := pbkdf2.Key([]byte(passphrase), salt, iterations, KeySize, sha256.New)
	copy(key[:], derived)
	for i := range derived {
		derived[i] = 0
	}
	return key, nil
}
