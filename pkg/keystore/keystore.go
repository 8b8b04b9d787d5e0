package keystore

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/duskline/duskline/pkg/identity"
)

// FormatVersion is the on-disk keystore file format version.
const FormatVersion = 1

// ErrWrongPassphrase indicates decryption failed, almost always because the
// wrong passphrase was supplied (or the file was corrupted).
var ErrWrongPassphrase = errors.New("wrong passphrase or corrupted keystore")

// ErrInvalidKeystore indicates the file is not a well-formed keystore.
var ErrInvalidKeystore = errors.New("invalid keystore file")

// file is the on-disk JSON representation.
type file struct {
	Version    int    `json:"version"`
	Iterations int    `json:"iterations"`
	Salt       string `json:"salt"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
}

// Save encrypts priv under passphrase and writes it to path with 0600
// permissions. The passphrase is never written to disk.
func Save(priv *identity.PrivateKey, passphrase string, path string) error {
	if err := ValidatePassphrase(passphrase); err != nil {
		return fmt.Errorf("invalid passphrase: %w", err)
	}
	if priv == nil {
		return errors.New("keypair cannot be nil")
	}

	plaintext, err := priv.Bytes()
	if err != nil {
		return fmt.Errorf("serialize keypair: %w", err)
	}

	var salt [SaltSize]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	key, err := DeriveKey(passphrase, salt[:], DefaultIterations)
	if err != nil {
		return fmt.Errorf("derive key: %w", err)
	}

	enc, err := encrypt(plaintext, key)
	if err != nil {
		return fmt.Errorf("encrypt keystore: %w", err)
	}
	for i := range key {
		key[i] = 0
	}

	out := file{
		Version:    FormatVersion,
		Iterations: DefaultIterations,
		Salt:       base64.StdEncoding.EncodeToString(salt[:]),
		IV:         base64.StdEncoding.EncodeToString(enc.IV[:]),
		Ciphertext: base64.StdEncoding.EncodeToString(enc.Ciphertext),
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal keystore file: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write keystore file: %w", err)
	}
	return nil
}

// Load decrypts the keypair stored at path under passphrase.
func Load(passphrase string, path string) (*identity.PrivateKey, error) {
	if err := ValidatePassphrase(passphrase); err != nil {
		return nil, fmt.Errorf("invalid passphrase: %w", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keystore file: %w", err)
	}
	var f file
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: parse JSON: %v", ErrInvalidKeystore, err)
	}
	if f.Version != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidKeystore, f.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(f.Salt)
	if err != nil || len(salt) != SaltSize {
		return nil, fmt.Errorf("%w: invalid salt", ErrInvalidKeystore)
	}
	ivBytes, err := base64.StdEncoding.DecodeString(f.IV)
	if err != nil || len(ivBytes) != IVSize {
		return nil, fmt.Errorf("%w: invalid IV", ErrInvalidKeystore)
	}
	var iv [IVSize]byte
	copy(iv[:], ivBytes)
	ciphertext, err := base64.StdEncoding.DecodeString(f.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ciphertext", ErrInvalidKeystore)
	}

	key, err := DeriveKey(passphrase, salt, f.Iterations)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	plaintext, err := decrypt(&encryptedData{Ciphertext: ciphertext, IV: iv}, key)
	for i := range key {
		key[i] = 0
	}
	if err != nil {
		return nil, ErrWrongPassphrase
	}

	priv, err := identity.ParsePrivateKey(plaintext)
	if err != nil {
		return nil, fmt.Errorf("reconstruct keypair: %w", err)
	}
	return priv, nil
}

// Exists reports whether a keystore file exists at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
