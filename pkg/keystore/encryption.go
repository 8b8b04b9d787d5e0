package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// IVSize is the AES-GCM nonce size.
const IVSize = 12

var (
	// ErrEncryptionFailed wraps any failure while sealing the keystore.
	ErrEncryptionFailed = errors.New("encryption failed")
	// ErrDecryptionFailed wraps any failure while opening the keystore,
	// including authentication failure from a wrong passphrase.
	ErrDecryptionFailed = errors.New("decryption failed")
)

// encryptedData holds a sealed keystore payload and the nonce used to seal it.
type encryptedData struct {
	Ciphertext []byte
	IV         [IVSize]byte
}

func encrypt(plaintext []byte, key [32]byte) (*encryptedData, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: new cipher: %v", ErrEncryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: new GCM: %v", ErrEncryptionFailed, err)
	}
	var iv [IVSize]byte
	if _, err := rand.Read(iv[:]); err != nil {
		return nil, fmt.Errorf("%w: generate IV: %v", ErrEncryptionFailed, err)
	}
	ciphertext := gcm.Seal(nil, iv[:], plaintext, nil)
	return &encryptedData{Ciphertext: ciphertext, IV: iv}, nil
}

func decrypt(data *encryptedData, key [32]byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: new cipher: %v", ErrDecryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: new GCM: %v", ErrDecryptionFailed, err)
	}
	plaintext, err := gcm.Open(nil, data.IV[:], data.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed or wrong passphrase", ErrDecryptionFailed)
	}
	return plaintext, nil
}
