package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/sign/dilithium/mode5"
)

// Signature sizes. The wire format concatenates the post-quantum signature
// first, then the classical one: [ML-DSA-87][Ed25519].
const (
	mldsaSigSize   = mode5.SignatureSize
	ed25519SigSize = ed25519.SignatureSize
	SignatureSize  = mldsaSigSize + ed25519SigSize
)

var (
	// ErrInvalidSignature indicates a signature failed verification.
	ErrInvalidSignature = errors.New("signature verification failed")
	// ErrInvalidSignatureLength indicates a signature has the wrong byte length.
	ErrInvalidSignatureLength = errors.New("invalid signature length")
)

// PrivateKey is the node's long-lived hybrid signing key: classical Ed25519
// plus post-quantum ML-DSA-87, concatenated so both must verify.
type PrivateKey struct {
	mldsa *mode5.PrivateKey
	ed    ed25519.PrivateKey
}

// PublicKey is the verification half of PrivateKey.
type PublicKey struct {
	mldsa *mode5.PublicKey
	ed    ed25519.PublicKey
}

// GenerateKeyPair creates a fresh hybrid signing keypair.
func GenerateKeyPair() (*PrivateKey, error) {
	mldsaPub, mldsaPriv, err := mode5.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ML-DSA-87 key: %w", err)
	}
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate Ed25519 key: %w", err)
	}
	_ = mldsaPub
	_ = edPub
	return &PrivateKey{mldsa: mldsaPriv, ed: edPriv}, nil
}

// Public returns the verification key corresponding to priv.
func (priv *PrivateKey) Public() *PublicKey {
	return &PublicKey{
		mldsa: priv.mldsa.Public().(*mode5.PublicKey),
		ed:    priv.ed.Public().(ed25519.PublicKey),
	}
}

// Sign produces a hybrid signature over message.
func (priv *PrivateKey) Sign(message []byte) ([]byte, error) {
	if priv == nil {
		return nil, errors.New("sign: nil private key")
	}
	mldsaSig := make([]byte, mldsaSigSize)
	mode5.SignTo(priv.mldsa, message, mldsaSig)

	edSig := ed25519.Sign(priv.ed, message)
	if len(edSig) != ed25519SigSize {
		return nil, fmt.Errorf("sign: unexpected Ed25519 signature length %d", len(edSig))
	}

	out := make([]byte, 0, SignatureSize)
	out = append(out, mldsaSig...)
	out = append(out, edSig...)
	return out, nil
}

// Verify checks a hybrid signature produced by Sign. Both halves must verify.
func (pub *PublicKey) Verify(message, signature []byte) error {
	if pub == nil {
		return errors.New("verify: nil public key")
	}
	if len(signature) != SignatureSize {
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSignatureLength, SignatureSize, len(signature))
	}
	mldsaSig := signature[:mldsaSigSize]
	edSig := signature[mldsaSigSize:]

	if !mode5.Verify(pub.mldsa, message, mldsaSig) {
		return fmt.Errorf("%w: ML-DSA-87 verification failed", ErrInvalidSignature)
	}
	if !ed25519.Verify(pub.ed, message, edSig) {
		return fmt.Errorf("%w: Ed25519 verification failed", ErrInvalidSignature)
	}
	return nil
}

// Bytes returns the canonical serialization used to derive an Address:
// [ML-DSA-87 public key][Ed25519 public key].
func (pub *PublicKey) Bytes() ([]byte, error) {
	if pub == nil {
		return nil, errors.New("bytes: nil public key")
	}
	mldsaBytes, err := pub.mldsa.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal ML-DSA-87 public key: %w", err)
	}
	out := make([]byte, 0, len(mldsaBytes)+len(pub.ed))
	out = append(out, mldsaBytes...)
	out = append(out, []byte(pub.ed)...)
	return out, nil
}

// ParsePublicKey reconstructs a PublicKey from the bytes produced by Bytes.
func ParsePublicKey(raw []byte) (*PublicKey, error) {
	if len(raw) <= ed25519.PublicKeySize {
		return nil, fmt.Errorf("parse public key: too short (%d bytes)", len(raw))
	}
	split := len(raw) - ed25519.PublicKeySize
	var mldsaPub mode5.PublicKey
	if err := mldsaPub.UnmarshalBinary(raw[:split]); err != nil {
		return nil, fmt.Errorf("parse public key: unmarshal ML-DSA-87: %w", err)
	}
	ed := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(ed, raw[split:])
	return &PublicKey{mldsa: &mldsaPub, ed: ed}, nil
}

// MLDSAPublicKeySize returns the fixed wire size of the ML-DSA-87 public key,
// used by callers that need to slice a concatenated buffer without parsing.
func MLDSAPublicKeySize() int {
	return mode5.PublicKeySize
}

// Bytes serializes priv for at-rest storage: [ML-DSA-87 private key][Ed25519
// private key]. Callers that persist this (pkg/keystore) are responsible for
// encrypting it; this is raw key material.
func (priv *PrivateKey) Bytes() ([]byte, error) {
	if priv == nil {
		return nil, errors.New("bytes: nil private key")
	}
	mldsaBytes, err := priv.mldsa.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal ML-DSA-87 private key: %w", err)
	}
	out := make([]byte, 0, len(mldsaBytes)+len(priv.ed))
	out = append(out, mldsaBytes...)
	out = append(out, []byte(priv.ed)...)
	return out, nil
}

// ParsePrivateKey reconstructs a PrivateKey from the bytes produced by Bytes.
func ParsePrivateKey(raw []byte) (*PrivateKey, error) {
	if len(raw) <= ed25519.PrivateKeySize {
		return nil, fmt.Errorf("parse private key: too short (%d bytes)", len(raw))
	}
	split := len(raw) - ed25519.PrivateKeySize
	var mldsaPriv mode5.PrivateKey
	if err := mldsaPriv.UnmarshalBinary(raw[:split]); err != nil {
		return nil, fmt.Errorf("parse private key: unmarshal ML-DSA-87: %w", err)
	}
	ed := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
	copy(ed, raw[split:])
	return &PrivateKey{mldsa: &mldsaPriv, ed: ed}, nil
}
